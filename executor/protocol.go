package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/caffeineduck/pyrun/hostfunc"
)

// Frames written by the session bootstrap on stderr. Everything outside a
// frame is the program's own stderr text.
//
//	\x00PYRUN_READY\x00        interpreter is waiting for commands
//	\x00PYRUN_DONE\x00         the current exec command finished
//	\x00PYRUN_ERROR:<msg>\x00  the current exec command raised
//	\x00PYRUN:{json}\x00       host function call, answered on stdin
const (
	frameMark   = "\x00PYRUN"
	readyBody   = "PYRUN_READY"
	doneBody    = "PYRUN_DONE"
	errorPrefix = "PYRUN_ERROR:"
	callPrefix  = "PYRUN:"
)

type frameKind int

const (
	frameText frameKind = iota
	frameReady
	frameDone
	frameError
	frameCall
)

type frame struct {
	kind    frameKind
	payload string
}

// parseFrames splits buf into text and protocol frames. A trailing partial
// frame is returned as rest so the next write can complete it.
func parseFrames(buf string) (frames []frame, rest string) {
	for len(buf) > 0 {
		i := strings.IndexByte(buf, 0)
		if i < 0 {
			return append(frames, frame{kind: frameText, payload: buf}), ""
		}
		if i > 0 {
			frames = append(frames, frame{kind: frameText, payload: buf[:i]})
			buf = buf[i:]
		}

		if !strings.HasPrefix(buf, frameMark) {
			if strings.HasPrefix(frameMark, buf) {
				return frames, buf
			}
			frames = append(frames, frame{kind: frameText, payload: buf[:1]})
			buf = buf[1:]
			continue
		}

		end := strings.IndexByte(buf[1:], 0)
		if end < 0 {
			return frames, buf
		}
		body := buf[1 : 1+end]
		buf = buf[end+2:]

		switch {
		case body == readyBody:
			frames = append(frames, frame{kind: frameReady})
		case body == doneBody:
			frames = append(frames, frame{kind: frameDone})
		case strings.HasPrefix(body, errorPrefix):
			frames = append(frames, frame{kind: frameError, payload: body[len(errorPrefix):]})
		case strings.HasPrefix(body, callPrefix):
			frames = append(frames, frame{kind: frameCall, payload: body[len(callPrefix):]})
		default:
			frames = append(frames, frame{kind: frameText, payload: "\x00" + body + "\x00"})
		}
	}
	return frames, ""
}

type callRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// sessionProtocol is the interpreter's stderr. It forwards plain text to the
// current target and turns frames into readiness, completion and host calls.
type sessionProtocol struct {
	ctx      context.Context
	registry *hostfunc.Registry
	stdin    io.Writer
	stderr   *target
	logger   *slog.Logger

	mu  sync.Mutex
	buf string

	readyOnce sync.Once
	readyCh   chan struct{}
	doneCh    chan error

	writeMu sync.Mutex
}

func newSessionProtocol(ctx context.Context, registry *hostfunc.Registry, stdin io.Writer, stderr *target, logger *slog.Logger) *sessionProtocol {
	return &sessionProtocol{
		ctx:      ctx,
		registry: registry,
		stdin:    stdin,
		stderr:   stderr,
		logger:   logger,
		readyCh:  make(chan struct{}),
		doneCh:   make(chan error, 1),
	}
}

func (p *sessionProtocol) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	frames, rest := parseFrames(p.buf + string(data))
	p.buf = rest

	for _, f := range frames {
		switch f.kind {
		case frameText:
			p.stderr.Write([]byte(f.payload))
		case frameReady:
			p.readyOnce.Do(func() { close(p.readyCh) })
		case frameDone:
			p.complete(nil)
		case frameError:
			p.complete(errors.New(f.payload))
		case frameCall:
			// The interpreter blocks on stdin for the answer, so Write must
			// return before the response is written.
			go p.handleCall(f.payload)
		}
	}
	return len(data), nil
}

func (p *sessionProtocol) complete(err error) {
	select {
	case p.doneCh <- err:
	default:
		p.logger.Warn("unexpected completion frame", "error", err)
	}
}

func (p *sessionProtocol) handleCall(payload string) {
	var req callRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		p.respond(callResponse{Error: "invalid call format"})
		return
	}
	p.respond(p.executeCall(req))
}

func (p *sessionProtocol) executeCall(req callRequest) callResponse {
	fn, ok := p.registry.Get(req.Fn)
	if !ok {
		return callResponse{Error: "unknown function: " + req.Fn}
	}

	result, err := fn(p.ctx, req.Args)
	if err != nil {
		return callResponse{Error: err.Error()}
	}
	return callResponse{Data: result}
}

func (p *sessionProtocol) respond(resp callResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"error":"internal: failed to marshal response"}`)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		p.logger.Debug("host call response dropped", "error", err)
	}
}

func (p *sessionProtocol) Ready() <-chan struct{} {
	return p.readyCh
}

func (p *sessionProtocol) Done() <-chan error {
	return p.doneCh
}

// resetExec drops a completion left over from an abandoned run.
func (p *sessionProtocol) resetExec() {
	select {
	case <-p.doneCh:
	default:
	}
}

// target is a writer whose destination changes per exec. Writes with no
// destination are dropped.
type target struct {
	mu sync.Mutex
	w  io.Writer
}

func (t *target) Set(w io.Writer) {
	t.mu.Lock()
	t.w = w
	t.mu.Unlock()
}

func (t *target) Write(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w != nil {
		t.w.Write(data)
	}
	return len(data), nil
}
