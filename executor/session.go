package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/caffeineduck/pyrun/hostfunc"
	"github.com/tetratelabs/wazero"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSessionExited = errors.New("session interpreter exited")
)

// Session is a long-lived interpreter instance. State defined by one Run is
// visible to the next.
type Session struct {
	exec     *Executor
	lang     Language
	cfg      sessionConfig
	registry *hostfunc.Registry

	stdin       *io.PipeWriter
	stdinReader *io.PipeReader
	stdout      *target
	stderr      *target
	protocol    *sessionProtocol
	cancel      context.CancelFunc

	exited  chan struct{}
	exitErr error

	mu     sync.Mutex
	execMu sync.Mutex
	closed bool
}

type execCommand struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
}

// NewSession starts the language bootstrap and waits for its ready frame.
// ctx bounds the startup only; the interpreter lives until Close.
func (e *Executor) NewSession(ctx context.Context, lang Language, opts ...SessionOption) (*Session, error) {
	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.env["PYRUN_SESSION"] = "1"

	compiled, err := e.Compile(ctx, lang)
	if err != nil {
		return nil, err
	}

	s := &Session{
		exec:     e,
		lang:     lang,
		cfg:      cfg,
		registry: e.sessionRegistry(cfg),
		stdout:   &target{},
		stderr:   &target{},
		exited:   make(chan struct{}),
	}

	if err := s.start(ctx, compiled); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (e *Executor) sessionRegistry(cfg sessionConfig) *hostfunc.Registry {
	registry := hostfunc.NewRegistry()
	for name, fn := range e.registry.All() {
		registry.Register(name, fn)
	}

	registry.Register("time_now", func(ctx context.Context, args map[string]any) (any, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	})

	if cfg.kvEnabled {
		kv := cfg.kv
		if kv == nil {
			kv = hostfunc.NewKV(hostfunc.DefaultKVConfig())
		}
		registry.Register("kv_get", kv.Get)
		registry.Register("kv_set", kv.Set)
		registry.Register("kv_delete", kv.Delete)
		registry.Register("kv_keys", kv.Keys)
	}
	return registry
}

func (s *Session) start(ctx context.Context, compiled wazero.CompiledModule) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.stdinReader, s.stdin = io.Pipe()
	s.protocol = newSessionProtocol(runCtx, s.registry, s.stdin, s.stderr, s.exec.logger)

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(s.stdout).
		WithStderr(s.protocol).
		WithStdin(s.stdinReader).
		WithArgs(s.lang.Args(s.lang.Bootstrap())...).
		WithName("")

	for k, v := range s.cfg.env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	go func() {
		mod, err := s.exec.runtime.InstantiateModule(runCtx, compiled, moduleConfig)
		if mod != nil {
			mod.Close(context.Background())
		}
		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		s.stdinReader.Close()
		close(s.exited)
	}()

	timer := time.NewTimer(s.cfg.startTimeout)
	defer timer.Stop()

	select {
	case <-s.protocol.Ready():
		s.exec.logger.Debug("session ready", "language", s.lang.Name())
		return nil
	case <-s.exited:
		if err := s.exitError(); err != nil {
			return fmt.Errorf("start session: %w: %w", ErrSessionExited, err)
		}
		return fmt.Errorf("start session: %w before ready", ErrSessionExited)
	case <-timer.C:
		return fmt.Errorf("start session: no ready signal after %v", s.cfg.startTimeout)
	case <-ctx.Done():
		return fmt.Errorf("start session: %w", ctx.Err())
	}
}

// Run executes code in the session. The program's stdout and stderr text is
// written to stdout and stderr as it is produced; either may be nil.
// Runs are serialized.
func (s *Session) Run(ctx context.Context, code string, stdout, stderr io.Writer) Result {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	start := time.Now()

	if s.isClosed() {
		return Result{Error: ErrSessionClosed, Duration: time.Since(start)}
	}
	select {
	case <-s.exited:
		return Result{Error: ErrSessionExited, Duration: time.Since(start)}
	default:
	}

	if s.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.timeout)
		defer cancel()
	}

	s.stdout.Set(stdout)
	s.stderr.Set(stderr)
	defer s.stdout.Set(nil)
	defer s.stderr.Set(nil)
	s.protocol.resetExec()

	cmd, _ := json.Marshal(execCommand{Type: "exec", Code: code})
	writeErr := make(chan error, 1)
	go func() {
		s.protocol.writeMu.Lock()
		defer s.protocol.writeMu.Unlock()
		_, err := s.stdin.Write(append(cmd, '\n'))
		writeErr <- err
	}()

	delivered := false
	for {
		select {
		case err := <-writeErr:
			if err != nil {
				return Result{Error: fmt.Errorf("write command: %w", err), Duration: time.Since(start)}
			}
			writeErr = nil
			delivered = true
		case execErr := <-s.protocol.Done():
			return Result{Error: execErr, Duration: time.Since(start), delivered: true}
		case <-s.exited:
			return Result{Error: ErrSessionExited, Duration: time.Since(start), delivered: delivered}
		case <-ctx.Done():
			s.Close()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Result{Error: fmt.Errorf("timeout after %v", time.Since(start).Round(time.Millisecond)), Duration: time.Since(start), delivered: true}
			}
			return Result{Error: ctx.Err(), Duration: time.Since(start), delivered: true}
		}
	}
}

// Exited is closed once the interpreter has stopped.
func (s *Session) Exited() <-chan struct{} {
	return s.exited
}

// Alive reports whether the session can still accept runs.
func (s *Session) Alive() bool {
	if s.isClosed() {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) exitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Close stops the interpreter. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// EOF on stdin ends the bootstrap loop; cancel stops a busy interpreter.
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
