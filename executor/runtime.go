package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/caffeineduck/pyrun/hostfunc"
	"github.com/caffeineduck/pyrun/loader"
	"github.com/caffeineduck/pyrun/sink"
)

// Runtime adapts a Session to loader.Runtime. A session whose interpreter
// has exited is replaced by a fresh one on the next Run.
type Runtime struct {
	exec     *Executor
	lang     Language
	opts     []SessionOption
	ownsExec bool

	mu      sync.Mutex
	session *Session
	closed  bool
}

var _ loader.Runtime = (*Runtime)(nil)

// NewRuntime starts a session on an existing Executor. Closing the Runtime
// leaves the Executor open.
func NewRuntime(ctx context.Context, exec *Executor, lang Language, opts ...SessionOption) (*Runtime, error) {
	session, err := exec.NewSession(ctx, lang, opts...)
	if err != nil {
		return nil, err
	}
	return &Runtime{exec: exec, lang: lang, opts: opts, session: session}, nil
}

// Boot creates an Executor for lang, compiles its module and starts a
// session, returning once the interpreter reports ready. The Runtime owns
// the Executor.
func Boot(ctx context.Context, lang Language, execOpts []ExecutorOption, sessionOpts ...SessionOption) (*Runtime, error) {
	exec, err := New(hostfunc.NewRegistry(), execOpts...)
	if err != nil {
		return nil, err
	}
	rt, err := NewRuntime(ctx, exec, lang, sessionOpts...)
	if err != nil {
		exec.Close()
		return nil, err
	}
	rt.ownsExec = true
	return rt, nil
}

// Initializer returns a loader.Initializer that boots the language built
// by newLang from the fetched module bytes.
func Initializer(newLang func(module []byte) Language, execOpts []ExecutorOption, sessionOpts ...SessionOption) loader.Initializer {
	return func(ctx context.Context, module []byte) (loader.Runtime, error) {
		rt, err := Boot(ctx, newLang(module), execOpts, sessionOpts...)
		if err != nil {
			return nil, err
		}
		return rt, nil
	}
}

// Run executes code, streaming the program's output to out. If the session
// went away before the code reached it, for example because another caller's
// run timed out, the code is retried once on a fresh session.
func (r *Runtime) Run(ctx context.Context, code string, out sink.Sink) error {
	stdout, stderr := sink.Writer(out, sink.Stdout), sink.Writer(out, sink.Stderr)
	for attempt := 0; ; attempt++ {
		session, err := r.current(ctx)
		if err != nil {
			return err
		}
		result := session.Run(ctx, code, stdout, stderr)
		if result.delivered || attempt > 0 || ctx.Err() != nil {
			return result.Error
		}
		r.exec.logger.Debug("session gone before run, retrying", "language", r.lang.Name(), "error", result.Error)
	}
}

func (r *Runtime) current(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrSessionClosed
	}
	if r.session != nil && r.session.Alive() {
		return r.session, nil
	}
	if r.session != nil {
		r.exec.logger.Info("session exited, restarting", "language", r.lang.Name())
		r.session.Close()
	}

	session, err := r.exec.NewSession(ctx, r.lang, r.opts...)
	if err != nil {
		r.session = nil
		return nil, err
	}
	r.session = session
	return session, nil
}

// Close stops the session and, for a booted Runtime, the Executor.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	session := r.session
	r.session = nil
	r.mu.Unlock()

	var errs []error
	if session != nil {
		errs = append(errs, session.Close())
	}
	if r.ownsExec {
		errs = append(errs, r.exec.Close())
	}
	return errors.Join(errs...)
}
