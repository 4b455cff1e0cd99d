// Package loader bootstraps the external interpreter runtime once per
// process and publishes a shared readiness state.
//
// A [Loader] walks Unstarted → ProbingEnvironment → LoadingScript →
// InitializingRuntime → Ready. A restricted probe or any failure along the
// way ends in SimulatedReady instead. Both terminal states are final.
//
// Only one load attempt runs at a time: concurrent [Loader.Initialize]
// callers share the in-flight attempt, and callers arriving after a
// terminal state return immediately.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caffeineduck/pyrun/probe"
	"github.com/caffeineduck/pyrun/sink"
	"golang.org/x/sync/singleflight"
)

// State is the process-wide runtime state.
type State int32

const (
	Unstarted State = iota
	ProbingEnvironment
	LoadingScript
	InitializingRuntime
	Ready
	SimulatedReady
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case ProbingEnvironment:
		return "probing-environment"
	case LoadingScript:
		return "loading-script"
	case InitializingRuntime:
		return "initializing-runtime"
	case Ready:
		return "ready"
	case SimulatedReady:
		return "simulated-ready"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether s is Ready or SimulatedReady.
func (s State) Terminal() bool {
	return s == Ready || s == SimulatedReady
}

var (
	ErrRestricted  = errors.New("environment restricted")
	ErrLoad        = errors.New("runtime load failed")
	ErrInit        = errors.New("runtime initialization failed")
	ErrEmptyModule = errors.New("empty runtime module")
)

// Runtime is an initialized interpreter able to execute code.
type Runtime interface {
	// Run executes code, streaming its native output to out.
	Run(ctx context.Context, code string, out sink.Sink) error
	Close() error
}

// Initializer turns a fetched runtime artifact into a running Runtime. It
// returns once the runtime reports itself ready.
type Initializer func(ctx context.Context, module []byte) (Runtime, error)

const loadKey = "runtime"

// Loader owns the runtime lifecycle.
type Loader struct {
	prober probe.Prober
	source Source
	init   Initializer
	cfg    config
	group  singleflight.Group

	mu      sync.RWMutex
	state   State
	runtime Runtime
	cause   error
	reason  string
	closed  bool
	done    chan struct{}
}

// New creates a Loader. Nothing is probed or fetched until Initialize.
func New(prober probe.Prober, source Source, init Initializer, opts ...Option) *Loader {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if prober == nil {
		prober = probe.Unrestricted()
	}
	return &Loader{
		prober: prober,
		source: source,
		init:   init,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
}

// Initialize drives the loader to a terminal state and returns it. If ctx
// ends first, the current non-terminal state is returned while the shared
// attempt keeps running. Each call that observes a terminal state writes
// one informational line to out.
func (l *Loader) Initialize(ctx context.Context, out sink.Sink) State {
	if s := l.State(); s.Terminal() {
		l.announce(out, s)
		return s
	}

	ch := l.group.DoChan(loadKey, func() (any, error) {
		l.load(context.WithoutCancel(ctx))
		return nil, nil
	})

	select {
	case <-ch:
	case <-ctx.Done():
		return l.State()
	}

	s := l.State()
	l.announce(out, s)
	return s
}

// Start runs Initialize in the background.
func (l *Loader) Start(out sink.Sink) {
	go l.Initialize(context.Background(), out)
}

// State returns the current state.
func (l *Loader) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Ready reports whether a terminal state has been reached.
func (l *Loader) Ready() bool {
	return l.State().Terminal()
}

// Done is closed when the loader reaches a terminal state.
func (l *Loader) Done() <-chan struct{} {
	return l.done
}

// Runtime returns the real runtime, or nil unless the state is Ready.
func (l *Loader) Runtime() Runtime {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.runtime
}

// Cause explains why the loader ended in SimulatedReady. It wraps
// ErrRestricted, ErrLoad or ErrInit, and is nil otherwise.
func (l *Loader) Cause() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cause
}

// Close releases the runtime. The state is left untouched. A runtime that
// finishes initializing after Close is closed as soon as it arrives and is
// never published.
func (l *Loader) Close() error {
	l.mu.Lock()
	l.closed = true
	rt := l.runtime
	l.runtime = nil
	l.mu.Unlock()
	if rt == nil {
		return nil
	}
	return rt.Close()
}

func (l *Loader) load(ctx context.Context) {
	l.mu.Lock()
	if l.state != Unstarted {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.state = ProbingEnvironment
	l.mu.Unlock()
	l.observe(Unstarted, ProbingEnvironment)

	if r := l.prober.Probe(); r.Restricted {
		l.cfg.logger.Info("environment restricted, using simulation", "reason", r.Reason)
		l.mu.Lock()
		l.reason = r.Reason
		l.mu.Unlock()
		l.finish(SimulatedReady, nil, fmt.Errorf("%w: %s", ErrRestricted, r.Reason))
		return
	}

	if l.cfg.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.loadTimeout)
		defer cancel()
	}

	l.advance(LoadingScript)
	start := time.Now()
	module, err := l.fetch(ctx)
	if err != nil {
		l.cfg.logger.Warn("runtime load failed, using simulation", "error", err)
		l.finish(SimulatedReady, nil, fmt.Errorf("%w: %w", ErrLoad, err))
		return
	}
	l.cfg.logger.Debug("runtime fetched", "bytes", len(module), "duration", time.Since(start))

	l.advance(InitializingRuntime)
	rt, err := l.initialize(ctx, module)
	if err != nil {
		l.cfg.logger.Warn("runtime initialization failed, using simulation", "error", err)
		l.finish(SimulatedReady, nil, fmt.Errorf("%w: %w", ErrInit, err))
		return
	}

	l.cfg.logger.Info("runtime ready", "duration", time.Since(start))
	l.finish(Ready, rt, nil)
}

func (l *Loader) fetch(ctx context.Context) ([]byte, error) {
	if l.source == nil {
		return nil, ErrNoSource
	}

	var err error
	for attempt := 0; attempt <= l.cfg.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(l.cfg.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var module []byte
		module, err = l.source.Fetch(ctx)
		if err == nil && len(module) == 0 {
			err = ErrEmptyModule
		}
		if err == nil {
			return module, nil
		}
		l.cfg.logger.Warn("runtime fetch attempt failed", "attempt", attempt+1, "error", err)
	}
	return nil, err
}

func (l *Loader) initialize(ctx context.Context, module []byte) (rt Runtime, err error) {
	if l.init == nil {
		return nil, errors.New("no initializer configured")
	}
	defer func() {
		if r := recover(); r != nil {
			rt, err = nil, fmt.Errorf("initializer panic: %v", r)
		}
	}()
	rt, err = l.init(ctx, module)
	if err == nil && rt == nil {
		err = errors.New("initializer returned no runtime")
	}
	return rt, err
}

// advance moves forward to next unless the state is terminal or already
// past it.
func (l *Loader) advance(next State) {
	l.mu.Lock()
	prev := l.state
	if prev.Terminal() || next <= prev {
		l.mu.Unlock()
		return
	}
	l.state = next
	l.mu.Unlock()
	l.observe(prev, next)
}

func (l *Loader) finish(next State, rt Runtime, cause error) {
	l.mu.Lock()
	prev := l.state
	if prev.Terminal() {
		l.mu.Unlock()
		return
	}
	l.state = next
	l.cause = cause
	closed := l.closed
	if !closed {
		l.runtime = rt
	}
	close(l.done)
	l.mu.Unlock()

	if closed && rt != nil {
		l.cfg.logger.Debug("loader closed during load, releasing runtime")
		if err := rt.Close(); err != nil {
			l.cfg.logger.Warn("release runtime", "error", err)
		}
	}
	l.observe(prev, next)
}

func (l *Loader) observe(from, to State) {
	l.cfg.logger.Debug("runtime state", "from", from.String(), "to", to.String())
	if l.cfg.observer != nil {
		l.cfg.observer(from, to)
	}
}

func (l *Loader) announce(out sink.Sink, s State) {
	if out == nil {
		return
	}
	name := l.cfg.runtimeName
	switch s {
	case Ready:
		out.Stdout(name + " runtime loaded.\n")
	case SimulatedReady:
		l.mu.RLock()
		cause, reason := l.cause, l.reason
		l.mu.RUnlock()
		if errors.Is(cause, ErrRestricted) {
			out.Stdout(fmt.Sprintf("%s runtime unavailable (%s); running in simulation mode.\n", name, reason))
			return
		}
		out.Stdout(name + " runtime failed to load; running in simulation mode.\n")
	}
}
