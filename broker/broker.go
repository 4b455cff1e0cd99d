// Package broker is the single entry point consumers call to execute code.
//
// A [Broker] routes each request by the loader's state: to the real
// runtime when Ready, to the fallback interpreter when SimulatedReady, and
// nowhere while the runtime is still loading. Failures never reach the
// caller as errors; they become output.
package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caffeineduck/pyrun/fallback"
	"github.com/caffeineduck/pyrun/loader"
	"github.com/caffeineduck/pyrun/sink"
)

// Route records the path a request took. It never carries program results.
type Route int

const (
	RouteSkipped   Route = iota // runtime not ready, nothing ran
	RouteRuntime                // real runtime succeeded
	RouteRecovered              // real runtime failed, fallback answered
	RouteSimulated              // fallback answered in simulation mode
	RouteFailed                 // fallback failed too, an error line was written
)

func (r Route) String() string {
	switch r {
	case RouteSkipped:
		return "skipped"
	case RouteRuntime:
		return "runtime"
	case RouteRecovered:
		return "recovered"
	case RouteSimulated:
		return "simulated"
	case RouteFailed:
		return "failed"
	default:
		return fmt.Sprintf("route(%d)", int(r))
	}
}

// Loader is the part of *loader.Loader the broker depends on.
type Loader interface {
	Initialize(ctx context.Context, out sink.Sink) loader.State
	State() loader.State
	Runtime() loader.Runtime
}

// Simulator produces the output of a program without running it.
type Simulator func(code string) string

// Broker executes code on behalf of one consumer, writing all output to
// that consumer's sink.
type Broker struct {
	loader   Loader
	out      sink.Sink
	simulate Simulator
	logger   *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithSimulator replaces fallback.Simulate.
func WithSimulator(sim Simulator) Option {
	return func(b *Broker) {
		if sim != nil {
			b.simulate = sim
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a Broker writing to out. A nil out discards output.
func New(l Loader, out sink.Sink, opts ...Option) *Broker {
	if out == nil {
		out = sink.Discard
	}
	b := &Broker{
		loader:   l,
		out:      out,
		simulate: fallback.Simulate,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Init drives the shared loader to a terminal state, writing the
// informational line to this broker's sink.
func (b *Broker) Init(ctx context.Context) loader.State {
	return b.loader.Initialize(ctx, b.out)
}

// State returns the loader state.
func (b *Broker) State() loader.State {
	return b.loader.State()
}

// Ready reports whether Run will execute anything.
func (b *Broker) Ready() bool {
	return b.loader.State().Terminal()
}

// Run executes code and returns the route taken. It always returns; in a
// terminal state at least one chunk is written.
func (b *Broker) Run(ctx context.Context, code string) Route {
	switch s := b.loader.State(); s {
	case loader.Ready:
		err := b.runRuntime(ctx, code)
		if err == nil {
			return RouteRuntime
		}
		b.logger.Warn("runtime execution failed, recovering with simulation", "error", err)
		return b.runFallback(code, RouteRecovered)
	case loader.SimulatedReady:
		return b.runFallback(code, RouteSimulated)
	default:
		b.logger.Debug("run ignored, runtime not ready", "state", s.String())
		return RouteSkipped
	}
}

func (b *Broker) runRuntime(ctx context.Context, code string) (err error) {
	rt := b.loader.Runtime()
	if rt == nil {
		return fmt.Errorf("ready without a runtime")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runtime panic: %v", r)
		}
	}()
	return rt.Run(ctx, code, b.out)
}

func (b *Broker) runFallback(code string, route Route) (result Route) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("simulation failed", "panic", r)
			b.out.Stderr(fmt.Sprintf("Error: %v\n", r))
			result = RouteFailed
		}
	}()

	output := b.simulate(code)
	if output == "" {
		output = fallback.GenericMessage + "\n"
	}
	b.out.Stdout(output)
	return route
}
