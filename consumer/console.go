// Package consumer implements the surfaces that submit code to a broker
// and own its output: an editor console, a multi-file studio, a lesson
// runner and a mock multi-shell terminal.
//
// Every consumer owns one append-only [sink.Buffer]. Consumers gate runs on
// readiness themselves; the broker does not queue.
package consumer

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/caffeineduck/pyrun/broker"
	"github.com/caffeineduck/pyrun/loader"
	"github.com/caffeineduck/pyrun/sink"
)

var (
	ErrNotReady  = errors.New("runtime not ready")
	ErrBusy      = errors.New("a run is already in progress")
	ErrUnmounted = errors.New("consumer unmounted")
)

// Console pairs an output buffer with a broker.
type Console struct {
	buf     *sink.Buffer
	broker  *broker.Broker
	busy    atomic.Bool
	mounted atomic.Bool
}

// NewConsole creates a mounted console on the shared loader.
func NewConsole(l broker.Loader, opts ...broker.Option) *Console {
	c := &Console{buf: sink.NewBuffer()}
	c.mounted.Store(true)
	c.broker = broker.New(l, sink.Funcs{
		OnStdout: func(text string) { c.deliver(sink.Stdout, text) },
		OnStderr: func(text string) { c.deliver(sink.Stderr, text) },
	}, opts...)
	return c
}

// deliver drops chunks arriving after Unmount.
func (c *Console) deliver(stream sink.Stream, text string) {
	if !c.mounted.Load() {
		return
	}
	c.buf.Append(sink.Chunk{Stream: stream, Text: text})
}

// Init waits for the shared runtime and appends the loader's informational
// line to this console.
func (c *Console) Init(ctx context.Context) loader.State {
	return c.broker.Init(ctx)
}

// Ready reports whether the runtime has reached a terminal state.
func (c *Console) Ready() bool {
	return c.broker.Ready()
}

// State returns the shared loader state.
func (c *Console) State() loader.State {
	return c.broker.State()
}

// Run submits code. One run at a time per console; a concurrent call gets
// ErrBusy rather than waiting.
func (c *Console) Run(ctx context.Context, code string) (broker.Route, error) {
	if !c.mounted.Load() {
		return broker.RouteSkipped, ErrUnmounted
	}
	if !c.broker.Ready() {
		return broker.RouteSkipped, ErrNotReady
	}
	if !c.busy.CompareAndSwap(false, true) {
		return broker.RouteSkipped, ErrBusy
	}
	defer c.busy.Store(false)

	return c.broker.Run(ctx, code), nil
}

// Busy reports whether a run is in progress.
func (c *Console) Busy() bool {
	return c.busy.Load()
}

// Echo appends text to stdout, e.g. the submitted command.
func (c *Console) Echo(text string) {
	c.deliver(sink.Stdout, text)
}

// Error appends text to stderr.
func (c *Console) Error(text string) {
	c.deliver(sink.Stderr, text)
}

// Output returns the buffered text in arrival order.
func (c *Console) Output() string {
	return c.buf.String()
}

// Chunks returns a copy of the buffered chunks.
func (c *Console) Chunks() []sink.Chunk {
	return c.buf.Chunks()
}

// Since returns the chunks appended after the first n.
func (c *Console) Since(n int) []sink.Chunk {
	return c.buf.Since(n)
}

// Len returns the number of buffered chunks.
func (c *Console) Len() int {
	return c.buf.Len()
}

// Clear empties the buffer.
func (c *Console) Clear() {
	c.buf.Clear()
}

// Unmount detaches the console. Output from a run still in flight is
// discarded and later runs fail with ErrUnmounted.
func (c *Console) Unmount() {
	c.mounted.Store(false)
}

// Mounted reports whether the console still accepts output.
func (c *Console) Mounted() bool {
	return c.mounted.Load()
}
