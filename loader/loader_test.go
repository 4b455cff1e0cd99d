package loader

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caffeineduck/pyrun/probe"
	"github.com/caffeineduck/pyrun/sink"
)

type fakeRuntime struct {
	closed atomic.Bool
}

func (f *fakeRuntime) Run(ctx context.Context, code string, out sink.Sink) error {
	out.Stdout("ran: " + code + "\n")
	return nil
}

func (f *fakeRuntime) Close() error {
	f.closed.Store(true)
	return nil
}

type countingSource struct {
	calls atomic.Int32
	fn    func(call int32) ([]byte, error)
}

func (s *countingSource) Fetch(ctx context.Context) ([]byte, error) {
	n := s.calls.Add(1)
	return s.fn(n)
}

func okSource() *countingSource {
	return &countingSource{fn: func(int32) ([]byte, error) { return []byte("\x00asm"), nil }}
}

func okInit(rt Runtime) (Initializer, *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context, module []byte) (Runtime, error) {
		calls.Add(1)
		return rt, nil
	}, &calls
}

type transitions struct {
	mu   sync.Mutex
	seen []State
}

func (tr *transitions) record(from, to State) {
	tr.mu.Lock()
	tr.seen = append(tr.seen, to)
	tr.mu.Unlock()
}

func (tr *transitions) list() []State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]State(nil), tr.seen...)
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRestrictedEnvironmentSkipsFetch(t *testing.T) {
	src := okSource()
	initFn, initCalls := okInit(&fakeRuntime{})
	var tr transitions

	l := New(probe.Restricted("cross-origin embedding"), src, initFn, WithObserver(tr.record))
	out := sink.NewBuffer()

	if s := l.Initialize(context.Background(), out); s != SimulatedReady {
		t.Fatalf("expected SimulatedReady, got %s", s)
	}
	if src.calls.Load() != 0 {
		t.Errorf("expected no fetch, got %d", src.calls.Load())
	}
	if initCalls.Load() != 0 {
		t.Errorf("expected no initializer call, got %d", initCalls.Load())
	}
	if !errors.Is(l.Cause(), ErrRestricted) {
		t.Errorf("expected ErrRestricted cause, got %v", l.Cause())
	}
	if l.Runtime() != nil {
		t.Error("expected no runtime in simulated mode")
	}
	if want := []State{ProbingEnvironment, SimulatedReady}; !equalStates(tr.list(), want) {
		t.Errorf("transitions = %v, want %v", tr.list(), want)
	}

	chunks := out.Chunks()
	if len(chunks) != 1 || chunks[0].Stream != sink.Stdout {
		t.Fatalf("expected one stdout chunk, got %+v", chunks)
	}
	if !strings.Contains(chunks[0].Text, "simulation mode") || !strings.Contains(chunks[0].Text, "cross-origin embedding") {
		t.Errorf("unexpected message %q", chunks[0].Text)
	}
}

func TestSuccessfulLoadReachesReadyOnce(t *testing.T) {
	src := okSource()
	rt := &fakeRuntime{}
	initFn, initCalls := okInit(rt)
	var tr transitions

	l := New(probe.Unrestricted(), src, initFn, WithObserver(tr.record))

	first := sink.NewBuffer()
	if s := l.Initialize(context.Background(), first); s != Ready {
		t.Fatalf("expected Ready, got %s (cause %v)", s, l.Cause())
	}
	second := sink.NewBuffer()
	if s := l.Initialize(context.Background(), second); s != Ready {
		t.Fatalf("expected Ready on second call, got %s", s)
	}

	want := []State{ProbingEnvironment, LoadingScript, InitializingRuntime, Ready}
	if !equalStates(tr.list(), want) {
		t.Errorf("transitions = %v, want %v", tr.list(), want)
	}
	if src.calls.Load() != 1 || initCalls.Load() != 1 {
		t.Errorf("expected one fetch and one init, got %d and %d", src.calls.Load(), initCalls.Load())
	}
	if l.Runtime() != rt {
		t.Error("expected loaded runtime to be exposed")
	}
	if l.Cause() != nil {
		t.Errorf("expected nil cause, got %v", l.Cause())
	}
	for _, b := range []*sink.Buffer{first, second} {
		if b.String() != "Python runtime loaded.\n" {
			t.Errorf("unexpected message %q", b.String())
		}
	}

	select {
	case <-l.Done():
	default:
		t.Error("Done should be closed after a terminal state")
	}
}

func TestConcurrentInitializeSharesOneAttempt(t *testing.T) {
	release := make(chan struct{})
	src := &countingSource{fn: func(int32) ([]byte, error) {
		<-release
		return []byte("module"), nil
	}}
	initFn, initCalls := okInit(&fakeRuntime{})
	l := New(probe.Unrestricted(), src, initFn)

	const consumers = 10
	buffers := make([]*sink.Buffer, consumers)
	states := make([]State, consumers)
	var wg sync.WaitGroup
	for i := range consumers {
		buffers[i] = sink.NewBuffer()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			states[i] = l.Initialize(context.Background(), buffers[i])
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if src.calls.Load() != 1 {
		t.Errorf("expected exactly one fetch, got %d", src.calls.Load())
	}
	if initCalls.Load() != 1 {
		t.Errorf("expected exactly one init, got %d", initCalls.Load())
	}
	for i := range consumers {
		if states[i] != Ready {
			t.Errorf("consumer %d saw %s", i, states[i])
		}
		if buffers[i].Len() != 1 {
			t.Errorf("consumer %d got %d chunks, want 1", i, buffers[i].Len())
		}
	}
}

func TestFetchFailureRetriesThenSimulates(t *testing.T) {
	src := &countingSource{fn: func(int32) ([]byte, error) {
		return nil, errors.New("network unreachable")
	}}
	initFn, initCalls := okInit(&fakeRuntime{})
	l := New(probe.Unrestricted(), src, initFn, WithRetries(1), WithRetryDelay(0))

	out := sink.NewBuffer()
	if s := l.Initialize(context.Background(), out); s != SimulatedReady {
		t.Fatalf("expected SimulatedReady, got %s", s)
	}
	if src.calls.Load() != 2 {
		t.Errorf("expected 2 fetch attempts, got %d", src.calls.Load())
	}
	if initCalls.Load() != 0 {
		t.Errorf("initializer should not run, got %d calls", initCalls.Load())
	}
	if !errors.Is(l.Cause(), ErrLoad) {
		t.Errorf("expected ErrLoad, got %v", l.Cause())
	}
	if !strings.Contains(out.String(), "failed to load") {
		t.Errorf("unexpected message %q", out.String())
	}
}

func TestFetchRecoversOnRetry(t *testing.T) {
	src := &countingSource{fn: func(n int32) ([]byte, error) {
		if n == 1 {
			return nil, errors.New("connection reset")
		}
		return []byte("module"), nil
	}}
	initFn, _ := okInit(&fakeRuntime{})
	l := New(probe.Unrestricted(), src, initFn, WithRetryDelay(0))

	if s := l.Initialize(context.Background(), sink.Discard); s != Ready {
		t.Fatalf("expected Ready after retry, got %s (cause %v)", s, l.Cause())
	}
	if src.calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", src.calls.Load())
	}
}

func TestInitializerFailureSimulates(t *testing.T) {
	initFn := func(ctx context.Context, module []byte) (Runtime, error) {
		return nil, errors.New("bad magic number")
	}
	l := New(probe.Unrestricted(), okSource(), initFn)

	if s := l.Initialize(context.Background(), sink.Discard); s != SimulatedReady {
		t.Fatalf("expected SimulatedReady, got %s", s)
	}
	if !errors.Is(l.Cause(), ErrInit) {
		t.Errorf("expected ErrInit, got %v", l.Cause())
	}
}

func TestInitializerPanicSimulates(t *testing.T) {
	initFn := func(ctx context.Context, module []byte) (Runtime, error) {
		panic("boom")
	}
	l := New(probe.Unrestricted(), okSource(), initFn)

	if s := l.Initialize(context.Background(), sink.Discard); s != SimulatedReady {
		t.Fatalf("expected SimulatedReady, got %s", s)
	}
	if !errors.Is(l.Cause(), ErrInit) {
		t.Errorf("expected ErrInit, got %v", l.Cause())
	}
}

func TestEmptyModuleIsLoadFailure(t *testing.T) {
	src := &countingSource{fn: func(int32) ([]byte, error) { return nil, nil }}
	initFn, _ := okInit(&fakeRuntime{})
	l := New(probe.Unrestricted(), src, initFn, WithRetries(0))

	l.Initialize(context.Background(), sink.Discard)
	if !errors.Is(l.Cause(), ErrEmptyModule) {
		t.Errorf("expected ErrEmptyModule, got %v", l.Cause())
	}
}

func TestNilSourceSimulates(t *testing.T) {
	initFn, _ := okInit(&fakeRuntime{})
	l := New(nil, nil, initFn)

	if s := l.Initialize(context.Background(), sink.Discard); s != SimulatedReady {
		t.Fatalf("expected SimulatedReady, got %s", s)
	}
	if !errors.Is(l.Cause(), ErrNoSource) {
		t.Errorf("expected ErrNoSource, got %v", l.Cause())
	}
}

func TestInitializeReturnsOnContextCancel(t *testing.T) {
	release := make(chan struct{})
	src := &countingSource{fn: func(int32) ([]byte, error) {
		<-release
		return []byte("module"), nil
	}}
	initFn, _ := okInit(&fakeRuntime{})
	l := New(probe.Unrestricted(), src, initFn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := sink.NewBuffer()
	if s := l.Initialize(ctx, out); s.Terminal() {
		t.Fatalf("expected non-terminal state, got %s", s)
	}
	if out.Len() != 0 {
		t.Errorf("no message expected before a terminal state, got %q", out.String())
	}

	close(release)
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("load did not finish after caller gave up")
	}
	if l.State() != Ready {
		t.Errorf("expected Ready, got %s", l.State())
	}
}

func TestCloseReleasesRuntime(t *testing.T) {
	rt := &fakeRuntime{}
	initFn, _ := okInit(rt)
	l := New(probe.Unrestricted(), okSource(), initFn)
	l.Initialize(context.Background(), sink.Discard)

	if err := l.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !rt.closed.Load() {
		t.Error("runtime was not closed")
	}
	if l.State() != Ready {
		t.Errorf("Close must not change state, got %s", l.State())
	}
}

func TestCloseDuringLoadReleasesLateRuntime(t *testing.T) {
	release := make(chan struct{})
	src := &countingSource{fn: func(int32) ([]byte, error) {
		<-release
		return []byte("\x00asm"), nil
	}}
	rt := &fakeRuntime{}
	initFn, _ := okInit(rt)
	l := New(probe.Unrestricted(), src, initFn)
	l.Start(sink.Discard)

	deadline := time.Now().Add(2 * time.Second)
	for l.State() != LoadingScript {
		if time.Now().After(deadline) {
			t.Fatalf("loader never reached %s, at %s", LoadingScript, l.State())
		}
		time.Sleep(time.Millisecond)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	close(release)

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("load did not finish")
	}
	if !rt.closed.Load() {
		t.Error("runtime finished after Close was not released")
	}
	if l.Runtime() != nil {
		t.Error("runtime finished after Close must not be published")
	}
}

func TestCloseTwice(t *testing.T) {
	initFn, _ := okInit(&fakeRuntime{})
	l := New(probe.Unrestricted(), okSource(), initFn)
	l.Initialize(context.Background(), sink.Discard)

	if err := l.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if l.Runtime() != nil {
		t.Error("runtime still published after Close")
	}
}

func TestStateHelpers(t *testing.T) {
	if !Ready.Terminal() || !SimulatedReady.Terminal() {
		t.Error("Ready and SimulatedReady must be terminal")
	}
	for _, s := range []State{Unstarted, ProbingEnvironment, LoadingScript, InitializingRuntime} {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
	if InitializingRuntime.String() != "initializing-runtime" {
		t.Errorf("unexpected name %q", InitializingRuntime.String())
	}
}

func TestRuntimeNameOption(t *testing.T) {
	l := New(probe.Restricted("offline"), nil, nil, WithRuntimeName("Pyodide"))
	out := sink.NewBuffer()
	l.Initialize(context.Background(), out)
	if !strings.HasPrefix(out.String(), "Pyodide runtime unavailable (offline)") {
		t.Errorf("unexpected message %q", out.String())
	}
}
