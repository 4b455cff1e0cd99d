package executor

import (
	"context"
	"errors"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/caffeineduck/pyrun/hostfunc"
	"github.com/caffeineduck/pyrun/sink"
)

// emptyModule is the smallest valid WASM binary: it compiles, and exits
// as soon as it is instantiated.
var emptyModule = []byte("\x00asm\x01\x00\x00\x00")

type stubLanguage struct {
	name   string
	module []byte
}

func (l stubLanguage) Name() string               { return l.name }
func (l stubLanguage) Module() []byte             { return l.module }
func (l stubLanguage) Bootstrap() string          { return "" }
func (l stubLanguage) Args(string) []string       { return []string{l.name} }
func newStub(name string, module []byte) Language { return stubLanguage{name: name, module: module} }

var sharedExec *Executor

func TestMain(m *testing.M) {
	mockWasm, mockWasmErr = buildMock()

	var err error
	sharedExec, err = New(hostfunc.NewRegistry())
	if err != nil {
		panic("failed to create shared executor: " + err.Error())
	}

	code := m.Run()

	sharedExec.Close()
	os.Exit(code)
}

// =============================================================================
// COMPILATION
// =============================================================================

func TestCompileCachesByName(t *testing.T) {
	lang := newStub("empty", emptyModule)

	first, err := sharedExec.Compile(context.Background(), lang)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	second, err := sharedExec.Compile(context.Background(), lang)
	if err != nil {
		t.Fatalf("second compile failed: %v", err)
	}
	if first != second {
		t.Error("expected cached compiled module")
	}
}

func TestCompileRejectsGarbage(t *testing.T) {
	_, err := sharedExec.Compile(context.Background(), newStub("garbage", []byte("not wasm")))
	if err == nil {
		t.Fatal("expected compile error")
	}
}

func TestClosedExecutor(t *testing.T) {
	exec, err := New(nil)
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	if err := exec.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := exec.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}

	_, err = exec.Compile(context.Background(), newStub("empty", emptyModule))
	if !errors.Is(err, ErrExecutorClosed) {
		t.Errorf("expected ErrExecutorClosed, got %v", err)
	}
}

func TestPrecompileFailure(t *testing.T) {
	_, err := New(nil, WithPrecompile(newStub("garbage", []byte{1, 2, 3})))
	if err == nil {
		t.Fatal("expected precompile error")
	}
}

func TestDiskCache(t *testing.T) {
	dir := t.TempDir()
	exec, err := New(nil, WithDiskCache(dir), WithMemoryLimit(MemoryLimit16MB))
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	defer exec.Close()

	if _, err := exec.Compile(context.Background(), newStub("empty", emptyModule)); err != nil {
		t.Fatalf("compile failed: %v", err)
	}
}

func TestDefaultCacheDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/tmp/xdg")
	if got := DefaultCacheDir(); got != "/tmp/xdg/pyrun" {
		t.Errorf("DefaultCacheDir() = %q", got)
	}
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestSessionExitsBeforeReady(t *testing.T) {
	_, err := sharedExec.NewSession(context.Background(), newStub("empty", emptyModule), WithStartTimeout(5*time.Second))
	if !errors.Is(err, ErrSessionExited) {
		t.Fatalf("expected ErrSessionExited, got %v", err)
	}
}

func TestSessionCompileError(t *testing.T) {
	_, err := sharedExec.NewSession(context.Background(), newStub("broken", []byte("nope")))
	if err == nil || errors.Is(err, ErrSessionExited) {
		t.Fatalf("expected compile error, got %v", err)
	}
}

func TestSessionRegistry(t *testing.T) {
	registry := hostfunc.NewRegistry()
	registry.Register("custom", func(ctx context.Context, args map[string]any) (any, error) {
		return "ok", nil
	})
	exec, err := New(registry)
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	defer exec.Close()

	cfg := defaultSessionConfig()
	names := exec.sessionRegistry(cfg).List()
	slices.Sort(names)
	if !slices.Equal(names, []string{"custom", "time_now"}) {
		t.Errorf("default registry = %v", names)
	}

	store := hostfunc.NewKV(hostfunc.DefaultKVConfig())
	WithSessionKV(store)(&cfg)
	withKV := exec.sessionRegistry(cfg)
	for _, name := range []string{"kv_get", "kv_set", "kv_delete", "kv_keys"} {
		if _, ok := withKV.Get(name); !ok {
			t.Errorf("expected %s to be registered", name)
		}
	}

	set, _ := withKV.Get("kv_set")
	if _, err := set(context.Background(), map[string]any{"key": "k", "value": "v"}); err != nil {
		t.Fatalf("kv_set failed: %v", err)
	}
	if v, _ := store.Get(context.Background(), map[string]any{"key": "k"}); v != "v" {
		t.Errorf("shared store not used, got %v", v)
	}

	if _, ok := registry.Get("time_now"); ok {
		t.Error("session functions must not leak into the executor registry")
	}
}

// =============================================================================
// RUNTIME
// =============================================================================

func TestBootFailsWhenInterpreterExits(t *testing.T) {
	rt, err := Boot(context.Background(), newStub("empty", emptyModule), nil, WithStartTimeout(5*time.Second))
	if err == nil {
		rt.Close()
		t.Fatal("expected boot to fail")
	}
	if !errors.Is(err, ErrSessionExited) {
		t.Errorf("expected ErrSessionExited, got %v", err)
	}
}

func TestInitializerReturnsNilRuntimeOnError(t *testing.T) {
	initFn := Initializer(func(m []byte) Language { return newStub("garbage", m) }, nil)
	rt, err := initFn(context.Background(), []byte("garbage"))
	if err == nil {
		t.Fatal("expected error")
	}
	if rt != nil {
		t.Errorf("expected nil runtime interface, got %#v", rt)
	}
}

func TestClosedRuntime(t *testing.T) {
	rt := &Runtime{exec: sharedExec, lang: newStub("empty", emptyModule)}
	if err := rt.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	err := rt.Run(context.Background(), "x = 1", sink.Discard)
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}
