package executor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// mockWasm is testdata/mock built for wasip1 by TestMain. It stays nil when
// no Go toolchain is available, and the session tests skip.
var (
	mockWasm    []byte
	mockWasmErr error
)

// mockLanguage implements Language for testing executor logic
// without the overhead of a real Python runtime.
type mockLanguage struct{}

func (mockLanguage) Name() string         { return "mock" }
func (mockLanguage) Module() []byte       { return mockWasm }
func (mockLanguage) Bootstrap() string    { return "" }
func (mockLanguage) Args(string) []string { return []string{"mock"} }

func newMockLanguage() Language { return mockLanguage{} }

func buildMock() ([]byte, error) {
	goBin, err := exec.LookPath("go")
	if err != nil {
		return nil, fmt.Errorf("go toolchain not found: %w", err)
	}

	dir, err := os.MkdirTemp("", "pyrun-mock")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	out := filepath.Join(dir, "mock.wasm")
	cmd := exec.Command(goBin, "build", "-o", out, "./testdata/mock")
	cmd.Env = append(os.Environ(), "GOOS=wasip1", "GOARCH=wasm", "CGO_ENABLED=0")
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("build mock: %w\n%s", err, output)
	}
	return os.ReadFile(out)
}

func requireMock(t *testing.T) {
	t.Helper()
	if mockWasm == nil {
		t.Skipf("mock interpreter unavailable: %v", mockWasmErr)
	}
}
