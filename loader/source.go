package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultMaxModuleSize bounds a downloaded runtime artifact.
const DefaultMaxModuleSize = 256 << 20 // 256MB

var (
	ErrNoSource         = errors.New("no runtime source configured")
	ErrChecksumMismatch = errors.New("runtime checksum mismatch")
	ErrModuleTooLarge   = errors.New("runtime module exceeds max size")
)

// Source obtains the runtime artifact.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) ([]byte, error)

func (f SourceFunc) Fetch(ctx context.Context) ([]byte, error) { return f(ctx) }

// BytesSource serves an artifact already held in memory.
func BytesSource(module []byte) Source {
	return SourceFunc(func(ctx context.Context) ([]byte, error) {
		return module, nil
	})
}

// FileSource reads the artifact from a local file.
func FileSource(path string) Source {
	return SourceFunc(func(ctx context.Context) ([]byte, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read runtime %s: %w", path, err)
		}
		return data, nil
	})
}

// HTTPSource downloads the artifact from URL, keeping a copy in CacheDir.
// A cached copy is used without touching the network.
type HTTPSource struct {
	URL      string
	CacheDir string       // empty disables the on-disk cache
	SHA256   string       // optional hex digest the artifact must match
	MaxSize  int64        // 0 means DefaultMaxModuleSize
	Client   *http.Client // nil means http.DefaultClient
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	if s.URL == "" {
		return nil, ErrNoSource
	}

	if cached := s.CachePath(); cached != "" {
		if data, err := os.ReadFile(cached); err == nil {
			if s.verify(data) == nil {
				return data, nil
			}
			os.Remove(cached)
		}
	}

	data, err := s.download(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.verify(data); err != nil {
		return nil, err
	}

	// A failed cache write only costs a download next time.
	if cached := s.CachePath(); cached != "" {
		_ = writeAtomic(cached, data)
	}
	return data, nil
}

// CachePath returns where the artifact is cached, or "" without CacheDir.
func (s *HTTPSource) CachePath() string {
	if s.CacheDir == "" || s.URL == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s.URL))
	name := path.Base(strings.SplitN(s.URL, "?", 2)[0])
	if name == "" || name == "/" || name == "." {
		name = "runtime.wasm"
	}
	return filepath.Join(s.CacheDir, hex.EncodeToString(sum[:8])+"-"+name)
}

func (s *HTTPSource) download(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %s", s.URL, resp.Status)
	}

	limit := s.MaxSize
	if limit <= 0 {
		limit = DefaultMaxModuleSize
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.URL, err)
	}
	if int64(len(data)) > limit {
		return nil, ErrModuleTooLarge
	}
	return data, nil
}

func (s *HTTPSource) verify(data []byte) error {
	if s.SHA256 == "" {
		return nil
	}
	sum := sha256.Sum256(data)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), strings.TrimSpace(s.SHA256)) {
		return ErrChecksumMismatch
	}
	return nil
}

func writeAtomic(dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
