package executor

import (
	"log/slog"
	"time"

	"github.com/caffeineduck/pyrun/hostfunc"
)

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	diskCache        bool
	cacheDir         string
	precompile       []Language
	memoryLimitPages uint32 // each page = 64KB, 0 = wazero default (4GB)
	logger           *slog.Logger
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		logger: slog.New(slog.DiscardHandler),
	}
}

// WithDiskCache enables the persistent compilation cache for faster
// startup. Optionally provide a custom directory; otherwise uses
// DefaultCacheDir.
//
// Examples:
//
//	executor.New(registry, executor.WithDiskCache())            // default dir
//	executor.New(registry, executor.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) ExecutorOption {
	return func(c *executorConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithPrecompile compiles the specified languages at Executor creation time.
func WithPrecompile(langs ...Language) ExecutorOption {
	return func(c *executorConfig) {
		c.precompile = langs
	}
}

// WithMemoryLimit sets the maximum memory available to WASM modules.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(4096) = 256MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) ExecutorOption {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// WithLogger sets the structured logger used by the executor and its
// sessions.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(c *executorConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// SessionOption configures a Session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	timeout      time.Duration
	startTimeout time.Duration
	kv           *hostfunc.KVStore
	kvEnabled    bool
	env          map[string]string
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{
		startTimeout: 60 * time.Second,
		env:          make(map[string]string),
	}
}

// WithSessionTimeout bounds every Run. Zero, the default, leaves runs
// bounded only by the caller's context. A run that hits the bound closes
// the session, since the interpreter cannot be interrupted mid-program.
func WithSessionTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.timeout = d
	}
}

// WithStartTimeout bounds how long NewSession waits for the ready frame.
func WithStartTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		if d > 0 {
			c.startTimeout = d
		}
	}
}

// WithSessionKV exposes a key-value store to sandboxed code through the
// kv_get, kv_set, kv_delete and kv_keys host functions. Without a store a
// fresh one is created per session.
func WithSessionKV(store ...*hostfunc.KVStore) SessionOption {
	return func(c *sessionConfig) {
		c.kvEnabled = true
		if len(store) > 0 && store[0] != nil {
			c.kv = store[0]
		}
	}
}

// WithSessionEnv sets an environment variable visible to the interpreter.
func WithSessionEnv(key, value string) SessionOption {
	return func(c *sessionConfig) {
		c.env[key] = value
	}
}
