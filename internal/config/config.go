// Package config loads the pyrun configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration. Zero values in the file keep the
// defaults from Default.
type Config struct {
	Runtime     Runtime     `yaml:"runtime"`
	Loader      Loader      `yaml:"loader"`
	Environment Environment `yaml:"environment"`
	Session     Session     `yaml:"session"`
	Server      Server      `yaml:"server"`
	Log         Log         `yaml:"log"`
}

// Runtime selects where the interpreter module comes from.
type Runtime struct {
	URL           string `yaml:"url"`
	Path          string `yaml:"path"` // local module, takes precedence over url
	SHA256        string `yaml:"sha256"`
	CacheDir      string `yaml:"cache_dir"`
	NoCache       bool   `yaml:"no_cache"`
	Simulate      bool   `yaml:"simulate"` // skip loading, always simulate
	MemoryLimitMB uint32 `yaml:"memory_limit_mb"`
}

type Loader struct {
	Retries     int           `yaml:"retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
}

// Environment describes where pyrun is embedded, for the probe.
type Environment struct {
	Origin    string `yaml:"origin"`
	TopOrigin string `yaml:"top_origin"`
	Sandboxed bool   `yaml:"sandboxed"`
	Offline   bool   `yaml:"offline"`
}

type Session struct {
	Timeout time.Duration `yaml:"timeout"`
	KV      bool          `yaml:"kv"`
}

type Server struct {
	Addr        string        `yaml:"addr"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
	MaxSessions int           `yaml:"max_sessions"`
	MaxCodeSize int64         `yaml:"max_code_size"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Loader: Loader{
			Retries:     1,
			RetryDelay:  500 * time.Millisecond,
			LoadTimeout: 2 * time.Minute,
		},
		Server: Server{
			Addr:        ":8080",
			SessionTTL:  10 * time.Minute,
			MaxSessions: 100,
			MaxCodeSize: 1 << 20,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Path   string
	Issues []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	b.WriteString(" is invalid:")
	for _, issue := range e.Issues {
		b.WriteString("\n- ")
		b.WriteString(issue)
	}
	return b.String()
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	if err := decode(file, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Path = path
		}
		return cfg, err
	}
	return cfg, nil
}

// Parse reads YAML from r over the defaults.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	if err := decode(r, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, cfg.Validate()
}

func decode(r io.Reader, cfg *Config) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var (
	levels  = []string{"debug", "info", "warn", "error"}
	formats = []string{"text", "json"}
)

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs ValidationError
	if c.Loader.Retries < 0 {
		errs.Issues = append(errs.Issues, "loader.retries must not be negative")
	}
	if c.Loader.RetryDelay < 0 {
		errs.Issues = append(errs.Issues, "loader.retry_delay must not be negative")
	}
	if c.Loader.LoadTimeout < 0 {
		errs.Issues = append(errs.Issues, "loader.load_timeout must not be negative")
	}
	if c.Session.Timeout < 0 {
		errs.Issues = append(errs.Issues, "session.timeout must not be negative")
	}
	if c.Server.SessionTTL <= 0 {
		errs.Issues = append(errs.Issues, "server.session_ttl must be positive")
	}
	if c.Server.MaxSessions <= 0 {
		errs.Issues = append(errs.Issues, "server.max_sessions must be positive")
	}
	if c.Server.MaxCodeSize <= 0 {
		errs.Issues = append(errs.Issues, "server.max_code_size must be positive")
	}
	if !slices.Contains(levels, strings.ToLower(c.Log.Level)) {
		errs.Issues = append(errs.Issues, fmt.Sprintf("log.level %q is not one of %s", c.Log.Level, strings.Join(levels, ", ")))
	}
	if !slices.Contains(formats, strings.ToLower(c.Log.Format)) {
		errs.Issues = append(errs.Issues, fmt.Sprintf("log.format %q is not one of %s", c.Log.Format, strings.Join(formats, ", ")))
	}
	if sum := strings.TrimSpace(c.Runtime.SHA256); sum != "" && len(sum) != 64 {
		errs.Issues = append(errs.Issues, "runtime.sha256 must be 64 hex characters")
	}
	if len(errs.Issues) > 0 {
		return &errs
	}
	return nil
}

// RuntimeCacheDir returns the directory for downloaded modules, or "" when
// caching is off.
func (c Config) RuntimeCacheDir(fallback string) string {
	if c.Runtime.NoCache {
		return ""
	}
	if c.Runtime.CacheDir != "" {
		return c.Runtime.CacheDir
	}
	return fallback
}
