package loader

import (
	"log/slog"
	"time"
)

// Option configures a Loader.
type Option func(*config)

type config struct {
	retries     int
	retryDelay  time.Duration
	loadTimeout time.Duration
	runtimeName string
	logger      *slog.Logger
	observer    func(from, to State)
}

func defaultConfig() config {
	return config{
		retries:     1,
		retryDelay:  500 * time.Millisecond,
		loadTimeout: 2 * time.Minute,
		runtimeName: "Python",
		logger:      slog.New(slog.DiscardHandler),
	}
}

// WithRetries sets how many times a failed fetch is retried before falling
// back to simulation. Zero means a single attempt.
func WithRetries(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithRetryDelay sets the pause between fetch attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *config) {
		c.retryDelay = d
	}
}

// WithLoadTimeout bounds the whole fetch + initialize sequence. Zero
// disables the bound.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *config) {
		c.loadTimeout = d
	}
}

// WithRuntimeName sets the name used in informational output lines.
func WithRuntimeName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.runtimeName = name
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver registers a callback invoked on every state transition, in
// transition order, from the loading goroutine.
func WithObserver(fn func(from, to State)) Option {
	return func(c *config) {
		c.observer = fn
	}
}
