package main

import (
	"log/slog"

	"github.com/caffeineduck/pyrun/executor"
	"github.com/caffeineduck/pyrun/internal/config"
	"github.com/caffeineduck/pyrun/language/python"
	"github.com/caffeineduck/pyrun/loader"
	"github.com/caffeineduck/pyrun/probe"
	"github.com/spf13/cobra"
)

// app holds what every command builds from config and flags.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	loader *loader.Loader
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		loader: newLoader(cfg, logger),
	}, nil
}

func (a *app) Close() error {
	return a.loader.Close()
}

// loadConfig reads --config and applies the flags the user set on top.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("simulate") {
		cfg.Runtime.Simulate, _ = flags.GetBool("simulate")
	}
	if flags.Changed("runtime-url") {
		cfg.Runtime.URL, _ = flags.GetString("runtime-url")
	}
	if flags.Changed("cache-dir") {
		cfg.Runtime.CacheDir, _ = flags.GetString("cache-dir")
	}
	if flags.Changed("no-cache") {
		cfg.Runtime.NoCache, _ = flags.GetBool("no-cache")
	}
	return cfg, cfg.Validate()
}

func newLoader(cfg config.Config, logger *slog.Logger) *loader.Loader {
	var prober probe.Prober = probe.Embedding{
		Origin:    cfg.Environment.Origin,
		TopOrigin: cfg.Environment.TopOrigin,
		Sandboxed: cfg.Environment.Sandboxed,
		Offline:   cfg.Environment.Offline,
	}
	if cfg.Runtime.Simulate {
		prober = probe.Restricted("simulation requested")
	}

	cacheDir := cfg.RuntimeCacheDir(executor.DefaultCacheDir())

	execOpts := []executor.ExecutorOption{executor.WithLogger(logger)}
	if cacheDir != "" {
		execOpts = append(execOpts, executor.WithDiskCache(cacheDir))
	}
	if cfg.Runtime.MemoryLimitMB > 0 {
		execOpts = append(execOpts, executor.WithMemoryLimit(cfg.Runtime.MemoryLimitMB*16)) // 64KB pages
	}

	sessionOpts := []executor.SessionOption{executor.WithSessionTimeout(cfg.Session.Timeout)}
	if cfg.Session.KV {
		sessionOpts = append(sessionOpts, executor.WithSessionKV())
	}

	initRuntime := executor.Initializer(func(module []byte) executor.Language {
		return python.New(module)
	}, execOpts, sessionOpts...)

	return loader.New(prober, runtimeSource(cfg), initRuntime,
		loader.WithRetries(cfg.Loader.Retries),
		loader.WithRetryDelay(cfg.Loader.RetryDelay),
		loader.WithLoadTimeout(cfg.Loader.LoadTimeout),
		loader.WithLogger(logger),
	)
}

// runtimeSource returns nil when no runtime is configured, which the
// loader treats as a load failure.
func runtimeSource(cfg config.Config) loader.Source {
	switch {
	case cfg.Runtime.Path != "":
		return loader.FileSource(cfg.Runtime.Path)
	case cfg.Runtime.URL != "":
		return httpSource(cfg)
	default:
		return nil
	}
}

func httpSource(cfg config.Config) *loader.HTTPSource {
	return &loader.HTTPSource{
		URL:      cfg.Runtime.URL,
		CacheDir: cfg.RuntimeCacheDir(executor.DefaultCacheDir()),
		SHA256:   cfg.Runtime.SHA256,
	}
}
