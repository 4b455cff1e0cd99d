package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pyrun [file]",
		Short: "Run Python with a WebAssembly runtime and a simulated fallback",
		Long: `pyrun - Run Python code through a WebAssembly interpreter.

The interpreter module is fetched once (or read from the cache) and booted
in the background. When the environment is restricted, or the runtime
cannot be loaded, pyrun keeps working in simulation mode: a small
interpreter answers print statements, assignments and counting loops.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRun, // default to run command behavior
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Path to YAML config file")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text, json")
	flags.Bool("simulate", false, "Skip the runtime and always simulate")
	flags.String("runtime-url", "", "URL of the Python WASM module")
	flags.String("cache-dir", "", "Directory for cached runtime artifacts (default: ~/.cache/pyrun)")
	flags.Bool("no-cache", false, "Disable the runtime and compilation caches")

	addRunFlags(root)

	root.AddCommand(
		newRunCmd(),
		newReplCmd(),
		newServeCmd(),
		newFetchCmd(),
	)
	return root
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
