package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caffeineduck/pyrun/broker"
	"github.com/caffeineduck/pyrun/sink"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run Python code once",
		Long: `Execute Python code through the runtime, or the simulator when the
runtime is unavailable.

Code can be provided via:
  - File argument: pyrun run script.py
  - Inline flag: pyrun run -c 'print(1+1)'
  - Stdin: echo 'print(1+1)' | pyrun run`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRun,
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().Duration("timeout", 30*time.Second, "Execution timeout (0 for none)")
	cmd.Flags().BoolP("quiet", "q", false, "Suppress the runtime status line")
}

var errRunFailed = errors.New("run failed")

func runRun(cmd *cobra.Command, args []string) error {
	code, _ := cmd.Flags().GetString("code")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	quiet, _ := cmd.Flags().GetBool("quiet")

	var source string
	switch {
	case code != "":
		source = code
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		source = string(data)
	default:
		in := cmd.InOrStdin()
		// Check if stdin has data (not a terminal)
		if f, ok := in.(*os.File); ok {
			if stat, err := f.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
				return cmd.Help()
			}
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		source = string(data)
		if source == "" {
			return cmd.Help()
		}
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	status := sink.Writers(stderr, stderr)
	if quiet {
		status = sink.Discard
	}
	ctx := cmd.Context()
	if state := a.loader.Initialize(ctx, status); !state.Terminal() {
		return fmt.Errorf("runtime not ready (%s)", state)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	b := broker.New(a.loader, sink.Writers(stdout, stderr), broker.WithLogger(a.logger))
	if route := b.Run(ctx, source); route == broker.RouteFailed {
		return errRunFailed
	}
	return nil
}
