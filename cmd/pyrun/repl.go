package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/pyrun/broker"
	"github.com/caffeineduck/pyrun/consumer"
	"github.com/caffeineduck/pyrun/sink"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

func newReplCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive terminal with persistent state",
		Long: `Start an interactive terminal. Python state persists between lines.

Features:
  - Command history (up/down arrows)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)
  - Mock shells: 'shell bash', 'shell node', 'shell python'
  - 'clear' empties the screen

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
		Args: cobra.NoArgs,
		RunE: runRepl,
	}
	cmd.Flags().String("history", "", "History file path (default: ~/.pyrun_history)")
	return cmd
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".pyrun_history")
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	term := consumer.NewTerminal(a.loader, broker.WithLogger(a.logger))
	console := term.Console()

	fmt.Fprintln(stderr, "Loading Python runtime...")
	console.Init(cmd.Context())
	printChunks(stdout, stderr, console.Since(0))
	console.Clear()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            term.Prompt(),
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(stderr, "pyrun %s (type 'exit' to quit, Ctrl+D to exit)\n", console.State())

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(term.Prompt())
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(stdout)
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		// Handle multi-line input
		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "exit" || trimmed == "quit" {
			return nil
		}
		if trimmed == "clear" {
			readline.ClearScreen(stdout)
		}

		mark := console.Len()
		if _, err := term.Exec(cmd.Context(), line); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		chunks := console.Since(mark)
		// The terminal echoes the command; readline already showed it.
		if len(chunks) > 0 && trimmed != "" && trimmed != "clear" {
			chunks = chunks[1:]
		}
		printChunks(stdout, stderr, chunks)
		rl.SetPrompt(term.Prompt())
	}
}

func printChunks(stdout, stderr io.Writer, chunks []sink.Chunk) {
	for _, c := range chunks {
		w := stdout
		if c.Stream == sink.Stderr {
			w = stderr
		}
		io.WriteString(w, c.Text)
	}
}
