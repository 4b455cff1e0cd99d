package consumer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/caffeineduck/pyrun/broker"
)

// PythonShell is the only shell that executes code.
const PythonShell = "python"

// Shells lists the shells a Terminal can switch between.
var Shells = []string{PythonShell, "bash", "node"}

// Terminal is a mock multi-shell terminal. Lines typed in the python shell
// go to the broker; the other shells only answer with a canned line.
type Terminal struct {
	console *Console

	mu    sync.Mutex
	shell string
}

// NewTerminal creates a terminal in the python shell.
func NewTerminal(l broker.Loader, opts ...broker.Option) *Terminal {
	return &Terminal{console: NewConsole(l, opts...), shell: PythonShell}
}

// Console returns the terminal's console.
func (t *Terminal) Console() *Console {
	return t.console
}

// Shell returns the active shell.
func (t *Terminal) Shell() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shell
}

// Prompt returns the prompt for the active shell.
func (t *Terminal) Prompt() string {
	if shell := t.Shell(); shell != PythonShell {
		return shell + "$ "
	}
	return ">>> "
}

// Exec handles one input line. Built-in commands are "clear" and
// "shell <name>".
func (t *Terminal) Exec(ctx context.Context, line string) (broker.Route, error) {
	cmd := strings.TrimSpace(line)
	if cmd == "" {
		return broker.RouteSkipped, nil
	}

	if cmd == "clear" {
		t.console.Clear()
		return broker.RouteSkipped, nil
	}

	t.console.Echo(t.Prompt() + cmd + "\n")

	if name, ok := strings.CutPrefix(cmd, "shell "); ok {
		t.switchShell(strings.TrimSpace(name))
		return broker.RouteSkipped, nil
	}

	if shell := t.Shell(); shell != PythonShell {
		t.console.Echo(fmt.Sprintf("%s: %s: simulated shell, switch with 'shell python' to run code\n", shell, firstWord(cmd)))
		return broker.RouteSkipped, nil
	}
	return t.console.Run(ctx, cmd)
}

func (t *Terminal) switchShell(name string) {
	if !slices.Contains(Shells, name) {
		t.console.Error(fmt.Sprintf("unknown shell %q (available: %s)\n", name, strings.Join(Shells, ", ")))
		return
	}
	t.mu.Lock()
	t.shell = name
	t.mu.Unlock()
	t.console.Echo("switched to " + name + "\n")
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}
