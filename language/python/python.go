// Package python provides the Python language adapter for pyrun.
//
// The interpreter binary is not embedded: it is fetched by the loader and
// handed to [New].
package python

import (
	_ "embed"
)

//go:embed session.py
var bootstrap string

// Python implements the executor.Language interface for a WASI build of
// the Python interpreter.
type Python struct {
	module []byte
}

// New returns a Python adapter for the given interpreter module.
func New(module []byte) *Python {
	return &Python{module: module}
}

// Name returns "python".
func (p *Python) Name() string {
	return "python"
}

// Module returns the interpreter WASM binary.
func (p *Python) Module() []byte {
	return p.module
}

// Bootstrap returns the session loop source.
func (p *Python) Bootstrap() string {
	return bootstrap
}

// Args returns the command-line arguments for the Python interpreter.
func (p *Python) Args(bootstrap string) []string {
	return []string{"python", "-c", bootstrap}
}
