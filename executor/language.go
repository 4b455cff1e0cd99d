package executor

// Language describes a WASM interpreter that can host a long-lived session.
type Language interface {
	// Name returns a unique identifier for this language (e.g., "python").
	// Used as the cache key for compiled modules.
	Name() string

	// Module returns the WASM binary for the language interpreter.
	Module() []byte

	// Bootstrap returns the source of the session loop: it must write the
	// ready frame to stderr, then read one JSON command per line from stdin
	// and answer each exec command with a done or error frame.
	Bootstrap() string

	// Args returns the command-line arguments that make the interpreter run
	// the bootstrap source.
	// For Python: []string{"python", "-c", bootstrap}
	Args(bootstrap string) []string
}
