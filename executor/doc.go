// Package executor runs a WebAssembly interpreter as the real runtime
// behind pyrun.
//
// # Overview
//
// The executor manages WASM module compilation and caching. An interpreter
// is started once as a long-lived [Session]; each Run sends one command to
// it, so state persists across runs.
//
// # Basic Usage
//
//	exec, err := executor.New(hostfunc.NewRegistry())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	session, err := exec.NewSession(ctx, python.New(module))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	session.Run(ctx, `x = 42`, os.Stdout, os.Stderr)
//	session.Run(ctx, `print(x)`, os.Stdout, os.Stderr) // 42
//
// # Loader integration
//
// [Boot] and [Initializer] produce a [Runtime], which satisfies
// loader.Runtime and streams output into a sink.Sink:
//
//	l := loader.New(prober, source, executor.Initializer(
//	    func(m []byte) executor.Language { return python.New(m) }, nil,
//	    executor.WithSessionKV(),
//	))
//
// # Session protocol
//
// The language bootstrap talks to the host over stdin and stderr. Commands
// are JSON lines on stdin; replies are NUL-delimited frames on stderr (see
// protocol.go). Sandboxed code reaches host functions registered in a
// hostfunc.Registry through the same frames.
package executor
