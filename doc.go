// Package pyrun runs Python code for interactive learning surfaces, with a
// graceful fallback when the real interpreter is unavailable.
//
// # Overview
//
// A single [loader.Loader] per process probes the environment, fetches the
// Python WASM module and boots it through the executor. Concurrent callers
// share one load attempt. When the environment is restricted or the load
// fails, the loader settles in simulation mode and every run is answered by
// the pattern-based interpreter in package fallback.
//
// # Basic Usage
//
//	l := loader.New(
//	    probe.Embedding{Origin: origin, TopOrigin: top},
//	    &loader.HTTPSource{URL: runtimeURL, CacheDir: executor.DefaultCacheDir()},
//	    executor.Initializer(func(m []byte) executor.Language { return python.New(m) }, nil),
//	)
//	defer l.Close()
//
//	b := broker.New(l, sink.Writers(os.Stdout, os.Stderr))
//	b.Init(ctx)                       // one status line
//	b.Run(ctx, `print("hello")`)      // runtime, or simulated
//
// # Consumers
//
// Package consumer builds the learning surfaces on the same loader: a
// [consumer.Console] with its own output buffer, a Studio with named files,
// a LessonRunner and a mock multi-shell Terminal.
//
// # Packages
//
//   - loader: environment probe, fetch, state machine
//   - executor: wazero runtime and persistent interpreter sessions
//   - broker: routes each run to the runtime or the simulator
//   - fallback: simulated interpreter
//   - consumer: console, studio, lessons, terminal
//   - hostfunc: host functions callable from sandboxed code
//   - cmd/pyrun: CLI with run, repl, serve and fetch commands
package pyrun
