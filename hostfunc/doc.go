// Package hostfunc provides host functions for sandboxed interpreter code.
//
// Host functions are Go functions that the session bootstrap calls through
// the executor's stderr/stdin protocol. Sandboxed code has no implicit
// access to host resources; each capability is registered explicitly.
//
// # Registry
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("my_func", func(ctx context.Context, args map[string]any) (any, error) {
//	    return "result", nil
//	})
//
// # Key-Value Store
//
// [KVStore] keeps JSON values in memory, bounded by [KVConfig]:
//
//	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
//	registry.Register("kv_get", kv.Get)
//	registry.Register("kv_set", kv.Set)
//
// executor.WithSessionKV registers the full set for a session.
package hostfunc
