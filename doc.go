// Package fnhost is a host runtime for serverless WebAssembly functions.
//
// Functions are core modules targeting WASI preview 1. The host runs each
// invocation in its own wazero instance, grants it a narrow set of host
// capabilities and bridges its I/O to external services without blocking
// the guest.
//
// # Architecture Overview
//
//	fnhost/
//	├── runtime/      Component host: load, precompile, link, run
//	├── engine/       wazero engine profiles and the .cwasm artifact codec
//	├── linker/       Capability host functions and per-invocation state
//	├── iodispatch/   IOID minting, result store, registry transports
//	├── response/     Terminal outcome channel and request router
//	├── jwt/          Key set fetch, refresh scheduling, token verification
//	├── cache/        Typed LRU cache with get-or-populate
//	├── secrets/      Sealed secret stores
//	├── policy/       CEL policy bundles
//	├── metrics/      Prometheus collectors
//	├── config/       TOML configuration with FNHOST_ overrides
//	├── launcher/     HTTP front end
//	├── errors/       Structured error types
//	└── cmd/fnhost/   serve, run, precompile and console commands
//
// # Quick Start
//
//	ctx := context.Background()
//	host, err := runtime.New(ctx, runtime.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer host.Close(ctx)
//
//	comp, err := host.Load(ctx, "handler.wasm", runtime.LoadOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ch := response.New(0)
//	_, err = host.Invoke(ctx, comp, []byte(`{"name":"world"}`), runtime.LinkOptions{
//	    Dispatcher: iodispatch.New(iodispatch.NewRegistry()),
//	    Sender:     ch,
//	})
//	status, _ := ch.TryReceive()
//
// # Capabilities
//
// Guests import host functions from these modules:
//
//	fnhost:rt/runstate      get-input, success, failure, log
//	fnhost:io/dispatch      invoke, poll
//	fnhost:secrets/store    get-secret-value, set-secret-value
//	fnhost:jwt/decoder      decode-verify
//	fnhost:policy/module    new-policy, eval
//
// Anything else, apart from wasi_snapshot_preview1, fails the link with a
// missing_import error listing every unresolved import.
package fnhost
