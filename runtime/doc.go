// Package runtime is the component host: it loads guest modules, links them
// against the capability surface and runs one invocation per instance.
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
//	st, err := host.Invoke(ctx, comp, input, runtime.LinkOptions{
//	    Dispatcher: dispatcher,
//	    Sender:     ch,
//	    RequestID:  "req-1",
//	})
//
// # Loading
//
// Load picks a strategy from the file extension:
//
//	.wasm               raw bytecode, compiled for LoadOptions.Target
//	.cwasm, .wasm.bin   precompiled artifact, host target only
//
// Anything else is an unsupported_artifact load error. Components are
// cached per path, target and compatibility mode. A component compiled
// for a foreign target is validated but cannot be linked.
//
// # Invocation Lifecycle
//
//	Loaded -> Linked -> Instantiated -> Running -> Completed | EntryFailure | Trapped
//
// Link builds fresh linker.State, resolves the flavor's preopens, maps
// __FNHOST_ environment entries into the guest and instantiates the
// component without start functions. Run calls _start once: a return or
// proc_exit(0) completes, a non-zero exit is an entry failure and any other
// error is a trap. Traps are not retried.
//
// # Flavors
//
// Flavors are preset WASI surfaces. FlavorDefault mounts <scratch>/asmltmp
// at /tmp. The Ruby flavors add read-only /src and /usr mounts, the
// RUBY_PLATFORM variable and the /src/handler.rb argument.
//
// # Thread Safety
//
// Host and Component are safe for concurrent use. An Instance belongs to one
// invocation.
package runtime
