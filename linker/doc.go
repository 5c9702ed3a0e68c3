// Package linker binds the host capability surface into wazero.
//
// # Capability groups
//
//   - io: invoke and poll against the IOmod dispatcher
//   - runstate: success, failure, log and get-input
//   - secrets: get-secret-value and set-secret-value
//   - jwt: decode-verify against a cached JWKS key store
//   - policy: new-policy and eval
//
// Each group is one host import module. Parameters and results follow the
// canonical ABI: results that flatten to more than one core value are
// written through a trailing retptr, and host-allocated buffers come from
// the guest's cabi_realloc export.
//
// # Thread Safety
//
// Linker and Shared are safe for concurrent use. A State belongs to one
// invocation and travels in the call context:
//
//	l := linker.NewWithDefaults(rt)
//	_ = l.Install(ctx)
//	if err := l.Audit(compiled); err != nil { ... }
//	st := linker.NewState(shared, dispatcher, channel, requestID)
//	ctx = linker.WithState(ctx, st)
package linker
