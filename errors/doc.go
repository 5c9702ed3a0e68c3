// Package errors provides structured error types for the function host.
//
// Errors are categorized by Phase (where in the invocation lifecycle the error
// occurred) and Kind (error category). The split matters to callers: a Trap
// and an EntryFailure are both run-phase errors, but the launcher maps the
// first to an internal error and the second to a guest-reported failure.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLoad, errors.KindInvalidData).
//		Path("artifact", "header").
//		Detail("bad magic %x", magic).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.UnsupportedArtifact(path)
//	err := errors.Trap(cause)
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
