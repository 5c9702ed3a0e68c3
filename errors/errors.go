package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase indicates where in the invocation lifecycle the error occurred
type Phase string

const (
	PhaseLoad        Phase = "load"        // artifact read, validation, decode
	PhaseLink        Phase = "link"        // capability surface and import audit
	PhaseInstantiate Phase = "instantiate" // module instantiation
	PhaseRun         Phase = "run"         // entry point execution
	PhaseCapability  Phase = "capability"  // host function bodies
	PhaseKeyStore    Phase = "keystore"    // key set fetch and token checks
	PhaseDispatch    Phase = "dispatch"    // IOmod invoke/poll
	PhaseConfig      Phase = "config"      // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindUnsupportedArtifact Kind = "unsupported_artifact"
	KindInvalidData         Kind = "invalid_data"
	KindUnsupported         Kind = "unsupported"
	KindMissingPreopen      Kind = "missing_preopen"
	KindMissingImport       Kind = "missing_import"
	KindInstantiation       Kind = "instantiation"
	KindEntryFailure        Kind = "entry_failure"
	KindTrap                Kind = "trap"
	KindNotReady            Kind = "not_ready"
	KindOutOfBounds         Kind = "out_of_bounds"
	KindAllocation          Kind = "allocation"
	KindNotFound            Kind = "not_found"
	KindNotInitialized      Kind = "not_initialized"
	KindInvalidInput        Kind = "invalid_input"
	KindInvalidState        Kind = "invalid_state"
)

// Error is the structured error type used throughout the host
type Error struct {
	Value   any
	Cause   error
	Phase   Phase
	Kind    Kind
	WitType string
	Detail  string
	Path    []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.WitType != "" {
		b.WriteString(": WIT type ")
		b.WriteString(e.WitType)
	}

	if e.Detail != "" {
		if e.WitType != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// WitType sets the WIT type name
func (b *Builder) WitType(t string) *Builder {
	b.err.WitType = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Load creates a load error wrapping the cause
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// UnsupportedArtifact creates a load error for an unrecognized artifact path
func UnsupportedArtifact(path string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindUnsupportedArtifact,
		Detail: fmt.Sprintf("invalid module extension for %q; must be .wasm, .cwasm or .wasm.bin", path),
		Value:  path,
	}
}

// MissingPreopen creates a link error for a preopen whose host directory does not exist
func MissingPreopen(hostPath, guestPath string, cause error) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindMissingPreopen,
		Path:   []string{guestPath},
		Detail: fmt.Sprintf("host path %q is not a directory", hostPath),
		Value:  hostPath,
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// EntryFailure reports a guest that exited with a non-zero code
func EntryFailure(code uint32) *Error {
	return &Error{
		Phase:  PhaseRun,
		Kind:   KindEntryFailure,
		Detail: fmt.Sprintf("entry point exited with code %d", code),
		Value:  code,
	}
}

// Trap reports an unrecoverable fault during guest execution
func Trap(cause error) *Error {
	return &Error{
		Phase:  PhaseRun,
		Kind:   KindTrap,
		Detail: "WASM module exited in error",
		Cause:  cause,
	}
}

// OutOfBounds creates an out of bounds error for guest memory access
func OutOfBounds(phase Phase, path []string, offset, length uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("memory range [%d, %d) out of bounds", offset, uint64(offset)+uint64(length)),
		Value:  offset,
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size, align uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// NotInitialized creates a not-initialized error for missing module/instance
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// InvalidState reports an operation attempted from the wrong lifecycle state
func InvalidState(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidState,
		Detail: detail,
	}
}

// IsTrap reports whether err is a guest trap
func IsTrap(err error) bool {
	return hasKind(err, KindTrap)
}

// IsEntryFailure reports whether err is a non-zero guest exit
func IsEntryFailure(err error) bool {
	return hasKind(err, KindEntryFailure)
}

// IsLoad reports whether err happened while loading an artifact
func IsLoad(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Phase == PhaseLoad
}

// ExitCode returns the guest exit code carried by an entry failure.
func ExitCode(err error) (uint32, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindEntryFailure {
		return 0, false
	}
	code, ok := e.Value.(uint32)
	return code, ok
}

func hasKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// MissingImport represents a single import the capability table cannot satisfy
type MissingImport struct {
	Module   string // e.g., "fnhost:io/dispatch"
	Function string // e.g., "invoke"
	Reason   string
}

// MissingImportsError is returned when a component imports functions outside the capability table
type MissingImportsError struct {
	Imports []MissingImport
}

// NewMissingImportsError creates an error from a list of "module#function" strings
func NewMissingImportsError(imports []string) *MissingImportsError {
	result := &MissingImportsError{
		Imports: make([]MissingImport, 0, len(imports)),
	}
	for _, imp := range imports {
		mod, fn, _ := strings.Cut(imp, "#")
		result.Imports = append(result.Imports, MissingImport{
			Module:   mod,
			Function: fn,
		})
	}
	return result
}

// Add appends one unresolved import
func (e *MissingImportsError) Add(module, function, reason string) {
	e.Imports = append(e.Imports, MissingImport{Module: module, Function: function, Reason: reason})
}

func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[link] missing_import: no imports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[link] missing_import: %d host function(s) not provided:\n", len(e.Imports))

	byMod := make(map[string][]MissingImport)
	var order []string
	for _, imp := range e.Imports {
		if _, exists := byMod[imp.Module]; !exists {
			order = append(order, imp.Module)
		}
		byMod[imp.Module] = append(byMod[imp.Module], imp)
	}

	for _, mod := range order {
		b.WriteString("\n  ")
		b.WriteString(mod)
		b.WriteString(":\n")
		for _, imp := range byMod[mod] {
			b.WriteString("    - ")
			b.WriteString(imp.Function)
			if imp.Reason != "" {
				b.WriteString(" (")
				b.WriteString(imp.Reason)
				b.WriteByte(')')
			}
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingImportsError) Is(target error) bool {
	switch t := target.(type) {
	case *MissingImportsError:
		return true
	case *Error:
		return t.Kind == KindMissingImport && (t.Phase == "" || t.Phase == PhaseLink)
	}
	return false
}
