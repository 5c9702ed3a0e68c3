package jwt

import "strings"

// Kind classifies a decode, verify or key set failure.
type Kind string

const (
	KindInvalid     Kind = "invalid"     // malformed token shape
	KindHeader      Kind = "header"      // header segment did not decode
	KindPayload     Kind = "payload"     // payload segment did not decode
	KindAlgorithm   Kind = "algorithm"   // alg other than RS256
	KindKey         Kind = "key"         // kid missing or unknown
	KindCertificate Kind = "certificate" // key material unusable
	KindSignature   Kind = "signature"   // signature undecodable or mismatched
	KindExpired     Kind = "expired"     // at or past exp
	KindEarly       Kind = "early"       // before nbf
	KindConnection  Kind = "connection"  // key set download failed
	KindParse       Kind = "parse"       // key set document malformed
)

// Error is returned by every KeyStore and token operation.
type Error struct {
	Cause  error
	Kind   Kind
	Detail string
}

// Sentinels for errors.Is. Matching compares Kind only.
var (
	ErrInvalid     = &Error{Kind: KindInvalid}
	ErrHeader      = &Error{Kind: KindHeader}
	ErrPayload     = &Error{Kind: KindPayload}
	ErrAlgorithm   = &Error{Kind: KindAlgorithm}
	ErrKey         = &Error{Kind: KindKey}
	ErrCertificate = &Error{Kind: KindCertificate}
	ErrSignature   = &Error{Kind: KindSignature}
	ErrExpired     = &Error{Kind: KindExpired}
	ErrEarly       = &Error{Kind: KindEarly}
	ErrConnection  = &Error{Kind: KindConnection}
	ErrParse       = &Error{Kind: KindParse}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("jwt: ")
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}
