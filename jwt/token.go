package jwt

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// Header is the decoded JOSE header.
type Header map[string]any

// Alg returns the signing algorithm.
func (h Header) Alg() string { return stringField(h, "alg") }

// Kid returns the key id.
func (h Header) Kid() string { return stringField(h, "kid") }

// Typ returns the token type.
func (h Header) Typ() string { return stringField(h, "typ") }

// Cty returns the content type.
func (h Header) Cty() string { return stringField(h, "cty") }

// Get returns an arbitrary header field.
func (h Header) Get(name string) (any, bool) {
	v, ok := h[name]
	return v, ok
}

// Payload is the decoded claim set.
type Payload map[string]any

// Issuer returns the iss claim.
func (p Payload) Issuer() string { return stringField(p, "iss") }

// Subject returns the sub claim.
func (p Payload) Subject() string { return stringField(p, "sub") }

// Audience returns the aud claim. A single string is returned as one element.
func (p Payload) Audience() []string {
	switch v := p["aud"].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, a := range v {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Expiry returns the exp claim as a time.
func (p Payload) Expiry() (time.Time, bool) { return p.unixTime("exp") }

// NotBefore returns the nbf claim as a time.
func (p Payload) NotBefore() (time.Time, bool) { return p.unixTime("nbf") }

// IssuedAt returns the iat claim as a time.
func (p Payload) IssuedAt() (time.Time, bool) { return p.unixTime("iat") }

// Get returns an arbitrary claim.
func (p Payload) Get(name string) (any, bool) {
	v, ok := p[name]
	return v, ok
}

// String returns a string claim.
func (p Payload) String(name string) (string, bool) {
	s, ok := p[name].(string)
	return s, ok
}

// Int returns a numeric claim truncated to int64.
func (p Payload) Int(name string) (int64, bool) {
	f, ok := p[name].(float64)
	return int64(f), ok
}

// Float returns a numeric claim.
func (p Payload) Float(name string) (float64, bool) {
	f, ok := p[name].(float64)
	return f, ok
}

// Bool returns a boolean claim.
func (p Payload) Bool(name string) (bool, bool) {
	b, ok := p[name].(bool)
	return b, ok
}

// Object returns an object claim.
func (p Payload) Object(name string) (map[string]any, bool) {
	o, ok := p[name].(map[string]any)
	return o, ok
}

// Array returns an array claim.
func (p Payload) Array(name string) ([]any, bool) {
	a, ok := p[name].([]any)
	return a, ok
}

func (p Payload) unixTime(name string) (time.Time, bool) {
	f, ok := p[name].(float64)
	if !ok || f < 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(uint64(f)), 0), true
}

// Token is a decoded JWT. Valid is set only by the verify path.
type Token struct {
	Header    Header
	Payload   Payload
	Signature string
	// Signed is the exact "header.payload" text the signature covers.
	Signed string
	Valid  bool
}

// Decode splits and decodes a compact JWT without checking its signature.
func Decode(token string) (*Token, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, newError(KindInvalid, "token must have three segments", nil)
	}

	var header Header
	if err := decodeSegment(parts[0], &header); err != nil {
		return nil, newError(KindHeader, "decode header", err)
	}
	var payload Payload
	if err := decodeSegment(parts[1], &payload); err != nil {
		return nil, newError(KindPayload, "decode payload", err)
	}

	return &Token{
		Header:    header,
		Payload:   payload,
		Signature: parts[2],
		Signed:    parts[0] + "." + parts[1],
	}, nil
}

func decodeSegment(seg string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func stringField(m map[string]any, name string) string {
	s, _ := m[name].(string)
	return s
}
