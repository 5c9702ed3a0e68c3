package jwt

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func seg(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestDecode_Segments(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  *Error
	}{
		{"two segments", seg(`{}`) + "." + seg(`{}`), ErrInvalid},
		{"four segments", "a.b.c.d", ErrInvalid},
		{"empty", "", ErrInvalid},
		{"header not base64", "%%." + seg(`{}`) + ".sig", ErrHeader},
		{"header not json", seg(`nope`) + "." + seg(`{}`) + ".sig", ErrHeader},
		{"payload not json", seg(`{}`) + "." + seg(`[1`) + ".sig", ErrPayload},
		{"padded payload", seg(`{}`) + "." + base64.URLEncoding.EncodeToString([]byte(`{"a":1}`)) + ".sig", ErrPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode = %v, want %v", err, tt.want.Kind)
			}
		})
	}
}

func TestDecode_Accessors(t *testing.T) {
	header := seg(`{"alg":"RS256","kid":"k1","typ":"JWT"}`)
	payload := seg(`{"iss":"me","sub":"you","aud":["a","b"],"exp":500,"nbf":300,"iat":250,"admin":true,"n":3.5,"obj":{"x":1},"arr":[1,2]}`)
	token := header + "." + payload + ".c2ln"

	jwt, err := Decode(token)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if jwt.Signed != header+"."+payload {
		t.Errorf("Signed = %q", jwt.Signed)
	}
	if jwt.Signature != "c2ln" {
		t.Errorf("Signature = %q", jwt.Signature)
	}
	if jwt.Header.Alg() != "RS256" || jwt.Header.Kid() != "k1" || jwt.Header.Typ() != "JWT" {
		t.Errorf("header accessors: %v", jwt.Header)
	}

	p := jwt.Payload
	if p.Issuer() != "me" || p.Subject() != "you" {
		t.Errorf("iss/sub = %q/%q", p.Issuer(), p.Subject())
	}
	if aud := p.Audience(); len(aud) != 2 || aud[1] != "b" {
		t.Errorf("aud = %v", aud)
	}
	if exp, ok := p.Expiry(); !ok || !exp.Equal(time.Unix(500, 0)) {
		t.Errorf("exp = %v, %v", exp, ok)
	}
	if nbf, ok := p.NotBefore(); !ok || !nbf.Equal(time.Unix(300, 0)) {
		t.Errorf("nbf = %v, %v", nbf, ok)
	}
	if iat, ok := p.IssuedAt(); !ok || !iat.Equal(time.Unix(250, 0)) {
		t.Errorf("iat = %v, %v", iat, ok)
	}
	if b, ok := p.Bool("admin"); !ok || !b {
		t.Error("Bool(admin)")
	}
	if n, ok := p.Int("n"); !ok || n != 3 {
		t.Errorf("Int(n) = %d", n)
	}
	if f, ok := p.Float("n"); !ok || f != 3.5 {
		t.Errorf("Float(n) = %v", f)
	}
	if o, ok := p.Object("obj"); !ok || o["x"] != float64(1) {
		t.Errorf("Object(obj) = %v", o)
	}
	if a, ok := p.Array("arr"); !ok || len(a) != 2 {
		t.Errorf("Array(arr) = %v", a)
	}
	if _, ok := p.String("missing"); ok {
		t.Error("String(missing) should be absent")
	}
}

func TestPayload_AudienceString(t *testing.T) {
	p := Payload{"aud": "single"}
	if aud := p.Audience(); len(aud) != 1 || aud[0] != "single" {
		t.Errorf("aud = %v", aud)
	}
	if aud := (Payload{}).Audience(); aud != nil {
		t.Errorf("missing aud = %v", aud)
	}
}
