package jwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func jwkFor(kid string, pub *rsa.PublicKey) Key {
	return Key{
		Kid: kid,
		Kty: "RSA",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func signToken(t *testing.T, priv *rsa.PrivateKey, kid string, claims gojwt.MapClaims) string {
	t.Helper()
	tok := gojwt.NewWithClaims(gojwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func jwksServer(t *testing.T, cacheControl string, keys ...Key) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if cacheControl != "" {
			w.Header().Set("Cache-Control", cacheControl)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewFrom_RefreshMath(t *testing.T) {
	ctx := context.Background()
	priv := generateKey(t)
	srv, _ := jwksServer(t, "public, max-age=1000, must-revalidate", jwkFor("1", &priv.PublicKey))

	load := time.Unix(1_700_000_000, 0)
	ks, err := NewFrom(ctx, srv.URL, WithClock(fixedClock(load)))
	if err != nil {
		t.Fatalf("NewFrom: %v", err)
	}

	if ks.Len() != 1 {
		t.Errorf("Len = %d, want 1", ks.Len())
	}
	if lt, ok := ks.LoadTime(); !ok || !lt.Equal(load) {
		t.Errorf("LoadTime = %v, %v", lt, ok)
	}
	expire, ok := ks.ExpireTime()
	if !ok || !expire.Equal(load.Add(1000*time.Second)) {
		t.Errorf("ExpireTime = %v, want load+1000s", expire)
	}
	refresh, ok := ks.RefreshTime()
	if !ok || !refresh.Equal(load.Add(500*time.Second)) {
		t.Errorf("RefreshTime = %v, want load+500s", refresh)
	}

	tests := []struct {
		at   time.Time
		want bool
	}{
		{refresh.Add(-time.Second), false},
		{refresh, true},
		{refresh.Add(time.Second), true},
	}
	for _, tt := range tests {
		got, has := ks.ShouldRefreshTime(tt.at)
		if !has {
			t.Fatalf("ShouldRefreshTime(%v) reported no schedule", tt.at)
		}
		if got != tt.want {
			t.Errorf("ShouldRefreshTime(refresh%+v) = %v, want %v", tt.at.Sub(refresh), got, tt.want)
		}
	}

	if ks.KeysExpiredTime(expire.Add(-time.Second)) {
		t.Error("keys should not be expired before expire_time")
	}
	if !ks.KeysExpiredTime(expire) {
		t.Error("keys should be expired at expire_time")
	}
}

func TestNewFrom_NoCacheControl(t *testing.T) {
	priv := generateKey(t)
	srv, _ := jwksServer(t, "no-store", jwkFor("1", &priv.PublicKey))

	ks, err := NewFrom(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("NewFrom: %v", err)
	}
	if _, ok := ks.ExpireTime(); ok {
		t.Error("expire time should be unset without max-age")
	}
	if _, has := ks.ShouldRefresh(); has {
		t.Error("ShouldRefresh should report no schedule")
	}
	if ks.KeysExpired() {
		t.Error("store without expiry must never be expired")
	}
}

func TestNewFrom_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("connection", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := NewFrom(ctx, url)
		if !errors.Is(err, ErrConnection) {
			t.Fatalf("err = %v, want connection", err)
		}
	})

	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := NewFrom(ctx, srv.URL)
		if !errors.Is(err, ErrConnection) {
			t.Fatalf("err = %v, want connection", err)
		}
	})

	t.Run("parse", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"keys": "nope"`))
		}))
		defer srv.Close()

		_, err := NewFrom(ctx, srv.URL)
		if !errors.Is(err, ErrParse) {
			t.Fatalf("err = %v, want parse", err)
		}
	})
}

func TestRefresh_KeepsKeysOnFailure(t *testing.T) {
	priv := generateKey(t)
	fail := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "gone", http.StatusBadGateway)
			return
		}
		w.Header().Set("Cache-Control", "max-age=60")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []Key{jwkFor("1", &priv.PublicKey)}})
	}))
	defer srv.Close()

	ks, err := NewFrom(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	before, _ := ks.RefreshTime()

	fail.Store(true)
	if err := ks.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh should fail")
	}
	if ks.Len() != 1 {
		t.Error("failed refresh dropped keys")
	}
	if after, _ := ks.RefreshTime(); !after.Equal(before) {
		t.Error("failed refresh changed schedule")
	}
}

func TestVerifyTime_Window(t *testing.T) {
	priv := generateKey(t)
	srv, _ := jwksServer(t, "", jwkFor("1", &priv.PublicKey))
	ks, err := NewFrom(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	token := signToken(t, priv, "1", gojwt.MapClaims{
		"iss": "https://issuer.example",
		"sub": "user-1",
		"nbf": 300,
		"exp": 500,
	})

	jwt, err := ks.VerifyTime(token, time.Unix(400, 0))
	if err != nil {
		t.Fatalf("VerifyTime(400): %v", err)
	}
	if !jwt.Valid {
		t.Error("verified token should be marked valid")
	}
	if jwt.Payload.Issuer() != "https://issuer.example" {
		t.Errorf("iss = %q", jwt.Payload.Issuer())
	}

	if _, err := ks.VerifyTime(token, time.Unix(250, 0)); !errors.Is(err, ErrEarly) {
		t.Errorf("VerifyTime(250) = %v, want early", err)
	}
	if _, err := ks.VerifyTime(token, time.Unix(600, 0)); !errors.Is(err, ErrExpired) {
		t.Errorf("VerifyTime(600) = %v, want expired", err)
	}
	if _, err := ks.VerifyTime(token, time.Unix(500, 0)); !errors.Is(err, ErrExpired) {
		t.Errorf("VerifyTime(500) = %v, want expired at the boundary", err)
	}
	if _, err := ks.VerifyTime(token, time.Unix(300, 0)); err != nil {
		t.Errorf("VerifyTime(300) = %v, want valid at nbf", err)
	}
}

func TestVerifyTime_SignatureBeforeTime(t *testing.T) {
	priv := generateKey(t)
	srv, _ := jwksServer(t, "", jwkFor("1", &priv.PublicKey))
	ks, err := NewFrom(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	valid := signToken(t, priv, "1", gojwt.MapClaims{"exp": 500})
	parts := strings.Split(valid, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	if _, err := ks.VerifyTime(tampered, time.Unix(100, 0)); !errors.Is(err, ErrSignature) {
		t.Errorf("tampered in window: %v, want signature", err)
	}
	if _, err := ks.VerifyTime(tampered, time.Unix(600, 0)); !errors.Is(err, ErrSignature) {
		t.Errorf("tampered and expired: %v, want signature", err)
	}
	if _, err := ks.VerifyTime(valid, time.Unix(600, 0)); !errors.Is(err, ErrExpired) {
		t.Errorf("valid but expired: %v, want expired", err)
	}

	badB64 := parts[0] + "." + parts[1] + ".!!!"
	if _, err := ks.VerifyTime(badB64, time.Unix(100, 0)); !errors.Is(err, ErrSignature) {
		t.Errorf("undecodable signature: %v, want signature", err)
	}
}

func TestVerify_KeyErrors(t *testing.T) {
	priv := generateKey(t)
	other := generateKey(t)
	srv, _ := jwksServer(t, "", jwkFor("1", &priv.PublicKey))
	ks, err := NewFrom(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	unknown := signToken(t, other, "2", gojwt.MapClaims{"iss": "x"})

	jwt, err := ks.Decode(unknown)
	if err != nil {
		t.Fatalf("Decode with unknown kid should succeed: %v", err)
	}
	if jwt.Header.Kid() != "2" || jwt.Payload.Issuer() != "x" {
		t.Errorf("decoded header/payload wrong: %v %v", jwt.Header, jwt.Payload)
	}
	if jwt.Valid {
		t.Error("decode must not mark a token valid")
	}
	if _, err := ks.Verify(unknown); !errors.Is(err, ErrKey) {
		t.Errorf("Verify unknown kid = %v, want key", err)
	}

	noKid := signToken(t, priv, "", gojwt.MapClaims{})
	if _, err := ks.Verify(noKid); !errors.Is(err, ErrKey) {
		t.Errorf("Verify without kid = %v, want key", err)
	}

	wrongSigner := signToken(t, other, "1", gojwt.MapClaims{})
	if _, err := ks.Verify(wrongSigner); !errors.Is(err, ErrSignature) {
		t.Errorf("Verify with wrong signer = %v, want signature", err)
	}

	hs := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{})
	hs.Header["kid"] = "1"
	hsToken, err := hs.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ks.Verify(hsToken); !errors.Is(err, ErrAlgorithm) {
		t.Errorf("Verify HS256 = %v, want algorithm", err)
	}
}

func TestVerify_BadKeyMaterial(t *testing.T) {
	priv := generateKey(t)
	ks := New("unused")
	k := jwkFor("1", &priv.PublicKey)
	k.N = "***"
	ks.AddKey(k)

	token := signToken(t, priv, "1", gojwt.MapClaims{})
	if _, err := ks.Verify(token); !errors.Is(err, ErrCertificate) {
		t.Errorf("Verify with bad modulus = %v, want certificate", err)
	}
}

func TestKeyStore_Accessors(t *testing.T) {
	ks := New("https://keys.example/jwks.json")
	if ks.URL() != "https://keys.example/jwks.json" {
		t.Errorf("URL = %q", ks.URL())
	}
	if ks.RefreshInterval() != DefaultRefreshInterval {
		t.Errorf("RefreshInterval = %v", ks.RefreshInterval())
	}
	if err := ks.SetRefreshInterval(0.25); err != nil {
		t.Fatal(err)
	}
	if ks.RefreshInterval() != 0.25 {
		t.Errorf("RefreshInterval = %v, want 0.25", ks.RefreshInterval())
	}
	if err := ks.SetRefreshInterval(0); err == nil {
		t.Error("zero interval should be rejected")
	}

	ks.AddKey(Key{Kid: "a"})
	ks.AddKey(Key{Kid: "b"})
	if k, ok := ks.KeyByID("b"); !ok || k.Kid != "b" {
		t.Errorf("KeyByID(b) = %v, %v", k, ok)
	}
	ks.ClearKeys()
	if ks.Len() != 0 {
		t.Errorf("Len after clear = %d", ks.Len())
	}
	if _, ok := ks.LoadTime(); ok {
		t.Error("store that never loaded should report no load time")
	}
}
