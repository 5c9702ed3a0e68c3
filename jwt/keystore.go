package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/wippyai/fnhost/metrics"
)

// DefaultRefreshInterval is the fraction of max-age after which a key set
// should be refreshed.
const DefaultRefreshInterval = 0.5

const algRS256 = "RS256"

var maxAgeRe = regexp.MustCompile(`max-age\s*=\s*(\d+)`)

// Key is one signing key from a JWKS document. Modulus and exponent are
// base64url text.
type Key struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type keySet struct {
	Keys []Key `json:"keys"`
}

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithHTTPClient sets the client used for key set downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(s *KeyStore) { s.client = c }
}

// WithClock sets the time source. Tests use it to pin load_time.
func WithClock(now func() time.Time) Option {
	return func(s *KeyStore) { s.now = now }
}

// WithRefreshInterval sets the refresh fraction applied on load.
func WithRefreshInterval(f float64) Option {
	return func(s *KeyStore) { s.interval = f }
}

// KeyStore caches the signing keys published at a key set URL and verifies
// tokens against them. Safe for concurrent use.
type KeyStore struct {
	client   *http.Client
	now      func() time.Time
	loadTime time.Time
	expire   time.Time
	refresh  time.Time
	url      string
	keys     []Key
	interval float64
	mu       sync.RWMutex
}

// NewFrom downloads the key set at url and returns a loaded store.
func NewFrom(ctx context.Context, url string, opts ...Option) (*KeyStore, error) {
	s := New(url, opts...)
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// New returns an empty store for url without fetching.
func New(url string, opts ...Option) *KeyStore {
	s := &KeyStore{
		client:   http.DefaultClient,
		now:      time.Now,
		url:      url,
		interval: DefaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh downloads the key set and replaces the keys and schedule.
// On failure the previous keys and schedule are kept.
func (s *KeyStore) Refresh(ctx context.Context) error {
	keys, maxAge, hasMaxAge, err := s.fetch(ctx)
	if err != nil {
		metrics.RecordKeySetFetch(string(err.Kind))
		Logger().Warn("key set fetch failed", zap.String("url", s.url), zap.Error(err))
		return err
	}
	metrics.RecordKeySetFetch("ok")

	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys = keys
	s.loadTime = s.now()
	s.expire = time.Time{}
	s.refresh = time.Time{}
	if hasMaxAge {
		s.expire = s.loadTime.Add(time.Duration(maxAge) * time.Second)
		secs := uint64(float64(maxAge) * s.interval)
		s.refresh = s.loadTime.Add(time.Duration(secs) * time.Second)
	}

	Logger().Debug("key set loaded",
		zap.String("url", s.url),
		zap.Int("keys", len(keys)),
		zap.Time("expire", s.expire),
		zap.Time("refresh", s.refresh))
	return nil
}

func (s *KeyStore) fetch(ctx context.Context) ([]Key, uint64, bool, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, 0, false, newError(KindConnection, "could not download JWKS", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, false, newError(KindConnection, "could not download JWKS", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, 0, false, newError(KindConnection, fmt.Sprintf("could not download JWKS: status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, false, newError(KindConnection, "could not download JWKS", err)
	}

	var set keySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, 0, false, newError(KindParse, "failed to parse keys", err)
	}
	if set.Keys == nil {
		return nil, 0, false, newError(KindParse, "failed to parse keys: missing keys array", nil)
	}

	maxAge, ok := parseMaxAge(resp.Header.Get("Cache-Control"))
	return set.Keys, maxAge, ok, nil
}

func parseMaxAge(cacheControl string) (uint64, bool) {
	m := maxAgeRe.FindStringSubmatch(cacheControl)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// URL returns the key set source.
func (s *KeyStore) URL() string { return s.url }

// KeyByID returns the key with the given kid.
func (s *KeyStore) KeyByID(kid string) (Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return Key{}, false
}

// AddKey appends a key.
func (s *KeyStore) AddKey(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, k)
}

// ClearKeys drops every key. The schedule is untouched.
func (s *KeyStore) ClearKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = nil
}

// Len returns the number of keys.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// LoadTime returns when the keys were last loaded.
func (s *KeyStore) LoadTime() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadTime, !s.loadTime.IsZero()
}

// ExpireTime returns the max-age expiry, if the server sent one.
func (s *KeyStore) ExpireTime() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expire, !s.expire.IsZero()
}

// RefreshTime returns the computed refresh time, if any.
func (s *KeyStore) RefreshTime() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh, !s.refresh.IsZero()
}

// RefreshInterval returns the fraction applied on the next load.
func (s *KeyStore) RefreshInterval() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

// SetRefreshInterval sets the fraction of max-age after which the keys
// should be refreshed. Takes effect on the next load. f must be in (0, 1].
func (s *KeyStore) SetRefreshInterval(f float64) error {
	if f <= 0 || f > 1 {
		return fmt.Errorf("jwt: refresh interval %v out of range (0, 1]", f)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = f
	return nil
}

// KeysExpired reports whether the max-age has passed. A store without an
// expiry never expires.
func (s *KeyStore) KeysExpired() bool {
	return s.KeysExpiredTime(s.now())
}

// KeysExpiredTime is KeysExpired evaluated at t.
func (s *KeyStore) KeysExpiredTime(t time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.expire.IsZero() && !s.expire.After(t)
}

// ShouldRefresh reports whether the refresh time has been reached. The
// second result is false when no refresh time was ever computed.
func (s *KeyStore) ShouldRefresh() (bool, bool) {
	return s.ShouldRefreshTime(s.now())
}

// ShouldRefreshTime is ShouldRefresh evaluated at t.
func (s *KeyStore) ShouldRefreshTime(t time.Time) (bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.refresh.IsZero() {
		return false, false
	}
	return !s.refresh.After(t), true
}

// Decode decodes token without verifying it.
func (s *KeyStore) Decode(token string) (*Token, error) {
	return Decode(token)
}

// Verify checks token against the stored keys at the current time.
func (s *KeyStore) Verify(token string) (*Token, error) {
	return s.VerifyTime(token, s.now())
}

// VerifyTime checks the signature, then exp and nbf against at. Time
// checks only run once the signature has matched.
func (s *KeyStore) VerifyTime(token string, at time.Time) (*Token, error) {
	jwt, err := Decode(token)
	if err != nil {
		return nil, err
	}

	if alg := jwt.Header.Alg(); alg != algRS256 {
		return nil, newError(KindAlgorithm, fmt.Sprintf("unsupported algorithm %q", alg), nil)
	}

	kid := jwt.Header.Kid()
	if kid == "" {
		return nil, newError(KindKey, "missing kid", nil)
	}
	key, ok := s.KeyByID(kid)
	if !ok {
		return nil, newError(KindKey, fmt.Sprintf("no key with kid %q", kid), nil)
	}

	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}

	sig, err := base64.RawURLEncoding.DecodeString(jwt.Signature)
	if err != nil {
		return nil, newError(KindSignature, "decode signature", err)
	}
	if err := gojwt.SigningMethodRS256.Verify(jwt.Signed, sig, pub); err != nil {
		return nil, newError(KindSignature, "signature mismatch", err)
	}

	if exp, ok := jwt.Payload.Expiry(); ok && !at.Before(exp) {
		return nil, newError(KindExpired, "token expired", nil)
	}
	if nbf, ok := jwt.Payload.NotBefore(); ok && at.Before(nbf) {
		return nil, newError(KindEarly, "token not yet valid", nil)
	}

	jwt.Valid = true
	return jwt, nil
}

// PublicKey builds the RSA key from the base64url modulus and exponent.
func (k Key) PublicKey() (*rsa.PublicKey, error) {
	n, err := decodeBigInt(k.N)
	if err != nil {
		return nil, newError(KindCertificate, "decode modulus", err)
	}
	e, err := decodeBigInt(k.E)
	if err != nil {
		return nil, newError(KindCertificate, "decode exponent", err)
	}
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() < 2 || e.Int64() > 1<<31-1 {
		return nil, newError(KindCertificate, "invalid RSA parameters", nil)
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func decodeBigInt(s string) (*big.Int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}
