package linker

import (
	"bytes"
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/fnhost/cache"
	"github.com/wippyai/fnhost/iodispatch"
	"github.com/wippyai/fnhost/jwt"
	"github.com/wippyai/fnhost/policy"
	"github.com/wippyai/fnhost/response"
	"github.com/wippyai/fnhost/secrets"
)

const (
	keySetCacheName = "jwt.keyset"
	keySetCacheSize = 64
)

// SharedConfig configures state shared by every invocation.
type SharedConfig struct {
	Secrets         secrets.Store
	HTTPClient      *http.Client
	KeySetTTL       time.Duration
	RefreshInterval float64
	KeySetCacheSize int
}

// Shared holds cross-invocation capability state. Safe for concurrent use.
type Shared struct {
	secrets  secrets.Store
	keySets  *cache.Cache[*jwt.KeyStore]
	client   *http.Client
	fetch    singleflight.Group
	interval float64
}

// NewShared creates shared state. A nil secret store disables the secrets
// capability; every call then reports forbidden.
func NewShared(cfg SharedConfig) *Shared {
	size := cfg.KeySetCacheSize
	if size <= 0 {
		size = keySetCacheSize
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	interval := cfg.RefreshInterval
	if interval <= 0 || interval > 1 {
		interval = jwt.DefaultRefreshInterval
	}
	return &Shared{
		secrets:  cfg.Secrets,
		keySets:  cache.New[*jwt.KeyStore](cache.Options{Name: keySetCacheName, Size: size, TTL: cfg.KeySetTTL}),
		client:   client,
		interval: interval,
	}
}

// Secrets returns the secret store, which may be nil.
func (s *Shared) Secrets() secrets.Store {
	return s.secrets
}

// KeyStore returns the cached key set for url, fetching it on first use
// and refreshing it once its refresh time has passed. Concurrent fetches
// of one url share a single request. A failed refresh keeps serving the
// keys already held.
func (s *Shared) KeyStore(ctx context.Context, url string) (*jwt.KeyStore, error) {
	key := keySetCacheName + ":" + url
	ks, err := s.keySets.GetOrPopulate(ctx, key, func(ctx context.Context) (*jwt.KeyStore, error) {
		v, err, _ := s.fetch.Do(key, func() (any, error) {
			return jwt.NewFrom(ctx, url, jwt.WithHTTPClient(s.client), jwt.WithRefreshInterval(s.interval))
		})
		if err != nil {
			return nil, err
		}
		return v.(*jwt.KeyStore), nil
	})
	if err != nil {
		return nil, err
	}

	if refresh, scheduled := ks.ShouldRefresh(); scheduled && refresh {
		_, _, _ = s.fetch.Do(key+"#refresh", func() (any, error) {
			if again, _ := ks.ShouldRefresh(); !again {
				return nil, nil
			}
			return nil, ks.Refresh(ctx)
		})
	}
	return ks, nil
}

// ValidationParams are optional claim checks applied after signature
// verification.
type ValidationParams struct {
	Issuer      string
	Audience    string
	HasIssuer   bool
	HasAudience bool
}

// VerifyToken verifies token against the key set at url and applies
// params.
func (s *Shared) VerifyToken(ctx context.Context, token, url string, params ValidationParams) (*jwt.Token, error) {
	ks, err := s.KeyStore(ctx, url)
	if err != nil {
		return nil, err
	}
	tok, err := ks.Verify(token)
	if err != nil {
		return nil, err
	}
	if params.HasIssuer {
		if tok.Payload.Issuer() != params.Issuer {
			return nil, jwt.ErrInvalid
		}
	}
	if params.HasAudience && !slices.Contains(tok.Payload.Audience(), params.Audience) {
		return nil, jwt.ErrInvalid
	}
	return tok, nil
}

// State is the per-invocation capability state. Host functions find it in
// the call context.
type State struct {
	sender     response.Sender
	dispatcher *iodispatch.Dispatcher
	shared     *Shared
	policies   *policy.Manager
	policyErr  error
	guest      *zap.Logger
	requestID  string
	input      []byte
	issued     map[iodispatch.IOID]struct{}
	outcome    *response.Status
	policyOnce sync.Once
	mu         sync.Mutex
}

// NewState creates invocation state. Any argument may be nil; the
// matching capability then reports failure to the guest.
func NewState(shared *Shared, d *iodispatch.Dispatcher, sender response.Sender, requestID string) *State {
	return &State{
		sender:     sender,
		dispatcher: d,
		shared:     shared,
		requestID:  requestID,
		issued:     make(map[iodispatch.IOID]struct{}),
		guest:      guestLogger(requestID),
	}
}

// RequestID returns the id outcomes are published under.
func (s *State) RequestID() string {
	return s.requestID
}

// SetInput replaces the input buffer.
func (s *State) SetInput(b []byte) {
	s.mu.Lock()
	s.input = bytes.Clone(b)
	s.mu.Unlock()
}

// Input returns a copy of the input buffer.
func (s *State) Input() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.input)
}

// Outcome returns the first status the guest published, if any.
func (s *State) Outcome() (response.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return response.Status{}, false
	}
	return *s.outcome, true
}

// Issued returns the IOIDs minted by this invocation and not yet polled.
func (s *State) Issued() []iodispatch.IOID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]iodispatch.IOID, 0, len(s.issued))
	for id := range s.issued {
		out = append(out, id)
	}
	return out
}

// Release forgets every result this invocation never polled.
func (s *State) Release() {
	if s.dispatcher == nil {
		return
	}
	ids := s.Issued()
	if len(ids) > 0 {
		s.dispatcher.Forget(ids...)
	}
	s.mu.Lock()
	clear(s.issued)
	s.mu.Unlock()
}

func (s *State) track(id iodispatch.IOID) {
	s.mu.Lock()
	s.issued[id] = struct{}{}
	s.mu.Unlock()
}

func (s *State) owns(id iodispatch.IOID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.issued[id]
	return ok
}

func (s *State) untrack(id iodispatch.IOID) {
	s.mu.Lock()
	delete(s.issued, id)
	s.mu.Unlock()
}

func (s *State) publish(ctx context.Context, st response.Status) {
	s.mu.Lock()
	if s.outcome == nil {
		cp := st
		s.outcome = &cp
	}
	s.mu.Unlock()

	if s.sender == nil {
		return
	}
	if err := s.sender.Send(ctx, st); err != nil {
		Logger().Warn("outcome not published",
			zap.String("request_id", s.requestID),
			zap.Stringer("kind", st.Kind),
			zap.Error(err))
	}
}

// Exit publishes an Exited status carrying code unless the guest already
// published an outcome.
func (s *State) Exit(ctx context.Context, code int) {
	if _, ok := s.Outcome(); ok {
		return
	}
	s.publish(ctx, response.NewExited(code, s.requestID))
}

func (s *State) secretStore() secrets.Store {
	if s.shared == nil {
		return nil
	}
	return s.shared.secrets
}

// policyManager creates the invocation's policy manager on first use.
func (s *State) policyManager() (*policy.Manager, error) {
	s.policyOnce.Do(func() {
		s.policies, s.policyErr = policy.NewManager()
	})
	return s.policies, s.policyErr
}

type stateKey struct{}

// WithState returns a context carrying st.
func WithState(ctx context.Context, st *State) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

// StateFrom returns the state carried by ctx.
func StateFrom(ctx context.Context) (*State, bool) {
	st, ok := ctx.Value(stateKey{}).(*State)
	return st, ok && st != nil
}
