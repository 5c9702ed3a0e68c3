// Package secrets implements the secret store behind the guest secrets
// capability.
package secrets

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"filippo.io/age"
	"golang.org/x/crypto/chacha20poly1305"
)

// DefaultKeyID names the sealing key every MemoryStore starts with.
const DefaultKeyID = "default"

var (
	ErrInvalidArgument = errors.New("secrets: invalid argument")
	ErrForbidden       = errors.New("secrets: forbidden")
)

// Secret is a stored value. Value is nil when the id has nothing stored.
type Secret struct {
	ID    string
	Value []byte
}

// Store reads and writes secrets.
type Store interface {
	Get(ctx context.Context, id string) (Secret, error)
	Set(ctx context.Context, id string, value []byte, keyID string) (Secret, error)
}

type sealed struct {
	keyID string
	blob  []byte // nonce || ciphertext
}

// MemoryStore keeps secrets in process memory sealed with
// ChaCha20-Poly1305 under named keys. Safe for concurrent use.
type MemoryStore struct {
	keys    map[string][]byte
	secrets map[string]sealed
	mu      sync.RWMutex
}

// NewMemoryStore creates a store with a fresh random DefaultKeyID key.
func NewMemoryStore() (*MemoryStore, error) {
	s := &MemoryStore{
		keys:    make(map[string][]byte),
		secrets: make(map[string]sealed),
	}
	if err := s.GenerateKey(DefaultKeyID); err != nil {
		return nil, err
	}
	return s, nil
}

// GenerateKey adds a random sealing key under keyID.
func (s *MemoryStore) GenerateKey(keyID string) error {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate key %q: %w", keyID, err)
	}
	return s.AddKey(keyID, key)
}

// AddKey installs a 32-byte sealing key under keyID.
func (s *MemoryStore) AddKey(keyID string, key []byte) error {
	if keyID == "" || len(key) != chacha20poly1305.KeySize {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyID] = bytes.Clone(key)
	return nil
}

// Get returns the unsealed value for id.
func (s *MemoryStore) Get(_ context.Context, id string) (Secret, error) {
	if id == "" {
		return Secret{}, ErrInvalidArgument
	}

	s.mu.RLock()
	entry, ok := s.secrets[id]
	var key []byte
	if ok {
		key = s.keys[entry.keyID]
	}
	s.mu.RUnlock()

	if !ok {
		return Secret{ID: id}, nil
	}
	if key == nil {
		return Secret{}, ErrForbidden
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Secret{}, err
	}
	if len(entry.blob) < aead.NonceSize() {
		return Secret{}, fmt.Errorf("secret %q: sealed value truncated", id)
	}
	nonce, ciphertext := entry.blob[:aead.NonceSize()], entry.blob[aead.NonceSize():]
	value, err := aead.Open(nil, nonce, ciphertext, []byte(id))
	if err != nil {
		return Secret{}, fmt.Errorf("secret %q: %w", id, err)
	}
	return Secret{ID: id, Value: value}, nil
}

// Set seals value under keyID and stores it as id. An empty keyID uses
// DefaultKeyID; an unknown one is forbidden.
func (s *MemoryStore) Set(_ context.Context, id string, value []byte, keyID string) (Secret, error) {
	if id == "" {
		return Secret{}, ErrInvalidArgument
	}
	if keyID == "" {
		keyID = DefaultKeyID
	}

	s.mu.RLock()
	key, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return Secret{}, ErrForbidden
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Secret{}, err
	}
	blob := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err := rand.Read(blob); err != nil {
		return Secret{}, fmt.Errorf("nonce: %w", err)
	}
	blob = aead.Seal(blob, blob[:aead.NonceSize()], value, []byte(id))

	s.mu.Lock()
	s.secrets[id] = sealed{keyID: keyID, blob: blob}
	s.mu.Unlock()

	return Secret{ID: id}, nil
}

// AgeStore seals values to an age X25519 recipient before handing them to
// an underlying Store, so the operator key is required to read them back.
type AgeStore struct {
	inner     Store
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAgeStore wraps inner with the identity in AGE-SECRET-KEY-1 form.
func NewAgeStore(inner Store, identity string) (*AgeStore, error) {
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	return &AgeStore{inner: inner, identity: id, recipient: id.Recipient()}, nil
}

// Recipient returns the age1 public key values are sealed to.
func (s *AgeStore) Recipient() string {
	return s.recipient.String()
}

// Get reads and decrypts id.
func (s *AgeStore) Get(ctx context.Context, id string) (Secret, error) {
	sec, err := s.inner.Get(ctx, id)
	if err != nil || sec.Value == nil {
		return sec, err
	}
	r, err := age.Decrypt(bytes.NewReader(sec.Value), s.identity)
	if err != nil {
		return Secret{}, fmt.Errorf("decrypt %q: %w", id, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return Secret{}, fmt.Errorf("read %q: %w", id, err)
	}
	return Secret{ID: id, Value: plain}, nil
}

// Set encrypts value to the recipient and stores it.
func (s *AgeStore) Set(ctx context.Context, id string, value []byte, keyID string) (Secret, error) {
	if id == "" {
		return Secret{}, ErrInvalidArgument
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return Secret{}, fmt.Errorf("encrypt %q: %w", id, err)
	}
	if _, err := w.Write(value); err != nil {
		return Secret{}, fmt.Errorf("encrypt %q: %w", id, err)
	}
	if err := w.Close(); err != nil {
		return Secret{}, fmt.Errorf("encrypt %q: %w", id, err)
	}
	return s.inner.Set(ctx, id, buf.Bytes(), keyID)
}
