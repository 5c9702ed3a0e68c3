package secrets

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"filippo.io/age"
)

func TestMemoryStore_SetGet(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Set(ctx, "db-password", []byte("hunter2"), ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "db-password")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "db-password" || string(got.Value) != "hunter2" {
		t.Errorf("Get = %+v", got)
	}

	stored := s.secrets["db-password"].blob
	if bytes.Contains(stored, []byte("hunter2")) {
		t.Error("value stored in plaintext")
	}
	if len(stored) < 12 {
		t.Errorf("sealed blob too short: %d", len(stored))
	}
}

func TestMemoryStore_Missing(t *testing.T) {
	s, _ := NewMemoryStore()
	got, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "nope" || got.Value != nil {
		t.Errorf("missing secret = %+v, want nil value", got)
	}
}

func TestMemoryStore_Errors(t *testing.T) {
	ctx := context.Background()
	s, _ := NewMemoryStore()

	if _, err := s.Get(ctx, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Get empty id = %v", err)
	}
	if _, err := s.Set(ctx, "", []byte("x"), ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Set empty id = %v", err)
	}
	if _, err := s.Set(ctx, "id", []byte("x"), "operator"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Set unknown key = %v", err)
	}
	if err := s.AddKey("short", []byte("too short")); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("AddKey short = %v", err)
	}

	if err := s.GenerateKey("operator"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Set(ctx, "id", []byte("x"), "operator"); err != nil {
		t.Errorf("Set with generated key = %v", err)
	}
}

func TestMemoryStore_BoundToID(t *testing.T) {
	ctx := context.Background()
	s, _ := NewMemoryStore()
	_, _ = s.Set(ctx, "a", []byte("alpha"), "")
	_, _ = s.Set(ctx, "b", []byte("beta"), "")

	// Swapping sealed values between ids must fail authentication.
	s.secrets["a"], s.secrets["b"] = s.secrets["b"], s.secrets["a"]
	if _, err := s.Get(ctx, "a"); err == nil {
		t.Error("swapped ciphertext decrypted under the wrong id")
	}
}

func TestAgeStore(t *testing.T) {
	ctx := context.Background()
	ident, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}

	inner, _ := NewMemoryStore()
	s, err := NewAgeStore(inner, ident.String())
	if err != nil {
		t.Fatal(err)
	}
	if s.Recipient() != ident.Recipient().String() {
		t.Errorf("Recipient = %q", s.Recipient())
	}

	if _, err := s.Set(ctx, "token", []byte("s3cr3t"), ""); err != nil {
		t.Fatal(err)
	}

	raw, _ := inner.Get(ctx, "token")
	if bytes.Equal(raw.Value, []byte("s3cr3t")) {
		t.Error("inner store holds plaintext")
	}

	got, err := s.Get(ctx, "token")
	if err != nil || string(got.Value) != "s3cr3t" {
		t.Errorf("Get = %+v, %v", got, err)
	}

	missing, err := s.Get(ctx, "absent")
	if err != nil || missing.Value != nil {
		t.Errorf("missing = %+v, %v", missing, err)
	}

	if _, err := NewAgeStore(inner, "not-a-key"); err == nil {
		t.Error("bad identity accepted")
	}
}
