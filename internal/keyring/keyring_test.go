package keyring

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestSessionOnlyServesBoundParty(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	ctx := WithSessionKey(context.Background(), alice, "alice-key")

	got, err := Session{}.PrivateKey(ctx, alice)
	if err != nil || got != "alice-key" {
		t.Fatalf("expected alice key, got %q %v", got, err)
	}
	if _, err := (Session{}).PrivateKey(ctx, bob); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey for another party, got %v", err)
	}
	if _, err := (Session{}).PrivateKey(context.Background(), alice); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey without session, got %v", err)
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic()
	id := uuid.New()
	if _, err := s.PrivateKey(context.Background(), id); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	s.Put(id, "k")
	if got, err := s.PrivateKey(context.Background(), id); err != nil || got != "k" {
		t.Fatalf("expected stored key, got %q %v", got, err)
	}
}
