// Package keyring resolves a holder's serialized private key for
// decrypt-on-read. Keys come from the holder's own session and are never
// persisted by the messaging core.
package keyring

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrNoKey = errors.New("keyring: no private key for party")

type Resolver interface {
	PrivateKey(ctx context.Context, partyID uuid.UUID) (string, error)
}

type sessionKey struct{}

type sessionEntry struct {
	partyID uuid.UUID
	key     string
}

// WithSessionKey binds the caller's private key to ctx. Only one party's key
// is carried per request.
func WithSessionKey(ctx context.Context, partyID uuid.UUID, serialized string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionEntry{partyID: partyID, key: serialized})
}

// Session resolves keys bound by WithSessionKey.
type Session struct{}

func (Session) PrivateKey(ctx context.Context, partyID uuid.UUID) (string, error) {
	entry, ok := ctx.Value(sessionKey{}).(sessionEntry)
	if !ok || entry.key == "" || entry.partyID != partyID {
		return "", ErrNoKey
	}
	return entry.key, nil
}

// Static is a fixed in-memory key set for tools and tests.
type Static struct {
	mu   sync.RWMutex
	keys map[uuid.UUID]string
}

func NewStatic() *Static {
	return &Static{keys: make(map[uuid.UUID]string)}
}

func (s *Static) Put(partyID uuid.UUID, serialized string) {
	s.mu.Lock()
	s.keys[partyID] = serialized
	s.mu.Unlock()
}

func (s *Static) PrivateKey(_ context.Context, partyID uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[partyID]
	if !ok {
		return "", ErrNoKey
	}
	return k, nil
}
