package memory

import (
	"context"
	"sync"
	"time"

	"github.com/archsoong/classp-server/internal/domain"
)

// TokenStore is an in-memory implementation of app.TokenStore. Expired
// entries are reaped lazily on resolve.
type TokenStore struct {
	now func() time.Time

	mu     sync.RWMutex
	tokens map[string]tokenEntry
}

type tokenEntry struct {
	teacherID string
	expiresAt time.Time // zero means no expiry
}

func NewTokenStore() *TokenStore {
	return &TokenStore{
		now:    time.Now,
		tokens: make(map[string]tokenEntry),
	}
}

func (s *TokenStore) Issue(_ context.Context, token, teacherID string, ttl time.Duration) error {
	entry := tokenEntry{teacherID: teacherID}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.tokens[token] = entry
	s.mu.Unlock()
	return nil
}

func (s *TokenStore) Resolve(_ context.Context, token string) (string, error) {
	s.mu.RLock()
	entry, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return "", domain.ErrUnauthenticated
	}
	if !entry.expiresAt.IsZero() && !entry.expiresAt.After(s.now()) {
		s.mu.Lock()
		delete(s.tokens, token)
		s.mu.Unlock()
		return "", domain.ErrUnauthenticated
	}
	return entry.teacherID, nil
}

func (s *TokenStore) Revoke(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	return nil
}
