package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/archsoong/classp-server/internal/domain"
)

// TokenStore abstracts how session tokens are stored (in-memory, Redis, etc).
type TokenStore interface {
	Issue(ctx context.Context, token, teacherID string, ttl time.Duration) error
	Resolve(ctx context.Context, token string) (string, error)
	Revoke(ctx context.Context, token string) error
}

// identityPattern is the only validation applied to a login claim; login is an
// identity claim, not an authentication step.
var identityPattern = regexp.MustCompile(`^[A-Za-z0-9]{3,20}$`)

// AuthService issues and resolves opaque session tokens and owns the Teacher
// records. Teacher records live in memory and are mirrored to the archive.
type AuthService struct {
	tokens TokenStore
	mirror *Mirror
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	teachers map[string]*domain.Teacher
}

func NewAuthService(tokens TokenStore, mirror *Mirror, ttl time.Duration) *AuthService {
	return &AuthService{
		tokens:   tokens,
		mirror:   mirror,
		ttl:      ttl,
		now:      time.Now,
		teachers: make(map[string]*domain.Teacher),
	}
}

// Login validates the identity claim, creates the Teacher record if unseen and
// issues a fresh opaque token.
func (s *AuthService) Login(ctx context.Context, identityClaim, displayName string) (string, domain.Teacher, error) {
	if !identityPattern.MatchString(identityClaim) {
		return "", domain.Teacher{}, domain.ErrInvalidIdentity
	}

	s.mu.Lock()
	teacher, ok := s.teachers[identityClaim]
	if !ok {
		teacher = &domain.Teacher{
			ID:          identityClaim,
			DisplayName: displayName,
			CreatedAt:   s.now(),
		}
		s.teachers[identityClaim] = teacher
	} else if displayName != "" {
		teacher.DisplayName = displayName
	}
	record := *teacher
	s.mu.Unlock()

	token, err := newToken()
	if err != nil {
		return "", domain.Teacher{}, fmt.Errorf("issue token: %w", err)
	}
	if err := s.tokens.Issue(ctx, token, record.ID, s.ttl); err != nil {
		return "", domain.Teacher{}, err
	}

	s.mirror.Teacher(record)
	return token, record, nil
}

// Resolve maps a token back to its teacher ID; used to authorize every
// teacher-scoped call.
func (s *AuthService) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrUnauthenticated
	}
	return s.tokens.Resolve(ctx, token)
}

// Logout revokes the token. Revoking an unknown token is not an error.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	return s.tokens.Revoke(ctx, token)
}

// Teacher returns the stored record for a teacher ID.
func (s *AuthService) Teacher(teacherID string) (domain.Teacher, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teachers[teacherID]
	if !ok {
		return domain.Teacher{}, false
	}
	return *t, true
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
