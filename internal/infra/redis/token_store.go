package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/archsoong/classp-server/internal/domain"
)

// TokenStore keeps session tokens in Redis so teacher sessions survive server
// restarts and can be shared by multiple instances. A zero TTL stores tokens
// without expiry.
type TokenStore struct {
	client *redis.Client
}

func NewTokenStore(client *redis.Client) *TokenStore {
	return &TokenStore{client: client}
}

func (s *TokenStore) Issue(ctx context.Context, token, teacherID string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(token), teacherID, ttl).Err()
}

func (s *TokenStore) Resolve(ctx context.Context, token string) (string, error) {
	teacherID, err := s.client.Get(ctx, s.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrUnauthenticated
	}
	if err != nil {
		return "", err
	}
	return teacherID, nil
}

func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.key(token)).Err()
}

func (s *TokenStore) key(token string) string {
	return "classp:session:" + token
}
