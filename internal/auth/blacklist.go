package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBlacklist checks revoked access tokens by jti.
type TokenBlacklist interface {
	IsBlacklisted(ctx context.Context, tenantID, jti string) (bool, error)
	AddToBlacklist(ctx context.Context, tenantID, jti string, ttl time.Duration) error
}

type RedisBlacklist struct {
	client *redis.Client
}

func NewRedisBlacklist(client *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{client: client}
}

func blacklistKey(tenantID, jti string) string {
	return fmt.Sprintf("blacklist:%s:%s", tenantID, jti)
}

func (r *RedisBlacklist) IsBlacklisted(ctx context.Context, tenantID, jti string) (bool, error) {
	exists, err := r.client.Exists(ctx, blacklistKey(tenantID, jti)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// AddToBlacklist revokes a token until its natural expiry; ttl should match
// the token's remaining lifetime.
func (r *RedisBlacklist) AddToBlacklist(ctx context.Context, tenantID, jti string, ttl time.Duration) error {
	return r.client.Set(ctx, blacklistKey(tenantID, jti), "revoked", ttl).Err()
}
