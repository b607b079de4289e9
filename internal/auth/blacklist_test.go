package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBlacklist(t *testing.T) (*miniredis.Miniredis, *RedisBlacklist) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisBlacklist(client)
}

func TestBlacklistRoundTrip(t *testing.T) {
	_, bl := newBlacklist(t)
	ctx := context.Background()

	revoked, err := bl.IsBlacklisted(ctx, "t1", "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, bl.AddToBlacklist(ctx, "t1", "jti-1", time.Minute))

	revoked, err = bl.IsBlacklisted(ctx, "t1", "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestBlacklistIsTenantScoped(t *testing.T) {
	_, bl := newBlacklist(t)
	ctx := context.Background()

	require.NoError(t, bl.AddToBlacklist(ctx, "t1", "jti-1", time.Minute))

	revoked, err := bl.IsBlacklisted(ctx, "t2", "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestBlacklistEntryExpires(t *testing.T) {
	mr, bl := newBlacklist(t)
	ctx := context.Background()

	require.NoError(t, bl.AddToBlacklist(ctx, "t1", "jti-1", time.Second))
	mr.FastForward(2 * time.Second)

	revoked, err := bl.IsBlacklisted(ctx, "t1", "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}
