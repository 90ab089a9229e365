package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestLimiter connects to a local Redis and removes the test keys. Tests
// skip when Redis is not running on localhost:6379.
func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client, zap.NewNop()), client
}

var testRule = Rule{Key: "rl:test:", Limit: 3, Window: 5 * time.Second}

func TestAllowUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < testRule.Limit; i++ {
		ok, err := l.Allow(ctx, "alice", testRule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}

	ok, err := l.Allow(ctx, "alice", testRule)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "bob", testRule)
	require.NoError(t, err)
	assert.True(t, ok, "identifiers are independent")
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	n, err := l.Remaining(ctx, "carol", testRule)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, _ = l.Allow(ctx, "carol", testRule)
	n, err = l.Remaining(ctx, "carol", testRule)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	assert.Equal(t, 5, l.RetryAfter(ctx, "dave", testRule), "no window yet")

	_, _ = l.Allow(ctx, "dave", testRule)
	got := l.RetryAfter(ctx, "dave", testRule)
	assert.GreaterOrEqual(t, got, 1)
	assert.LessOrEqual(t, got, 5)
}

func TestWindowSetOnFirstHit(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "erin", testRule)
	ttl, err := client.TTL(ctx, testRule.Key+"erin").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
