package replay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisCache_Integration requires a running Redis on localhost:6379.
func TestRedisCache_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	cache := NewRedisCache(client, "x402:test:nonce:")

	ctx := context.Background()
	if err := cache.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := fmt.Sprintf("n-%d", time.Now().UnixNano())
	ok, err := cache.SetIfAbsent(ctx, key, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.SetIfAbsent(ctx, key, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.PTTL(ctx, "x402:test:nonce:"+key).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Second)
}

func TestRedisUnavailableFallsBack(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	now := time.Now()
	fw := NewFirewall(NewRedisCache(client, ""), WithClock(fixedClock(now)))
	defer fw.Close()

	ctx := context.Background()
	require.NoError(t, fw.Check(ctx, now.Unix(), "offline-nonce"))
	assert.ErrorIs(t, fw.Check(ctx, now.Unix(), "offline-nonce"), ErrNonceReplayed)
}
