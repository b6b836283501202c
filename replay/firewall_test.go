package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCache struct {
	setIfAbsentFunc func(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

func (m *mockCache) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return m.setIfAbsentFunc(ctx, key, ttl)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestFirewallAcceptsOnce(t *testing.T) {
	now := time.Unix(1700000000, 0)
	mem := NewMemoryCache(2*DefaultWindow, 0)
	fw := NewFirewall(mem, WithClock(fixedClock(now)))
	defer fw.Close()

	ctx := context.Background()
	require.NoError(t, fw.Check(ctx, now.Unix(), "nonce-1"))

	err := fw.Check(ctx, now.Unix(), "nonce-1")
	assert.ErrorIs(t, err, ErrNonceReplayed)
	assert.Equal(t, "replay_detected", Reason(err))

	assert.NoError(t, fw.Check(ctx, now.Unix(), "nonce-2"))
}

func TestFirewallTimeBounds(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		name      string
		timestamp int64
		nonce     string
		wantErr   error
		reason    string
	}{
		{"fresh", now.Unix(), "a", nil, ""},
		{"edge of window", now.Add(-60 * time.Second).Unix(), "b", nil, ""},
		{"expired", now.Add(-61 * time.Second).Unix(), "c", ErrProofExpired, "proof_expired"},
		{"small skew", now.Add(5 * time.Second).Unix(), "d", nil, ""},
		{"future", now.Add(6 * time.Second).Unix(), "e", ErrFutureTimestamp, "future_timestamp"},
		{"missing timestamp", 0, "f", ErrMissingTimestamp, "missing_timestamp"},
		{"empty nonce", now.Unix(), "", ErrInvalidNonce, "invalid_nonce"},
		{"long nonce", now.Unix(), strings.Repeat("x", 257), ErrInvalidNonce, "invalid_nonce"},
		{"max nonce", now.Unix(), strings.Repeat("é", 256), nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fw := NewFirewall(NewMemoryCache(2*DefaultWindow, 0), WithClock(fixedClock(now)))
			defer fw.Close()

			err := fw.Check(context.Background(), tt.timestamp, tt.nonce)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.reason, Reason(err))
		})
	}
}

func TestFirewallStaleProofNeverTouchesCache(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cache := &mockCache{setIfAbsentFunc: func(ctx context.Context, key string, ttl time.Duration) (bool, error) {
		t.Fatal("cache must not be consulted for stale proofs")
		return false, nil
	}}
	fw := NewFirewall(cache, WithClock(fixedClock(now)))
	defer fw.Close()

	err := fw.Check(context.Background(), now.Add(-2*time.Minute).Unix(), "n")
	assert.ErrorIs(t, err, ErrProofExpired)
}

func TestFirewallPassesWindowAsTTL(t *testing.T) {
	now := time.Unix(1700000000, 0)
	var gotKey string
	var gotTTL time.Duration
	cache := &mockCache{setIfAbsentFunc: func(ctx context.Context, key string, ttl time.Duration) (bool, error) {
		gotKey, gotTTL = key, ttl
		return true, nil
	}}
	fw := NewFirewall(cache, WithClock(fixedClock(now)))
	defer fw.Close()

	require.NoError(t, fw.Check(context.Background(), now.Unix(), "abc"))
	assert.Equal(t, "abc", gotKey)
	assert.Equal(t, DefaultWindow, gotTTL)
}

func TestFirewallFallsBackWhenCacheUnavailable(t *testing.T) {
	now := time.Unix(1700000000, 0)
	broken := &mockCache{setIfAbsentFunc: func(ctx context.Context, key string, ttl time.Duration) (bool, error) {
		return false, errors.New("connection refused")
	}}
	fallback := NewMemoryCache(2*DefaultWindow, 0)
	fw := NewFirewall(broken, WithFallback(fallback), WithClock(fixedClock(now)))

	ctx := context.Background()
	require.NoError(t, fw.Check(ctx, now.Unix(), "n1"))
	assert.ErrorIs(t, fw.Check(ctx, now.Unix(), "n1"), ErrNonceReplayed)
	assert.Equal(t, 1, fallback.Len())
}

func TestFirewallStoresNotReconciledAfterOutage(t *testing.T) {
	now := time.Unix(1700000000, 0)
	var down atomic.Bool
	down.Store(true)
	shared := NewMemoryCache(2*DefaultWindow, 0)
	primary := &mockCache{setIfAbsentFunc: func(ctx context.Context, key string, ttl time.Duration) (bool, error) {
		if down.Load() {
			return false, errors.New("connection refused")
		}
		return shared.SetIfAbsent(ctx, key, ttl)
	}}
	fallback := NewMemoryCache(2*DefaultWindow, 0)
	fw := NewFirewall(primary, WithFallback(fallback), WithClock(fixedClock(now)))

	ctx := context.Background()
	require.NoError(t, fw.Check(ctx, now.Unix(), "outage"))

	down.Store(false)
	// the primary never saw the nonce the fallback accepted
	require.NoError(t, fw.Check(ctx, now.Unix(), "outage"))
	assert.ErrorIs(t, fw.Check(ctx, now.Unix(), "outage"), ErrNonceReplayed)
}

func TestFirewallConcurrentRacersSingleWinner(t *testing.T) {
	now := time.Unix(1700000000, 0)
	fw := NewFirewall(nil, WithClock(fixedClock(now)))
	defer fw.Close()

	const racers = 64
	var accepted, replayed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fw.Check(context.Background(), now.Unix(), "contested")
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrNonceReplayed):
				replayed.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(racers-1), replayed.Load())
}

func TestMemoryCacheEviction(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := NewMemoryCache(120*time.Second, 0)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := c.SetIfAbsent(ctx, fmt.Sprintf("k%d", i), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	now = now.Add(119 * time.Second)
	c.Sweep()
	assert.Equal(t, 3, c.Len())
	ok, _ := c.SetIfAbsent(ctx, "k0", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	c.Sweep()
	assert.Equal(t, 0, c.Len())
	ok, _ = c.SetIfAbsent(ctx, "k0", time.Minute)
	assert.True(t, ok)
}

func TestMemoryCacheSweeperStops(t *testing.T) {
	c := NewMemoryCache(time.Millisecond, time.Millisecond)
	_, _ = c.SetIfAbsent(context.Background(), "k", 0)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	c.Close()
	c.Close()
}
