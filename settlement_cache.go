package settle

import (
	"context"
	"sync"
	"time"

	"github.com/x402-foundation/x402/settle/types"
)

// DefaultOutcomeTTL is how long a terminal outcome is remembered.
const DefaultOutcomeTTL = 24 * time.Hour

// OutcomeCache is an in-memory OutcomeStore. It is suitable for a single
// instance; deployments with several instances share a store.RedisOutcomeStore
// instead.
type OutcomeCache struct {
	mu       sync.Mutex
	results  map[string]*types.SettlementOutcome
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

// NewOutcomeCache creates a cache that remembers outcomes for ttl.
func NewOutcomeCache(ttl time.Duration) *OutcomeCache {
	return &OutcomeCache{
		results:  make(map[string]*types.SettlementOutcome),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Claim atomically checks the cache and marks exportID in flight if needed.
func (c *OutcomeCache) Claim(_ context.Context, exportID string) (ClaimStatus, *types.SettlementOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result := c.getLocked(exportID); result != nil {
		return ClaimCached, result, nil
	}
	if _, exists := c.inFlight[exportID]; exists {
		return ClaimInFlight, nil, nil
	}
	c.inFlight[exportID] = make(chan struct{})
	return ClaimAcquired, nil, nil
}

// Wait blocks until the in-flight run of exportID completes, respecting
// context cancellation.
func (c *OutcomeCache) Wait(ctx context.Context, exportID string) (*types.SettlementOutcome, error) {
	c.mu.Lock()
	done, inFlight := c.inFlight[exportID]
	if !inFlight {
		result := c.getLocked(exportID)
		c.mu.Unlock()
		if result == nil {
			return nil, ErrOutcomeUnknown
		}
		return result, nil
	}
	c.mu.Unlock()

	select {
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if result := c.getLocked(exportID); result != nil {
			return result, nil
		}
		return nil, ErrOutcomeUnknown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete caches the outcome and signals any waiting goroutines.
func (c *OutcomeCache) Complete(_ context.Context, exportID string, outcome types.SettlementOutcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[exportID] = &outcome
	c.expiry[exportID] = c.now().Add(c.ttl)

	if done, exists := c.inFlight[exportID]; exists {
		delete(c.inFlight, exportID)
		close(done)
	}

	c.cleanupExpiredLocked()
	return nil
}

// getLocked returns a copy of an unexpired outcome. Must be called with lock
// held.
func (c *OutcomeCache) getLocked(exportID string) *types.SettlementOutcome {
	expiry, exists := c.expiry[exportID]
	if !exists {
		return nil
	}
	if c.now().After(expiry) {
		delete(c.results, exportID)
		delete(c.expiry, exportID)
		return nil
	}
	result := *c.results[exportID]
	return &result
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *OutcomeCache) cleanupExpiredLocked() {
	now := c.now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}

var _ OutcomeStore = (*OutcomeCache)(nil)
