package replay

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a process-local Cache. Entries are kept for maxAge
// regardless of the ttl passed to SetIfAbsent, and a background sweeper
// removes older ones.
type MemoryCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	maxAge time.Duration
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates a cache that forgets keys after maxAge and sweeps
// every sweepInterval. A zero sweepInterval disables the sweeper; expired
// keys are then only replaced lazily.
func NewMemoryCache(maxAge, sweepInterval time.Duration) *MemoryCache {
	c := &MemoryCache{
		seen:   make(map[string]time.Time),
		maxAge: maxAge,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

func (c *MemoryCache) SetIfAbsent(_ context.Context, key string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, exists := c.seen[key]; exists && now.Sub(at) <= c.maxAge {
		return false, nil
	}
	c.seen[key] = now
	return true, nil
}

// Len returns the number of remembered keys.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Sweep removes entries older than maxAge.
func (c *MemoryCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, at := range c.seen {
		if now.Sub(at) > c.maxAge {
			delete(c.seen, key)
		}
	}
}

// Close stops the sweeper.
func (c *MemoryCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *MemoryCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

var _ Cache = (*MemoryCache)(nil)
