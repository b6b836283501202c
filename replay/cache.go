// Package replay enforces single-use, time-bounded payment proofs.
//
// A nonce is consumed by an atomic set-if-absent against a shared cache.
// When the shared cache is unreachable the firewall falls back to a
// process-local map, which only protects single-instance deployments.
package replay

import (
	"context"
	"time"
)

// Cache is an atomic set-if-absent primitive with expiry.
// Implementations must be safe for concurrent use.
type Cache interface {
	// SetIfAbsent records key for ttl. It returns true when the key was
	// absent and is now set, false when it already existed.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
