package replay

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const (
	// DefaultWindow is how long a proof stays valid after its timestamp.
	DefaultWindow = 60 * time.Second
	// DefaultSkew is how far in the future a timestamp may be.
	DefaultSkew = 5 * time.Second
	// MaxNonceLength is measured in characters.
	MaxNonceLength = 256
)

var (
	ErrMissingTimestamp = errors.New("replay: timestamp is required")
	ErrInvalidNonce     = errors.New("replay: nonce must be 1-256 characters")
	ErrProofExpired     = errors.New("replay: proof expired")
	ErrFutureTimestamp  = errors.New("replay: timestamp is in the future")
	ErrNonceReplayed    = errors.New("replay: nonce already used")
)

// Reason returns the machine-readable reason for a firewall error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNonceReplayed):
		return "replay_detected"
	case errors.Is(err, ErrProofExpired):
		return "proof_expired"
	case errors.Is(err, ErrFutureTimestamp):
		return "future_timestamp"
	case errors.Is(err, ErrMissingTimestamp):
		return "missing_timestamp"
	case errors.Is(err, ErrInvalidNonce):
		return "invalid_nonce"
	default:
		return "replay_check_failed"
	}
}

// Firewall checks proof freshness and consumes nonces.
type Firewall struct {
	primary  Cache
	fallback Cache
	owned    *MemoryCache
	window   time.Duration
	skew     time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures a Firewall.
type Option func(*Firewall)

// WithFallback sets the cache used when the primary cache errors. By default
// a MemoryCache remembering nonces for twice the window is used.
func WithFallback(c Cache) Option {
	return func(f *Firewall) {
		f.fallback = c
	}
}

// WithWindow sets the proof validity window. Default: 60s.
func WithWindow(d time.Duration) Option {
	return func(f *Firewall) {
		f.window = d
	}
}

// WithSkew sets the tolerated clock skew for future timestamps. Default: 5s.
func WithSkew(d time.Duration) Option {
	return func(f *Firewall) {
		f.skew = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Firewall) {
		f.now = now
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(f *Firewall) {
		f.logger = l
	}
}

// NewFirewall creates a firewall over primary. primary may be nil, in which
// case only the fallback is used.
func NewFirewall(primary Cache, opts ...Option) *Firewall {
	f := &Firewall{
		primary: primary,
		window:  DefaultWindow,
		skew:    DefaultSkew,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.fallback == nil {
		f.owned = NewMemoryCache(2*f.window, f.window)
		f.fallback = f.owned
	}
	return f
}

// Close releases the built-in fallback cache, if one was created.
func (f *Firewall) Close() {
	if f.owned != nil {
		f.owned.Close()
	}
}

// Window returns the proof validity window.
func (f *Firewall) Window() time.Duration {
	return f.window
}

// Check accepts (timestamp, nonce) at most once inside the window.
func (f *Firewall) Check(ctx context.Context, timestamp int64, nonce string) error {
	if timestamp == 0 {
		return ErrMissingTimestamp
	}
	if n := utf8.RuneCountInString(nonce); n == 0 || n > MaxNonceLength {
		return ErrInvalidNonce
	}

	delta := f.now().Sub(time.Unix(timestamp, 0))
	if delta > f.window {
		return fmt.Errorf("%w: %s old", ErrProofExpired, delta.Truncate(time.Second))
	}
	if delta < -f.skew {
		return fmt.Errorf("%w: %s ahead", ErrFutureTimestamp, (-delta).Truncate(time.Second))
	}

	fresh, err := f.consume(ctx, nonce)
	if err != nil {
		return err
	}
	if !fresh {
		return ErrNonceReplayed
	}
	return nil
}

// consume records nonce in the primary cache, or in the fallback while the
// primary errors. The two stores are never reconciled: a nonce accepted by
// the fallback during an outage is unknown to the primary once it recovers,
// and the reverse, so it can be accepted once more within its window.
func (f *Firewall) consume(ctx context.Context, nonce string) (bool, error) {
	if f.primary != nil {
		fresh, err := f.primary.SetIfAbsent(ctx, nonce, f.window)
		if err == nil {
			return fresh, nil
		}
		f.logger.Warn().Err(err).Msg("nonce cache unavailable, using in-process fallback")
	} else {
		f.logger.Warn().Msg("no shared nonce cache configured, using in-process fallback")
	}
	return f.fallback.SetIfAbsent(ctx, nonce, f.window)
}
