// Package store holds shared OutcomeStore implementations for deployments
// that run several settlement instances.
package store

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/x402-foundation/x402/settle"
	"github.com/x402-foundation/x402/settle/types"
)

const (
	// DefaultKeyPrefix namespaces outcome keys in a shared Redis.
	DefaultKeyPrefix = "x402:outcome:"
	// DefaultInFlightTTL outlives the sum of the default stage timeouts, so
	// a crashed run eventually releases its claim.
	DefaultInFlightTTL = 2 * time.Minute
	// DefaultPollInterval is how often Wait looks for a recorded outcome.
	DefaultPollInterval = 100 * time.Millisecond
)

// pendingMarker is stored while a run is in flight. A CBOR-encoded outcome
// never decodes from these bytes.
const pendingMarker = "pending"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	if encMode, err = opts.EncMode(); err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

// RedisOutcomeStore records export outcomes in Redis. Claim is a single
// SET NX, so it is atomic across every instance sharing the server.
type RedisOutcomeStore struct {
	client       *redis.Client
	prefix       string
	outcomeTTL   time.Duration
	inFlightTTL  time.Duration
	pollInterval time.Duration
}

type Option func(*RedisOutcomeStore)

func WithKeyPrefix(prefix string) Option {
	return func(s *RedisOutcomeStore) {
		s.prefix = prefix
	}
}

// WithOutcomeTTL sets how long terminal outcomes are kept (default 24h).
func WithOutcomeTTL(ttl time.Duration) Option {
	return func(s *RedisOutcomeStore) {
		s.outcomeTTL = ttl
	}
}

func WithInFlightTTL(ttl time.Duration) Option {
	return func(s *RedisOutcomeStore) {
		s.inFlightTTL = ttl
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *RedisOutcomeStore) {
		s.pollInterval = d
	}
}

// NewRedisOutcomeStore wraps a Redis client.
func NewRedisOutcomeStore(client *redis.Client, opts ...Option) *RedisOutcomeStore {
	s := &RedisOutcomeStore{
		client:       client,
		prefix:       DefaultKeyPrefix,
		outcomeTTL:   settle.DefaultOutcomeTTL,
		inFlightTTL:  DefaultInFlightTTL,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisOutcomeStore) key(exportID string) string {
	return s.prefix + exportID
}

// Claim marks exportID in flight, or reports what is already recorded.
func (s *RedisOutcomeStore) Claim(ctx context.Context, exportID string) (settle.ClaimStatus, *types.SettlementOutcome, error) {
	key := s.key(exportID)
	// A key can expire between SETNX and GET; one retry covers that.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, key, pendingMarker, s.inFlightTTL).Result()
		if err != nil {
			return 0, nil, errors.Wrap(err, "failed to claim export")
		}
		if ok {
			return settle.ClaimAcquired, nil, nil
		}

		outcome, pending, err := s.get(ctx, key)
		if errors.Is(err, settle.ErrOutcomeUnknown) {
			continue
		}
		if err != nil {
			return 0, nil, err
		}
		if pending {
			return settle.ClaimInFlight, nil, nil
		}
		return settle.ClaimCached, outcome, nil
	}
	return 0, nil, errors.Errorf("export %s: claim did not settle", exportID)
}

// Wait polls until the in-flight run of exportID records an outcome.
func (s *RedisOutcomeStore) Wait(ctx context.Context, exportID string) (*types.SettlementOutcome, error) {
	key := s.key(exportID)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		outcome, pending, err := s.get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !pending {
			return outcome, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Complete overwrites the in-flight marker with the outcome.
func (s *RedisOutcomeStore) Complete(ctx context.Context, exportID string, outcome types.SettlementOutcome) error {
	outcome.Replayed = false
	data, err := encMode.Marshal(outcome)
	if err != nil {
		return errors.Wrap(err, "failed to encode outcome")
	}
	if err := s.client.Set(ctx, s.key(exportID), data, s.outcomeTTL).Err(); err != nil {
		return errors.Wrap(err, "failed to record outcome")
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *RedisOutcomeStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping failed")
	}
	return nil
}

func (s *RedisOutcomeStore) get(ctx context.Context, key string) (*types.SettlementOutcome, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, settle.ErrOutcomeUnknown
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read outcome")
	}
	if string(data) == pendingMarker {
		return nil, true, nil
	}
	var outcome types.SettlementOutcome
	if err := decMode.Unmarshal(data, &outcome); err != nil {
		return nil, false, errors.Wrap(err, "failed to decode outcome")
	}
	return &outcome, false, nil
}

var _ settle.OutcomeStore = (*RedisOutcomeStore)(nil)
