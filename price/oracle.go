package price

import (
	"context"
	"time"
)

// Quote is a price assertion from an oracle. Price is scaled by PriceScale.
type Quote struct {
	Pair      string
	Price     uint64
	Timestamp time.Time
}

// Oracle supplies the current price for the payment asset pair.
type Oracle interface {
	FetchPrice(ctx context.Context) (Quote, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context) (Quote, error)

func (f OracleFunc) FetchPrice(ctx context.Context) (Quote, error) {
	return f(ctx)
}

// StaticOracle always returns the same quote, or Err when set. A zero
// Timestamp is replaced with the time of the call.
type StaticOracle struct {
	Quote Quote
	Err   error
}

func (s StaticOracle) FetchPrice(ctx context.Context) (Quote, error) {
	if s.Err != nil {
		return Quote{}, s.Err
	}
	q := s.Quote
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now()
	}
	return q, nil
}
