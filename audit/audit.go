// Package audit fans settlement outcomes out to sinks. Delivery never
// affects an outcome: sink errors are logged and dropped.
package audit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/x402-foundation/x402/settle/types"
)

// Sink receives one event per terminal outcome.
type Sink interface {
	Record(ctx context.Context, event types.AuditEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event types.AuditEvent) error

func (f SinkFunc) Record(ctx context.Context, event types.AuditEvent) error {
	return f(ctx, event)
}

// Emitter delivers events to every sink in order.
type Emitter struct {
	sinks  []Sink
	logger zerolog.Logger
}

// NewEmitter creates an emitter for sinks.
func NewEmitter(logger zerolog.Logger, sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks, logger: logger.With().Str("component", "audit").Logger()}
}

// Emit has the signature of a pipeline outcome hook.
func (e *Emitter) Emit(event types.AuditEvent) {
	ctx := context.Background()
	for _, sink := range e.sinks {
		if err := record(ctx, sink, event); err != nil {
			e.logger.Warn().
				Err(err).
				Str("export_id", event.ExportID).
				Msg("audit sink failed")
		}
	}
}

func record(ctx context.Context, sink Sink, event types.AuditEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Record(ctx, event)
}
