package audit

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/x402-foundation/x402/settle/types"
)

// LogSink writes each outcome as one structured log line.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, e types.AuditEvent) error {
	event := s.logger.Info()
	if !e.Outcome.Confirmed() {
		event = s.logger.Warn()
	}
	event = event.
		Str("export_id", e.ExportID).
		Str("caller_id", e.CallerID).
		Str("network", e.Network).
		Int("batch_size", e.BatchSize).
		Dur("duration", e.Duration).
		Bool("replayed", e.Outcome.Replayed)

	if sc := e.Outcome.Success; sc != nil {
		event = event.
			Str("txn_id", sc.TxnID).
			Uint64("confirmed_round", sc.ConfirmedRound).
			Int("txn_count", sc.TxnCount)
	}
	if f := e.Outcome.Failure; f != nil {
		event = event.
			Str("stage", string(f.FailedStage)).
			Str("reason", f.Reason).
			Bool("policy_breach", f.IsPolicyBreach)
	}
	if o := e.Outcome.Oracle; o != nil {
		event = event.Int64("deviation_bips", o.DeviationBips)
	}
	event.Msg("settlement outcome")
	return nil
}
