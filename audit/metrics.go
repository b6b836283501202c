package audit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/x402-foundation/x402/settle/types"
)

// MeterName is the instrumentation scope of the settlement metrics.
const MeterName = "github.com/x402-foundation/x402/settle"

// MetricsSink records outcome counters and latency histograms.
type MetricsSink struct {
	settlements metric.Int64Counter
	breaches    metric.Int64Counter
	duration    metric.Float64Histogram
	deviation   metric.Int64Histogram
}

// NewMetricsSink creates the instruments on meter.
func NewMetricsSink(meter metric.Meter) (*MetricsSink, error) {
	var (
		s   MetricsSink
		err error
	)
	s.settlements, err = meter.Int64Counter("x402.settlements.total",
		metric.WithDescription("Settlements reaching a terminal state"),
		metric.WithUnit("{settlement}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create settlements counter: %w", err)
	}

	s.breaches, err = meter.Int64Counter("x402.policy_breaches.total",
		metric.WithDescription("Settlements refused by an on-chain spending policy"),
		metric.WithUnit("{settlement}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create breach counter: %w", err)
	}

	s.duration, err = meter.Float64Histogram("x402.settlement.duration",
		metric.WithDescription("Time from validation to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	s.deviation, err = meter.Int64Histogram("x402.oracle.deviation",
		metric.WithDescription("Declared expected amount versus oracle expectation"),
		metric.WithUnit("{bip}"),
		metric.WithExplicitBucketBoundaries(-500, -100, -50, -10, 0, 10, 50, 100, 500),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deviation histogram: %w", err)
	}
	return &s, nil
}

func (s *MetricsSink) Record(ctx context.Context, e types.AuditEvent) error {
	attrs := []attribute.KeyValue{
		attribute.String("network", e.Network),
		attribute.String("outcome", outcomeLabel(e.Outcome)),
	}
	if f := e.Outcome.Failure; f != nil {
		attrs = append(attrs, attribute.String("failed_stage", string(f.FailedStage)))
		if f.IsPolicyBreach {
			s.breaches.Add(ctx, 1, metric.WithAttributes(attribute.String("failed_stage", string(f.FailedStage))))
		}
	}
	opt := metric.WithAttributes(attrs...)
	s.settlements.Add(ctx, 1, opt)
	s.duration.Record(ctx, e.Duration.Seconds(), opt)
	if o := e.Outcome.Oracle; o != nil {
		s.deviation.Record(ctx, o.DeviationBips, metric.WithAttributes(attribute.String("pair", o.Pair)))
	}
	return nil
}

func outcomeLabel(o types.SettlementOutcome) string {
	if o.Confirmed() {
		return string(types.StageConfirmed)
	}
	return string(types.StageFailed)
}
