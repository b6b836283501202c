package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/x402-foundation/x402/settle/types"
)

func confirmedEvent() types.AuditEvent {
	return types.AuditEvent{
		ExportID:  "export-1",
		CallerID:  "agent",
		Network:   "algorand-testnet",
		BatchSize: 1,
		Outcome: types.SettlementOutcome{
			Success: &types.SettlementSuccess{TxnID: "TXID", ConfirmedRound: 9, TxnCount: 2},
			Oracle:  &types.OracleSnapshot{Pair: "USDC/USD", DeviationBips: 12},
		},
		Duration: 1500 * time.Millisecond,
	}
}

func breachEvent() types.AuditEvent {
	return types.AuditEvent{
		ExportID: "export-2",
		Network:  "algorand-testnet",
		Outcome: types.SettlementOutcome{
			Failure: &types.SettlementFailure{FailedStage: types.FailedBroadcast, Reason: "logic eval error", IsPolicyBreach: true},
		},
	}
}

func TestEmitterSurvivesFailingSinks(t *testing.T) {
	var buf bytes.Buffer
	var got []string
	e := NewEmitter(zerolog.New(&buf),
		SinkFunc(func(ctx context.Context, ev types.AuditEvent) error { return errors.New("webhook down") }),
		SinkFunc(func(ctx context.Context, ev types.AuditEvent) error { panic("bad sink") }),
		SinkFunc(func(ctx context.Context, ev types.AuditEvent) error {
			got = append(got, ev.ExportID)
			return nil
		}),
	)

	e.Emit(confirmedEvent())
	assert.Equal(t, []string{"export-1"}, got)
	assert.Contains(t, buf.String(), "webhook down")
	assert.Contains(t, buf.String(), "sink panicked")
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	require.NoError(t, sink.Record(context.Background(), breachEvent()))
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "broadcast", line["stage"])
	assert.Equal(t, true, line["policy_breach"])
	assert.NotContains(t, line, "txn_id")
}

func TestMetricsSink(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	sink, err := NewMetricsSink(provider.Meter(MeterName))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Record(ctx, confirmedEvent()))
	require.NoError(t, sink.Record(ctx, confirmedEvent()))
	require.NoError(t, sink.Record(ctx, breachEvent()))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Metrics{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}

	settlements, ok := byName["x402.settlements.total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range settlements.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(3), total)
	assert.Len(t, settlements.DataPoints, 2, "confirmed and failed series")

	breaches, ok := byName["x402.policy_breaches.total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, breaches.DataPoints, 1)
	assert.Equal(t, int64(1), breaches.DataPoints[0].Value)

	deviation, ok := byName["x402.oracle.deviation"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, deviation.DataPoints, 1)
	assert.Equal(t, uint64(2), deviation.DataPoints[0].Count)
}
