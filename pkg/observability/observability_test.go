package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "agentscm", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// Instruments are usable without export.
	_, done := p.TrackOperation(context.Background(), "noop")
	done(nil)
	p.RecordOutcome(context.Background(), "paid", "rule-based")
	require.NoError(t, p.Shutdown(context.Background()))
}

func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestTrackOperation_RecordsRED(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewWithReader(reader)
	require.NoError(t, err)
	ctx := context.Background()

	_, done := p.TrackOperation(ctx, "settlement.process", attribute.String("shipment.id", "S1"))
	done(nil)
	_, done = p.TrackOperation(ctx, "settlement.process")
	done(errors.New("rail down"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(2), sumFor(t, rm, "agentscm.requests.total"))
	assert.Equal(t, int64(1), sumFor(t, rm, "agentscm.errors.total"))
	assert.Equal(t, int64(0), sumFor(t, rm, "agentscm.operations.active"))
}

func TestSettlementCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewWithReader(reader)
	require.NoError(t, err)
	ctx := context.Background()

	p.RecordOutcome(ctx, "paid", "rule-based")
	p.RecordOutcome(ctx, "already-paid", "rule-based")
	p.RecordAuditFailure(ctx, "AI_DECISION")
	p.SubscriberDelta(ctx, 1)
	p.SubscriberDelta(ctx, 1)
	p.SubscriberDelta(ctx, -1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(2), sumFor(t, rm, "agentscm.settlements.total"))
	assert.Equal(t, int64(1), sumFor(t, rm, "agentscm.audit.append_failures.total"))
	assert.Equal(t, int64(1), sumFor(t, rm, "agentscm.stream.subscribers"))
	require.NoError(t, p.Shutdown(ctx))
}
