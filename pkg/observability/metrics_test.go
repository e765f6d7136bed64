package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/solace-health/solace/core/pkg/contracts"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func sumInt64(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecordAndCollect(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.ObservationEvaluated(ctx, contracts.RiskClassification{
		Level:  contracts.RiskCrisis,
		RuleID: "low-score-immediate",
	}, 3*time.Millisecond)
	m.TransitionApplied(ctx, contracts.StateIdle, contracts.StateSelfHelp, contracts.CauseClassification)
	m.DispatchSettled(ctx, contracts.ChannelProfessional, true)
	m.DispatchSettled(ctx, contracts.ChannelProfessional, false)
	m.ResourcesRendered(ctx, time.Millisecond)
	m.SessionOpened(ctx)

	rm := collect(t, reader)

	obs, ok := findMetric(rm, "solace.observations.total")
	require.True(t, ok)
	require.EqualValues(t, 1, sumInt64(t, obs))
	obsSum := obs.Data.(metricdata.Sum[int64])
	level, ok := obsSum.DataPoints[0].Attributes.Value(AttrRiskLevel)
	require.True(t, ok)
	require.Equal(t, "CRISIS", level.AsString())

	transitions, ok := findMetric(rm, "solace.transitions.total")
	require.True(t, ok)
	require.EqualValues(t, 1, sumInt64(t, transitions))

	dispatches, ok := findMetric(rm, "solace.dispatch.total")
	require.True(t, ok)
	require.EqualValues(t, 2, sumInt64(t, dispatches))
	dispSum := dispatches.Data.(metricdata.Sum[int64])
	require.Len(t, dispSum.DataPoints, 2, "confirmed and failed outcomes split the series")

	evaluate, ok := findMetric(rm, "solace.evaluate.duration")
	require.True(t, ok)
	hist, isHist := evaluate.Data.(metricdata.Histogram[float64])
	require.True(t, isHist)
	require.Len(t, hist.DataPoints, 1)
	require.EqualValues(t, 1, hist.DataPoints[0].Count)

	sessions, ok := findMetric(rm, "solace.sessions.active")
	require.True(t, ok)
	require.EqualValues(t, 1, sumInt64(t, sessions))
}

func TestMetricsSessionGaugeBalances(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.SessionOpened(ctx)
	m.SessionOpened(ctx)
	m.SessionClosed(ctx)

	rm := collect(t, reader)
	sessions, ok := findMetric(rm, "solace.sessions.active")
	require.True(t, ok)
	require.EqualValues(t, 1, sumInt64(t, sessions))
}

func TestMetricsNilReceiverIsNoOp(t *testing.T) {
	var m *Metrics

	ctx := context.Background()
	m.ObservationEvaluated(ctx, contracts.RiskClassification{}, time.Millisecond)
	m.TransitionApplied(ctx, contracts.StateIdle, contracts.StateSelfHelp, contracts.CauseClassification)
	m.DispatchSettled(ctx, contracts.ChannelBuddy, true)
	m.ResourcesRendered(ctx, time.Millisecond)
	m.SessionOpened(ctx)
	m.SessionClosed(ctx)
}

func TestMetricsDefaultsToGlobalProvider(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	require.NotNil(t, m)

	// Recording against the global no-op provider must not panic.
	m.ObservationEvaluated(context.Background(), contracts.RiskClassification{
		Level:  contracts.RiskNominal,
		RuleID: "baseline",
	}, time.Millisecond)
}
