package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/solace-health/solace/core/pkg/contracts"
)

const meterName = "solace.core"

// Metrics holds the core's OpenTelemetry instruments. A nil *Metrics is
// a valid no-op receiver, so instrumentation points never need a guard.
type Metrics struct {
	observations metric.Int64Counter
	transitions  metric.Int64Counter
	dispatches   metric.Int64Counter
	evaluateMs   metric.Float64Histogram
	renderMs     metric.Float64Histogram
	sessions     metric.Int64UpDownCounter
}

// NewMetrics creates the instrument set against the given provider. A
// nil provider falls back to the global one, which is a no-op unless
// the host application installed an SDK.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}
	var err error

	m.observations, err = meter.Int64Counter("solace.observations.total",
		metric.WithDescription("Mood observations evaluated"),
		metric.WithUnit("{observation}"),
	)
	if err != nil {
		return nil, err
	}

	m.transitions, err = meter.Int64Counter("solace.transitions.total",
		metric.WithDescription("Escalation state transitions applied"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	m.dispatches, err = meter.Int64Counter("solace.dispatch.total",
		metric.WithDescription("Dispatch attempts settled, by channel and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.evaluateMs, err = meter.Float64Histogram("solace.evaluate.duration",
		metric.WithDescription("Detector evaluation latency"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250),
	)
	if err != nil {
		return nil, err
	}

	m.renderMs, err = meter.Float64Histogram("solace.render.duration",
		metric.WithDescription("Resource bundle rendering latency"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 200, 500),
	)
	if err != nil {
		return nil, err
	}

	m.sessions, err = meter.Int64UpDownCounter("solace.sessions.active",
		metric.WithDescription("Currently open sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObservationEvaluated records one classified observation and its
// evaluation latency.
func (m *Metrics) ObservationEvaluated(ctx context.Context, c contracts.RiskClassification, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(ClassificationAttrs(c)...)
	m.observations.Add(ctx, 1, attrs)
	m.evaluateMs.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
}

// TransitionApplied records one applied state transition.
func (m *Metrics) TransitionApplied(ctx context.Context, from, to contracts.CrisisState, cause contracts.TransitionCause) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(TransitionAttrs(from, to, cause)...))
}

// DispatchSettled records one settled dispatch attempt.
func (m *Metrics) DispatchSettled(ctx context.Context, channel contracts.DispatchChannel, success bool) {
	if m == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(DispatchAttrs(channel, success)...))
}

// ResourcesRendered records one resource bundle render.
func (m *Metrics) ResourcesRendered(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.renderMs.Record(ctx, float64(d)/float64(time.Millisecond))
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1)
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, -1)
}
