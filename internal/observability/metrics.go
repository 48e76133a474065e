// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// Metrics records the orchestrator's control-loop instruments.
type Metrics struct {
	transitions otelmetric.Int64Counter
	admitted    otelmetric.Int64Counter
	reclaimed   otelmetric.Int64Counter
	activeJobs  otelmetric.Int64Gauge
	tickSeconds otelmetric.Float64Histogram
}

// NewMetrics registers the orchestrator instruments on the global provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("bastion")

	transitions, err := meter.Int64Counter("bastion.job.transitions",
		otelmetric.WithDescription("Job state transitions, labelled by target state"))
	if err != nil {
		return nil, err
	}
	admitted, err := meter.Int64Counter("bastion.scheduler.admitted",
		otelmetric.WithDescription("Jobs admitted by the scheduler, labelled by tier"))
	if err != nil {
		return nil, err
	}
	reclaimed, err := meter.Int64Counter("bastion.gc.reclaimed",
		otelmetric.WithDescription("Jobs reclaimed by garbage collection"))
	if err != nil {
		return nil, err
	}
	activeJobs, err := meter.Int64Gauge("bastion.jobs.tracked",
		otelmetric.WithDescription("Jobs currently tracked by the control loop"))
	if err != nil {
		return nil, err
	}
	tickSeconds, err := meter.Float64Histogram("bastion.tick.duration",
		otelmetric.WithDescription("Control loop tick duration"),
		otelmetric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		transitions: transitions,
		admitted:    admitted,
		reclaimed:   reclaimed,
		activeJobs:  activeJobs,
		tickSeconds: tickSeconds,
	}, nil
}

// RecordTransition counts a job entering state.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("state", state)))
}

// RecordAdmitted counts a scheduler admission at tier.
func (m *Metrics) RecordAdmitted(ctx context.Context, tier int) {
	if m == nil {
		return
	}
	m.admitted.Add(ctx, 1, otelmetric.WithAttributes(attribute.Int("tier", tier)))
}

// RecordReclaimed counts garbage-collected jobs.
func (m *Metrics) RecordReclaimed(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.reclaimed.Add(ctx, int64(n))
}

// RecordTracked reports the size of the tracked job set.
func (m *Metrics) RecordTracked(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.activeJobs.Record(ctx, int64(n))
}

// RecordTick reports one control-loop iteration's duration in seconds.
func (m *Metrics) RecordTick(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.tickSeconds.Record(ctx, seconds)
}
