package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the counters of the coordination core. A nil *Metrics is
// valid and records nothing, so services can be built without telemetry.
type Metrics struct {
	meter metric.Meter

	JobsSubmitted    metric.Int64Counter
	JobsPopped       metric.Int64Counter
	JobsFinished     metric.Int64Counter
	JobsExpired      metric.Int64Counter
	ValveEntries     metric.Int64Counter
	LockConflicts    metric.Int64Counter
	PipelineDuration metric.Float64Histogram
}

// NewMetrics creates all instruments on a private Prometheus registry and
// returns the handler that exposes it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("swarmhub")
	m := &Metrics{meter: meter}

	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsPopped, err = meter.Int64Counter(
		"jobs_popped_total",
		metric.WithDescription("Total number of jobs claimed by workers"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsFinished, err = meter.Int64Counter(
		"jobs_finished_total",
		metric.WithDescription("Total number of jobs finished, by exit status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsExpired, err = meter.Int64Counter(
		"jobs_expired_total",
		metric.WithDescription("Total number of jobs expired, by reason"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ValveEntries, err = meter.Int64Counter(
		"valve_entries_total",
		metric.WithDescription("Total valve entries, by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LockConflicts, err = meter.Int64Counter(
		"lock_conflicts_total",
		metric.WithDescription("Total lock acquisitions rejected as busy"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PipelineDuration, err = meter.Float64Histogram(
		"pipeline_duration_seconds",
		metric.WithDescription("Duration of one pipeline processing cycle"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

func (m *Metrics) RecordSubmitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.JobsSubmitted.Add(ctx, 1)
}

func (m *Metrics) RecordPopped(ctx context.Context) {
	if m == nil {
		return
	}
	m.JobsPopped.Add(ctx, 1)
}

// RecordFinished records a terminal result.
func (m *Metrics) RecordFinished(ctx context.Context, exit int) {
	if m == nil {
		return
	}
	m.JobsFinished.Add(ctx, 1, metric.WithAttributes(exitAttr(exit)))
}

func (m *Metrics) RecordExpired(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.JobsExpired.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordValve records one valve entry. outcome is one of
// hit, won, lost, failed, timeout.
func (m *Metrics) RecordValve(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ValveEntries.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

func (m *Metrics) RecordLockConflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.LockConflicts.Add(ctx, 1)
}

func (m *Metrics) RecordPipeline(ctx context.Context, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.PipelineDuration.Record(ctx, durationSeconds, metric.WithAttributes(successAttr(success)))
}
