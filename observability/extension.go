package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/reckon/ext"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*MetricsExtension)(nil)
	_ ext.JobSubmitted       = (*MetricsExtension)(nil)
	_ ext.JobStarted         = (*MetricsExtension)(nil)
	_ ext.JobCompleted       = (*MetricsExtension)(nil)
	_ ext.JobFailed          = (*MetricsExtension)(nil)
	_ ext.JobRetrying        = (*MetricsExtension)(nil)
	_ ext.JobCancelRequested = (*MetricsExtension)(nil)
	_ ext.LeaseLost          = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/reckon/observability"

// MetricsExtension records system-wide job lifecycle counters. Every
// counter except lease_lost carries a job_type attribute.
type MetricsExtension struct {
	Submitted       metric.Int64Counter
	Started         metric.Int64Counter
	Completed       metric.Int64Counter
	Failed          metric.Int64Counter
	Retried         metric.Int64Counter
	CancelRequested metric.Int64Counter
	LeaseLost       metric.Int64Counter

	// Latency is the submit-to-finish time of completed jobs in seconds.
	Latency metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{job}"))
		return c
	}
	latency, _ := meter.Float64Histogram("reckon.job.latency",
		metric.WithDescription("Time from submission to completion in seconds"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		Submitted:       counter("reckon.job.submitted", "Jobs accepted by the queue"),
		Started:         counter("reckon.job.started", "Handler executions started"),
		Completed:       counter("reckon.job.completed", "Jobs completed"),
		Failed:          counter("reckon.job.failed", "Jobs failed permanently"),
		Retried:         counter("reckon.job.retried", "Failed attempts scheduled for retry"),
		CancelRequested: counter("reckon.job.cancel_requested", "Cancellation requests for running jobs"),
		LeaseLost:       counter("reckon.job.lease_lost", "Executions abandoned after losing their lease"),
		Latency:         latency,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func typeAttr(j *job.Job) metric.AddOption {
	return metric.WithAttributes(attribute.String("job_type", string(j.Type)))
}

// OnJobSubmitted implements ext.JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	m.Submitted.Add(ctx, 1, typeAttr(j))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.Started.Add(ctx, 1, typeAttr(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.Completed.Add(ctx, 1, typeAttr(j))
	if j.CompletedAt != nil {
		m.Latency.Record(ctx, j.CompletedAt.Sub(j.CreatedAt).Seconds(),
			metric.WithAttributes(attribute.String("job_type", string(j.Type))))
	}
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.Failed.Add(ctx, 1, typeAttr(j))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.Retried.Add(ctx, 1, typeAttr(j))
	return nil
}

// OnJobCancelRequested implements ext.JobCancelRequested.
func (m *MetricsExtension) OnJobCancelRequested(ctx context.Context, j *job.Job) error {
	m.CancelRequested.Add(ctx, 1, typeAttr(j))
	return nil
}

// OnLeaseLost implements ext.LeaseLost.
func (m *MetricsExtension) OnLeaseLost(ctx context.Context, _ id.JobID, _ id.WorkerID, _ error) error {
	m.LeaseLost.Add(ctx, 1)
	return nil
}
