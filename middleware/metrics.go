package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/job"
)

// meterName is the instrumentation scope name for reckon metrics.
const meterName = "github.com/xraph/reckon"

// Metrics returns middleware that records handler execution metrics with
// the global MeterProvider.
//
// Instruments:
//   - reckon.job.duration (Float64Histogram): handler time in seconds
//   - reckon.job.executions (Int64Counter): handler runs
//
// Both carry job_type and status ("ok", "transient" or "fatal").
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// The OTel API returns noop instruments on error.
	duration, _ := meter.Float64Histogram(
		"reckon.job.duration",
		metric.WithDescription("Duration of job handler execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"reckon.job.executions",
		metric.WithDescription("Total number of job handler executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = reckon.Classify(err).String()
		}
		attrs := metric.WithAttributes(
			attribute.String("job_type", string(j.Type)),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)
		return err
	}
}
