package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/job"
)

// tracerName is the instrumentation scope name for reckon tracing.
const tracerName = "github.com/xraph/reckon"

// Tracing returns middleware that wraps handler execution in an
// OpenTelemetry span using the global TracerProvider. Without a configured
// provider it is a pass-through.
//
// Span attributes: reckon.job.id, reckon.job.type, reckon.job.attempt,
// reckon.job.max_attempts, reckon.organization_id.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "reckon.job.execute",
			trace.WithAttributes(
				attribute.String("reckon.job.id", j.ID.String()),
				attribute.String("reckon.job.type", string(j.Type)),
				attribute.Int("reckon.job.attempt", j.Attempt),
				attribute.Int("reckon.job.max_attempts", j.MaxAttempts),
				attribute.String("reckon.organization_id", j.OrganizationID),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("reckon.error.class", reckon.Classify(err).String()))
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
