// Package observability provides an OpenTelemetry metrics extension that
// counts job lifecycle events: submissions, starts, completions, permanent
// failures, retries, cancellation requests and lost leases.
//
// Register it with the engine like any other extension:
//
//	eng, err := engine.Build(engine.WithExtension(observability.NewMetricsExtension()))
//
// For per-execution tracing and metrics, see middleware.Tracing and
// middleware.Metrics.
package observability
