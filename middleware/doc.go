// Package middleware provides composable wrappers around job handler
// execution.
//
// The worker executor builds one chain per pool and runs every handler
// through it:
//
//	chain := middleware.Chain(
//	    middleware.Recover(logger),
//	    middleware.Tracing(),
//	    middleware.Metrics(),
//	    middleware.Logging(logger),
//	    middleware.Scope(),
//	)
//
// # Built-in Middleware
//
//   - [Recover] turns panics into fatal errors
//   - [Tracing] wraps execution in an OpenTelemetry span
//   - [Metrics] records duration and outcome per job type
//   - [Logging] logs each run with its error class
//   - [Scope] restores the submitting organization into the context
//   - [Timeout] bounds execution time per job type
package middleware
