package job

import (
	"context"
	"encoding/json"
)

// Reporter lets a running handler report back to the queue.
//
// Progress doubles as a heartbeat. It returns reckon.ErrCancelled once
// cancellation has been requested and reckon.ErrLeaseLost when another
// worker took over the job; handlers should stop at that checkpoint.
// Decreasing progress values are dropped and logged, never returned.
type Reporter interface {
	Progress(ctx context.Context, pct int) error
	Heartbeat(ctx context.Context) error
	Log(ctx context.Context, msg string)
}

// Handler executes one job type. Input is the job's raw JSON input; the
// returned output is stored verbatim on COMPLETED.
type Handler interface {
	Handle(ctx context.Context, input json.RawMessage, r Reporter) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, input json.RawMessage, r Reporter) (json.RawMessage, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, input json.RawMessage, r Reporter) (json.RawMessage, error) {
	return f(ctx, input, r)
}

type nopReporter struct{}

func (nopReporter) Progress(context.Context, int) error { return nil }
func (nopReporter) Heartbeat(context.Context) error     { return nil }
func (nopReporter) Log(context.Context, string)         {}

// NopReporter returns a Reporter that discards everything. Useful when
// calling a handler outside the worker pool.
func NopReporter() Reporter { return nopReporter{} }
