package middleware

import (
	"context"

	"github.com/xraph/reckon/job"
)

// Handler is the terminal function that runs the job handler. Its output
// is captured by the executor, so middleware only sees the error.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// job being executed and the next handler to call, and MUST call next
// unless it short-circuits with an error.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes middleware into one. The first middleware in the list is
// the outermost wrapper:
//
//	Chain(recover, tracing, logging)  // recover → tracing → logging → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, j, prev)
			}
		}
		return h(ctx)
	}
}
