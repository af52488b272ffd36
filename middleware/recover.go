package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/job"
)

// Recover returns middleware that turns a handler panic into a fatal
// error. The stack is logged, never returned.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job handler panicked",
					slog.String("job_type", string(j.Type)),
					slog.String("job_id", j.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = reckon.Fatal(fmt.Errorf("panic in %s job: %v", j.Type, r))
			}
		}()
		return next(ctx)
	}
}
