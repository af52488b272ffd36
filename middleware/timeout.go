package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/job"
)

// Timeout returns middleware that bounds handler execution per job type.
// Types missing from limits run without a deadline. A handler that
// overruns its deadline fails with a transient error so the attempt can
// be retried.
func Timeout(logger *slog.Logger, limits map[job.Type]time.Duration) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		d := limits[j.Type]
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		err := next(ctx)
		if err != nil && ctx.Err() == context.DeadlineExceeded && !reckon.Classified(err) {
			logger.Warn("handler exceeded deadline",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", string(j.Type)),
				slog.Duration("timeout", d),
			)
			return reckon.Transient(fmt.Errorf("%s job exceeded %s: %w", j.Type, d, err))
		}
		return err
	}
}
