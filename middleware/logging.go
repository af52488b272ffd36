package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/job"
)

// Logging returns middleware that logs each handler run and its outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Debug("handler started",
			slog.String("job_type", string(j.Type)),
			slog.String("job_id", j.ID.String()),
			slog.Int("attempt", j.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("handler returned error",
				slog.String("job_type", string(j.Type)),
				slog.String("job_id", j.ID.String()),
				slog.Int("attempt", j.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("class", reckon.Classify(err).String()),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Debug("handler finished",
				slog.String("job_type", string(j.Type)),
				slog.String("job_id", j.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}
		return err
	}
}
