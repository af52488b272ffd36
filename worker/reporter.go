package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/queue"
)

// reporter is the job.Reporter handed to handlers. Every successful
// progress update or heartbeat refreshes the execution's watchdog clock.
type reporter struct {
	queue  *queue.Queue
	exec   *execution
	logger *slog.Logger
}

var _ job.Reporter = (*reporter)(nil)

func (r *reporter) Progress(ctx context.Context, pct int) error {
	err := r.queue.SetProgress(ctx, r.exec.job.ID, r.exec.workerID, pct)
	// Rejected values are logged by the queue and dropped.
	if errors.Is(err, reckon.ErrInvalidProgress) {
		return nil
	}
	return r.observe(err)
}

func (r *reporter) Heartbeat(ctx context.Context) error {
	return r.observe(r.queue.Heartbeat(ctx, r.exec.job.ID, r.exec.workerID))
}

func (r *reporter) Log(ctx context.Context, msg string) {
	if err := r.queue.AppendLog(ctx, r.exec.job.ID, msg); err != nil {
		r.logger.Warn("failed to append job log",
			slog.String("job_id", r.exec.job.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (r *reporter) observe(err error) error {
	switch {
	case err == nil:
		r.exec.beat()
	case errors.Is(err, reckon.ErrCancelled):
		// The lease was still extended.
		r.exec.beat()
		r.exec.cancel()
	}
	return err
}
