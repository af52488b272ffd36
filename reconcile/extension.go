package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/reckon/job"
)

// Name implements ext.Extension.
func (s *Service) Name() string { return "reconcile" }

// OnJobFailed marks the reconciliation behind a failed RECONCILIATION job
// as FAILED, carrying the job's error.
func (s *Service) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	if j.Type != job.TypeReconciliation {
		return nil
	}
	var in JobInput
	if err := json.Unmarshal(j.Input, &in); err != nil {
		return fmt.Errorf("decode reconciliation input of job %s: %w", j.ID, err)
	}
	if in.ReconciliationID.IsNil() {
		return nil
	}

	rec, err := s.update(ctx, in.ReconciliationID, func(r *Reconciliation, now time.Time) error {
		if r.Status.Terminal() {
			return errNoop
		}
		r.fail(j.Error, now)
		return nil
	})
	if err != nil {
		return err
	}
	if rec != nil {
		s.logger.Info("reconciliation failed",
			slog.String("reconciliation_id", rec.ID.String()),
			slog.String("job_id", j.ID.String()),
			slog.String("error", rec.Error),
		)
	}
	return nil
}
