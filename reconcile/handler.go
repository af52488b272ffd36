package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/scope"
)

// JobInput is the input of a RECONCILIATION job.
type JobInput struct {
	ReconciliationID id.ReconciliationID `json:"reconciliation_id"`
	Period           Period              `json:"period"`
	// Inline is set when the caller supplied the data, even if both lists
	// are empty. Otherwise the data is loaded from the Source.
	Inline           bool                `json:"inline,omitempty"`
	Transactions     []Transaction       `json:"transactions,omitempty"`
	LedgerEntries    []LedgerEntry       `json:"ledger_entries,omitempty"`
}

// JobOutput is the output of a completed RECONCILIATION job.
type JobOutput struct {
	ReconciliationID id.ReconciliationID `json:"reconciliation_id"`
	Status           Status              `json:"status"`
	Summary          Summary             `json:"summary"`
}

const inputSchema = `{
	"type": "object",
	"required": ["reconciliation_id", "period"],
	"properties": {
		"reconciliation_id": {"type": "string", "pattern": "^rec_"},
		"period": {
			"type": "object",
			"required": ["start_date", "end_date"],
			"properties": {
				"start_date": {"type": "string"},
				"end_date": {"type": "string"}
			}
		},
		"inline": {"type": "boolean"},
		"transactions": {"type": "array"},
		"ledger_entries": {"type": "array"}
	}
}`

// Definition returns the RECONCILIATION job definition backed by s.
func (s *Service) Definition() *job.Definition[JobInput, JobOutput] {
	return job.NewDefinition(job.TypeReconciliation, s.run, job.WithSchema(inputSchema))
}

// run executes one reconciliation. Re-running a completed reconciliation
// returns the stored result without matching again.
func (s *Service) run(ctx context.Context, in JobInput, r job.Reporter) (JobOutput, error) {
	rec, err := s.store.GetReconciliation(ctx, in.ReconciliationID)
	if errors.Is(err, reckon.ErrReconciliationNotFound) {
		return JobOutput{}, reckon.Fatal(err)
	}
	if err != nil {
		return JobOutput{}, reckon.Transient(err)
	}
	if orgID := scope.OrganizationID(ctx); orgID != "" && orgID != rec.OrganizationID {
		return JobOutput{}, reckon.Fatal(fmt.Errorf("reconciliation %s belongs to another organization", rec.ID))
	}

	switch rec.Status {
	case StatusCompleted:
		r.Log(ctx, "reconciliation already completed; returning stored result")
		return JobOutput{ReconciliationID: rec.ID, Status: rec.Status, Summary: rec.Summary}, nil
	case StatusFailed:
		return JobOutput{}, reckon.Fatal(fmt.Errorf("reconciliation %s already failed: %s", rec.ID, rec.Error))
	}

	if _, err := s.update(ctx, rec.ID, func(rr *Reconciliation, now time.Time) error {
		if rr.Status != StatusPending {
			return errNoop
		}
		rr.Status = StatusInProgress
		rr.UpdatedAt = now
		return nil
	}); err != nil {
		return JobOutput{}, reckon.Transient(err)
	}
	if err := r.Progress(ctx, 10); err != nil {
		return JobOutput{}, err
	}

	txns, ledger := in.Transactions, in.LedgerEntries
	if !in.Inline {
		if s.source == nil {
			return JobOutput{}, reckon.Fatal(errors.New("no reconciliation data source configured"))
		}
		txns, ledger, err = s.source.Load(ctx, rec.OrganizationID, rec.Period)
		if err != nil {
			// Source failures are network-bound unless marked otherwise.
			if !reckon.Classified(err) {
				err = reckon.Transient(err)
			}
			return JobOutput{}, fmt.Errorf("load reconciliation data: %w", err)
		}
	}
	r.Log(ctx, fmt.Sprintf("loaded %d transactions and %d ledger entries", len(txns), len(ledger)))
	if err := r.Progress(ctx, 40); err != nil {
		return JobOutput{}, err
	}

	res, err := s.matcher.Match(txns, ledger, rec.Period)
	if err != nil {
		return JobOutput{}, reckon.Fatal(err)
	}
	if err := r.Progress(ctx, 80); err != nil {
		return JobOutput{}, err
	}

	updated, err := s.update(ctx, rec.ID, func(rr *Reconciliation, now time.Time) error {
		if rr.Status.Terminal() {
			return errNoop
		}
		res.Stamp(now)
		rr.complete(res, now)
		return nil
	})
	if err != nil {
		return JobOutput{}, reckon.Transient(err)
	}
	if updated == nil {
		// Another execution finished first.
		latest, err := s.store.GetReconciliation(ctx, rec.ID)
		if err != nil {
			return JobOutput{}, reckon.Transient(err)
		}
		return JobOutput{ReconciliationID: latest.ID, Status: latest.Status, Summary: latest.Summary}, nil
	}

	s.logger.Info("reconciliation completed",
		slog.String("reconciliation_id", updated.ID.String()),
		slog.Int("matched", updated.TotalMatched),
		slog.Int("unmatched", updated.TotalUnmatched),
	)
	r.Log(ctx, fmt.Sprintf("matched %d, unmatched %d", updated.TotalMatched, updated.TotalUnmatched))
	return JobOutput{ReconciliationID: updated.ID, Status: updated.Status, Summary: updated.Summary}, nil
}
