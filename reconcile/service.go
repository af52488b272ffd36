package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/queue"
)

const maxCASRetries = 8

var errNoop = errors.New("reconcile: no-op")

// StartRequest describes a reconciliation to run. Transactions and
// LedgerEntries, when either is non-nil, are passed inline to the job
// instead of being loaded from the Source.
type StartRequest struct {
	Name          string        `json:"name"`
	Period        Period        `json:"period"`
	TriggeredBy   string        `json:"triggered_by,omitempty"`
	Transactions  []Transaction `json:"transactions,omitempty"`
	LedgerEntries []LedgerEntry `json:"ledger_entries,omitempty"`
}

// StartResult identifies a started reconciliation.
type StartResult struct {
	ReconciliationID id.ReconciliationID `json:"reconciliation_id"`
	JobID            id.JobID            `json:"job_id"`
	Status           Status              `json:"status"`
}

// Service exposes reconciliations to callers and runs them as
// RECONCILIATION jobs.
type Service struct {
	store   Store
	queue   *queue.Queue
	source  Source
	matcher *Matcher
	logger  *slog.Logger
	now     func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSource sets where transactions and ledger entries are loaded from
// when a request does not carry them inline.
func WithSource(src Source) ServiceOption {
	return func(s *Service) { s.source = src }
}

// WithMatcherOptions overrides the matching configuration.
func WithMatcherOptions(opts Options) ServiceOption {
	return func(s *Service) { s.matcher = NewMatcher(opts) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now. Intended for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. q is used to enqueue RECONCILIATION jobs.
func NewService(store Store, q *queue.Queue, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		queue:   q,
		matcher: NewMatcher(DefaultOptions()),
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start creates a PENDING reconciliation and enqueues the job that runs it.
func (s *Service) Start(ctx context.Context, orgID string, req StartRequest) (*StartResult, error) {
	if orgID == "" {
		return nil, reckon.NewValidationError("organization_id", "required")
	}
	if req.Name == "" {
		return nil, reckon.NewValidationError("name", "required")
	}
	if err := req.Period.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", reckon.NewValidationError("period", err.Error()), reckon.ErrInvalidPeriod)
	}
	inline := req.Transactions != nil || req.LedgerEntries != nil
	if !inline && s.source == nil {
		return nil, reckon.NewValidationError("transactions", "no data source configured; provide transactions and ledger entries")
	}

	rec := NewReconciliation(orgID, req.Name, req.Period, s.now())
	rec.TriggeredBy = req.TriggeredBy
	if err := s.store.CreateReconciliation(ctx, rec); err != nil {
		return nil, fmt.Errorf("create reconciliation: %w", err)
	}

	input := JobInput{
		ReconciliationID: rec.ID,
		Period:           req.Period,
		Inline:           inline,
		Transactions:     req.Transactions,
		LedgerEntries:    req.LedgerEntries,
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode reconciliation input: %w", err)
	}

	j, err := s.queue.Submit(ctx, queue.SubmitRequest{
		Type:           job.TypeReconciliation,
		Input:          payload,
		OrganizationID: orgID,
		TriggeredBy:    req.TriggeredBy,
	})
	if err != nil {
		if _, failErr := s.update(ctx, rec.ID, func(r *Reconciliation, now time.Time) error {
			r.fail("enqueue failed: "+err.Error(), now)
			return nil
		}); failErr != nil {
			s.logger.Error("failed to mark reconciliation failed",
				slog.String("reconciliation_id", rec.ID.String()),
				slog.String("error", failErr.Error()),
			)
		}
		return nil, err
	}

	updated, err := s.update(ctx, rec.ID, func(r *Reconciliation, now time.Time) error {
		r.JobID = j.ID
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("link reconciliation job: %w", err)
	}

	s.logger.Info("reconciliation started",
		slog.String("reconciliation_id", rec.ID.String()),
		slog.String("job_id", j.ID.String()),
		slog.String("organization_id", orgID),
	)
	return &StartResult{ReconciliationID: rec.ID, JobID: j.ID, Status: updated.Status}, nil
}

// Status returns the reconciliation without its matches.
func (s *Service) Status(ctx context.Context, orgID string, recID id.ReconciliationID) (*Reconciliation, error) {
	rec, err := s.get(ctx, orgID, recID)
	if err != nil {
		return nil, err
	}
	return rec.Projection(), nil
}

// Results returns the reconciliation with its full match list.
func (s *Service) Results(ctx context.Context, orgID string, recID id.ReconciliationID) (*Reconciliation, error) {
	return s.get(ctx, orgID, recID)
}

// List returns an organization's reconciliations without matches.
func (s *Service) List(ctx context.Context, orgID string, opts ListOpts) ([]*Reconciliation, error) {
	recs, err := s.store.ListReconciliations(ctx, orgID, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*Reconciliation, len(recs))
	for i, r := range recs {
		out[i] = r.Projection()
	}
	return out, nil
}

// ManualMatch binds an unmatched transaction of a completed reconciliation
// to a ledger entry that no other match uses.
func (s *Service) ManualMatch(ctx context.Context, orgID string, recID id.ReconciliationID, transactionID, ledgerEntryID string) (*Reconciliation, error) {
	if transactionID == "" {
		return nil, reckon.NewValidationError("transaction_id", "required")
	}
	if ledgerEntryID == "" {
		return nil, reckon.NewValidationError("ledger_entry_id", "required")
	}
	if _, err := s.get(ctx, orgID, recID); err != nil {
		return nil, err
	}

	return s.update(ctx, recID, func(r *Reconciliation, now time.Time) error {
		if r.Status != StatusCompleted {
			return fmt.Errorf("%w: reconciliation is %s", reckon.ErrInvalidState, r.Status)
		}
		idx := -1
		for i, m := range r.Matches {
			if m.LedgerEntryID == ledgerEntryID {
				return reckon.NewValidationError("ledger_entry_id", "already matched to "+m.TransactionID)
			}
			if m.TransactionID == transactionID {
				idx = i
			}
		}
		if idx < 0 {
			return reckon.NewValidationError("transaction_id", "not part of this reconciliation")
		}
		if r.Matches[idx].Matched() {
			return reckon.NewValidationError("transaction_id", "already matched")
		}
		r.Matches[idx].LedgerEntryID = ledgerEntryID
		r.Matches[idx].MatchType = MatchManual
		r.Matches[idx].MatchScore = 1
		r.Matches[idx].CreatedAt = now
		r.Summary = Summarize(r.Matches)
		r.UpdatedAt = now
		return nil
	})
}

func (s *Service) get(ctx context.Context, orgID string, recID id.ReconciliationID) (*Reconciliation, error) {
	rec, err := s.store.GetReconciliation(ctx, recID)
	if err != nil {
		return nil, err
	}
	if rec.OrganizationID != orgID {
		return nil, reckon.ErrReconciliationNotFound
	}
	return rec, nil
}

// update runs a compare-and-set loop over one reconciliation. A nil result
// with nil error means fn declined to write.
func (s *Service) update(ctx context.Context, recID id.ReconciliationID, fn func(r *Reconciliation, now time.Time) error) (*Reconciliation, error) {
	for range maxCASRetries {
		rec, err := s.store.GetReconciliation(ctx, recID)
		if err != nil {
			return nil, err
		}
		expected := rec.Version
		if err := fn(rec, s.now()); err != nil {
			if errors.Is(err, errNoop) {
				return nil, nil
			}
			return nil, err
		}
		err = s.store.UpdateReconciliation(ctx, rec, expected)
		if errors.Is(err, reckon.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, fmt.Errorf("update reconciliation %s: %w", recID, reckon.ErrVersionConflict)
}
