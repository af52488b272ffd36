package mongo

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/reconcile"
)

// ── Job model ─────────────────────────────────────────────────────

type logModel struct {
	At      time.Time `bson:"at"`
	Message string    `bson:"message"`
}

type jobModel struct {
	ID             string     `bson:"_id"`
	Type           string     `bson:"type"`
	Status         string     `bson:"status"`
	Input          string     `bson:"input"`
	Output         string     `bson:"output,omitempty"`
	Error          string     `bson:"error"`
	Logs           []logModel `bson:"logs"`
	Progress       int        `bson:"progress"`
	OrganizationID string     `bson:"organization_id"`
	TriggeredBy    string     `bson:"triggered_by"`
	Priority       int        `bson:"priority"`
	Attempt        int        `bson:"attempt"`
	MaxAttempts    int        `bson:"max_attempts"`
	RunAt          time.Time  `bson:"run_at"`
	WorkerID       string     `bson:"worker_id"`
	LeaseExpiresAt *time.Time `bson:"lease_expires_at,omitempty"`
	Version        int64      `bson:"version"`
	StartedAt      *time.Time `bson:"started_at,omitempty"`
	CompletedAt    *time.Time `bson:"completed_at,omitempty"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
}

func toJobModel(j *job.Job) *jobModel {
	logs := make([]logModel, len(j.Logs))
	for i, e := range j.Logs {
		logs[i] = logModel{At: e.At, Message: e.Message}
	}
	return &jobModel{
		ID:             j.ID.String(),
		Type:           string(j.Type),
		Status:         string(j.Status),
		Input:          string(j.Input),
		Output:         string(j.Output),
		Error:          j.Error,
		Logs:           logs,
		Progress:       j.Progress,
		OrganizationID: j.OrganizationID,
		TriggeredBy:    j.TriggeredBy,
		Priority:       j.Priority,
		Attempt:        j.Attempt,
		MaxAttempts:    j.MaxAttempts,
		RunAt:          j.RunAt,
		WorkerID:       j.WorkerID.String(),
		LeaseExpiresAt: j.LeaseExpiresAt,
		Version:        j.Version,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("reckon/mongo: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: reckon.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             parsedID,
		Type:           job.Type(m.Type),
		Status:         job.Status(m.Status),
		Error:          m.Error,
		Logs:           make([]job.LogEntry, len(m.Logs)),
		Progress:       m.Progress,
		OrganizationID: m.OrganizationID,
		TriggeredBy:    m.TriggeredBy,
		Priority:       m.Priority,
		Attempt:        m.Attempt,
		MaxAttempts:    m.MaxAttempts,
		RunAt:          m.RunAt,
		LeaseExpiresAt: m.LeaseExpiresAt,
		Version:        m.Version,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
	}
	if m.Input != "" {
		j.Input = []byte(m.Input)
	}
	if m.Output != "" {
		j.Output = []byte(m.Output)
	}
	for i, e := range m.Logs {
		j.Logs[i] = job.LogEntry{At: e.At, Message: e.Message}
	}
	if m.WorkerID != "" {
		parsedWorker, wErr := id.ParseWorkerID(m.WorkerID)
		if wErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return j, nil
}

// ── Reconciliation model ──────────────────────────────────────────

// Amounts are stored as decimal strings so no precision is lost.
type matchModel struct {
	TransactionID string    `bson:"transaction_id"`
	LedgerEntryID string    `bson:"ledger_entry_id,omitempty"`
	MatchType     string    `bson:"match_type"`
	MatchScore    float64   `bson:"match_score"`
	Amount        string    `bson:"amount"`
	CreatedAt     time.Time `bson:"created_at"`
}

type reconciliationModel struct {
	ID              string       `bson:"_id"`
	Name            string       `bson:"name"`
	PeriodStart     time.Time    `bson:"period_start"`
	PeriodEnd       time.Time    `bson:"period_end"`
	Status          string       `bson:"status"`
	Matches         []matchModel `bson:"matches"`
	TotalMatched    int          `bson:"total_matched"`
	TotalUnmatched  int          `bson:"total_unmatched"`
	MatchedAmount   string       `bson:"matched_amount"`
	UnmatchedAmount string       `bson:"unmatched_amount"`
	OrganizationID  string       `bson:"organization_id"`
	TriggeredBy     string       `bson:"triggered_by"`
	JobID           string       `bson:"job_id"`
	Error           string       `bson:"error"`
	Version         int64        `bson:"version"`
	CompletedAt     *time.Time   `bson:"completed_at,omitempty"`
	CreatedAt       time.Time    `bson:"created_at"`
	UpdatedAt       time.Time    `bson:"updated_at"`
}

func toReconciliationModel(r *reconcile.Reconciliation) *reconciliationModel {
	matches := make([]matchModel, len(r.Matches))
	for i, m := range r.Matches {
		matches[i] = matchModel{
			TransactionID: m.TransactionID,
			LedgerEntryID: m.LedgerEntryID,
			MatchType:     string(m.MatchType),
			MatchScore:    m.MatchScore,
			Amount:        m.Amount.String(),
			CreatedAt:     m.CreatedAt,
		}
	}
	return &reconciliationModel{
		ID:              r.ID.String(),
		Name:            r.Name,
		PeriodStart:     r.Period.Start.Time(),
		PeriodEnd:       r.Period.End.Time(),
		Status:          string(r.Status),
		Matches:         matches,
		TotalMatched:    r.TotalMatched,
		TotalUnmatched:  r.TotalUnmatched,
		MatchedAmount:   r.MatchedAmount.String(),
		UnmatchedAmount: r.UnmatchedAmount.String(),
		OrganizationID:  r.OrganizationID,
		TriggeredBy:     r.TriggeredBy,
		JobID:           r.JobID.String(),
		Error:           r.Error,
		Version:         r.Version,
		CompletedAt:     r.CompletedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func fromReconciliationModel(m *reconciliationModel) (*reconcile.Reconciliation, error) {
	recID, err := id.ParseReconciliationID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("reckon/mongo: parse reconciliation id %q: %w", m.ID, err)
	}

	r := &reconcile.Reconciliation{
		Entity: reckon.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:   recID,
		Name: m.Name,
		Period: reconcile.Period{
			Start: reconcile.DateOf(m.PeriodStart),
			End:   reconcile.DateOf(m.PeriodEnd),
		},
		Status:         reconcile.Status(m.Status),
		OrganizationID: m.OrganizationID,
		TriggeredBy:    m.TriggeredBy,
		Error:          m.Error,
		Version:        m.Version,
		CompletedAt:    m.CompletedAt,
	}
	r.TotalMatched = m.TotalMatched
	r.TotalUnmatched = m.TotalUnmatched
	if r.MatchedAmount, err = parseAmount(m.MatchedAmount); err != nil {
		return nil, err
	}
	if r.UnmatchedAmount, err = parseAmount(m.UnmatchedAmount); err != nil {
		return nil, err
	}

	if m.JobID != "" {
		if r.JobID, err = id.ParseJobID(m.JobID); err != nil {
			return nil, fmt.Errorf("reckon/mongo: parse job id %q: %w", m.JobID, err)
		}
	}

	if len(m.Matches) > 0 {
		r.Matches = make([]reconcile.Match, len(m.Matches))
		for i, mm := range m.Matches {
			amount, err := parseAmount(mm.Amount)
			if err != nil {
				return nil, err
			}
			r.Matches[i] = reconcile.Match{
				TransactionID: mm.TransactionID,
				LedgerEntryID: mm.LedgerEntryID,
				MatchType:     reconcile.MatchType(mm.MatchType),
				MatchScore:    mm.MatchScore,
				Amount:        amount,
				CreatedAt:     mm.CreatedAt,
			}
		}
	}
	return r, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("reckon/mongo: parse amount %q: %w", s, err)
	}
	return d, nil
}
