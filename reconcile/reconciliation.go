package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
)

// Status is the lifecycle state of a reconciliation.
type Status string

// Reconciliation statuses.
const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether s is COMPLETED or FAILED.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Reconciliation is the queryable record of one matching run.
type Reconciliation struct {
	reckon.Entity
	Summary

	ID             id.ReconciliationID `json:"id"`
	Name           string              `json:"name"`
	Period         Period              `json:"period"`
	Status         Status              `json:"status"`
	Matches        []Match             `json:"matches,omitempty"`
	OrganizationID string              `json:"organization_id"`
	TriggeredBy    string              `json:"triggered_by,omitempty"`
	JobID          id.JobID            `json:"job_id,omitempty"`
	Error          string              `json:"error,omitempty"`
	Version        int64               `json:"version"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
}

// NewReconciliation returns a PENDING reconciliation.
func NewReconciliation(orgID, name string, period Period, now time.Time) *Reconciliation {
	return &Reconciliation{
		Entity:         reckon.Entity{CreatedAt: now, UpdatedAt: now},
		Summary:        Summary{MatchedAmount: decimal.Zero, UnmatchedAmount: decimal.Zero},
		ID:             id.NewReconciliationID(),
		Name:           name,
		Period:         period,
		Status:         StatusPending,
		OrganizationID: orgID,
	}
}

// Projection returns a copy of r without its match list.
func (r *Reconciliation) Projection() *Reconciliation {
	cp := *r
	cp.Matches = nil
	cp.CompletedAt = cloneTime(r.CompletedAt)
	return &cp
}

// Clone returns a deep copy of r.
func (r *Reconciliation) Clone() *Reconciliation {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Matches != nil {
		cp.Matches = make([]Match, len(r.Matches))
		copy(cp.Matches, r.Matches)
	}
	cp.CompletedAt = cloneTime(r.CompletedAt)
	return &cp
}

// complete records a matching result.
func (r *Reconciliation) complete(res *Result, now time.Time) {
	r.Status = StatusCompleted
	r.Summary = res.Summary
	r.Matches = res.Matches
	r.Error = ""
	r.UpdatedAt = now
	t := now
	r.CompletedAt = &t
}

// fail marks r FAILED with msg.
func (r *Reconciliation) fail(msg string, now time.Time) {
	r.Status = StatusFailed
	r.Error = msg
	r.UpdatedAt = now
	t := now
	r.CompletedAt = &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
