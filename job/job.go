package job

import (
	"encoding/json"
	"time"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
)

// Type names the kind of work a job performs. Each type maps to exactly one
// registered handler.
type Type string

const (
	// TypeOCR extracts structured fields from a scanned document.
	TypeOCR Type = "OCR"
	// TypeCategorization assigns categories to transactions.
	TypeCategorization Type = "CATEGORIZATION"
	// TypeReconciliation matches bank transactions against ledger entries.
	TypeReconciliation Type = "RECONCILIATION"
	// TypeCompliance runs rule checks over transactions.
	TypeCompliance Type = "COMPLIANCE"
	// TypeReporting renders a report artifact.
	TypeReporting Type = "REPORTING"
)

// Types returns every known job type in a stable order.
func Types() []Type {
	return []Type{TypeOCR, TypeCategorization, TypeReconciliation, TypeCompliance, TypeReporting}
}

// Valid reports whether t is one of the known job types.
func (t Type) Valid() bool {
	switch t {
	case TypeOCR, TypeCategorization, TypeReconciliation, TypeCompliance, TypeReporting:
		return true
	}
	return false
}

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusQueued means the job is waiting to be leased by a worker.
	StatusQueued Status = "QUEUED"
	// StatusRunning means a worker holds the lease and is executing the job.
	StatusRunning Status = "RUNNING"
	// StatusCancelling means cancellation was requested while running.
	StatusCancelling Status = "CANCELLING"
	// StatusCompleted means the handler returned an output.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed means the job failed permanently.
	StatusFailed Status = "FAILED"
)

// Terminal reports whether s is COMPLETED or FAILED.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether a worker may hold a lease on a job in state s.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusCancelling
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCancelling, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// LogEntry is one timestamped line of a job's log.
type LogEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Job is a unit of asynchronous work owned by an organization.
type Job struct {
	reckon.Entity

	ID             id.JobID        `json:"id"`
	Type           Type            `json:"type"`
	Status         Status          `json:"status"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	Logs           []LogEntry      `json:"logs"`
	Progress       int             `json:"progress"`
	OrganizationID string          `json:"organization_id"`
	TriggeredBy    string          `json:"triggered_by,omitempty"`
	Priority       int             `json:"priority"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	RunAt          time.Time       `json:"run_at"`
	WorkerID       id.WorkerID     `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	Version        int64           `json:"version"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// LeaseExpired reports whether the job's lease ended before now.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
}

// OwnedBy reports whether w currently holds the job's lease.
func (j *Job) OwnedBy(w id.WorkerID) bool {
	return j.Status.Active() && !j.WorkerID.IsNil() && j.WorkerID.String() == w.String()
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Input = cloneRaw(j.Input)
	cp.Output = cloneRaw(j.Output)
	if j.Logs != nil {
		cp.Logs = make([]LogEntry, len(j.Logs))
		copy(cp.Logs, j.Logs)
	}
	cp.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	return &cp
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
