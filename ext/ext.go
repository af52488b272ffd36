// Package ext defines the extension system for reckon.
// Extensions are notified of job lifecycle events and can react to them
// with metrics, audit trails or follow-up state changes.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobSubmitted is called after a job is persisted as QUEUED.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a leased job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job reaches COMPLETED.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job reaches FAILED. It fires for permanent
// handler errors, exhausted retries, cancellation and expired final leases.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a transient failure re-queues a job.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobCancelRequested is called when a running job is moved to CANCELLING.
type JobCancelRequested interface {
	OnJobCancelRequested(ctx context.Context, j *job.Job) error
}

// LeaseLost is called when a worker abandons or loses a job it was
// executing.
type LeaseLost interface {
	OnLeaseLost(ctx context.Context, jobID id.JobID, workerID id.WorkerID, reason error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
