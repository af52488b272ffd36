package job

import (
	"context"
	"time"

	"github.com/xraph/reckon/id"
)

// ListOpts controls filtering and pagination for job list queries.
type ListOpts struct {
	// Type filters by job type. Empty means all types.
	Type Type
	// Status filters by status. Empty means all statuses.
	Status Status
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// Store defines the persistence contract for jobs. Every write bumps the
// job's Version.
type Store interface {
	// CreateJob persists a new job.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ListJobs returns an organization's jobs, newest first.
	ListJobs(ctx context.Context, orgID string, opts ListOpts) ([]*Job, error)

	// LeaseJob atomically claims one eligible job for workerID and returns
	// it, or nil when nothing is eligible. Eligible jobs are QUEUED with
	// RunAt <= now, or RUNNING with an expired lease and attempts left.
	// Jobs are taken by priority (descending), CreatedAt, then ID. The
	// lease sets RUNNING, the owner, LeaseExpiresAt = now+visibility and
	// increments Attempt.
	LeaseJob(ctx context.Context, workerID id.WorkerID, now time.Time, visibility time.Duration) (*Job, error)

	// UpdateJob replaces a job if its stored Version equals
	// expectedVersion, returning reckon.ErrVersionConflict otherwise. On
	// success j.Version holds the new version.
	UpdateJob(ctx context.Context, j *Job, expectedVersion int64) error

	// HeartbeatJob extends the lease held by workerID and returns the
	// job's status. It returns reckon.ErrLeaseLost when workerID is not
	// the current owner.
	HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, leaseUntil time.Time) (Status, error)

	// SetJobProgress records progress and extends the lease, with the
	// same ownership rules as HeartbeatJob. Decreasing or out-of-range
	// values return reckon.ErrInvalidProgress and change nothing.
	SetJobProgress(ctx context.Context, jobID id.JobID, workerID id.WorkerID, progress int, leaseUntil time.Time) (Status, error)

	// AppendJobLog appends one entry to a job's log.
	AppendJobLog(ctx context.Context, jobID id.JobID, entry LogEntry) error

	// ListExpiredJobs returns RUNNING or CANCELLING jobs whose lease ended
	// before now.
	ListExpiredJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)
}
