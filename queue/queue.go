package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/backoff"
	"github.com/xraph/reckon/ext"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
)

// maxCASRetries bounds read-modify-write loops that lose a version race.
const maxCASRetries = 8

// errNoop aborts an update without writing.
var errNoop = errors.New("queue: no-op")

// SubmitRequest describes a new job.
type SubmitRequest struct {
	Type           job.Type        `json:"type"`
	Input          json.RawMessage `json:"input,omitempty"`
	OrganizationID string          `json:"organization_id"`
	TriggeredBy    string          `json:"triggered_by,omitempty"`

	// Priority overrides the type default when non-zero.
	Priority int `json:"priority,omitempty"`
	// MaxAttempts overrides the type and queue defaults when positive.
	MaxAttempts int `json:"max_attempts,omitempty"`
	// RunAt delays the first lease. Zero means immediately.
	RunAt time.Time `json:"run_at,omitzero"`
}

// Queue is the durable work queue. It owns every state change of a job
// after submission; workers only talk to the store through it.
type Queue struct {
	store       job.Store
	registry    *job.Registry
	extensions  *ext.Registry
	backoff     backoff.Strategy
	logger      *slog.Logger
	visibility  time.Duration
	maxAttempts int
	now         func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithRegistry enables type and schema validation at submit time.
func WithRegistry(r *job.Registry) Option {
	return func(q *Queue) { q.registry = r }
}

// WithExtensions sets the extension registry notified of state changes.
func WithExtensions(r *ext.Registry) Option {
	return func(q *Queue) { q.extensions = r }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(q *Queue) { q.backoff = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithVisibilityTimeout sets the default lease duration.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) { q.visibility = d }
}

// WithMaxAttempts sets the default execution budget per job.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithClock overrides time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue over store.
func New(store job.Store, opts ...Option) *Queue {
	cfg := reckon.DefaultConfig()
	q := &Queue{
		store:       store,
		backoff:     backoff.DefaultStrategy(),
		logger:      slog.Default(),
		visibility:  cfg.VisibilityTimeout,
		maxAttempts: cfg.MaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.extensions == nil {
		q.extensions = ext.NewRegistry(q.logger)
	}
	return q
}

// VisibilityTimeout returns the default lease duration.
func (q *Queue) VisibilityTimeout() time.Duration { return q.visibility }

// ──────────────────────────────────────────────────
// Submission
// ──────────────────────────────────────────────────

// Submit validates req and persists a QUEUED job. Validation failures are
// returned as *reckon.ValidationError and nothing is stored.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (*job.Job, error) {
	if !req.Type.Valid() {
		return nil, reckon.NewValidationError("type", fmt.Sprintf("unknown job type %q", req.Type))
	}
	if req.OrganizationID == "" {
		return nil, reckon.NewValidationError("organization_id", "required")
	}
	if req.MaxAttempts < 0 {
		return nil, reckon.NewValidationError("max_attempts", "must not be negative")
	}

	var typeOpts job.Options
	if q.registry != nil {
		opts, ok := q.registry.Options(req.Type)
		if !ok {
			return nil, reckon.NewValidationError("type", fmt.Sprintf("no handler registered for %s", req.Type))
		}
		typeOpts = opts
		if err := q.registry.Validate(req.Type, req.Input); err != nil {
			return nil, err
		}
	} else if len(req.Input) > 0 && !json.Valid(req.Input) {
		return nil, reckon.NewValidationError("input", "not valid JSON")
	}

	now := q.now()
	j := &job.Job{
		Entity:         reckon.Entity{CreatedAt: now, UpdatedAt: now},
		ID:             id.NewJobID(),
		Type:           req.Type,
		Status:         job.StatusQueued,
		Input:          req.Input,
		Logs:           []job.LogEntry{},
		OrganizationID: req.OrganizationID,
		TriggeredBy:    req.TriggeredBy,
		Priority:       req.Priority,
		MaxAttempts:    firstNonZero(req.MaxAttempts, typeOpts.MaxAttempts, q.maxAttempts, 1),
		RunAt:          now,
	}
	if j.Priority == 0 {
		j.Priority = typeOpts.Priority
	}
	if len(j.Input) == 0 {
		j.Input = json.RawMessage(`{}`)
	}
	if !req.RunAt.IsZero() && req.RunAt.After(now) {
		j.RunAt = req.RunAt.UTC()
	}

	if err := q.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("submit %s job: %w", j.Type, err)
	}

	q.logger.Info("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Type)),
		slog.String("organization_id", j.OrganizationID),
	)
	q.extensions.EmitJobSubmitted(ctx, j)
	return j, nil
}

// ──────────────────────────────────────────────────
// Worker operations
// ──────────────────────────────────────────────────

// Lease claims one eligible job for workerID, or returns nil when none is
// eligible. A non-positive visibility uses the queue default.
func (q *Queue) Lease(ctx context.Context, workerID id.WorkerID, visibility time.Duration) (*job.Job, error) {
	if visibility <= 0 {
		visibility = q.visibility
	}
	j, err := q.store.LeaseJob(ctx, workerID, q.now(), visibility)
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	return j, nil
}

// Heartbeat extends the lease held by workerID. It returns
// reckon.ErrLeaseLost when another worker owns the job or it has ended,
// and reckon.ErrCancelled (with the lease still extended) when
// cancellation was requested.
func (q *Queue) Heartbeat(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	status, err := q.store.HeartbeatJob(ctx, jobID, workerID, q.now().Add(q.visibility))
	if err != nil {
		return err
	}
	if status == job.StatusCancelling {
		return reckon.ErrCancelled
	}
	return nil
}

// SetProgress records progress for a job held by workerID and extends its
// lease. Besides the Heartbeat errors it returns reckon.ErrInvalidProgress
// for decreasing or out-of-range values, which callers should log and drop.
func (q *Queue) SetProgress(ctx context.Context, jobID id.JobID, workerID id.WorkerID, pct int) error {
	status, err := q.store.SetJobProgress(ctx, jobID, workerID, pct, q.now().Add(q.visibility))
	if err != nil {
		if errors.Is(err, reckon.ErrInvalidProgress) {
			q.logger.Warn("progress update rejected",
				slog.String("job_id", jobID.String()),
				slog.Int("progress", pct),
				slog.String("error", err.Error()),
			)
		}
		return err
	}
	if status == job.StatusCancelling {
		return reckon.ErrCancelled
	}
	return nil
}

// AppendLog appends msg to the job's log. It is accepted in any state.
func (q *Queue) AppendLog(ctx context.Context, jobID id.JobID, msg string) error {
	return q.store.AppendJobLog(ctx, jobID, job.LogEntry{At: q.now(), Message: msg})
}

// Complete records output for a job held by workerID. Completing a job
// that already ended is logged and ignored.
func (q *Queue) Complete(ctx context.Context, jobID id.JobID, workerID id.WorkerID, output json.RawMessage) error {
	j, err := q.update(ctx, jobID, func(j *job.Job, now time.Time) error {
		if j.Status.Terminal() {
			q.logger.Warn("duplicate completion ignored",
				slog.String("job_id", j.ID.String()),
				slog.String("worker_id", workerID.String()),
				slog.String("status", string(j.Status)),
			)
			return errNoop
		}
		if !j.OwnedBy(workerID) {
			return reckon.ErrLeaseLost
		}
		if err := j.Complete(output, now); err != nil {
			return err
		}
		j.Progress = 100
		return nil
	})
	if err != nil || j == nil {
		return err
	}

	q.logger.Info("job completed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Type)),
		slog.Int("attempt", j.Attempt),
	)
	q.extensions.EmitJobCompleted(ctx, j, elapsed(j))
	return nil
}

// Fail records a failed attempt for a job held by workerID. A transient
// cause with attempts left re-queues the job after a backoff delay;
// anything else ends it FAILED. Every call appends one
// "attempt N/M failed" log entry. Failing a job that already ended is
// logged and ignored.
func (q *Queue) Fail(ctx context.Context, jobID id.JobID, workerID id.WorkerID, cause error) error {
	if cause == nil {
		cause = errors.New("unknown error")
	}
	var retryAt time.Time
	j, err := q.update(ctx, jobID, func(j *job.Job, now time.Time) error {
		if j.Status.Terminal() {
			q.logger.Warn("duplicate failure ignored",
				slog.String("job_id", j.ID.String()),
				slog.String("worker_id", workerID.String()),
				slog.String("status", string(j.Status)),
			)
			return errNoop
		}
		if !j.OwnedBy(workerID) {
			return reckon.ErrLeaseLost
		}

		j.AppendLog(now, AttemptFailedMessage(j.Attempt, j.MaxAttempts, cause.Error()))

		cancelled := errors.Is(cause, reckon.ErrCancelled) || j.Status == job.StatusCancelling
		if !cancelled && reckon.IsTransient(cause) && j.Attempt < j.MaxAttempts {
			if err := j.Transition(job.StatusQueued, now); err != nil {
				return err
			}
			retryAt = now.Add(q.backoff.Delay(j.Attempt))
			j.RunAt = retryAt
			return nil
		}

		retryAt = time.Time{}
		msg := cause.Error()
		if cancelled {
			msg = job.CancelledMessage
		}
		return j.Fail(msg, now)
	})
	if err != nil || j == nil {
		return err
	}

	if j.Status == job.StatusQueued {
		q.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.Int("attempt", j.Attempt),
			slog.Int("max_attempts", j.MaxAttempts),
			slog.Time("run_at", retryAt),
			slog.String("error", cause.Error()),
		)
		q.extensions.EmitJobRetrying(ctx, j, j.Attempt, retryAt)
		return nil
	}

	q.logger.Info("job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Type)),
		slog.Int("attempt", j.Attempt),
		slog.String("error", j.Error),
	)
	q.extensions.EmitJobFailed(ctx, j, cause)
	return nil
}

// Release hands a leased job back without counting the attempt, making it
// leasable again after delay. The pool uses it when local limits refuse to
// start the job.
func (q *Queue) Release(ctx context.Context, jobID id.JobID, workerID id.WorkerID, delay time.Duration) error {
	_, err := q.update(ctx, jobID, func(j *job.Job, now time.Time) error {
		if !j.OwnedBy(workerID) {
			return reckon.ErrLeaseLost
		}
		if err := j.Transition(job.StatusQueued, now); err != nil {
			return err
		}
		if j.Attempt > 0 {
			j.Attempt--
		}
		j.RunAt = now.Add(delay)
		return nil
	})
	return err
}

// ──────────────────────────────────────────────────
// Control operations
// ──────────────────────────────────────────────────

// Cancel requests cancellation. A QUEUED job fails immediately; a RUNNING
// job moves to CANCELLING and its handler observes the request at its next
// progress checkpoint. Ended jobs return reckon.ErrInvalidState.
func (q *Queue) Cancel(ctx context.Context, orgID string, jobID id.JobID) (*job.Job, error) {
	if _, err := q.Get(ctx, orgID, jobID); err != nil {
		return nil, err
	}

	var prev job.Status
	j, err := q.update(ctx, jobID, func(j *job.Job, now time.Time) error {
		prev = j.Status
		switch j.Status {
		case job.StatusQueued:
			j.AppendLog(now, "cancelled before start")
			return j.Fail(job.CancelledMessage, now)
		case job.StatusRunning:
			j.AppendLog(now, "cancellation requested")
			return j.Transition(job.StatusCancelling, now)
		case job.StatusCancelling:
			return errNoop
		default:
			return fmt.Errorf("%w: cannot cancel %s job", reckon.ErrInvalidState, j.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	if j == nil {
		return q.store.GetJob(ctx, jobID)
	}

	q.logger.Info("job cancellation",
		slog.String("job_id", j.ID.String()),
		slog.String("from", string(prev)),
		slog.String("to", string(j.Status)),
	)
	if j.Status == job.StatusFailed {
		q.extensions.EmitJobFailed(ctx, j, reckon.ErrCancelled)
	} else {
		q.extensions.EmitJobCancelRequested(ctx, j)
	}
	return j, nil
}

// Reap resolves expired leases that no worker can pick up again: expired
// CANCELLING jobs fail as cancelled, and expired RUNNING jobs with no
// attempts left fail with "lease expired". It returns the number of jobs
// it failed.
func (q *Queue) Reap(ctx context.Context) (int, error) {
	expired, err := q.store.ListExpiredJobs(ctx, q.now(), 100)
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}

	reaped := 0
	for _, candidate := range expired {
		var cause error
		j, updateErr := q.update(ctx, candidate.ID, func(j *job.Job, now time.Time) error {
			if !j.LeaseExpired(now) {
				return errNoop
			}
			switch {
			case j.Status == job.StatusCancelling:
				cause = reckon.ErrCancelled
				j.AppendLog(now, "lease expired while cancelling")
				return j.Fail(job.CancelledMessage, now)
			case j.Status == job.StatusRunning && j.Attempt >= j.MaxAttempts:
				cause = reckon.ErrLeaseExpired
				j.AppendLog(now, AttemptFailedMessage(j.Attempt, j.MaxAttempts, job.LeaseExpiredMessage))
				return j.Fail(job.LeaseExpiredMessage, now)
			default:
				return errNoop
			}
		})
		if updateErr != nil {
			q.logger.Error("reap: failed to resolve expired job",
				slog.String("job_id", candidate.ID.String()),
				slog.String("error", updateErr.Error()),
			)
			continue
		}
		if j == nil {
			continue
		}

		reaped++
		q.logger.Info("reaped expired job",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.String("error", j.Error),
		)
		q.extensions.EmitJobFailed(ctx, j, cause)
	}
	return reaped, nil
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

// Get returns a job owned by orgID. Jobs of other organizations are
// reported as not found.
func (q *Queue) Get(ctx context.Context, orgID string, jobID id.JobID) (*job.Job, error) {
	j, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.OrganizationID != orgID {
		return nil, reckon.ErrJobNotFound
	}
	return j, nil
}

// List returns an organization's jobs.
func (q *Queue) List(ctx context.Context, orgID string, opts job.ListOpts) ([]*job.Job, error) {
	return q.store.ListJobs(ctx, orgID, opts)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// AttemptFailedMessage formats the log entry written for a failed attempt.
func AttemptFailedMessage(attempt, maxAttempts int, msg string) string {
	return fmt.Sprintf("attempt %d/%d failed: %s", attempt, maxAttempts, msg)
}

// update runs a compare-and-set loop: read, apply fn, write if the version
// is unchanged, retry on conflict. A nil job with nil error means fn chose
// not to write.
func (q *Queue) update(ctx context.Context, jobID id.JobID, fn func(j *job.Job, now time.Time) error) (*job.Job, error) {
	for range maxCASRetries {
		j, err := q.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		expected := j.Version
		if err := fn(j, q.now()); err != nil {
			if errors.Is(err, errNoop) {
				return nil, nil
			}
			return nil, err
		}
		err = q.store.UpdateJob(ctx, j, expected)
		if errors.Is(err, reckon.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return j, nil
	}
	return nil, fmt.Errorf("update job %s: %w", jobID, reckon.ErrVersionConflict)
}

func elapsed(j *job.Job) time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
