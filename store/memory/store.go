// Package memory implements store.Store in process memory. It is safe for
// concurrent use and intended for tests and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/reconcile"
)

// Compile-time interface checks. The store package cannot be imported here
// without a cycle in tests, so each subsystem is verified on its own.
var (
	_ job.Store       = (*Store)(nil)
	_ reconcile.Store = (*Store)(nil)
)

// Store keeps jobs and reconciliations in maps guarded by one mutex. Every
// read returns a deep copy so callers can mutate freely.
type Store struct {
	mu sync.RWMutex

	jobs   map[string]*job.Job
	recs   map[string]*reconcile.Reconciliation
	closed bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*job.Job),
		recs: make(map[string]*reconcile.Reconciliation),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping fails only after Close.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return reckon.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Data stays readable.
func (m *Store) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return reckon.ErrJobAlreadyExists
	}
	m.jobs[key] = j.Clone()
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, reckon.ErrJobNotFound
	}
	return j.Clone(), nil
}

// ListJobs returns an organization's jobs, newest first.
func (m *Store) ListJobs(_ context.Context, orgID string, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.OrganizationID != orgID {
			continue
		}
		if opts.Type != "" && j.Type != opts.Type {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		result = append(result, j.Clone())
	}

	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.After(result[k].CreatedAt)
		}
		return result[i].ID.String() > result[k].ID.String()
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

// LeaseJob atomically claims the first eligible job under the write lock.
func (m *Store) LeaseJob(_ context.Context, workerID id.WorkerID, now time.Time, visibility time.Duration) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *job.Job
	for _, j := range m.jobs {
		if !leasable(j, now) {
			continue
		}
		if best == nil || leaseBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil //nolint:nilnil // nil job means nothing is eligible
	}

	if best.Status == job.StatusQueued {
		if err := best.Transition(job.StatusRunning, now); err != nil {
			return nil, err
		}
	} else {
		best.AppendLog(now, job.TakeoverMessage(workerID))
	}
	until := now.Add(visibility)
	best.WorkerID = workerID
	best.LeaseExpiresAt = &until
	best.Attempt++
	best.Version++
	best.UpdatedAt = now
	return best.Clone(), nil
}

// UpdateJob replaces a job when its version matches.
func (m *Store) UpdateJob(_ context.Context, j *job.Job, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	stored, ok := m.jobs[key]
	if !ok {
		return reckon.ErrJobNotFound
	}
	if stored.Version != expectedVersion {
		return reckon.ErrVersionConflict
	}
	cp := j.Clone()
	cp.Version = expectedVersion + 1
	m.jobs[key] = cp
	j.Version = cp.Version
	return nil
}

// HeartbeatJob extends the lease held by workerID.
func (m *Store) HeartbeatJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, leaseUntil time.Time) (job.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(jobID, workerID)
	if err != nil {
		return "", err
	}
	until := leaseUntil
	j.LeaseExpiresAt = &until
	j.Version++
	return j.Status, nil
}

// SetJobProgress records progress and extends the lease held by workerID.
func (m *Store) SetJobProgress(_ context.Context, jobID id.JobID, workerID id.WorkerID, progress int, leaseUntil time.Time) (job.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(jobID, workerID)
	if err != nil {
		return "", err
	}
	if err := j.SetProgress(progress); err != nil {
		return j.Status, err
	}
	until := leaseUntil
	j.LeaseExpiresAt = &until
	j.Version++
	return j.Status, nil
}

// AppendJobLog appends one entry to a job's log.
func (m *Store) AppendJobLog(_ context.Context, jobID id.JobID, entry job.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return reckon.ErrJobNotFound
	}
	j.AppendLog(entry.At, entry.Message)
	j.Version++
	return nil
}

// ListExpiredJobs returns held jobs whose lease ended before now, oldest
// expiry first.
func (m *Store) ListExpiredJobs(_ context.Context, now time.Time, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []*job.Job
	for _, j := range m.jobs {
		if j.Status.Active() && j.LeaseExpired(now) {
			expired = append(expired, j.Clone())
		}
	}
	sort.Slice(expired, func(i, k int) bool {
		return expired[i].LeaseExpiresAt.Before(*expired[k].LeaseExpiresAt)
	})
	return paginate(expired, 0, limit), nil
}

// owned returns the stored job if workerID holds its lease. Callers hold
// the write lock.
func (m *Store) owned(jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, reckon.ErrJobNotFound
	}
	if !j.OwnedBy(workerID) {
		return nil, reckon.ErrLeaseLost
	}
	return j, nil
}

func leasable(j *job.Job, now time.Time) bool {
	switch j.Status {
	case job.StatusQueued:
		return !j.RunAt.After(now)
	case job.StatusRunning:
		return j.LeaseExpired(now) && j.Attempt < j.MaxAttempts
	default:
		return false
	}
}

// leaseBefore orders by priority descending, then CreatedAt, then ID.
func leaseBefore(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// ──────────────────────────────────────────────────
// Reconciliation Store
// ──────────────────────────────────────────────────

// CreateReconciliation persists a new reconciliation.
func (m *Store) CreateReconciliation(_ context.Context, r *reconcile.Reconciliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, exists := m.recs[key]; exists {
		return reckon.ErrReconciliationAlreadyExists
	}
	m.recs[key] = r.Clone()
	return nil
}

// GetReconciliation retrieves a reconciliation by ID.
func (m *Store) GetReconciliation(_ context.Context, recID id.ReconciliationID) (*reconcile.Reconciliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.recs[recID.String()]
	if !ok {
		return nil, reckon.ErrReconciliationNotFound
	}
	return r.Clone(), nil
}

// UpdateReconciliation replaces a reconciliation when its version matches.
func (m *Store) UpdateReconciliation(_ context.Context, r *reconcile.Reconciliation, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	stored, ok := m.recs[key]
	if !ok {
		return reckon.ErrReconciliationNotFound
	}
	if stored.Version != expectedVersion {
		return reckon.ErrVersionConflict
	}
	cp := r.Clone()
	cp.Version = expectedVersion + 1
	m.recs[key] = cp
	r.Version = cp.Version
	return nil
}

// ListReconciliations returns an organization's reconciliations, newest
// first.
func (m *Store) ListReconciliations(_ context.Context, orgID string, opts reconcile.ListOpts) ([]*reconcile.Reconciliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*reconcile.Reconciliation, 0)
	for _, r := range m.recs {
		if r.OrganizationID != orgID {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		result = append(result, r.Clone())
	}
	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.After(result[k].CreatedAt)
		}
		return result[i].ID.String() > result[k].ID.String()
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
