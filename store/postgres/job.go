package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
)

const jobColumns = `
	id, type, status, input, output, error, logs, progress,
	organization_id, triggered_by, priority, attempt, max_attempts,
	run_at, worker_id, lease_expires_at, version,
	started_at, completed_at, created_at, updated_at`

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	logs, err := encodeLogs(j.Logs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO reckon_jobs (`+jobColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20, $21
		)`,
		j.ID.String(), string(j.Type), string(j.Status), []byte(j.Input), nullJSON(j.Output), j.Error, logs, j.Progress,
		j.OrganizationID, j.TriggeredBy, j.Priority, j.Attempt, j.MaxAttempts,
		j.RunAt, j.WorkerID, j.LeaseExpiresAt, j.Version,
		j.StartedAt, j.CompletedAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return reckon.ErrJobAlreadyExists
		}
		return fmt.Errorf("reckon/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM reckon_jobs WHERE id = $1`, jobID.String())

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, reckon.ErrJobNotFound
		}
		return nil, fmt.Errorf("reckon/postgres: get job: %w", err)
	}
	return j, nil
}

// ListJobs returns an organization's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, orgID string, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM reckon_jobs WHERE organization_id = $1`
	args := []any{orgID}
	argIdx := 2

	if opts.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, string(opts.Type))
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reckon/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// LeaseJob claims the first eligible job in one statement. The inner
// SELECT skips rows locked by concurrent leases, so two workers never
// receive the same job. A takeover of an expired RUNNING lease appends
// the takeover entry to the log in place.
func (s *Store) LeaseJob(ctx context.Context, workerID id.WorkerID, now time.Time, visibility time.Duration) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT id AS candidate_id FROM reckon_jobs
			WHERE (status = 'QUEUED' AND run_at <= $2)
			   OR (status = 'RUNNING' AND lease_expires_at < $2 AND attempt < max_attempts)
			ORDER BY priority DESC, created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE reckon_jobs SET
			logs = CASE WHEN status = 'RUNNING'
				THEN logs || jsonb_build_array(jsonb_build_object('at', $2::timestamptz, 'message', $4::text))
				ELSE logs END,
			started_at = CASE WHEN status = 'QUEUED' THEN $2 ELSE started_at END,
			status = 'RUNNING',
			worker_id = $1,
			lease_expires_at = $3,
			attempt = attempt + 1,
			version = version + 1,
			updated_at = $2
		FROM candidate
		WHERE id = candidate.candidate_id
		RETURNING `+jobColumns,
		workerID.String(), now, now.Add(visibility), job.TakeoverMessage(workerID),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // nil job means nothing is eligible
		}
		return nil, fmt.Errorf("reckon/postgres: lease job: %w", err)
	}
	return j, nil
}

// UpdateJob replaces a job when its version matches.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job, expectedVersion int64) error {
	logs, err := encodeLogs(j.Logs)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE reckon_jobs SET
			status = $3, input = $4, output = $5, error = $6, logs = $7,
			progress = $8, priority = $9, attempt = $10, max_attempts = $11,
			run_at = $12, worker_id = $13, lease_expires_at = $14,
			started_at = $15, completed_at = $16, updated_at = $17,
			version = $2 + 1
		WHERE id = $1 AND version = $2`,
		j.ID.String(), expectedVersion,
		string(j.Status), []byte(j.Input), nullJSON(j.Output), j.Error, logs,
		j.Progress, j.Priority, j.Attempt, j.MaxAttempts,
		j.RunAt, j.WorkerID, j.LeaseExpiresAt,
		j.StartedAt, j.CompletedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("reckon/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, "reckon_jobs", j.ID.String(), reckon.ErrJobNotFound)
	}
	j.Version = expectedVersion + 1
	return nil
}

// HeartbeatJob extends the lease held by workerID.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, leaseUntil time.Time) (job.Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE reckon_jobs SET lease_expires_at = $3, version = version + 1
		WHERE id = $1 AND worker_id = $2 AND status IN ('RUNNING', 'CANCELLING')
		RETURNING status`,
		jobID.String(), workerID.String(), leaseUntil,
	).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return "", s.leaseMiss(ctx, jobID)
		}
		return "", fmt.Errorf("reckon/postgres: heartbeat job: %w", err)
	}
	return job.Status(status), nil
}

// SetJobProgress records progress and extends the lease held by workerID.
// The row is locked so the monotonic check and the write see the same
// value.
func (s *Store) SetJobProgress(ctx context.Context, jobID id.JobID, workerID id.WorkerID, progress int, leaseUntil time.Time) (job.Status, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("reckon/postgres: begin progress: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM reckon_jobs WHERE id = $1 FOR UPDATE`, jobID.String()))
	if err != nil {
		if isNoRows(err) {
			return "", reckon.ErrJobNotFound
		}
		return "", fmt.Errorf("reckon/postgres: load job: %w", err)
	}
	if !j.OwnedBy(workerID) {
		return "", reckon.ErrLeaseLost
	}
	if err := j.SetProgress(progress); err != nil {
		return j.Status, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reckon_jobs SET progress = $2, lease_expires_at = $3, version = version + 1
		WHERE id = $1`,
		jobID.String(), progress, leaseUntil,
	); err != nil {
		return "", fmt.Errorf("reckon/postgres: set progress: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("reckon/postgres: commit progress: %w", err)
	}
	return j.Status, nil
}

// AppendJobLog appends one entry to a job's log without rewriting it.
func (s *Store) AppendJobLog(ctx context.Context, jobID id.JobID, entry job.LogEntry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reckon_jobs SET
			logs = logs || jsonb_build_array(jsonb_build_object('at', $2::timestamptz, 'message', $3::text)),
			version = version + 1,
			updated_at = $2
		WHERE id = $1`,
		jobID.String(), entry.At, entry.Message,
	)
	if err != nil {
		return fmt.Errorf("reckon/postgres: append job log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reckon.ErrJobNotFound
	}
	return nil
}

// ListExpiredJobs returns held jobs whose lease ended before now, oldest
// expiry first.
func (s *Store) ListExpiredJobs(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM reckon_jobs
		WHERE status IN ('RUNNING', 'CANCELLING') AND lease_expires_at < $1
		ORDER BY lease_expires_at ASC`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reckon/postgres: list expired jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// leaseMiss explains why an ownership-conditioned update touched no row.
func (s *Store) leaseMiss(ctx context.Context, jobID id.JobID) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reckon_jobs WHERE id = $1)`, jobID.String()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("reckon/postgres: check job: %w", err)
	}
	if !exists {
		return reckon.ErrJobNotFound
	}
	return reckon.ErrLeaseLost
}

// missOrConflict explains why a version-conditioned update touched no
// row.
func (s *Store) missOrConflict(ctx context.Context, table, key string, notFound error) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, key).Scan(&exists)
	if err != nil {
		return fmt.Errorf("reckon/postgres: check %s: %w", table, err)
	}
	if !exists {
		return notFound
	}
	return reckon.ErrVersionConflict
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		typ       string
		status    string
		input     []byte
		output    []byte
		logs      []byte
		workerStr *string
	)
	err := row.Scan(
		&j.ID, &typ, &status, &input, &output, &j.Error, &logs, &j.Progress,
		&j.OrganizationID, &j.TriggeredBy, &j.Priority, &j.Attempt, &j.MaxAttempts,
		&j.RunAt, &workerStr, &j.LeaseExpiresAt, &j.Version,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Type = job.Type(typ)
	j.Status = job.Status(status)
	j.Input = input
	if len(output) > 0 {
		j.Output = output
	}
	if err := json.Unmarshal(logs, &j.Logs); err != nil {
		return nil, fmt.Errorf("reckon/postgres: decode logs of %s: %w", j.ID, err)
	}
	if j.Logs == nil {
		j.Logs = []job.LogEntry{}
	}
	if workerStr != nil && *workerStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(*workerStr)
		if workerErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("reckon/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reckon/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}

func encodeLogs(logs []job.LogEntry) ([]byte, error) {
	if logs == nil {
		logs = []job.LogEntry{}
	}
	b, err := json.Marshal(logs)
	if err != nil {
		return nil, fmt.Errorf("reckon/postgres: encode logs: %w", err)
	}
	return b, nil
}
