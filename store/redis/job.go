package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
)

// CreateJob stores the job Hash, its log and its index entries.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	args, err := jobArgs(j, j.Logs, jID, string(j.Status), micros(j.RunAt), microsPtr(j.LeaseExpiresAt), micros(j.CreatedAt), jobRank(j))
	if err != nil {
		return err
	}
	keys := []string{jobKey(jID), jobLogKey(jID), readyKey, delayedKey, leasedKey, orgJobsKey(j.OrganizationID)}

	created, err := createJobScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("reckon/redis: create job: %w", err)
	}
	if created == 0 {
		return reckon.ErrJobAlreadyExists
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJob(ctx, jobID.String())
}

// ListJobs returns an organization's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, orgID string, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.ZRevRange(ctx, orgJobsKey(orgID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reckon/redis: list jobs: %w", err)
	}
	jobs, err := s.getJobs(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := make([]*job.Job, 0, len(jobs))
	for _, j := range jobs {
		if opts.Type != "" && j.Type != opts.Type {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		result = append(result, j)
	}
	return paginate(result, opts.Offset, opts.Limit), nil
}

// LeaseJob claims the first eligible job with one script call.
func (s *Store) LeaseJob(ctx context.Context, workerID id.WorkerID, now time.Time, visibility time.Duration) (*job.Job, error) {
	until := now.Add(visibility)
	takeover, err := json.Marshal(job.LogEntry{At: now, Message: job.TakeoverMessage(workerID)})
	if err != nil {
		return nil, fmt.Errorf("reckon/redis: encode takeover log: %w", err)
	}

	jID, err := leaseJobScript.Run(ctx, s.client, []string{readyKey, delayedKey, leasedKey},
		micros(now), formatTime(now), micros(until), formatTime(until),
		workerID.String(), string(takeover), keyPrefix,
	).Text()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil //nolint:nilnil // nil job means nothing is eligible
		}
		return nil, fmt.Errorf("reckon/redis: lease job: %w", err)
	}
	return s.getJob(ctx, jID)
}

// UpdateJob replaces a job when its version matches.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job, expectedVersion int64) error {
	jID := j.ID.String()
	args, err := jobArgs(j, j.Logs, string(j.Status), micros(j.RunAt), microsPtr(j.LeaseExpiresAt), jobRank(j))
	if err != nil {
		return err
	}
	args = append([]any{expectedVersion, jID}, args...)
	keys := []string{jobKey(jID), jobLogKey(jID), readyKey, delayedKey, leasedKey}

	res, err := updateJobScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("reckon/redis: update job: %w", err)
	}
	switch res {
	case -1:
		return reckon.ErrJobNotFound
	case 0:
		return reckon.ErrVersionConflict
	}
	j.Version = expectedVersion + 1
	return nil
}

// HeartbeatJob extends the lease held by workerID.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, leaseUntil time.Time) (job.Status, error) {
	return s.extendLease(ctx, jobID, workerID, "", leaseUntil)
}

// SetJobProgress records progress and extends the lease held by workerID.
func (s *Store) SetJobProgress(ctx context.Context, jobID id.JobID, workerID id.WorkerID, progress int, leaseUntil time.Time) (job.Status, error) {
	return s.extendLease(ctx, jobID, workerID, strconv.Itoa(progress), leaseUntil)
}

func (s *Store) extendLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, progress string, leaseUntil time.Time) (job.Status, error) {
	jID := jobID.String()
	res, err := extendLeaseScript.Run(ctx, s.client, []string{jobKey(jID), leasedKey},
		workerID.String(), formatTime(leaseUntil), micros(leaseUntil), jID, progress,
	).StringSlice()
	if err != nil {
		return "", fmt.Errorf("reckon/redis: extend lease: %w", err)
	}
	if len(res) < 2 {
		return "", fmt.Errorf("reckon/redis: extend lease: unexpected reply %v", res)
	}

	status := job.Status(res[1])
	switch res[0] {
	case "OK":
		return status, nil
	case "NOT_FOUND":
		return "", reckon.ErrJobNotFound
	case "LEASE_LOST":
		return "", reckon.ErrLeaseLost
	case "OUT_OF_RANGE":
		return status, fmt.Errorf("%w: %s out of range", reckon.ErrInvalidProgress, progress)
	case "REGRESSION":
		current := ""
		if len(res) > 2 {
			current = res[2]
		}
		return status, fmt.Errorf("%w: %s < current %s", reckon.ErrInvalidProgress, progress, current)
	default:
		return "", fmt.Errorf("reckon/redis: extend lease: unexpected reply %q", res[0])
	}
}

// AppendJobLog appends one entry to a job's log.
func (s *Store) AppendJobLog(ctx context.Context, jobID id.JobID, entry job.LogEntry) error {
	jID := jobID.String()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("reckon/redis: encode log entry: %w", err)
	}
	ok, err := appendLogScript.Run(ctx, s.client, []string{jobKey(jID), jobLogKey(jID)},
		string(data), formatTime(entry.At),
	).Int()
	if err != nil {
		return fmt.Errorf("reckon/redis: append job log: %w", err)
	}
	if ok == 0 {
		return reckon.ErrJobNotFound
	}
	return nil
}

// ListExpiredJobs returns held jobs whose lease ended before now, oldest
// expiry first.
func (s *Store) ListExpiredJobs(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	rng := &goredis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(micros(now), 10)}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, leasedKey, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("reckon/redis: list expired jobs: %w", err)
	}
	jobs, err := s.getJobs(ctx, ids)
	if err != nil {
		return nil, err
	}

	expired := make([]*job.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Status.Active() && j.LeaseExpired(now) {
			expired = append(expired, j)
		}
	}
	return expired, nil
}

// ──────────────────────────────────────────────────
// Encoding
// ──────────────────────────────────────────────────

// jobArgs returns the script arguments for j: the leading values, the
// field count, the Hash fields, then one JSON document per log entry.
func jobArgs(j *job.Job, logs []job.LogEntry, leading ...any) ([]any, error) {
	fields := jobToFields(j)
	args := make([]any, 0, len(leading)+1+len(fields)*2+len(logs))
	args = append(args, leading...)
	args = append(args, len(fields)*2)
	for _, f := range fields {
		args = append(args, f[0], f[1])
	}
	for _, entry := range logs {
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("reckon/redis: encode log entry: %w", err)
		}
		args = append(args, string(data))
	}
	return args, nil
}

// jobToFields lists every Hash field so an update also clears fields that
// became empty.
func jobToFields(j *job.Job) [][2]string {
	return [][2]string{
		{"id", j.ID.String()},
		{"type", string(j.Type)},
		{"status", string(j.Status)},
		{"input", string(j.Input)},
		{"output", string(j.Output)},
		{"error", j.Error},
		{"progress", strconv.Itoa(j.Progress)},
		{"organization_id", j.OrganizationID},
		{"triggered_by", j.TriggeredBy},
		{"priority", strconv.Itoa(j.Priority)},
		{"attempt", strconv.Itoa(j.Attempt)},
		{"max_attempts", strconv.Itoa(j.MaxAttempts)},
		{"run_at", formatTime(j.RunAt)},
		{"worker_id", j.WorkerID.String()},
		{"lease_expires_at", formatTimePtr(j.LeaseExpiresAt)},
		{"lease_us", microsPtr(j.LeaseExpiresAt)},
		{"version", strconv.FormatInt(j.Version, 10)},
		{"started_at", formatTimePtr(j.StartedAt)},
		{"completed_at", formatTimePtr(j.CompletedAt)},
		{"created_at", formatTime(j.CreatedAt)},
		{"created_us", strconv.FormatInt(micros(j.CreatedAt), 10)},
		{"rank", jobRank(j)},
		{"updated_at", formatTime(j.UpdatedAt)},
	}
}

func (s *Store) getJob(ctx context.Context, jID string) (*job.Job, error) {
	jobs, err := s.getJobs(ctx, []string{jID})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, reckon.ErrJobNotFound
	}
	return jobs[0], nil
}

// getJobs loads jobs in one round trip. IDs whose Hash is gone are
// skipped.
func (s *Store) getJobs(ctx context.Context, ids []string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return []*job.Job{}, nil
	}
	pipe := s.client.Pipeline()
	hashes := make([]*goredis.MapStringStringCmd, len(ids))
	logs := make([]*goredis.StringSliceCmd, len(ids))
	for i, jID := range ids {
		hashes[i] = pipe.HGetAll(ctx, jobKey(jID))
		logs[i] = pipe.LRange(ctx, jobLogKey(jID), 0, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("reckon/redis: get jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for i := range ids {
		fields := hashes[i].Val()
		if len(fields) == 0 {
			continue
		}
		j, err := fieldsToJob(fields, logs[i].Val())
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func fieldsToJob(m map[string]string, logs []string) (*job.Job, error) {
	jobID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("reckon/redis: parse job id %q: %w", m["id"], err)
	}

	j := &job.Job{
		ID:             jobID,
		Type:           job.Type(m["type"]),
		Status:         job.Status(m["status"]),
		Error:          m["error"],
		OrganizationID: m["organization_id"],
		TriggeredBy:    m["triggered_by"],
		Logs:           make([]job.LogEntry, 0, len(logs)),
	}
	if v := m["input"]; v != "" {
		j.Input = json.RawMessage(v)
	}
	if v := m["output"]; v != "" {
		j.Output = json.RawMessage(v)
	}
	j.Progress, _ = strconv.Atoi(m["progress"])
	j.Priority, _ = strconv.Atoi(m["priority"])
	j.Attempt, _ = strconv.Atoi(m["attempt"])
	j.MaxAttempts, _ = strconv.Atoi(m["max_attempts"])
	j.Version, _ = strconv.ParseInt(m["version"], 10, 64)
	j.RunAt = parseTime(m["run_at"])
	j.CreatedAt = parseTime(m["created_at"])
	j.UpdatedAt = parseTime(m["updated_at"])
	j.LeaseExpiresAt = parseTimePtr(m["lease_expires_at"])
	j.StartedAt = parseTimePtr(m["started_at"])
	j.CompletedAt = parseTimePtr(m["completed_at"])

	if v := m["worker_id"]; v != "" {
		if w, wErr := id.ParseWorkerID(v); wErr == nil {
			j.WorkerID = w
		}
	}

	for _, raw := range logs {
		var entry job.LogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("reckon/redis: decode log of %s: %w", jobID, err)
		}
		j.Logs = append(j.Logs, entry)
	}
	return j, nil
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func microsPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	return &t
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
