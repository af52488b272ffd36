package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
)

var activeStatuses = bson.A{string(job.StatusRunning), string(job.StatusCancelling)}

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	_, err := s.jobs().InsertOne(ctx, toJobModel(j))
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return reckon.ErrJobAlreadyExists
		}
		return fmt.Errorf("reckon/mongo: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var m jobModel
	err := s.jobs().FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, reckon.ErrJobNotFound
		}
		return nil, fmt.Errorf("reckon/mongo: get job: %w", err)
	}
	return fromJobModel(&m)
}

// ListJobs returns an organization's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, orgID string, opts job.ListOpts) ([]*job.Job, error) {
	filter := bson.M{"organization_id": orgID}
	if opts.Type != "" {
		filter["type"] = string(opts.Type)
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	findOpts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: -1},
		{Key: "_id", Value: -1},
	})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	return s.findJobs(ctx, filter, findOpts)
}

// LeaseJob claims the first eligible job with one FindOneAndUpdate. The
// update is a pipeline so it can branch on the current status: a QUEUED
// job gets StartedAt, an expired RUNNING job gets the takeover log entry.
func (s *Store) LeaseJob(ctx context.Context, workerID id.WorkerID, now time.Time, visibility time.Duration) (*job.Job, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"status": string(job.StatusQueued), "run_at": bson.M{"$lte": now}},
		bson.M{
			"status":           string(job.StatusRunning),
			"lease_expires_at": bson.M{"$lt": now},
			"$expr":            bson.M{"$lt": bson.A{"$attempt", "$max_attempts"}},
		},
	}}

	wasQueued := bson.M{"$eq": bson.A{"$status", string(job.StatusQueued)}}
	takeover := bson.M{
		"at":      now,
		"message": bson.M{"$literal": job.TakeoverMessage(workerID)},
	}
	update := mongod.Pipeline{
		{{Key: "$set", Value: bson.M{
			"started_at":       bson.M{"$cond": bson.A{wasQueued, now, "$started_at"}},
			"logs":             bson.M{"$cond": bson.A{wasQueued, "$logs", bson.M{"$concatArrays": bson.A{"$logs", bson.A{takeover}}}}},
			"status":           string(job.StatusRunning),
			"worker_id":        workerID.String(),
			"lease_expires_at": now.Add(visibility),
			"attempt":          bson.M{"$add": bson.A{"$attempt", 1}},
			"version":          bson.M{"$add": bson.A{"$version", 1}},
			"updated_at":       now,
		}}},
	}

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{
			{Key: "priority", Value: -1},
			{Key: "created_at", Value: 1},
			{Key: "_id", Value: 1},
		})

	var m jobModel
	err := s.jobs().FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil //nolint:nilnil // nil job means nothing is eligible
		}
		return nil, fmt.Errorf("reckon/mongo: lease job: %w", err)
	}
	return fromJobModel(&m)
}

// UpdateJob replaces a job when its version matches.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job, expectedVersion int64) error {
	m := toJobModel(j)
	m.Version = expectedVersion + 1

	res, err := s.jobs().ReplaceOne(ctx, bson.M{"_id": m.ID, "version": expectedVersion}, m)
	if err != nil {
		return fmt.Errorf("reckon/mongo: update job: %w", err)
	}
	if res.MatchedCount == 0 {
		found, err := exists(ctx, s.jobs(), m.ID)
		if err != nil {
			return fmt.Errorf("reckon/mongo: check job: %w", err)
		}
		if !found {
			return reckon.ErrJobNotFound
		}
		return reckon.ErrVersionConflict
	}
	j.Version = m.Version
	return nil
}

// HeartbeatJob extends the lease held by workerID.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, leaseUntil time.Time) (job.Status, error) {
	filter := ownedFilter(jobID, workerID)
	update := bson.M{
		"$set": bson.M{"lease_expires_at": leaseUntil},
		"$inc": bson.M{"version": 1},
	}
	status, err := s.extend(ctx, filter, update)
	if err != nil {
		if isNoDocuments(err) {
			return "", s.leaseMiss(ctx, jobID)
		}
		return "", fmt.Errorf("reckon/mongo: heartbeat job: %w", err)
	}
	return status, nil
}

// SetJobProgress records progress and extends the lease held by workerID.
// The filter only matches while progress would not go backwards; a miss
// is explained by re-reading the job.
func (s *Store) SetJobProgress(ctx context.Context, jobID id.JobID, workerID id.WorkerID, progress int, leaseUntil time.Time) (job.Status, error) {
	if progress >= 0 && progress <= 100 {
		filter := ownedFilter(jobID, workerID)
		filter["progress"] = bson.M{"$lte": progress}
		update := bson.M{
			"$set": bson.M{"progress": progress, "lease_expires_at": leaseUntil},
			"$inc": bson.M{"version": 1},
		}
		status, err := s.extend(ctx, filter, update)
		if err == nil {
			return status, nil
		}
		if !isNoDocuments(err) {
			return "", fmt.Errorf("reckon/mongo: set progress: %w", err)
		}
	}

	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !j.OwnedBy(workerID) {
		return "", reckon.ErrLeaseLost
	}
	if err := j.SetProgress(progress); err != nil {
		return j.Status, err
	}
	return j.Status, fmt.Errorf("set progress of %s: %w", jobID, reckon.ErrVersionConflict)
}

// AppendJobLog appends one entry to a job's log.
func (s *Store) AppendJobLog(ctx context.Context, jobID id.JobID, entry job.LogEntry) error {
	res, err := s.jobs().UpdateOne(ctx, bson.M{"_id": jobID.String()}, bson.M{
		"$push": bson.M{"logs": logModel{At: entry.At, Message: entry.Message}},
		"$inc":  bson.M{"version": 1},
		"$set":  bson.M{"updated_at": entry.At},
	})
	if err != nil {
		return fmt.Errorf("reckon/mongo: append job log: %w", err)
	}
	if res.MatchedCount == 0 {
		return reckon.ErrJobNotFound
	}
	return nil
}

// ListExpiredJobs returns held jobs whose lease ended before now, oldest
// expiry first.
func (s *Store) ListExpiredJobs(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	filter := bson.M{
		"status":           bson.M{"$in": activeStatuses},
		"lease_expires_at": bson.M{"$lt": now},
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "lease_expires_at", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	return s.findJobs(ctx, filter, findOpts)
}

func ownedFilter(jobID id.JobID, workerID id.WorkerID) bson.M {
	return bson.M{
		"_id":       jobID.String(),
		"worker_id": workerID.String(),
		"status":    bson.M{"$in": activeStatuses},
	}
}

// extend applies an ownership-conditioned update and returns the job's
// status.
func (s *Store) extend(ctx context.Context, filter, update bson.M) (job.Status, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"status": 1})

	var out struct {
		Status string `bson:"status"`
	}
	if err := s.jobs().FindOneAndUpdate(ctx, filter, update, opts).Decode(&out); err != nil {
		return "", err
	}
	return job.Status(out.Status), nil
}

// leaseMiss explains why an ownership-conditioned update matched nothing.
func (s *Store) leaseMiss(ctx context.Context, jobID id.JobID) error {
	found, err := exists(ctx, s.jobs(), jobID.String())
	if err != nil {
		return fmt.Errorf("reckon/mongo: check job: %w", err)
	}
	if !found {
		return reckon.ErrJobNotFound
	}
	return reckon.ErrLeaseLost
}

func (s *Store) findJobs(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]*job.Job, error) {
	cursor, err := s.jobs().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("reckon/mongo: find jobs: %w", err)
	}

	var models []jobModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("reckon/mongo: decode jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
