package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/reconcile"
	"github.com/xraph/reckon/store"
	"github.com/xraph/reckon/store/storetest"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, reckon.ErrStoreClosed) {
		t.Fatalf("Ping after Close: err = %v, want ErrStoreClosed", err)
	}
}

// ──────────────────────────────────────────────────
// Job Store tests
// ──────────────────────────────────────────────────

var base = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func newJob(org string, priority int, createdAt time.Time) *job.Job {
	return &job.Job{
		Entity:         reckon.Entity{CreatedAt: createdAt, UpdatedAt: createdAt},
		ID:             id.NewJobID(),
		Type:           job.TypeOCR,
		Status:         job.StatusQueued,
		Input:          []byte(`{}`),
		OrganizationID: org,
		Priority:       priority,
		MaxAttempts:    3,
		RunAt:          createdAt,
	}
}

func mustCreate(t *testing.T, s *Store, j *job.Job) {
	t.Helper()
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
}

func TestCreateAndGetJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	j := newJob("org-1", 0, base)

	mustCreate(t, s, j)
	if err := s.CreateJob(ctx, j); !errors.Is(err, reckon.ErrJobAlreadyExists) {
		t.Fatalf("duplicate create: err = %v, want ErrJobAlreadyExists", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusQueued || got.OrganizationID != "org-1" {
		t.Errorf("unexpected job: %+v", got)
	}

	got.Status = job.StatusFailed
	again, _ := s.GetJob(ctx, j.ID)
	if again.Status != job.StatusQueued {
		t.Error("mutating a returned job must not change the store")
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, reckon.ErrJobNotFound) {
		t.Fatalf("missing job: err = %v, want ErrJobNotFound", err)
	}
}

func TestLeaseOrdering(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	oldLow := newJob("org", 0, base)
	newLow := newJob("org", 0, base.Add(time.Second))
	high := newJob("org", 5, base.Add(2*time.Second))
	future := newJob("org", 9, base)
	future.RunAt = base.Add(time.Hour)
	for _, j := range []*job.Job{newLow, future, high, oldLow} {
		mustCreate(t, s, j)
	}

	now := base.Add(time.Minute)
	want := []id.JobID{high.ID, oldLow.ID, newLow.ID}
	for i, w := range want {
		got, err := s.LeaseJob(ctx, id.NewWorkerID(), now, 30*time.Second)
		if err != nil {
			t.Fatalf("LeaseJob #%d: %v", i, err)
		}
		if got == nil || got.ID.String() != w.String() {
			t.Fatalf("lease #%d = %v, want %s", i, got, w)
		}
		if got.Status != job.StatusRunning || got.Attempt != 1 || got.StartedAt == nil {
			t.Errorf("lease #%d: status=%s attempt=%d startedAt=%v", i, got.Status, got.Attempt, got.StartedAt)
		}
	}

	got, err := s.LeaseJob(ctx, id.NewWorkerID(), now, 30*time.Second)
	if err != nil || got != nil {
		t.Fatalf("expected nothing eligible, got %v, %v", got, err)
	}
}

func TestLeaseConcurrentStress(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	const jobs = 200
	for i := range jobs {
		mustCreate(t, s, newJob("org", 0, base.Add(time.Duration(i)*time.Millisecond)))
	}

	var (
		mu     sync.Mutex
		leased = make(map[string]int)
		wg     sync.WaitGroup
	)
	now := base.Add(time.Minute)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := id.NewWorkerID()
			for {
				j, err := s.LeaseJob(ctx, w, now, time.Minute)
				if err != nil {
					t.Errorf("LeaseJob: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				leased[j.ID.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(leased) != jobs {
		t.Fatalf("leased %d distinct jobs, want %d", len(leased), jobs)
	}
	for jobID, n := range leased {
		if n != 1 {
			t.Errorf("job %s leased %d times", jobID, n)
		}
	}
}

func TestLeaseExpiredTakeover(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	j := newJob("org", 0, base)
	mustCreate(t, s, j)

	first := id.NewWorkerID()
	leased, _ := s.LeaseJob(ctx, first, base, 10*time.Second)
	startedAt := *leased.StartedAt

	// Still held: nobody else may take it.
	if got, _ := s.LeaseJob(ctx, id.NewWorkerID(), base.Add(5*time.Second), 10*time.Second); got != nil {
		t.Fatal("unexpired lease was handed out twice")
	}

	second := id.NewWorkerID()
	got, err := s.LeaseJob(ctx, second, base.Add(11*time.Second), 10*time.Second)
	if err != nil || got == nil {
		t.Fatalf("expected takeover, got %v, %v", got, err)
	}
	if got.WorkerID.String() != second.String() || got.Attempt != 2 {
		t.Errorf("owner=%s attempt=%d", got.WorkerID, got.Attempt)
	}
	if !got.StartedAt.Equal(startedAt) {
		t.Error("StartedAt must not change on takeover")
	}
	if len(got.Logs) != 1 || got.Logs[0].Message != job.TakeoverMessage(second) {
		t.Errorf("expected one takeover log entry, got %+v", got.Logs)
	}

	if _, err := s.HeartbeatJob(ctx, j.ID, first, base.Add(time.Minute)); !errors.Is(err, reckon.ErrLeaseLost) {
		t.Errorf("old owner heartbeat: err = %v, want ErrLeaseLost", err)
	}
}

func TestLeaseExpiredWithoutAttemptsIsNotReleased(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	j := newJob("org", 0, base)
	j.MaxAttempts = 1
	mustCreate(t, s, j)

	if got, _ := s.LeaseJob(ctx, id.NewWorkerID(), base, time.Second); got == nil {
		t.Fatal("expected first lease")
	}
	if got, _ := s.LeaseJob(ctx, id.NewWorkerID(), base.Add(time.Hour), time.Second); got != nil {
		t.Fatal("job without attempts left must not be re-leased")
	}

	expired, err := s.ListExpiredJobs(ctx, base.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListExpiredJobs: %v", err)
	}
	if len(expired) != 1 || expired[0].ID.String() != j.ID.String() {
		t.Fatalf("expected the job to be listed as expired, got %v", expired)
	}
}

func TestUpdateJobVersionConflict(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	j := newJob("org", 0, base)
	mustCreate(t, s, j)

	a, _ := s.GetJob(ctx, j.ID)
	b, _ := s.GetJob(ctx, j.ID)

	a.Priority = 7
	if err := s.UpdateJob(ctx, a, a.Version); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != 1 {
		t.Errorf("Version = %d, want 1", a.Version)
	}

	b.Priority = 3
	if err := s.UpdateJob(ctx, b, b.Version); !errors.Is(err, reckon.ErrVersionConflict) {
		t.Fatalf("stale update: err = %v, want ErrVersionConflict", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.Priority != 7 {
		t.Errorf("Priority = %d, want 7", got.Priority)
	}
}

func TestHeartbeatAndProgress(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	j := newJob("org", 0, base)
	mustCreate(t, s, j)
	w := id.NewWorkerID()
	_, _ = s.LeaseJob(ctx, w, base, 10*time.Second)

	until := base.Add(40 * time.Second)
	status, err := s.HeartbeatJob(ctx, j.ID, w, until)
	if err != nil || status != job.StatusRunning {
		t.Fatalf("HeartbeatJob = %s, %v", status, err)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if !got.LeaseExpiresAt.Equal(until) {
		t.Errorf("LeaseExpiresAt = %v, want %v", got.LeaseExpiresAt, until)
	}

	if _, err := s.SetJobProgress(ctx, j.ID, w, 40, until); err != nil {
		t.Fatalf("SetJobProgress(40): %v", err)
	}
	if _, err := s.SetJobProgress(ctx, j.ID, w, 20, until); !errors.Is(err, reckon.ErrInvalidProgress) {
		t.Fatalf("SetJobProgress(20): err = %v, want ErrInvalidProgress", err)
	}
	if _, err := s.SetJobProgress(ctx, j.ID, id.NewWorkerID(), 90, until); !errors.Is(err, reckon.ErrLeaseLost) {
		t.Fatalf("foreign SetJobProgress: err = %v, want ErrLeaseLost", err)
	}
	got, _ = s.GetJob(ctx, j.ID)
	if got.Progress != 40 {
		t.Errorf("Progress = %d, want 40", got.Progress)
	}
}

func TestAppendJobLog(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	j := newJob("org", 0, base)
	mustCreate(t, s, j)

	for _, msg := range []string{"a", "b", "c"} {
		if err := s.AppendJobLog(ctx, j.ID, job.LogEntry{At: base, Message: msg}); err != nil {
			t.Fatalf("AppendJobLog: %v", err)
		}
	}
	got, _ := s.GetJob(ctx, j.ID)
	if len(got.Logs) != 3 || got.Logs[0].Message != "a" || got.Logs[2].Message != "c" {
		t.Errorf("Logs = %+v", got.Logs)
	}
	if err := s.AppendJobLog(ctx, id.NewJobID(), job.LogEntry{}); !errors.Is(err, reckon.ErrJobNotFound) {
		t.Errorf("append to missing job: err = %v", err)
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for i := range 5 {
		j := newJob("org-a", 0, base.Add(time.Duration(i)*time.Second))
		if i%2 == 0 {
			j.Type = job.TypeReporting
		}
		mustCreate(t, s, j)
	}
	mustCreate(t, s, newJob("org-b", 0, base))

	tests := []struct {
		name string
		org  string
		opts job.ListOpts
		want int
	}{
		{"all of org-a", "org-a", job.ListOpts{}, 5},
		{"other org", "org-b", job.ListOpts{}, 1},
		{"unknown org", "org-z", job.ListOpts{}, 0},
		{"by type", "org-a", job.ListOpts{Type: job.TypeReporting}, 3},
		{"by status", "org-a", job.ListOpts{Status: job.StatusRunning}, 0},
		{"limit", "org-a", job.ListOpts{Limit: 2}, 2},
		{"offset", "org-a", job.ListOpts{Offset: 4}, 1},
		{"offset past end", "org-a", job.ListOpts{Offset: 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListJobs(ctx, tt.org, tt.opts)
			if err != nil {
				t.Fatalf("ListJobs: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("len = %d, want %d", len(got), tt.want)
			}
		})
	}

	all, _ := s.ListJobs(ctx, "org-a", job.ListOpts{})
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Fatal("expected newest first")
		}
	}
}

// ──────────────────────────────────────────────────
// Reconciliation Store tests
// ──────────────────────────────────────────────────

func newRec(org string, createdAt time.Time) *reconcile.Reconciliation {
	period := reconcile.Period{Start: reconcile.NewDate(2024, 1, 1), End: reconcile.NewDate(2024, 1, 31)}
	return reconcile.NewReconciliation(org, "January", period, createdAt)
}

func TestReconciliationCRUD(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	r := newRec("org", base)

	if err := s.CreateReconciliation(ctx, r); err != nil {
		t.Fatalf("CreateReconciliation: %v", err)
	}
	if err := s.CreateReconciliation(ctx, r); !errors.Is(err, reckon.ErrReconciliationAlreadyExists) {
		t.Fatalf("duplicate: err = %v", err)
	}

	got, err := s.GetReconciliation(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReconciliation: %v", err)
	}
	got.Status = reconcile.StatusInProgress
	if err := s.UpdateReconciliation(ctx, got, 0); err != nil {
		t.Fatalf("UpdateReconciliation: %v", err)
	}
	if err := s.UpdateReconciliation(ctx, got, 0); !errors.Is(err, reckon.ErrVersionConflict) {
		t.Fatalf("stale update: err = %v, want ErrVersionConflict", err)
	}

	again, _ := s.GetReconciliation(ctx, r.ID)
	if again.Status != reconcile.StatusInProgress || again.Version != 1 {
		t.Errorf("status=%s version=%d", again.Status, again.Version)
	}

	if _, err := s.GetReconciliation(ctx, id.NewReconciliationID()); !errors.Is(err, reckon.ErrReconciliationNotFound) {
		t.Fatalf("missing: err = %v", err)
	}
}

func TestListReconciliations(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for i := range 3 {
		if err := s.CreateReconciliation(ctx, newRec("org", base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateReconciliation(ctx, newRec("other", base)); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListReconciliations(ctx, "org", reconcile.ListOpts{Limit: 2})
	if err != nil {
		t.Fatalf("ListReconciliations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].CreatedAt.After(got[1].CreatedAt) {
		t.Error("expected newest first")
	}

	pending, _ := s.ListReconciliations(ctx, "org", reconcile.ListOpts{Status: reconcile.StatusCompleted})
	if len(pending) != 0 {
		t.Errorf("expected no completed reconciliations, got %d", len(pending))
	}
}

func TestConformance(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}
