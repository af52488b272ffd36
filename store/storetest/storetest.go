// Package storetest is a conformance suite for store.Store backends. The
// integration tests of every persistent backend run it against a live
// server.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/reconcile"
	"github.com/xraph/reckon/store"
)

// Factory returns an empty, migrated store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Run executes the suite. Subtests run sequentially because leasing is
// global to a store.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGetJob", testCreateAndGetJob},
		{"LeaseOrdering", testLeaseOrdering},
		{"LeaseHeadOfDeepQueue", testLeaseHeadOfDeepQueue},
		{"LeaseDelayedAndRequeued", testLeaseDelayedAndRequeued},
		{"LeaseConcurrent", testLeaseConcurrent},
		{"LeaseExpiredTakeover", testLeaseExpiredTakeover},
		{"UpdateJobVersionConflict", testUpdateJobVersionConflict},
		{"HeartbeatAndProgress", testHeartbeatAndProgress},
		{"AppendJobLog", testAppendJobLog},
		{"ListJobs", testListJobs},
		{"ListExpiredJobs", testListExpiredJobs},
		{"ReconciliationRoundTrip", testReconciliationRoundTrip},
		{"ListReconciliations", testListReconciliations},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var base = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func newJob(org string, priority int, createdAt time.Time) *job.Job {
	return &job.Job{
		Entity:         reckon.Entity{CreatedAt: createdAt, UpdatedAt: createdAt},
		ID:             id.NewJobID(),
		Type:           job.TypeOCR,
		Status:         job.StatusQueued,
		Input:          []byte(`{"document_id":"doc-1"}`),
		OrganizationID: org,
		Priority:       priority,
		MaxAttempts:    3,
		RunAt:          createdAt,
	}
}

func mustCreate(t *testing.T, s store.Store, j *job.Job) {
	t.Helper()
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
}

func mustLease(t *testing.T, s store.Store, w id.WorkerID, now time.Time, visibility time.Duration) *job.Job {
	t.Helper()
	j, err := s.LeaseJob(context.Background(), w, now, visibility)
	if err != nil {
		t.Fatalf("LeaseJob: %v", err)
	}
	if j == nil {
		t.Fatal("LeaseJob: nothing eligible")
	}
	return j
}

func testCreateAndGetJob(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newJob("org-1", 2, base)
	j.TriggeredBy = "user-1"

	mustCreate(t, s, j)
	if err := s.CreateJob(ctx, j); !errors.Is(err, reckon.ErrJobAlreadyExists) {
		t.Fatalf("duplicate create: err = %v, want ErrJobAlreadyExists", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID.String() != j.ID.String() || got.Type != job.TypeOCR || got.Status != job.StatusQueued {
		t.Errorf("unexpected job: %+v", got)
	}
	if got.OrganizationID != "org-1" || got.TriggeredBy != "user-1" || got.Priority != 2 || got.MaxAttempts != 3 {
		t.Errorf("fields not preserved: %+v", got)
	}
	if !got.CreatedAt.Equal(base) || !got.RunAt.Equal(base) {
		t.Errorf("times not preserved: created=%v runAt=%v", got.CreatedAt, got.RunAt)
	}
	if string(got.Input) == "" {
		t.Error("input not preserved")
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, reckon.ErrJobNotFound) {
		t.Fatalf("missing job: err = %v, want ErrJobNotFound", err)
	}
}

func testLeaseOrdering(t *testing.T, s store.Store) {
	oldLow := newJob("org", 0, base)
	newLow := newJob("org", 0, base.Add(time.Second))
	high := newJob("org", 5, base.Add(2*time.Second))
	future := newJob("org", 9, base)
	future.RunAt = base.Add(time.Hour)
	for _, j := range []*job.Job{newLow, future, high, oldLow} {
		mustCreate(t, s, j)
	}

	now := base.Add(time.Minute)
	for i, want := range []id.JobID{high.ID, oldLow.ID, newLow.ID} {
		got := mustLease(t, s, id.NewWorkerID(), now, 30*time.Second)
		if got.ID.String() != want.String() {
			t.Fatalf("lease #%d = %s, want %s", i, got.ID, want)
		}
		if got.Status != job.StatusRunning || got.Attempt != 1 || got.StartedAt == nil {
			t.Errorf("lease #%d: status=%s attempt=%d startedAt=%v", i, got.Status, got.Attempt, got.StartedAt)
		}
	}

	got, err := s.LeaseJob(context.Background(), id.NewWorkerID(), now, 30*time.Second)
	if err != nil || got != nil {
		t.Fatalf("expected nothing eligible, got %v, %v", got, err)
	}
}

func testLeaseHeadOfDeepQueue(t *testing.T, s store.Store) {
	for i := range 100 {
		mustCreate(t, s, newJob("org", 0, base.Add(time.Duration(i)*time.Second)))
	}
	urgent := newJob("org", 3, base.Add(time.Hour))
	mustCreate(t, s, urgent)
	if got := mustLease(t, s, id.NewWorkerID(), base.Add(time.Hour), time.Hour); got.ID.String() != urgent.ID.String() {
		t.Fatalf("lease = %s, want the newest job with the highest priority %s", got.ID, urgent.ID)
	}
	if got := mustLease(t, s, id.NewWorkerID(), base.Add(time.Hour), time.Hour); got.Priority != 0 || !got.CreatedAt.Equal(base) {
		t.Fatalf("lease = priority %d created %v, want the oldest low-priority job", got.Priority, got.CreatedAt)
	}
}

func testLeaseDelayedAndRequeued(t *testing.T, s store.Store) {
	ctx := context.Background()
	low := newJob("org", 0, base)
	later := newJob("org", 9, base)
	later.RunAt = base.Add(time.Hour)
	mustCreate(t, s, low)
	mustCreate(t, s, later)

	now := base.Add(time.Minute)
	if got := mustLease(t, s, id.NewWorkerID(), now, time.Minute); got.ID.String() != low.ID.String() {
		t.Fatalf("lease = %s, want %s", got.ID, low.ID)
	}
	if got, _ := s.LeaseJob(ctx, id.NewWorkerID(), now, time.Minute); got != nil {
		t.Fatalf("job scheduled in an hour was leased early: %s", got.ID)
	}

	retry, err := s.GetJob(ctx, low.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if err := retry.Transition(job.StatusQueued, now); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	retry.RunAt = base.Add(2 * time.Hour)
	if err := s.UpdateJob(ctx, retry, retry.Version); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	now = base.Add(90 * time.Minute)
	if got := mustLease(t, s, id.NewWorkerID(), now, 24*time.Hour); got.ID.String() != later.ID.String() {
		t.Fatalf("lease = %s, want the due job %s", got.ID, later.ID)
	}
	if got, _ := s.LeaseJob(ctx, id.NewWorkerID(), now, time.Minute); got != nil {
		t.Fatalf("requeued job was leased before its retry time: %s", got.ID)
	}
	got := mustLease(t, s, id.NewWorkerID(), base.Add(3*time.Hour), time.Minute)
	if got.ID.String() != low.ID.String() || got.Attempt != 2 {
		t.Fatalf("lease = %s attempt %d, want %s attempt 2", got.ID, got.Attempt, low.ID)
	}
}

func testLeaseConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	const jobs = 50
	for i := range jobs {
		mustCreate(t, s, newJob("org", 0, base.Add(time.Duration(i)*time.Millisecond)))
	}

	var (
		mu     sync.Mutex
		leased = make(map[string]int)
		wg     sync.WaitGroup
	)
	now := base.Add(time.Minute)
	for range 8 {
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

func testLeaseExpiredTakeover(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newJob("org", 0, base)
	mustCreate(t, s, j)

	first := id.NewWorkerID()
	leased := mustLease(t, s, first, base, 10*time.Second)
	startedAt := *leased.StartedAt

	if got, _ := s.LeaseJob(ctx, id.NewWorkerID(), base.Add(5*time.Second), 10*time.Second); got != nil {
		t.Fatal("unexpired lease was handed out twice")
	}

	second := id.NewWorkerID()
	got := mustLease(t, s, second, base.Add(11*time.Second), 10*time.Second)
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

func testUpdateJobVersionConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newJob("org", 0, base)
	mustCreate(t, s, j)

	a, _ := s.GetJob(ctx, j.ID)
	b, _ := s.GetJob(ctx, j.ID)

	a.Priority = 7
	a.Output = []byte(`{"ok":true}`)
	if err := s.UpdateJob(ctx, a, a.Version); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != b.Version+1 {
		t.Errorf("Version = %d, want %d", a.Version, b.Version+1)
	}

	b.Priority = 3
	if err := s.UpdateJob(ctx, b, b.Version); !errors.Is(err, reckon.ErrVersionConflict) {
		t.Fatalf("stale update: err = %v, want ErrVersionConflict", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.Priority != 7 || string(got.Output) == "" {
		t.Errorf("priority=%d output=%s", got.Priority, got.Output)
	}

	ghost := newJob("org", 0, base)
	if err := s.UpdateJob(ctx, ghost, 0); !errors.Is(err, reckon.ErrJobNotFound) {
		t.Errorf("update missing job: err = %v, want ErrJobNotFound", err)
	}
}

func testHeartbeatAndProgress(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newJob("org", 0, base)
	mustCreate(t, s, j)
	w := id.NewWorkerID()
	mustLease(t, s, w, base, 10*time.Second)

	until := base.Add(40 * time.Second)
	status, err := s.HeartbeatJob(ctx, j.ID, w, until)
	if err != nil || status != job.StatusRunning {
		t.Fatalf("HeartbeatJob = %s, %v", status, err)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.LeaseExpiresAt == nil || !got.LeaseExpiresAt.Equal(until) {
		t.Errorf("LeaseExpiresAt = %v, want %v", got.LeaseExpiresAt, until)
	}

	if _, err := s.SetJobProgress(ctx, j.ID, w, 40, until); err != nil {
		t.Fatalf("SetJobProgress(40): %v", err)
	}
	if _, err := s.SetJobProgress(ctx, j.ID, w, 20, until); !errors.Is(err, reckon.ErrInvalidProgress) {
		t.Fatalf("SetJobProgress(20): err = %v, want ErrInvalidProgress", err)
	}
	if _, err := s.SetJobProgress(ctx, j.ID, w, 101, until); !errors.Is(err, reckon.ErrInvalidProgress) {
		t.Fatalf("SetJobProgress(101): err = %v, want ErrInvalidProgress", err)
	}
	if _, err := s.SetJobProgress(ctx, j.ID, id.NewWorkerID(), 90, until); !errors.Is(err, reckon.ErrLeaseLost) {
		t.Fatalf("foreign SetJobProgress: err = %v, want ErrLeaseLost", err)
	}
	if _, err := s.HeartbeatJob(ctx, id.NewJobID(), w, until); !errors.Is(err, reckon.ErrJobNotFound) && !errors.Is(err, reckon.ErrLeaseLost) {
		t.Fatalf("heartbeat missing job: err = %v", err)
	}

	got, _ = s.GetJob(ctx, j.ID)
	if got.Progress != 40 {
		t.Errorf("Progress = %d, want 40", got.Progress)
	}
}

func testAppendJobLog(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newJob("org", 0, base)
	mustCreate(t, s, j)

	for i, msg := range []string{"a", "b", "c"} {
		entry := job.LogEntry{At: base.Add(time.Duration(i) * time.Second), Message: msg}
		if err := s.AppendJobLog(ctx, j.ID, entry); err != nil {
			t.Fatalf("AppendJobLog: %v", err)
		}
	}
	got, _ := s.GetJob(ctx, j.ID)
	if len(got.Logs) != 3 || got.Logs[0].Message != "a" || got.Logs[2].Message != "c" {
		t.Errorf("Logs = %+v", got.Logs)
	}
	if !got.Logs[1].At.Equal(base.Add(time.Second)) {
		t.Errorf("log time = %v", got.Logs[1].At)
	}
	if err := s.AppendJobLog(ctx, id.NewJobID(), job.LogEntry{At: base, Message: "x"}); !errors.Is(err, reckon.ErrJobNotFound) {
		t.Errorf("append to missing job: err = %v", err)
	}
}

func testListJobs(t *testing.T, s store.Store) {
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

func testListExpiredJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newJob("org", 0, base)
	j.MaxAttempts = 1
	mustCreate(t, s, j)
	mustLease(t, s, id.NewWorkerID(), base, time.Second)

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
	if none, _ := s.ListExpiredJobs(ctx, base, 10); len(none) != 0 {
		t.Errorf("lease still held at base, got %d expired", len(none))
	}
}

func newRec(org string, createdAt time.Time) *reconcile.Reconciliation {
	period := reconcile.Period{Start: reconcile.NewDate(2024, 1, 1), End: reconcile.NewDate(2024, 1, 31)}
	return reconcile.NewReconciliation(org, "January", period, createdAt)
}

func testReconciliationRoundTrip(t *testing.T, s store.Store) {
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
	if got.Status != reconcile.StatusPending || !got.Period.Start.Equal(r.Period.Start) || !got.Period.End.Equal(r.Period.End) {
		t.Errorf("status=%s period=%v", got.Status, got.Period)
	}

	got.Matches = []reconcile.Match{
		{TransactionID: "tx-1", LedgerEntryID: "le-1", MatchType: reconcile.MatchExact, MatchScore: 1, Amount: decimal.RequireFromString("120.50"), CreatedAt: base},
		{TransactionID: "tx-2", MatchType: reconcile.MatchUnmatched, Amount: decimal.RequireFromString("9.99"), CreatedAt: base},
	}
	got.Summary = reconcile.Summarize(got.Matches)
	got.Status = reconcile.StatusCompleted
	done := base.Add(time.Minute)
	got.CompletedAt = &done
	expected := got.Version
	if err := s.UpdateReconciliation(ctx, got, expected); err != nil {
		t.Fatalf("UpdateReconciliation: %v", err)
	}
	if err := s.UpdateReconciliation(ctx, got, expected); !errors.Is(err, reckon.ErrVersionConflict) {
		t.Fatalf("stale update: err = %v, want ErrVersionConflict", err)
	}

	again, _ := s.GetReconciliation(ctx, r.ID)
	if again.Status != reconcile.StatusCompleted || again.Version != expected+1 {
		t.Errorf("status=%s version=%d", again.Status, again.Version)
	}
	if len(again.Matches) != 2 || again.Matches[0].LedgerEntryID != "le-1" || again.Matches[1].Matched() {
		t.Fatalf("matches = %+v", again.Matches)
	}
	if !again.Matches[0].Amount.Equal(decimal.RequireFromString("120.50")) {
		t.Errorf("amount = %s", again.Matches[0].Amount)
	}
	if again.TotalMatched != 1 || !again.UnmatchedAmount.Equal(decimal.RequireFromString("9.99")) {
		t.Errorf("summary = %+v", again.Summary)
	}
	if again.CompletedAt == nil || !again.CompletedAt.Equal(done) {
		t.Errorf("CompletedAt = %v", again.CompletedAt)
	}

	if _, err := s.GetReconciliation(ctx, id.NewReconciliationID()); !errors.Is(err, reckon.ErrReconciliationNotFound) {
		t.Fatalf("missing: err = %v", err)
	}
}

func testListReconciliations(t *testing.T, s store.Store) {
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

	completed, _ := s.ListReconciliations(ctx, "org", reconcile.ListOpts{Status: reconcile.StatusCompleted})
	if len(completed) != 0 {
		t.Errorf("expected no completed reconciliations, got %d", len(completed))
	}
	pending, _ := s.ListReconciliations(ctx, "org", reconcile.ListOpts{Status: reconcile.StatusPending})
	if len(pending) != 3 {
		t.Errorf("pending = %d, want 3", len(pending))
	}
}
