package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/engine"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/queue"
	"github.com/xraph/reckon/reconcile"
	"github.com/xraph/reckon/scope"
	"github.com/xraph/reckon/store/memory"
	"github.com/xraph/reckon/tasks"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func fastConfig() reckon.Config {
	cfg := reckon.DefaultConfig()
	cfg.Concurrency = 2
	cfg.PollInterval = 5 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ReapInterval = 50 * time.Millisecond
	cfg.VisibilityTimeout = 2 * time.Second
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	return cfg
}

func newEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()
	s := memory.New()
	eng, err := engine.New(s, append([]engine.Option{engine.WithConfig(fastConfig())}, opts...)...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng, s
}

func start(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
}

func waitJob(t *testing.T, s *memory.Store, jobID id.JobID, status job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		j, err := s.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if j.Status == status {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; job is %s (%s)", status, j.Status, j.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type lifecycleTracker struct {
	submitted atomic.Int32
	started   atomic.Int32
	completed atomic.Int32
	failed    atomic.Int32
	retrying  atomic.Int32
	shutdown  atomic.Bool
}

func (l *lifecycleTracker) Name() string { return "lifecycle-tracker" }

func (l *lifecycleTracker) OnJobSubmitted(context.Context, *job.Job) error {
	l.submitted.Add(1)
	return nil
}

func (l *lifecycleTracker) OnJobStarted(context.Context, *job.Job) error {
	l.started.Add(1)
	return nil
}

func (l *lifecycleTracker) OnJobCompleted(context.Context, *job.Job, time.Duration) error {
	l.completed.Add(1)
	return nil
}

func (l *lifecycleTracker) OnJobFailed(context.Context, *job.Job, error) error {
	l.failed.Add(1)
	return nil
}

func (l *lifecycleTracker) OnJobRetrying(context.Context, *job.Job, int, time.Time) error {
	l.retrying.Add(1)
	return nil
}

func (l *lifecycleTracker) OnShutdown(context.Context) error {
	l.shutdown.Store(true)
	return nil
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestEngine_NewNoStore(t *testing.T) {
	if _, err := engine.New(nil); !errors.Is(err, reckon.ErrNoStore) {
		t.Fatalf("err = %v, want ErrNoStore", err)
	}
}

func TestEngine_ReconciliationEndToEnd(t *testing.T) {
	eng, s := newEngine(t)
	start(t, eng)

	d := reconcile.NewDate
	res, err := eng.Reconciler().Start(context.Background(), "org-1", reconcile.StartRequest{
		Name:   "March",
		Period: reconcile.Period{Start: d(2024, 3, 1), End: d(2024, 3, 31)},
		Transactions: []reconcile.Transaction{
			{ID: "t1", Date: d(2024, 3, 5), Amount: amount("250.00"), Direction: reconcile.Debit, Description: "Office rent"},
			{ID: "t2", Date: d(2024, 3, 9), Amount: amount("99.00"), Direction: reconcile.Credit, Description: "Refund"},
		},
		LedgerEntries: []reconcile.LedgerEntry{
			{ID: "l1", Date: d(2024, 3, 6), Amount: amount("250.00"), Direction: reconcile.Debit, Description: "Rent March"},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	j := waitJob(t, s, res.JobID, job.StatusCompleted)
	var out reconcile.JobOutput
	if err := json.Unmarshal(j.Output, &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != reconcile.StatusCompleted || out.Summary.TotalMatched != 1 || out.Summary.TotalUnmatched != 1 {
		t.Errorf("output = %+v", out)
	}

	rec, err := eng.Reconciler().Results(context.Background(), "org-1", res.ReconciliationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Matches) != 2 || rec.Matches[0].MatchType != reconcile.MatchExact || rec.Matches[1].MatchType != reconcile.MatchUnmatched {
		t.Errorf("matches = %+v", rec.Matches)
	}
	if !rec.MatchedAmount.Equal(amount("250")) || !rec.UnmatchedAmount.Equal(amount("99")) {
		t.Errorf("amounts = %s / %s", rec.MatchedAmount, rec.UnmatchedAmount)
	}
}

func TestEngine_ReconciliationFailurePropagates(t *testing.T) {
	src := reconcile.SourceFunc(func(context.Context, string, reconcile.Period) ([]reconcile.Transaction, []reconcile.LedgerEntry, error) {
		return nil, nil, reckon.Fatal(errors.New("bank feed revoked"))
	})
	eng, s := newEngine(t, engine.WithReconcileOptions(reconcile.WithSource(src)))
	start(t, eng)

	d := reconcile.NewDate
	res, err := eng.Reconciler().Start(context.Background(), "org-1", reconcile.StartRequest{
		Name:   "April",
		Period: reconcile.Period{Start: d(2024, 4, 1), End: d(2024, 4, 30)},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitJob(t, s, res.JobID, job.StatusFailed)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := eng.Reconciler().Status(context.Background(), "org-1", res.ReconciliationID)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status == reconcile.StatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reconciliation status = %s, want FAILED", rec.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngine_RegisteredTaskRuns(t *testing.T) {
	eng, s := newEngine(t)
	if err := engine.Register(eng, tasks.NewCategorizer(nil).Definition()); err != nil {
		t.Fatal(err)
	}
	start(t, eng)

	j, err := eng.Submit(context.Background(), queue.SubmitRequest{
		Type:           job.TypeCategorization,
		OrganizationID: "org-1",
		Input:          json.RawMessage(`{"transactions":[{"id":"t1","description":"UBER trip"}]}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	done := waitJob(t, s, j.ID, job.StatusCompleted)

	var out tasks.CategorizationOutput
	if err := json.Unmarshal(done.Output, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 1 || out.Results[0].Category != tasks.CategoryTravel {
		t.Errorf("output = %s", done.Output)
	}
}

func TestEngine_SubmitValidatesAgainstSchema(t *testing.T) {
	eng, _ := newEngine(t)
	_, err := eng.Submit(context.Background(), queue.SubmitRequest{
		Type:           job.TypeReconciliation,
		OrganizationID: "org-1",
		Input:          json.RawMessage(`{"period":{}}`),
	})
	if !errors.Is(err, reckon.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestEngine_ExtensionLifecycleEvents(t *testing.T) {
	tracker := &lifecycleTracker{}
	var calls atomic.Int32
	eng, s := newEngine(t, engine.WithExtension(tracker))
	def := job.NewDefinition(job.TypeOCR, func(context.Context, struct{}, job.Reporter) (struct{}, error) {
		if calls.Add(1) == 1 {
			return struct{}{}, reckon.Transient(errors.New("busy"))
		}
		return struct{}{}, nil
	})
	if err := engine.Register(eng, def); err != nil {
		t.Fatal(err)
	}

	j, err := eng.Submit(context.Background(), queue.SubmitRequest{Type: job.TypeOCR, OrganizationID: "org-1"})
	if err != nil {
		t.Fatal(err)
	}
	if tracker.submitted.Load() != 1 {
		t.Errorf("submitted = %d, want 1", tracker.submitted.Load())
	}
	start(t, eng)
	done := waitJob(t, s, j.ID, job.StatusCompleted)
	if done.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", done.Attempt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if tracker.started.Load() != 2 || tracker.retrying.Load() != 1 || tracker.completed.Load() != 1 {
		t.Errorf("started=%d retrying=%d completed=%d",
			tracker.started.Load(), tracker.retrying.Load(), tracker.completed.Load())
	}
	if !tracker.shutdown.Load() {
		t.Error("expected OnShutdown on stop")
	}
}

func TestEngine_ScopePassthrough(t *testing.T) {
	eng, s := newEngine(t)
	var org, actor atomic.Value
	def := job.NewDefinition(job.TypeCompliance, func(ctx context.Context, _ struct{}, _ job.Reporter) (struct{}, error) {
		org.Store(scope.OrganizationID(ctx))
		actor.Store(scope.ActorID(ctx))
		return struct{}{}, nil
	})
	if err := engine.Register(eng, def); err != nil {
		t.Fatal(err)
	}
	start(t, eng)

	j, err := eng.Submit(context.Background(), queue.SubmitRequest{
		Type: job.TypeCompliance, OrganizationID: "org-7", TriggeredBy: "user-3",
	})
	if err != nil {
		t.Fatal(err)
	}
	waitJob(t, s, j.ID, job.StatusCompleted)
	if org.Load() != "org-7" || actor.Load() != "user-3" {
		t.Errorf("scope = %v/%v", org.Load(), actor.Load())
	}
}

func TestEngine_TimeoutIsTransient(t *testing.T) {
	eng, s := newEngine(t, engine.WithTimeouts(map[job.Type]time.Duration{job.TypeReporting: 20 * time.Millisecond}))
	def := job.NewDefinition(job.TypeReporting, func(ctx context.Context, _ struct{}, _ job.Reporter) (struct{}, error) {
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	})
	if err := engine.Register(eng, def); err != nil {
		t.Fatal(err)
	}
	start(t, eng)

	j, err := eng.Submit(context.Background(), queue.SubmitRequest{Type: job.TypeReporting, OrganizationID: "org-1", MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}
	failed := waitJob(t, s, j.ID, job.StatusFailed)
	if failed.Attempt != 2 || len(failed.Logs) != 2 {
		t.Errorf("attempt=%d logs=%d, want a retry before failing", failed.Attempt, len(failed.Logs))
	}
}

func TestEngine_Limits(t *testing.T) {
	eng, _ := newEngine(t)
	if eng.Limiter() != nil {
		t.Error("limiter should be nil without limits")
	}
	eng, _ = newEngine(t,
		engine.WithTypeLimits(queue.TypeConfig{Type: job.TypeOCR, MaxConcurrency: 1}),
		engine.WithOrgLimits(queue.OrgConfig{OrganizationID: "org-1", MaxConcurrency: 2}),
	)
	l := eng.Limiter()
	if l == nil {
		t.Fatal("limiter not built")
	}
	if !l.Acquire(job.TypeOCR, "org-1") || l.Acquire(job.TypeOCR, "org-1") {
		t.Error("type limit not applied")
	}
	if !l.Acquire(job.TypeCompliance, "org-1") || l.Acquire(job.TypeCompliance, "org-1") {
		t.Error("org limit not applied")
	}
}

func TestEngine_MeterProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	eng, s := newEngine(t, engine.WithMeterProvider(mp))
	if err := engine.Register(eng, tasks.NewComplianceChecker(tasks.ComplianceRules{}).Definition()); err != nil {
		t.Fatal(err)
	}
	start(t, eng)

	j, err := eng.Submit(context.Background(), queue.SubmitRequest{
		Type: job.TypeCompliance, OrganizationID: "org-1", Input: json.RawMessage(`{"transactions":[]}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	waitJob(t, s, j.ID, job.StatusCompleted)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			seen[m.Name] = true
		}
	}
	for _, name := range []string{"reckon.job.executions", "reckon.job.duration", "reckon.job.submitted", "reckon.job.completed"} {
		if !seen[name] {
			t.Errorf("metric %q not recorded; got %v", name, seen)
		}
	}
}

func TestEngine_GracefulShutdown(t *testing.T) {
	eng, s := newEngine(t)
	var finished atomic.Bool
	def := job.NewDefinition(job.TypeOCR, func(context.Context, struct{}, job.Reporter) (struct{}, error) {
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return struct{}{}, nil
	})
	if err := engine.Register(eng, def); err != nil {
		t.Fatal(err)
	}
	j, err := eng.Submit(context.Background(), queue.SubmitRequest{Type: job.TypeOCR, OrganizationID: "org-1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitJob(t, s, j.ID, job.StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if !finished.Load() {
		t.Error("Stop returned before the running job finished")
	}
	waitJob(t, s, j.ID, job.StatusCompleted)
}
