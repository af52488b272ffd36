package reconcile_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/backoff"
	"github.com/xraph/reckon/ext"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/queue"
	"github.com/xraph/reckon/reconcile"
	"github.com/xraph/reckon/scope"
	"github.com/xraph/reckon/store/memory"
)

const org = "org-1"

type harness struct {
	svc   *reconcile.Service
	q     *queue.Queue
	store *memory.Store
}

func newHarness(t *testing.T, opts ...reconcile.ServiceOption) *harness {
	t.Helper()
	s := memory.New()
	exts := ext.NewRegistry(nil)
	q := queue.New(s,
		queue.WithExtensions(exts),
		queue.WithBackoff(backoff.NewConstant(0)),
	)
	svc := reconcile.NewService(s, q, opts...)
	exts.Register(svc)
	return &harness{svc: svc, q: q, store: s}
}

func (h *harness) start(t *testing.T, req reconcile.StartRequest) *reconcile.StartResult {
	t.Helper()
	if req.Name == "" {
		req.Name = "January close"
	}
	if req.Period.Start.IsZero() {
		req.Period = january
	}
	res, err := h.svc.Start(context.Background(), org, req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return res
}

// execute leases the next job and runs the reconciliation handler on it.
func (h *harness) execute(t *testing.T) (*job.Job, json.RawMessage, error) {
	t.Helper()
	ctx := context.Background()
	w := id.NewWorkerID()
	j, err := h.q.Lease(ctx, w, 0)
	if err != nil || j == nil {
		t.Fatalf("Lease = %v, %v", j, err)
	}
	out, runErr := h.svc.Definition().Handler().Handle(scope.Restore(ctx, j.OrganizationID, ""), j.Input, job.NopReporter())
	if runErr != nil {
		if err := h.q.Fail(ctx, j.ID, w, runErr); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		return j, nil, runErr
	}
	if err := h.q.Complete(ctx, j.ID, w, out); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return j, out, nil
}

func inlineData() ([]reconcile.Transaction, []reconcile.LedgerEntry) {
	return []reconcile.Transaction{
			tx("t1", 5, "100", "Payment", "INV-1"),
			tx("t2", 8, "42.10", "Card fee", ""),
		}, []reconcile.LedgerEntry{
			le("l1", 6, "100", "Invoice", "INV-1"),
			le("l2", 20, "999", "Loan", ""),
		}
}

func TestStartAndRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txns, ledger := inlineData()

	started := h.start(t, reconcile.StartRequest{TriggeredBy: "user-1", Transactions: txns, LedgerEntries: ledger})
	if started.Status != reconcile.StatusPending || started.JobID.IsNil() {
		t.Fatalf("StartResult = %+v", started)
	}

	pending, err := h.svc.Status(ctx, org, started.ReconciliationID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if pending.Status != reconcile.StatusPending || pending.JobID.String() != started.JobID.String() {
		t.Errorf("pending = %+v", pending)
	}

	j, out, err := h.execute(t)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if j.Type != job.TypeReconciliation {
		t.Errorf("job type = %s", j.Type)
	}
	var jo reconcile.JobOutput
	if err := json.Unmarshal(out, &jo); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if jo.Status != reconcile.StatusCompleted || jo.Summary.TotalMatched != 1 || jo.Summary.TotalUnmatched != 1 {
		t.Errorf("output = %+v", jo)
	}

	status, _ := h.svc.Status(ctx, org, started.ReconciliationID)
	if status.Status != reconcile.StatusCompleted || status.Matches != nil || status.CompletedAt == nil {
		t.Errorf("status = %+v", status)
	}
	if !status.UnmatchedAmount.Equal(amt("42.10")) {
		t.Errorf("UnmatchedAmount = %s", status.UnmatchedAmount)
	}

	results, _ := h.svc.Results(ctx, org, started.ReconciliationID)
	if len(results.Matches) != 2 || results.Matches[0].MatchType != reconcile.MatchExact {
		t.Fatalf("matches = %+v", results.Matches)
	}
	if results.Matches[0].CreatedAt.IsZero() {
		t.Error("stored matches should carry a creation time")
	}

	finished, _ := h.q.Get(ctx, org, started.JobID)
	if finished.Status != job.StatusCompleted || finished.Progress != 100 {
		t.Errorf("job status=%s progress=%d", finished.Status, finished.Progress)
	}
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txns, ledger := inlineData()

	tests := []struct {
		name    string
		orgID   string
		req     reconcile.StartRequest
		wantErr error
	}{
		{"missing org", "", reconcile.StartRequest{Name: "x", Period: january, Transactions: txns}, reckon.ErrValidation},
		{"missing name", org, reconcile.StartRequest{Period: january, Transactions: txns}, reckon.ErrValidation},
		{"reversed period", org, reconcile.StartRequest{Name: "x", Period: reconcile.Period{Start: day(20), End: day(1)}, Transactions: txns}, reckon.ErrInvalidPeriod},
		{"missing period", org, reconcile.StartRequest{Name: "x", LedgerEntries: ledger}, reckon.ErrValidation},
		{"no data and no source", org, reconcile.StartRequest{Name: "x", Period: january}, reckon.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.Start(ctx, tt.orgID, tt.req); !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	recs, _ := h.svc.List(ctx, org, reconcile.ListOpts{})
	if len(recs) != 0 {
		t.Errorf("rejected starts created %d reconciliations", len(recs))
	}
	if j, _ := h.q.Lease(ctx, id.NewWorkerID(), 0); j != nil {
		t.Error("rejected starts enqueued a job")
	}
}

func TestInvalidPeriodIsAlsoValidationError(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Start(context.Background(), org, reconcile.StartRequest{
		Name:         "x",
		Period:       reconcile.Period{Start: day(20), End: day(1)},
		Transactions: []reconcile.Transaction{},
	})
	if !errors.Is(err, reckon.ErrValidation) || !errors.Is(err, reckon.ErrInvalidPeriod) {
		t.Fatalf("err = %v, want both ErrValidation and ErrInvalidPeriod", err)
	}
}

func TestRunFromSource(t *testing.T) {
	txns, ledger := inlineData()
	var gotOrg string
	var gotPeriod reconcile.Period
	src := reconcile.SourceFunc(func(_ context.Context, orgID string, p reconcile.Period) ([]reconcile.Transaction, []reconcile.LedgerEntry, error) {
		gotOrg, gotPeriod = orgID, p
		return txns, ledger, nil
	})
	h := newHarness(t, reconcile.WithSource(src))

	started := h.start(t, reconcile.StartRequest{})
	if _, _, err := h.execute(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotOrg != org || gotPeriod != january {
		t.Errorf("source called with %q %v", gotOrg, gotPeriod)
	}
	rec, _ := h.svc.Results(context.Background(), org, started.ReconciliationID)
	if rec.Status != reconcile.StatusCompleted || rec.TotalMatched != 1 {
		t.Errorf("rec = %+v", rec)
	}
}

func TestInlineEmptyDataSkipsSource(t *testing.T) {
	tests := []struct {
		name   string
		source bool
	}{
		{"no source configured", false},
		{"source configured", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []reconcile.ServiceOption
			sourceCalls := 0
			if tt.source {
				txns, ledger := inlineData()
				opts = append(opts, reconcile.WithSource(reconcile.SourceFunc(func(context.Context, string, reconcile.Period) ([]reconcile.Transaction, []reconcile.LedgerEntry, error) {
					sourceCalls++
					return txns, ledger, nil
				})))
			}
			h := newHarness(t, opts...)

			started := h.start(t, reconcile.StartRequest{
				Transactions:  []reconcile.Transaction{},
				LedgerEntries: []reconcile.LedgerEntry{},
			})
			if _, _, err := h.execute(t); err != nil {
				t.Fatalf("run: %v", err)
			}
			if sourceCalls != 0 {
				t.Errorf("source called %d times for inline data", sourceCalls)
			}

			rec, err := h.svc.Results(context.Background(), org, started.ReconciliationID)
			if err != nil {
				t.Fatalf("Results: %v", err)
			}
			if rec.Status != reconcile.StatusCompleted {
				t.Fatalf("status = %s (%s), want COMPLETED", rec.Status, rec.Error)
			}
			if rec.TotalMatched != 0 || rec.TotalUnmatched != 0 || !rec.MatchedAmount.IsZero() || len(rec.Matches) != 0 {
				t.Errorf("expected empty result, got %+v", rec)
			}
		})
	}
}

func TestSourceErrorsAreTransient(t *testing.T) {
	calls := 0
	src := reconcile.SourceFunc(func(context.Context, string, reconcile.Period) ([]reconcile.Transaction, []reconcile.LedgerEntry, error) {
		calls++
		if calls == 1 {
			return nil, nil, errors.New("bank feed timeout")
		}
		return nil, nil, nil
	})
	h := newHarness(t, reconcile.WithSource(src))
	started := h.start(t, reconcile.StartRequest{})

	_, _, err := h.execute(t)
	if !reckon.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	rec, _ := h.svc.Status(context.Background(), org, started.ReconciliationID)
	if rec.Status != reconcile.StatusInProgress {
		t.Fatalf("status after transient failure = %s, want IN_PROGRESS", rec.Status)
	}

	if _, _, err := h.execute(t); err != nil {
		t.Fatalf("retry: %v", err)
	}
	rec, _ = h.svc.Status(context.Background(), org, started.ReconciliationID)
	if rec.Status != reconcile.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", rec.Status)
	}
}

func TestFatalSourceErrorFailsReconciliation(t *testing.T) {
	src := reconcile.SourceFunc(func(context.Context, string, reconcile.Period) ([]reconcile.Transaction, []reconcile.LedgerEntry, error) {
		return nil, nil, reckon.Fatal(errors.New("account closed"))
	})
	h := newHarness(t, reconcile.WithSource(src))
	started := h.start(t, reconcile.StartRequest{})

	if _, _, err := h.execute(t); !reckon.IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
	rec, _ := h.svc.Status(context.Background(), org, started.ReconciliationID)
	if rec.Status != reconcile.StatusFailed || rec.Error == "" {
		t.Errorf("status=%s error=%q", rec.Status, rec.Error)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txns, ledger := inlineData()
	started := h.start(t, reconcile.StartRequest{Transactions: txns, LedgerEntries: ledger})

	j, first, err := h.execute(t)
	if err != nil {
		t.Fatal(err)
	}
	before, _ := h.svc.Results(ctx, org, started.ReconciliationID)

	again, err := h.svc.Definition().Handler().Handle(ctx, j.Input, job.NopReporter())
	if err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if string(again) != string(first) {
		t.Errorf("re-run output %s, want %s", again, first)
	}
	after, _ := h.svc.Results(ctx, org, started.ReconciliationID)
	if after.Version != before.Version {
		t.Error("re-running a completed reconciliation must not write")
	}
}

func TestRunRejectsForeignScope(t *testing.T) {
	h := newHarness(t)
	txns, ledger := inlineData()
	h.start(t, reconcile.StartRequest{Transactions: txns, LedgerEntries: ledger})

	j, err := h.q.Lease(context.Background(), id.NewWorkerID(), 0)
	if err != nil || j == nil {
		t.Fatal("expected a job")
	}
	ctx := scope.Restore(context.Background(), "org-other", "")
	if _, err := h.svc.Definition().Handler().Handle(ctx, j.Input, job.NopReporter()); !reckon.IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
}

func TestRunMissingReconciliation(t *testing.T) {
	h := newHarness(t)
	input, _ := json.Marshal(reconcile.JobInput{ReconciliationID: id.NewReconciliationID(), Period: january})
	_, err := h.svc.Definition().Handler().Handle(context.Background(), input, job.NopReporter())
	if !reckon.IsFatal(err) || !errors.Is(err, reckon.ErrReconciliationNotFound) {
		t.Fatalf("err = %v, want fatal ErrReconciliationNotFound", err)
	}
}

func TestCancelledJobFailsReconciliation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txns, ledger := inlineData()
	started := h.start(t, reconcile.StartRequest{Transactions: txns, LedgerEntries: ledger})

	if _, err := h.q.Cancel(ctx, org, started.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	rec, _ := h.svc.Status(ctx, org, started.ReconciliationID)
	if rec.Status != reconcile.StatusFailed || rec.Error != job.CancelledMessage {
		t.Errorf("status=%s error=%q", rec.Status, rec.Error)
	}
}

func TestOnJobFailedIgnoresOtherTypes(t *testing.T) {
	h := newHarness(t)
	j := &job.Job{ID: id.NewJobID(), Type: job.TypeOCR, Input: json.RawMessage(`not json`)}
	if err := h.svc.OnJobFailed(context.Background(), j, errors.New("x")); err != nil {
		t.Errorf("OnJobFailed on OCR job: %v", err)
	}
}

func TestScopedReads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txns, _ := inlineData()
	started := h.start(t, reconcile.StartRequest{Transactions: txns})

	if _, err := h.svc.Status(ctx, "org-2", started.ReconciliationID); !errors.Is(err, reckon.ErrReconciliationNotFound) {
		t.Errorf("Status: err = %v", err)
	}
	if _, err := h.svc.Results(ctx, "org-2", started.ReconciliationID); !errors.Is(err, reckon.ErrReconciliationNotFound) {
		t.Errorf("Results: err = %v", err)
	}
	if recs, _ := h.svc.List(ctx, "org-2", reconcile.ListOpts{}); len(recs) != 0 {
		t.Errorf("List for org-2 returned %d", len(recs))
	}
	recs, _ := h.svc.List(ctx, org, reconcile.ListOpts{})
	if len(recs) != 1 || recs[0].Matches != nil {
		t.Errorf("List = %+v", recs)
	}
}

func TestManualMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txns, ledger := inlineData()
	started := h.start(t, reconcile.StartRequest{Transactions: txns, LedgerEntries: ledger})
	recID := started.ReconciliationID

	if _, err := h.svc.ManualMatch(ctx, org, recID, "t2", "l2"); !errors.Is(err, reckon.ErrInvalidState) {
		t.Fatalf("ManualMatch before completion: err = %v, want ErrInvalidState", err)
	}
	if _, _, err := h.execute(t); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		txn    string
		ledger string
	}{
		{"ledger already used", "t2", "l1"},
		{"transaction already matched", "t1", "l2"},
		{"unknown transaction", "t9", "l2"},
		{"missing ledger id", "t2", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.ManualMatch(ctx, org, recID, tt.txn, tt.ledger); !errors.Is(err, reckon.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}

	rec, err := h.svc.ManualMatch(ctx, org, recID, "t2", "l2")
	if err != nil {
		t.Fatalf("ManualMatch: %v", err)
	}
	m := rec.Matches[1]
	if m.MatchType != reconcile.MatchManual || m.LedgerEntryID != "l2" || m.MatchScore != 1 {
		t.Errorf("match = %+v", m)
	}
	if rec.TotalMatched != 2 || rec.TotalUnmatched != 0 || !rec.MatchedAmount.Equal(amt("142.10")) {
		t.Errorf("summary = %+v", rec.Summary)
	}

	if _, err := h.svc.ManualMatch(ctx, "org-2", recID, "t2", "l2"); !errors.Is(err, reckon.ErrReconciliationNotFound) {
		t.Errorf("foreign ManualMatch: err = %v", err)
	}
}

func TestStartFailsRecordWhenEnqueueFails(t *testing.T) {
	s := memory.New()
	reg := job.NewRegistry()
	// No RECONCILIATION handler registered, so Submit rejects the job.
	q := queue.New(s, queue.WithRegistry(reg))
	svc := reconcile.NewService(s, q, reconcile.WithClock(func() time.Time {
		return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	}))

	_, err := svc.Start(context.Background(), org, reconcile.StartRequest{
		Name: "x", Period: january, Transactions: []reconcile.Transaction{},
	})
	if !errors.Is(err, reckon.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	recs, _ := svc.List(context.Background(), org, reconcile.ListOpts{})
	if len(recs) != 1 || recs[0].Status != reconcile.StatusFailed {
		t.Fatalf("recs = %+v", recs)
	}
}
