package ext_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xraph/reckon/ext"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnJobSubmitted(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobSubmitted")
	return nil
}

func (e *allHooksExt) OnJobStarted(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobStarted")
	return nil
}

func (e *allHooksExt) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.calls = append(e.calls, "OnJobCompleted")
	return nil
}

func (e *allHooksExt) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	e.calls = append(e.calls, "OnJobFailed")
	return nil
}

func (e *allHooksExt) OnJobRetrying(_ context.Context, _ *job.Job, _ int, _ time.Time) error {
	e.calls = append(e.calls, "OnJobRetrying")
	return nil
}

func (e *allHooksExt) OnJobCancelRequested(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobCancelRequested")
	return nil
}

func (e *allHooksExt) OnLeaseLost(_ context.Context, _ id.JobID, _ id.WorkerID, _ error) error {
	e.calls = append(e.calls, "OnLeaseLost")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// submitOnlyExt only implements two hooks.
type submitOnlyExt struct {
	calls []string
}

func (e *submitOnlyExt) Name() string { return "submit-only" }

func (e *submitOnlyExt) OnJobSubmitted(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobSubmitted")
	return nil
}

func (e *submitOnlyExt) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.calls = append(e.calls, "OnJobCompleted")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnJobSubmitted(_ context.Context, _ *job.Job) error {
	return errors.New("boom")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	so := &submitOnlyExt{}
	r.Register(all)
	r.Register(so)

	ctx := context.Background()
	j := &job.Job{ID: id.NewJobID(), Type: job.TypeOCR}

	r.EmitJobSubmitted(ctx, j)
	if len(all.calls) != 1 || len(so.calls) != 1 {
		t.Fatalf("expected both called once, got all=%v so=%v", all.calls, so.calls)
	}

	r.EmitJobStarted(ctx, j)
	if len(all.calls) != 2 || all.calls[1] != "OnJobStarted" {
		t.Fatalf("all: expected OnJobStarted as 2nd, got %v", all.calls)
	}
	if len(so.calls) != 1 {
		t.Fatalf("submit-only should still have 1 call, got %v", so.calls)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	j := &job.Job{ID: id.NewJobID(), Type: job.TypeReconciliation}

	r.EmitJobSubmitted(ctx, j)
	r.EmitJobStarted(ctx, j)
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobFailed(ctx, j, errors.New("fail"))
	r.EmitJobRetrying(ctx, j, 1, time.Now())
	r.EmitJobCancelRequested(ctx, j)
	r.EmitLeaseLost(ctx, j.ID, id.NewWorkerID(), errors.New("stalled"))
	r.EmitShutdown(ctx)

	expected := []string{
		"OnJobSubmitted", "OnJobStarted", "OnJobCompleted", "OnJobFailed",
		"OnJobRetrying", "OnJobCancelRequested", "OnLeaseLost", "OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorIsLoggedNotPropagated(t *testing.T) {
	var buf bytes.Buffer
	r := ext.NewRegistry(slog.New(slog.NewTextHandler(&buf, nil)))
	after := &submitOnlyExt{}
	r.Register(&failingExt{})
	r.Register(after)

	r.EmitJobSubmitted(context.Background(), &job.Job{})

	if len(after.calls) != 1 {
		t.Fatalf("extension after a failing one must still run, got %v", after.calls)
	}
	if !strings.Contains(buf.String(), "extension hook error") || !strings.Contains(buf.String(), "failing") {
		t.Errorf("expected hook error to be logged, got %q", buf.String())
	}
}

func TestRegistry_EmitWithNoExtensions(t *testing.T) {
	r := ext.NewRegistry(nil)
	ctx := context.Background()
	r.EmitJobSubmitted(ctx, &job.Job{})
	r.EmitShutdown(ctx)
	if len(r.Extensions()) != 0 {
		t.Fatal("expected no extensions")
	}
}
