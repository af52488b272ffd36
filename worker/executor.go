// Package worker runs leased jobs. An Executor invokes registered handlers
// through middleware and records the outcome through the queue; a Pool
// owns the worker slots that lease jobs, the stall watchdog and the
// expired-lease reaper.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/ext"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/middleware"
	"github.com/xraph/reckon/queue"
)

// Executor runs one job through middleware and its registered handler.
type Executor struct {
	registry   *job.Registry
	queue      *queue.Queue
	extensions *ext.Registry
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor. Middleware run in the given order, the
// first being the outermost.
func NewExecutor(
	registry *job.Registry,
	q *queue.Queue,
	extensions *ext.Registry,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if extensions == nil {
		extensions = ext.NewRegistry(logger)
	}
	return &Executor{
		registry:   registry,
		queue:      q,
		extensions: extensions,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Run invokes the handler for j and returns its output. It does not touch
// the job record.
func (e *Executor) Run(ctx context.Context, j *job.Job, r job.Reporter) (json.RawMessage, error) {
	handler, ok := e.registry.Get(j.Type)
	if !ok {
		return nil, reckon.Fatal(fmt.Errorf("%w for %s", reckon.ErrNoHandler, j.Type))
	}

	e.extensions.EmitJobStarted(ctx, j)

	var out json.RawMessage
	err := e.mw(ctx, j, func(ctx context.Context) error {
		var herr error
		out, herr = handler.Handle(ctx, j.Input, r)
		return herr
	})
	return out, err
}

// Finish records the result of a run. A handler error is passed to
// Queue.Fail, which retries transient errors and fails everything else. A
// lost lease discards the result.
func (e *Executor) Finish(ctx context.Context, j *job.Job, workerID id.WorkerID, out json.RawMessage, runErr error) error {
	if errors.Is(runErr, reckon.ErrLeaseLost) {
		e.leaseLost(ctx, j, workerID, runErr)
		return nil
	}

	var err error
	if runErr == nil {
		err = e.queue.Complete(ctx, j.ID, workerID, out)
	} else {
		err = e.queue.Fail(ctx, j.ID, workerID, runErr)
	}
	if errors.Is(err, reckon.ErrLeaseLost) {
		e.leaseLost(ctx, j, workerID, err)
		return nil
	}
	if err != nil {
		e.logger.Error("failed to record job result",
			slog.String("job_id", j.ID.String()),
			slog.String("worker_id", workerID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Execute runs j and records the result.
func (e *Executor) Execute(ctx context.Context, j *job.Job, workerID id.WorkerID, r job.Reporter) error {
	out, runErr := e.Run(ctx, j, r)
	return e.Finish(ctx, j, workerID, out, runErr)
}

func (e *Executor) leaseLost(ctx context.Context, j *job.Job, workerID id.WorkerID, reason error) {
	e.logger.Warn("lease lost; discarding result",
		slog.String("job_id", j.ID.String()),
		slog.String("worker_id", workerID.String()),
		slog.String("reason", reason.Error()),
	)
	e.extensions.EmitLeaseLost(ctx, j.ID, workerID, reason)
}
