package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/ext"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/queue"
)

// Limiter gates execution of leased jobs. The pool calls Acquire before
// running a job and Release afterwards. *queue.Limiter implements it.
type Limiter interface {
	Acquire(t job.Type, orgID string) bool
	Release(t job.Type, orgID string)
}

// Pool runs a fixed number of worker slots. Each slot has its own worker
// ID and runs at most one job at a time.
type Pool struct {
	queue      *queue.Queue
	executor   *Executor
	extensions *ext.Registry
	logger     *slog.Logger

	concurrency       int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	reapInterval      time.Duration
	limiter           Limiter

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	activeMu sync.Mutex
	active   map[*execution]struct{}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker slots.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how long an idle slot waits before polling again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithHeartbeatInterval sets how often the watchdog checks executions for
// missing heartbeats. Zero disables the watchdog.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithReapInterval sets how often expired leases are resolved. Zero
// disables the reaper.
func WithReapInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.reapInterval = d }
}

// WithLimiter sets per-type and per-organization execution limits.
func WithLimiter(l Limiter) PoolOption {
	return func(p *Pool) { p.limiter = l }
}

// NewPool creates a worker pool.
func NewPool(
	q *queue.Queue,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	cfg := reckon.DefaultConfig()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		queue:             q,
		executor:          executor,
		extensions:        extensions,
		logger:            logger,
		concurrency:       cfg.Concurrency,
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		reapInterval:      cfg.ReapInterval,
		stopCh:            make(chan struct{}),
		active:            make(map[*execution]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.extensions == nil {
		p.extensions = ext.NewRegistry(logger)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	return p
}

// Start launches the worker slots and background loops. It returns
// immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.Int("concurrency", p.concurrency),
		slog.Duration("visibility_timeout", p.queue.VisibilityTimeout()),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.slotLoop(id.NewWorkerID())
	}
	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.watchdogLoop()
	}
	if p.reapInterval > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}
	return nil
}

// Stop signals all slots to stop and waits for running jobs to finish. If
// ctx ends first, running jobs are abandoned and handed back to the queue.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, abandoning running jobs")
		p.abandonAll()
		<-done
	}
	return nil
}

// Active returns the number of jobs currently executing.
func (p *Pool) Active() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

// slotLoop is run by each worker slot.
func (p *Pool) slotLoop(workerID id.WorkerID) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.queue.Lease(context.Background(), workerID, 0)
		if err != nil {
			p.logger.Error("lease error",
				slog.String("worker_id", workerID.String()),
				slog.String("error", err.Error()),
			)
			p.sleep()
			continue
		}
		if j == nil {
			p.sleep()
			continue
		}

		if p.limiter != nil && !p.limiter.Acquire(j.Type, j.OrganizationID) {
			if err := p.queue.Release(context.Background(), j.ID, workerID, p.pollInterval); err != nil {
				p.logger.Error("failed to release rate-limited job",
					slog.String("job_id", j.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			p.sleep()
			continue
		}

		p.run(j, workerID)

		if p.limiter != nil {
			p.limiter.Release(j.Type, j.OrganizationID)
		}
	}
}

type result struct {
	out json.RawMessage
	err error
}

// run executes one leased job and waits for it to finish or be abandoned.
func (p *Pool) run(j *job.Job, workerID id.WorkerID) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := newExecution(j, workerID, cancel)
	p.track(exec)
	defer p.untrack(exec)

	rep := &reporter{queue: p.queue, exec: exec, logger: p.logger}
	done := make(chan result, 1)
	go func() {
		out, err := p.executor.Run(ctx, j, rep)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if exec.isAbandoned() {
			return
		}
		_ = p.executor.Finish(context.Background(), j, workerID, r.out, r.err)
	case <-exec.abandoned:
		// Whatever the handler returns later is dropped.
	}
}

// ──────────────────────────────────────────────────
// Watchdog
// ──────────────────────────────────────────────────

// watchdogLoop abandons executions whose last heartbeat is older than the
// visibility timeout. Their lease has expired, so another worker may
// already own the job.
func (p *Pool) watchdogLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkStalled(time.Now())
		}
	}
}

func (p *Pool) checkStalled(now time.Time) {
	visibility := p.queue.VisibilityTimeout()
	for _, exec := range p.snapshot() {
		silent := now.Sub(exec.lastBeat())
		if silent <= visibility {
			continue
		}
		if !exec.abandon() {
			continue
		}
		reason := fmt.Errorf("%w: no heartbeat for %s", reckon.ErrLeaseExpired, silent.Round(time.Millisecond))
		p.logger.Warn("execution stalled; abandoning",
			slog.String("job_id", exec.job.ID.String()),
			slog.String("job_type", string(exec.job.Type)),
			slog.String("worker_id", exec.workerID.String()),
			slog.Duration("silent", silent),
		)
		p.extensions.EmitLeaseLost(context.Background(), exec.job.ID, exec.workerID, reason)
	}
}

// abandonAll gives up on every running execution at shutdown and returns
// the jobs to the queue without counting the attempt.
func (p *Pool) abandonAll() {
	for _, exec := range p.snapshot() {
		if !exec.abandon() {
			continue
		}
		p.logger.Warn("abandoning running job at shutdown",
			slog.String("job_id", exec.job.ID.String()),
			slog.String("worker_id", exec.workerID.String()),
		)
		if err := p.queue.Release(context.Background(), exec.job.ID, exec.workerID, 0); err != nil {
			p.logger.Warn("failed to release abandoned job",
				slog.String("job_id", exec.job.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ──────────────────────────────────────────────────
// Reaper
// ──────────────────────────────────────────────────

func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.queue.Reap(context.Background()); err != nil {
				p.logger.Error("reap expired leases", slog.String("error", err.Error()))
			}
		}
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) track(e *execution) {
	p.activeMu.Lock()
	p.active[e] = struct{}{}
	p.activeMu.Unlock()
}

func (p *Pool) untrack(e *execution) {
	p.activeMu.Lock()
	delete(p.active, e)
	p.activeMu.Unlock()
}

func (p *Pool) snapshot() []*execution {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	out := make([]*execution, 0, len(p.active))
	for e := range p.active {
		out = append(out, e)
	}
	return out
}

// execution is one running job as seen by the pool.
type execution struct {
	job      *job.Job
	workerID id.WorkerID
	cancel   context.CancelFunc

	beatNanos atomic.Int64
	once      sync.Once
	abandoned chan struct{}
}

func newExecution(j *job.Job, workerID id.WorkerID, cancel context.CancelFunc) *execution {
	e := &execution{job: j, workerID: workerID, cancel: cancel, abandoned: make(chan struct{})}
	e.beat()
	return e
}

func (e *execution) beat() { e.beatNanos.Store(time.Now().UnixNano()) }

func (e *execution) lastBeat() time.Time { return time.Unix(0, e.beatNanos.Load()) }

// abandon cancels the execution and reports whether this call did it.
func (e *execution) abandon() bool {
	first := false
	e.once.Do(func() {
		first = true
		close(e.abandoned)
		e.cancel()
	})
	return first
}

func (e *execution) isAbandoned() bool {
	select {
	case <-e.abandoned:
		return true
	default:
		return false
	}
}
