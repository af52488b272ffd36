// Package engine wires the reckon subsystems together: the store, the job
// registry, the queue, the worker pool, the extension registry and the
// reconciliation service.
//
// This package exists to break an import cycle: the root reckon package
// defines Config, Entity and the errors (imported by job, queue, reconcile)
// and so cannot import those packages back. The engine sits above all
// subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/backoff"
	"github.com/xraph/reckon/ext"
	"github.com/xraph/reckon/job"
	mw "github.com/xraph/reckon/middleware"
	"github.com/xraph/reckon/observability"
	"github.com/xraph/reckon/queue"
	"github.com/xraph/reckon/reconcile"
	"github.com/xraph/reckon/store"
	"github.com/xraph/reckon/worker"
)

const instrumentationName = "github.com/xraph/reckon"

// Engine owns one reckon process: the queue that callers submit to, the
// pool that executes jobs, and the reconciliation service.
type Engine struct {
	config     reckon.Config
	store      store.Store
	logger     *slog.Logger
	extensions *ext.Registry
	registry   *job.Registry
	queue      *queue.Queue
	limiter    *queue.Limiter
	pool       *worker.Pool
	reconciler *reconcile.Service

	bo         backoff.Strategy
	mws        []mw.Middleware
	timeouts   map[job.Type]time.Duration
	typeLimits []queue.TypeConfig
	orgLimits  []queue.OrgConfig
	svcOpts    []reconcile.ServiceOption

	// OpenTelemetry providers; nil means the global ones.
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the runtime configuration.
func WithConfig(cfg reckon.Config) Option {
	return func(eng *Engine) { eng.config = cfg }
}

// WithConcurrency sets the number of worker slots.
func WithConcurrency(n int) Option {
	return func(eng *Engine) { eng.config.Concurrency = n }
}

// WithLogger sets the logger used by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.extensions.Register(e) }
}

// WithMiddleware appends middleware after the default chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry delay strategy. The default is exponential
// between Config.BackoffInitial and Config.BackoffMax.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithTimeouts bounds handler run time per job type.
func WithTimeouts(limits map[job.Type]time.Duration) Option {
	return func(eng *Engine) { eng.timeouts = limits }
}

// WithTypeLimits caps concurrency and start rate per job type in this
// process.
func WithTypeLimits(configs ...queue.TypeConfig) Option {
	return func(eng *Engine) { eng.typeLimits = append(eng.typeLimits, configs...) }
}

// WithOrgLimits caps concurrency and start rate per organization in this
// process.
func WithOrgLimits(configs ...queue.OrgConfig) Option {
	return func(eng *Engine) { eng.orgLimits = append(eng.orgLimits, configs...) }
}

// WithReconcileOptions configures the reconciliation service, for example
// its data source or matcher options.
func WithReconcileOptions(opts ...reconcile.ServiceOption) Option {
	return func(eng *Engine) { eng.svcOpts = append(eng.svcOpts, opts...) }
}

// WithTracerProvider sets the OTel TracerProvider for the tracing
// middleware.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets the OTel MeterProvider for the metrics middleware
// and the observability extension.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New builds an Engine over s. The RECONCILIATION handler is registered;
// handlers for the other job types are added with Register.
func New(s store.Store, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, reckon.ErrNoStore
	}

	eng := &Engine{
		config:     reckon.DefaultConfig(),
		store:      s,
		logger:     slog.Default(),
		extensions: ext.NewRegistry(slog.Default()),
		registry:   job.NewRegistry(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.bo == nil {
		eng.bo = backoff.NewExponential(eng.config.BackoffInitial, eng.config.BackoffMax).WithJitter(0.1)
	}

	// Observability extension first so it sees every event.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	eng.queue = queue.New(s,
		queue.WithRegistry(eng.registry),
		queue.WithExtensions(eng.extensions),
		queue.WithBackoff(eng.bo),
		queue.WithLogger(eng.logger),
		queue.WithVisibilityTimeout(eng.config.VisibilityTimeout),
		queue.WithMaxAttempts(eng.config.MaxAttempts),
	)

	svcOpts := append([]reconcile.ServiceOption{reconcile.WithLogger(eng.logger)}, eng.svcOpts...)
	eng.reconciler = reconcile.NewService(s, eng.queue, svcOpts...)
	eng.extensions.Register(eng.reconciler)
	if err := job.RegisterDefinition(eng.registry, eng.reconciler.Definition()); err != nil {
		return nil, fmt.Errorf("register reconciliation handler: %w", err)
	}

	var tracingMw, metricsMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// recover → tracing → metrics → logging → scope → timeout → user.
	all := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Scope(),
		mw.Timeout(eng.logger, eng.timeouts),
	}
	all = append(all, eng.mws...)
	executor := worker.NewExecutor(eng.registry, eng.queue, eng.extensions, eng.logger, all...)

	poolOpts := []worker.PoolOption{
		worker.WithConcurrency(eng.config.Concurrency),
		worker.WithPollInterval(eng.config.PollInterval),
		worker.WithHeartbeatInterval(eng.config.HeartbeatInterval),
		worker.WithReapInterval(eng.config.ReapInterval),
	}
	if len(eng.typeLimits) > 0 || len(eng.orgLimits) > 0 {
		eng.limiter = queue.NewLimiter(eng.typeLimits...)
		for _, oc := range eng.orgLimits {
			eng.limiter.SetOrgConfig(oc)
		}
		poolOpts = append(poolOpts, worker.WithLimiter(eng.limiter))
	}
	eng.pool = worker.NewPool(eng.queue, executor, eng.extensions, eng.logger, poolOpts...)

	return eng, nil
}

// Register adds a typed handler definition.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[In, Out any](eng *Engine, def *job.Definition[In, Out]) error {
	if err := job.RegisterDefinition(eng.registry, def); err != nil {
		return err
	}
	eng.logger.Debug("job handler registered", slog.String("job_type", string(def.Type)))
	return nil
}

// Submit enqueues a job.
func (eng *Engine) Submit(ctx context.Context, req queue.SubmitRequest) (*job.Job, error) {
	return eng.queue.Submit(ctx, req)
}

// Start checks the store and starts the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.store.Ping(ctx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	eng.logger.Info("reckon engine starting",
		slog.Int("concurrency", eng.config.Concurrency),
		slog.Any("job_types", eng.registry.Types()),
	)
	return eng.pool.Start(ctx)
}

// Stop drains the worker pool and notifies extensions. The store is left
// open for the caller to close.
func (eng *Engine) Stop(ctx context.Context) error {
	err := eng.pool.Stop(ctx)
	eng.extensions.EmitShutdown(ctx)
	return err
}

// Config returns the runtime configuration.
func (eng *Engine) Config() reckon.Config { return eng.config }

// Store returns the backing store.
func (eng *Engine) Store() store.Store { return eng.store }

// Queue returns the job queue.
func (eng *Engine) Queue() *queue.Queue { return eng.queue }

// Reconciler returns the reconciliation service.
func (eng *Engine) Reconciler() *reconcile.Service { return eng.reconciler }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Limiter returns the local limiter, or nil when no limits were
// configured.
func (eng *Engine) Limiter() *queue.Limiter { return eng.limiter }
