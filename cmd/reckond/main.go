// Command reckond runs the reckon engine and its HTTP API in one process.
//
// Configuration comes from the YAML file named by -config (or
// RECKON_CONFIG), overlaid with RECKON_* environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/reckon/api"
	"github.com/xraph/reckon/engine"
	"github.com/xraph/reckon/reconcile"
	"github.com/xraph/reckon/store"
	"github.com/xraph/reckon/store/memory"
	mongostore "github.com/xraph/reckon/store/mongo"
	"github.com/xraph/reckon/store/postgres"
	redisstore "github.com/xraph/reckon/store/redis"
	"github.com/xraph/reckon/tasks"
)

func main() {
	configPath := flag.String("config", os.Getenv("RECKON_CONFIG"), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "reckond:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate %s store: %w", cfg.Store.Driver, err)
	}

	eng, err := engine.New(s,
		engine.WithConfig(cfg.Engine),
		engine.WithLogger(logger),
		engine.WithTimeouts(cfg.Timeouts),
		engine.WithTypeLimits(cfg.TypeLimits...),
		engine.WithOrgLimits(cfg.OrgLimits...),
		engine.WithReconcileOptions(
			reconcile.WithMatcherOptions(cfg.Matching),
			reconcile.WithLogger(logger),
		),
	)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := registerTasks(eng, cfg, logger); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.New(eng, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
		defer cancel()

		httpErr := srv.Shutdown(shutdownCtx)
		engErr := eng.Stop(shutdownCtx)
		return errors.Join(httpErr, engErr)
	})
	return g.Wait()
}

// openStore connects the configured backend. The returned func releases
// whatever the daemon opened.
func openStore(ctx context.Context, cfg storeConfig, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case driverPostgres:
		s, err := postgres.New(ctx, cfg.PostgresDSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case driverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return redisstore.New(client, redisstore.WithLogger(logger)), func() { _ = client.Close() }, nil

	case driverMongo:
		client, err := mongod.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closeFn := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		}
		return mongostore.New(client.Database(cfg.MongoDatabase), mongostore.WithLogger(logger)), closeFn, nil

	default:
		logger.Warn("using the in-memory store; jobs are lost on restart")
		s := memory.New()
		return s, func() { _ = s.Close() }, nil
	}
}

// registerTasks registers a handler for every job type besides
// RECONCILIATION, which the engine registers itself. OCR reads documents
// from and REPORTING writes workbooks to the object store when one is
// configured.
func registerTasks(eng *engine.Engine, cfg config, logger *slog.Logger) error {
	var (
		docs tasks.DocumentStore
		sink tasks.ArtifactSink
	)
	if cfg.Objects.Endpoint != "" {
		objects, err := tasks.NewObjectStore(cfg.Objects)
		if err != nil {
			return err
		}
		docs, sink = objects, objects
	} else {
		logger.Warn("no object store configured; OCR accepts inline content only and REPORTING jobs fail")
	}

	return errors.Join(
		engine.Register(eng, tasks.NewOCR(docs, nil).WithLogger(logger).Definition()),
		engine.Register(eng, tasks.NewCategorizer(tasks.NewKeywordClassifier(cfg.Categories...)).Definition()),
		engine.Register(eng, tasks.NewComplianceChecker(cfg.Compliance).Definition()),
		engine.Register(eng, tasks.NewReportBuilder(eng.Store(), sink).WithLogger(logger).Definition()),
	)
}
