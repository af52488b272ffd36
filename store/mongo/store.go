package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/reconcile"
)

// Collection name constants.
const (
	colJobs            = "reckon_jobs"
	colReconciliations = "reckon_reconciliations"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ job.Store       = (*Store)(nil)
	_ reconcile.Store = (*Store)(nil)
)

// Store implements store.Store on a MongoDB database. The caller owns the
// client; Store never disconnects it.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new MongoDB store on db.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database for advanced usage.
func (s *Store) DB() *mongod.Database {
	return s.db
}

// Migrate creates indexes for all reckon collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("reckon/mongo: migrate %s indexes: %w", col, err)
		}
		s.logger.Debug("mongo indexes ensured", slog.String("collection", col), slog.Int("count", len(models)))
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

func (s *Store) jobs() *mongod.Collection { return s.db.Collection(colJobs) }

func (s *Store) reconciliations() *mongod.Collection { return s.db.Collection(colReconciliations) }

// ── helpers ──────────────────────────────────────────────────────

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// exists reports whether col holds a document with _id key.
func exists(ctx context.Context, col *mongod.Collection, key string) (bool, error) {
	n, err := col.CountDocuments(ctx, bson.M{"_id": key})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// migrationIndexes returns the index definitions for all reckon collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colJobs: {
			// Lease order.
			{Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "priority", Value: -1},
				{Key: "created_at", Value: 1},
				{Key: "_id", Value: 1},
			}},
			// Expired lease scan.
			{Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "lease_expires_at", Value: 1},
			}},
			// Organization listing.
			{Keys: bson.D{
				{Key: "organization_id", Value: 1},
				{Key: "created_at", Value: -1},
			}},
		},
		colReconciliations: {
			{Keys: bson.D{
				{Key: "organization_id", Value: 1},
				{Key: "created_at", Value: -1},
			}},
		},
	}
}
