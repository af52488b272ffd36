// Package store defines the aggregate persistence interface. Each
// subsystem (job, reconcile) defines its own store interface and the
// composite Store composes them. Backends: Postgres, Redis, MongoDB and
// Memory.
package store

import (
	"context"

	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/reconcile"
)

// Store is the aggregate persistence interface. A single backend
// implements every subsystem store.
type Store interface {
	job.Store
	reconcile.Store

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend's connections.
	Close() error
}
