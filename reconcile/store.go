package reconcile

import (
	"context"

	"github.com/xraph/reckon/id"
)

// ListOpts controls filtering and pagination for reconciliation lists.
type ListOpts struct {
	// Status filters by status. Empty means all.
	Status Status
	// Limit is the maximum number of records. Zero means no limit.
	Limit int
	// Offset is the number of records to skip.
	Offset int
}

// Store defines the persistence contract for reconciliations.
type Store interface {
	// CreateReconciliation persists a new reconciliation.
	CreateReconciliation(ctx context.Context, r *Reconciliation) error

	// GetReconciliation retrieves a reconciliation with its matches.
	GetReconciliation(ctx context.Context, recID id.ReconciliationID) (*Reconciliation, error)

	// UpdateReconciliation replaces a reconciliation if its stored Version
	// equals expectedVersion, returning reckon.ErrVersionConflict
	// otherwise. On success r.Version holds the new version.
	UpdateReconciliation(ctx context.Context, r *Reconciliation, expectedVersion int64) error

	// ListReconciliations returns an organization's reconciliations,
	// newest first. Implementations may omit matches.
	ListReconciliations(ctx context.Context, orgID string, opts ListOpts) ([]*Reconciliation, error)
}
