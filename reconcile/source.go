package reconcile

import "context"

// Source loads the inputs of a reconciliation from the systems of record.
type Source interface {
	Load(ctx context.Context, orgID string, period Period) ([]Transaction, []LedgerEntry, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, orgID string, period Period) ([]Transaction, []LedgerEntry, error)

// Load calls f.
func (f SourceFunc) Load(ctx context.Context, orgID string, period Period) ([]Transaction, []LedgerEntry, error) {
	return f(ctx, orgID, period)
}
