package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/reconcile"
)

// CreateReconciliation persists a new reconciliation.
func (s *Store) CreateReconciliation(ctx context.Context, r *reconcile.Reconciliation) error {
	_, err := s.reconciliations().InsertOne(ctx, toReconciliationModel(r))
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return reckon.ErrReconciliationAlreadyExists
		}
		return fmt.Errorf("reckon/mongo: create reconciliation: %w", err)
	}
	return nil
}

// GetReconciliation retrieves a reconciliation with its matches.
func (s *Store) GetReconciliation(ctx context.Context, recID id.ReconciliationID) (*reconcile.Reconciliation, error) {
	var m reconciliationModel
	err := s.reconciliations().FindOne(ctx, bson.M{"_id": recID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, reckon.ErrReconciliationNotFound
		}
		return nil, fmt.Errorf("reckon/mongo: get reconciliation: %w", err)
	}
	return fromReconciliationModel(&m)
}

// UpdateReconciliation replaces a reconciliation when its version matches.
func (s *Store) UpdateReconciliation(ctx context.Context, r *reconcile.Reconciliation, expectedVersion int64) error {
	m := toReconciliationModel(r)
	m.Version = expectedVersion + 1

	res, err := s.reconciliations().ReplaceOne(ctx, bson.M{"_id": m.ID, "version": expectedVersion}, m)
	if err != nil {
		return fmt.Errorf("reckon/mongo: update reconciliation: %w", err)
	}
	if res.MatchedCount == 0 {
		found, err := exists(ctx, s.reconciliations(), m.ID)
		if err != nil {
			return fmt.Errorf("reckon/mongo: check reconciliation: %w", err)
		}
		if !found {
			return reckon.ErrReconciliationNotFound
		}
		return reckon.ErrVersionConflict
	}
	r.Version = m.Version
	return nil
}

// ListReconciliations returns an organization's reconciliations, newest
// first. Matches are projected out.
func (s *Store) ListReconciliations(ctx context.Context, orgID string, opts reconcile.ListOpts) ([]*reconcile.Reconciliation, error) {
	filter := bson.M{"organization_id": orgID}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetProjection(bson.M{"matches": 0})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.reconciliations().Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("reckon/mongo: list reconciliations: %w", err)
	}
	var models []reconciliationModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("reckon/mongo: decode reconciliations: %w", err)
	}

	recs := make([]*reconcile.Reconciliation, 0, len(models))
	for i := range models {
		r, err := fromReconciliationModel(&models[i])
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, nil
}
