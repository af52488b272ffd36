package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/reconcile"
)

// CreateReconciliation stores the reconciliation document and indexes it
// under its organization.
func (s *Store) CreateReconciliation(ctx context.Context, r *reconcile.Reconciliation) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("reckon/redis: encode reconciliation: %w", err)
	}
	rID := r.ID.String()
	created, err := createRecScript.Run(ctx, s.client, []string{recKey(rID), orgRecsKey(r.OrganizationID)},
		string(doc), r.Version, micros(r.CreatedAt), rID,
	).Int()
	if err != nil {
		return fmt.Errorf("reckon/redis: create reconciliation: %w", err)
	}
	if created == 0 {
		return reckon.ErrReconciliationAlreadyExists
	}
	return nil
}

// GetReconciliation retrieves a reconciliation by ID.
func (s *Store) GetReconciliation(ctx context.Context, recID id.ReconciliationID) (*reconcile.Reconciliation, error) {
	recs, err := s.getReconciliations(ctx, []string{recID.String()})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, reckon.ErrReconciliationNotFound
	}
	return recs[0], nil
}

// UpdateReconciliation replaces a reconciliation when its version matches.
func (s *Store) UpdateReconciliation(ctx context.Context, r *reconcile.Reconciliation, expectedVersion int64) error {
	cp := *r
	cp.Version = expectedVersion + 1
	doc, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("reckon/redis: encode reconciliation: %w", err)
	}

	res, err := updateRecScript.Run(ctx, s.client, []string{recKey(r.ID.String())}, expectedVersion, string(doc)).Int()
	if err != nil {
		return fmt.Errorf("reckon/redis: update reconciliation: %w", err)
	}
	switch res {
	case -1:
		return reckon.ErrReconciliationNotFound
	case 0:
		return reckon.ErrVersionConflict
	}
	r.Version = cp.Version
	return nil
}

// ListReconciliations returns an organization's reconciliations, newest
// first, without matches.
func (s *Store) ListReconciliations(ctx context.Context, orgID string, opts reconcile.ListOpts) ([]*reconcile.Reconciliation, error) {
	ids, err := s.client.ZRevRange(ctx, orgRecsKey(orgID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reckon/redis: list reconciliations: %w", err)
	}
	recs, err := s.getReconciliations(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := make([]*reconcile.Reconciliation, 0, len(recs))
	for _, r := range recs {
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		result = append(result, r.Projection())
	}
	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) getReconciliations(ctx context.Context, ids []string) ([]*reconcile.Reconciliation, error) {
	if len(ids) == 0 {
		return []*reconcile.Reconciliation{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(ids))
	for i, rID := range ids {
		cmds[i] = pipe.HMGet(ctx, recKey(rID), "doc", "version")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("reckon/redis: get reconciliations: %w", err)
	}

	recs := make([]*reconcile.Reconciliation, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		doc, ok := vals[0].(string)
		if !ok {
			continue
		}
		var r reconcile.Reconciliation
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("reckon/redis: decode reconciliation %s: %w", ids[i], err)
		}
		if v, ok := vals[1].(string); ok {
			r.Version, _ = strconv.ParseInt(v, 10, 64)
		}
		recs = append(recs, &r)
	}
	return recs, nil
}
