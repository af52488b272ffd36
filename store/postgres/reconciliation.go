package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/reconcile"
)

const reconciliationColumns = `
	id, name, period_start, period_end, status, matches,
	total_matched, total_unmatched, matched_amount, unmatched_amount,
	organization_id, triggered_by, job_id, error, version,
	completed_at, created_at, updated_at`

// CreateReconciliation persists a new reconciliation.
func (s *Store) CreateReconciliation(ctx context.Context, r *reconcile.Reconciliation) error {
	matches, err := encodeMatches(r.Matches)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO reckon_reconciliations (`+reconciliationColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18
		)`,
		r.ID.String(), r.Name, r.Period.Start.Time(), r.Period.End.Time(), string(r.Status), matches,
		r.TotalMatched, r.TotalUnmatched, r.MatchedAmount, r.UnmatchedAmount,
		r.OrganizationID, r.TriggeredBy, r.JobID, r.Error, r.Version,
		r.CompletedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return reckon.ErrReconciliationAlreadyExists
		}
		return fmt.Errorf("reckon/postgres: create reconciliation: %w", err)
	}
	return nil
}

// GetReconciliation retrieves a reconciliation with its matches.
func (s *Store) GetReconciliation(ctx context.Context, recID id.ReconciliationID) (*reconcile.Reconciliation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reconciliationColumns+` FROM reckon_reconciliations WHERE id = $1`,
		recID.String(),
	)
	r, err := scanReconciliation(row)
	if err != nil {
		if isNoRows(err) {
			return nil, reckon.ErrReconciliationNotFound
		}
		return nil, fmt.Errorf("reckon/postgres: get reconciliation: %w", err)
	}
	return r, nil
}

// UpdateReconciliation replaces a reconciliation when its version matches.
func (s *Store) UpdateReconciliation(ctx context.Context, r *reconcile.Reconciliation, expectedVersion int64) error {
	matches, err := encodeMatches(r.Matches)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE reckon_reconciliations SET
			name = $3, status = $4, matches = $5,
			total_matched = $6, total_unmatched = $7,
			matched_amount = $8, unmatched_amount = $9,
			job_id = $10, error = $11, completed_at = $12, updated_at = $13,
			version = $2 + 1
		WHERE id = $1 AND version = $2`,
		r.ID.String(), expectedVersion,
		r.Name, string(r.Status), matches,
		r.TotalMatched, r.TotalUnmatched,
		r.MatchedAmount, r.UnmatchedAmount,
		r.JobID, r.Error, r.CompletedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("reckon/postgres: update reconciliation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, "reckon_reconciliations", r.ID.String(), reckon.ErrReconciliationNotFound)
	}
	r.Version = expectedVersion + 1
	return nil
}

// ListReconciliations returns an organization's reconciliations, newest
// first. Matches are not loaded.
func (s *Store) ListReconciliations(ctx context.Context, orgID string, opts reconcile.ListOpts) ([]*reconcile.Reconciliation, error) {
	query := `SELECT ` + reconciliationColumns + ` FROM reckon_reconciliations WHERE organization_id = $1`
	args := []any{orgID}
	argIdx := 2

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reckon/postgres: list reconciliations: %w", err)
	}
	defer rows.Close()

	recs := make([]*reconcile.Reconciliation, 0)
	for rows.Next() {
		r, err := scanReconciliation(rows)
		if err != nil {
			return nil, fmt.Errorf("reckon/postgres: scan reconciliation row: %w", err)
		}
		recs = append(recs, r.Projection())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reckon/postgres: iterate reconciliation rows: %w", err)
	}
	return recs, nil
}

func scanReconciliation(row pgx.Row) (*reconcile.Reconciliation, error) {
	var (
		r           reconcile.Reconciliation
		status      string
		start, end  time.Time
		matches     []byte
		jobIDString *string
	)
	err := row.Scan(
		&r.ID, &r.Name, &start, &end, &status, &matches,
		&r.TotalMatched, &r.TotalUnmatched, &r.MatchedAmount, &r.UnmatchedAmount,
		&r.OrganizationID, &r.TriggeredBy, &jobIDString, &r.Error, &r.Version,
		&r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = reconcile.Status(status)
	r.Period = reconcile.Period{Start: reconcile.DateOf(start), End: reconcile.DateOf(end)}
	if err := json.Unmarshal(matches, &r.Matches); err != nil {
		return nil, fmt.Errorf("reckon/postgres: decode matches of %s: %w", r.ID, err)
	}
	if len(r.Matches) == 0 {
		r.Matches = nil
	}
	if jobIDString != nil && *jobIDString != "" {
		jobID, parseErr := id.ParseJobID(*jobIDString)
		if parseErr != nil {
			return nil, fmt.Errorf("reckon/postgres: parse job id %q: %w", *jobIDString, parseErr)
		}
		r.JobID = jobID
	}
	return &r, nil
}

func encodeMatches(matches []reconcile.Match) ([]byte, error) {
	if matches == nil {
		matches = []reconcile.Match{}
	}
	b, err := json.Marshal(matches)
	if err != nil {
		return nil, fmt.Errorf("reckon/postgres: encode matches: %w", err)
	}
	return b, nil
}
