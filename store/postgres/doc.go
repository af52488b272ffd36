// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: FOR UPDATE SKIP LOCKED leasing, version-checked updates,
// in-place JSONB log appends, embedded SQL migrations.
package postgres
