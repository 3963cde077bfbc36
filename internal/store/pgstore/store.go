// Package pgstore is a Store backed by PostgreSQL through a pgx pool.
//
// Saves are conditional statements on the version column, so two processes
// racing on one node cannot both commit.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/canopy/internal/store/sqlrow"
	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements node persistence on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool to url and verifies connectivity.
func New(ctx context.Context, url string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, classify("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify("ping", err)
	}
	return NewWithPool(pool), nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// EnsureSchema creates the node table and its parent index if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + sqlrow.Table + ` (
    tenant_id           TEXT NOT NULL,
    level               TEXT NOT NULL,
    id                  TEXT NOT NULL,
    project_id          TEXT NOT NULL DEFAULT '',
    branch_id           TEXT NOT NULL DEFAULT '',
    parent_level        TEXT NOT NULL DEFAULT '',
    parent_id           TEXT NOT NULL DEFAULT '',
    data                JSONB NOT NULL DEFAULT '{}',
    version             BIGINT NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    pending_delegations JSONB NOT NULL DEFAULT '[]',
    delegation_history  JSONB NOT NULL DEFAULT '[]',
    PRIMARY KEY (tenant_id, level, id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_context_nodes_parent ON ` + sqlrow.Table + ` (tenant_id, parent_level, parent_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure context node schema: %w", classify("exec", err))
		}
	}
	return nil
}

// Load returns the node or an error wrapping hierarchy.ErrNodeNotFound.
func (s *Store) Load(ctx context.Context, tenantID string, level hierarchy.Level, id string) (*hierarchy.ContextNode, error) {
	ref := hierarchy.NodeRef{TenantID: tenantID, Level: level, ID: id}

	var row sqlrow.Row
	err := s.pool.QueryRow(ctx,
		`SELECT `+sqlrow.Columns+` FROM `+sqlrow.Table+` WHERE tenant_id = $1 AND level = $2 AND id = $3`,
		tenantID, level.String(), id,
	).Scan(&row.TenantID, &row.Level, &row.ID, &row.ProjectID, &row.BranchID, &row.ParentLevel, &row.ParentID,
		&row.Data, &row.Version, &row.UpdatedAt, &row.Pending, &row.History)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", hierarchy.ErrNodeNotFound, ref)
	}
	if err != nil {
		return nil, classify("load "+ref.String(), err)
	}

	node, err := row.Node()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", ref, err)
	}
	return node, nil
}

// Save inserts version 1 or updates from node.Version-1.
func (s *Store) Save(ctx context.Context, node *hierarchy.ContextNode) (int64, error) {
	if err := node.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", hierarchy.ErrInvalidArgument, err)
	}
	row, err := sqlrow.FromNode(node)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s: %w", node.Ref, err)
	}

	var tag pgconn.CommandTag
	if node.Version == 1 {
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO `+sqlrow.Table+` (`+sqlrow.Columns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11::jsonb, $12::jsonb)
ON CONFLICT (tenant_id, level, id) DO NOTHING`,
			row.TenantID, row.Level, row.ID, row.ProjectID, row.BranchID, row.ParentLevel, row.ParentID,
			string(row.Data), row.Version, row.UpdatedAt, string(row.Pending), string(row.History))
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE `+sqlrow.Table+`
SET data = $4::jsonb, version = $5, updated_at = $6, pending_delegations = $7::jsonb, delegation_history = $8::jsonb
WHERE tenant_id = $1 AND level = $2 AND id = $3 AND version = $5 - 1`,
			row.TenantID, row.Level, row.ID,
			string(row.Data), row.Version, row.UpdatedAt, string(row.Pending), string(row.History))
	}
	if err != nil {
		return 0, classify("save "+node.Ref.String(), err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("%w: %s is not at version %d", hierarchy.ErrConflict, node.Ref, node.Version-1)
	}
	return node.Version, nil
}

// Delete removes the node at expectedVersion.
func (s *Store) Delete(ctx context.Context, ref hierarchy.NodeRef, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+sqlrow.Table+` WHERE tenant_id = $1 AND level = $2 AND id = $3 AND version = $4`,
		ref.TenantID, ref.Level.String(), ref.ID, expectedVersion)
	if err != nil {
		return classify("delete "+ref.String(), err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := s.Load(ctx, ref.TenantID, ref.Level, ref.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is not at version %d", hierarchy.ErrConflict, ref, expectedVersion)
}

// HasChildren reports whether any row names ref as its parent.
func (s *Store) HasChildren(ctx context.Context, ref hierarchy.NodeRef) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+sqlrow.Table+` WHERE tenant_id = $1 AND parent_level = $2 AND parent_id = $3)`,
		ref.TenantID, ref.Level.String(), ref.ID,
	).Scan(&exists)
	if err != nil {
		return false, classify("count children of "+ref.String(), err)
	}
	return exists, nil
}

// classify maps pgx errors onto the hierarchy taxonomy. Server-side errors
// other than serialization failures are returned as-is.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s: %w", hierarchy.ErrConflict, op, err)
		case "57P01", "57P03": // admin_shutdown, cannot_connect_now
			return fmt.Errorf("%w: %s: %w", hierarchy.ErrStoreUnavailable, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s: %w", hierarchy.ErrTimeout, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", hierarchy.ErrStoreUnavailable, op, err)
	}
}
