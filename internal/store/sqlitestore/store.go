// Package sqlitestore is an embedded Store on SQLite (modernc.org/sqlite, no
// cgo). It suits single-host deployments and the CLI.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dyluth/canopy/internal/store/sqlrow"
	"github.com/dyluth/canopy/pkg/hierarchy"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Store implements node persistence in one SQLite file.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at path and migrates it.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("sqlitestore: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open database: %w", err)
	}
	// One connection keeps pragmas and write ordering consistent.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS ` + sqlrow.Table + ` (
			tenant_id           TEXT NOT NULL,
			level               TEXT NOT NULL,
			id                  TEXT NOT NULL,
			project_id          TEXT NOT NULL DEFAULT '',
			branch_id           TEXT NOT NULL DEFAULT '',
			parent_level        TEXT NOT NULL DEFAULT '',
			parent_id           TEXT NOT NULL DEFAULT '',
			data                TEXT NOT NULL DEFAULT '{}',
			version             INTEGER NOT NULL,
			updated_at          INTEGER NOT NULL,
			pending_delegations TEXT NOT NULL DEFAULT '[]',
			delegation_history  TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (tenant_id, level, id)
		);
		CREATE INDEX IF NOT EXISTS idx_context_nodes_parent ON ` + sqlrow.Table + ` (tenant_id, parent_level, parent_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns the node or an error wrapping hierarchy.ErrNodeNotFound.
func (s *Store) Load(ctx context.Context, tenantID string, level hierarchy.Level, id string) (*hierarchy.ContextNode, error) {
	ref := hierarchy.NodeRef{TenantID: tenantID, Level: level, ID: id}

	var (
		row       sqlrow.Row
		updatedMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+sqlrow.Columns+` FROM `+sqlrow.Table+` WHERE tenant_id = ? AND level = ? AND id = ?`,
		tenantID, level.String(), id,
	).Scan(&row.TenantID, &row.Level, &row.ID, &row.ProjectID, &row.BranchID, &row.ParentLevel, &row.ParentID,
		&row.Data, &row.Version, &updatedMs, &row.Pending, &row.History)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", hierarchy.ErrNodeNotFound, ref)
	}
	if err != nil {
		return nil, classify("load "+ref.String(), err)
	}
	row.UpdatedAt = time.UnixMilli(updatedMs)

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

	var res sql.Result
	if node.Version == 1 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO `+sqlrow.Table+` (`+sqlrow.Columns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, level, id) DO NOTHING`,
			row.TenantID, row.Level, row.ID, row.ProjectID, row.BranchID, row.ParentLevel, row.ParentID,
			string(row.Data), row.Version, row.UpdatedAt.UnixMilli(), string(row.Pending), string(row.History))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE `+sqlrow.Table+`
			SET data = ?, version = ?, updated_at = ?, pending_delegations = ?, delegation_history = ?
			WHERE tenant_id = ? AND level = ? AND id = ? AND version = ?`,
			string(row.Data), row.Version, row.UpdatedAt.UnixMilli(), string(row.Pending), string(row.History),
			row.TenantID, row.Level, row.ID, row.Version-1)
	}
	if err != nil {
		return 0, classify("save "+node.Ref.String(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("save "+node.Ref.String(), err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s is not at version %d", hierarchy.ErrConflict, node.Ref, node.Version-1)
	}
	return node.Version, nil
}

// Delete removes the node at expectedVersion.
func (s *Store) Delete(ctx context.Context, ref hierarchy.NodeRef, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+sqlrow.Table+` WHERE tenant_id = ? AND level = ? AND id = ? AND version = ?`,
		ref.TenantID, ref.Level.String(), ref.ID, expectedVersion)
	if err != nil {
		return classify("delete "+ref.String(), err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return classify("delete "+ref.String(), err)
	} else if n == 1 {
		return nil
	}

	if _, err := s.Load(ctx, ref.TenantID, ref.Level, ref.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is not at version %d", hierarchy.ErrConflict, ref, expectedVersion)
}

// HasChildren reports whether any row names ref as its parent.
func (s *Store) HasChildren(ctx context.Context, ref hierarchy.NodeRef) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+sqlrow.Table+` WHERE tenant_id = ? AND parent_level = ? AND parent_id = ?)`,
		ref.TenantID, ref.Level.String(), ref.ID,
	).Scan(&exists)
	if err != nil {
		return false, classify("count children of "+ref.String(), err)
	}
	return exists == 1, nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s: %w", hierarchy.ErrTimeout, op, err)
	case errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("%w: %s: %w", hierarchy.ErrStoreUnavailable, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
