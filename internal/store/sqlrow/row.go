// Package sqlrow is the row codec shared by the SQL stores.
//
// A node is one row keyed by (tenant_id, level, id). parent_level and
// parent_id are derived from the lineage so that HasChildren is one indexed
// lookup.
package sqlrow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyluth/canopy/pkg/hierarchy"
)

// Table is the name of the node table in every SQL backend.
const Table = "context_nodes"

// Columns lists the node columns in scan order.
const Columns = "tenant_id, level, id, project_id, branch_id, parent_level, parent_id, " +
	"data, version, updated_at, pending_delegations, delegation_history"

// Row is the flattened form of a ContextNode.
type Row struct {
	TenantID    string
	Level       string
	ID          string
	ProjectID   string
	BranchID    string
	ParentLevel string
	ParentID    string
	Data        []byte
	Version     int64
	UpdatedAt   time.Time
	Pending     []byte
	History     []byte
}

// FromNode flattens node.
func FromNode(n *hierarchy.ContextNode) (Row, error) {
	data, err := json.Marshal(hierarchy.CloneData(n.Data))
	if err != nil {
		return Row{}, fmt.Errorf("failed to marshal data: %w", err)
	}
	pending, err := hierarchy.EncodeDelegations(n.PendingDelegations)
	if err != nil {
		return Row{}, fmt.Errorf("failed to marshal pending_delegations: %w", err)
	}
	history, err := hierarchy.EncodeDelegations(n.DelegationHistory)
	if err != nil {
		return Row{}, fmt.Errorf("failed to marshal delegation_history: %w", err)
	}

	row := Row{
		TenantID:  n.Ref.TenantID,
		Level:     n.Ref.Level.String(),
		ID:        n.Ref.ID,
		ProjectID: n.Lineage.ProjectID,
		BranchID:  n.Lineage.BranchID,
		Data:      data,
		Version:   n.Version,
		UpdatedAt: n.UpdatedAt.UTC(),
		Pending:   pending,
		History:   history,
	}
	if parent, ok := n.Lineage.ParentRef(n.Ref); ok {
		row.ParentLevel = parent.Level.String()
		row.ParentID = parent.ID
	}
	return row, nil
}

// Node rebuilds the ContextNode.
func (r Row) Node() (*hierarchy.ContextNode, error) {
	level, err := hierarchy.ParseLevel(r.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid level column: %w", err)
	}

	data := map[string]any{}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal data: %w", err)
		}
	}
	pending, err := hierarchy.DecodeDelegations(r.Pending)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending_delegations: %w", err)
	}
	history, err := hierarchy.DecodeDelegations(r.History)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal delegation_history: %w", err)
	}

	return &hierarchy.ContextNode{
		Ref:                hierarchy.NodeRef{TenantID: r.TenantID, Level: level, ID: r.ID},
		Lineage:            hierarchy.Lineage{ProjectID: r.ProjectID, BranchID: r.BranchID},
		Data:               data,
		Version:            r.Version,
		UpdatedAt:          r.UpdatedAt.UTC(),
		PendingDelegations: pending,
		DelegationHistory:  history,
	}, nil
}
