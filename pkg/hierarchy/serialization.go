package hierarchy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Serialization helpers for converting between ContextNode and Redis hashes
//
// Scalar fields are stored as individual hash fields so the version can be read
// cheaply inside a WATCH transaction; data and delegation lists are JSON-encoded.

// NodeToHash converts a ContextNode to a Redis hash format.
func NodeToHash(n *ContextNode) (map[string]interface{}, error) {
	dataJSON, err := json.Marshal(CloneData(n.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}

	pendingJSON, err := json.Marshal(nonNil(n.PendingDelegations))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pending_delegations: %w", err)
	}

	historyJSON, err := json.Marshal(nonNil(n.DelegationHistory))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delegation_history: %w", err)
	}

	hash := map[string]interface{}{
		"tenant_id":           n.Ref.TenantID,
		"level":               n.Ref.Level.String(),
		"id":                  n.Ref.ID,
		"project_id":          n.Lineage.ProjectID,
		"branch_id":           n.Lineage.BranchID,
		"data":                string(dataJSON),
		"version":             n.Version,
		"updated_at_ms":       n.UpdatedAt.UnixMilli(),
		"pending_delegations": string(pendingJSON),
		"delegation_history":  string(historyJSON),
	}

	return hash, nil
}

// HashToNode converts a Redis hash to a ContextNode.
func HashToNode(hash map[string]string) (*ContextNode, error) {
	level, err := ParseLevel(hash["level"])
	if err != nil {
		return nil, fmt.Errorf("invalid level field: %w", err)
	}

	version, err := strconv.ParseInt(hash["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid version field: %w", err)
	}

	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	data := map[string]any{}
	if raw := hash["data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal data: %w", err)
		}
	}

	pending, err := decodeDelegations(hash["pending_delegations"])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending_delegations: %w", err)
	}

	history, err := decodeDelegations(hash["delegation_history"])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal delegation_history: %w", err)
	}

	node := &ContextNode{
		Ref: NodeRef{
			TenantID: hash["tenant_id"],
			Level:    level,
			ID:       hash["id"],
		},
		Lineage: Lineage{
			ProjectID: hash["project_id"],
			BranchID:  hash["branch_id"],
		},
		Data:               data,
		Version:            version,
		UpdatedAt:          time.UnixMilli(updatedAtMs).UTC(),
		PendingDelegations: pending,
		DelegationHistory:  history,
	}

	return node, nil
}

// EncodeDelegations JSON-encodes a delegation list, never producing "null".
func EncodeDelegations(in []DelegationRequest) ([]byte, error) {
	return json.Marshal(nonNil(in))
}

// DecodeDelegations is the inverse of EncodeDelegations.
func DecodeDelegations(raw []byte) ([]DelegationRequest, error) {
	return decodeDelegations(string(raw))
}

func decodeDelegations(raw string) ([]DelegationRequest, error) {
	out := []DelegationRequest{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []DelegationRequest{}
	}
	return out, nil
}

func nonNil(in []DelegationRequest) []DelegationRequest {
	if in == nil {
		return []DelegationRequest{}
	}
	return in
}
