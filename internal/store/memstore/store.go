// Package memstore is an in-process Store. It backs the "memory" backend and
// unit tests, and defines the reference semantics the other backends follow.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/dyluth/canopy/pkg/hierarchy"
)

// Store keeps nodes in a map guarded by an RWMutex. All values are copied on
// the way in and out.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*hierarchy.ContextNode
}

// New creates an empty Store.
func New() *Store {
	return &Store{nodes: make(map[string]*hierarchy.ContextNode)}
}

// Load returns the node or an error wrapping hierarchy.ErrNodeNotFound.
func (s *Store) Load(ctx context.Context, tenantID string, level hierarchy.Level, id string) (*hierarchy.ContextNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", hierarchy.ErrTimeout, err)
	}
	ref := hierarchy.NodeRef{TenantID: tenantID, Level: level, ID: id}

	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[hierarchy.CacheKey(ref)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", hierarchy.ErrNodeNotFound, ref)
	}
	return node.Clone(), nil
}

// Save commits node if the stored version is node.Version-1.
func (s *Store) Save(ctx context.Context, node *hierarchy.ContextNode) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", hierarchy.ErrTimeout, err)
	}
	if err := node.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", hierarchy.ErrInvalidArgument, err)
	}
	key := hierarchy.CacheKey(node.Ref)

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.nodes[key]; ok {
		current = existing.Version
	}
	if current != node.Version-1 {
		return 0, fmt.Errorf("%w: %s is at version %d, write expected %d", hierarchy.ErrConflict, node.Ref, current, node.Version-1)
	}
	s.nodes[key] = node.Clone()
	return node.Version, nil
}

// Delete removes a node at expectedVersion.
func (s *Store) Delete(ctx context.Context, ref hierarchy.NodeRef, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", hierarchy.ErrTimeout, err)
	}
	key := hierarchy.CacheKey(ref)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.nodes[key]
	if !ok {
		return fmt.Errorf("%w: %s", hierarchy.ErrNodeNotFound, ref)
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("%w: %s is at version %d, delete expected %d", hierarchy.ErrConflict, ref, existing.Version, expectedVersion)
	}
	delete(s.nodes, key)
	return nil
}

// HasChildren reports whether any node names ref as its direct parent.
func (s *Store) HasChildren(ctx context.Context, ref hierarchy.NodeRef) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %w", hierarchy.ErrTimeout, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.nodes {
		if n.Ref.TenantID != ref.TenantID {
			continue
		}
		parent, ok := n.Lineage.ParentRef(n.Ref)
		if ok && parent == ref {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of stored nodes across all tenants.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}
