package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/canopy/internal/tenant"
	"github.com/dyluth/canopy/pkg/hierarchy"
)

// publishTimeout bounds the fan-out after a commit. The commit itself is
// already durable at that point, so an expired caller deadline must not
// suppress the notification.
const publishTimeout = 2 * time.Second

// CreateOrUpdateNode replaces the data of the node at ref, creating it if
// absent, and returns the new version. Every successful call bumps the version
// by exactly one and invalidates the node's subtree before returning.
//
// lineage names the node's Project and Branch ancestors; for a Project node it
// may be left empty. An existing node cannot be moved to another lineage.
func (s *Service) CreateOrUpdateNode(ctx context.Context, tenantID string, ref hierarchy.NodeRef, lineage hierarchy.Lineage, data map[string]any) (_ int64, err error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	ctx, done := s.observe(ctx, "put", tenantID, ref)
	defer func() { done(err) }()

	if ref, err = tenant.Guard(tenantID, ref); err != nil {
		return 0, err
	}
	if ref.Level == hierarchy.LevelProject && lineage == (hierarchy.Lineage{}) {
		lineage.ProjectID = ref.ID
	}
	if err := lineage.Validate(ref); err != nil {
		return 0, fmt.Errorf("%w: %v", hierarchy.ErrInvalidLineage, err)
	}
	if err := s.checkAncestors(ctx, tenantID, ref, lineage); err != nil {
		return 0, err
	}

	unlock, err := s.locks.Lock(ctx, ref)
	if err != nil {
		return 0, err
	}
	defer unlock()

	current, err := s.loadFresh(ctx, tenantID, ref)
	if err != nil {
		return 0, err
	}

	next := &hierarchy.ContextNode{Ref: ref, Lineage: lineage}
	if current != nil {
		if current.Lineage != lineage {
			return 0, fmt.Errorf("%w: %s belongs to project %q branch %q", hierarchy.ErrInvalidLineage,
				ref, current.Lineage.ProjectID, current.Lineage.BranchID)
		}
		next = current
	}
	next.Data = hierarchy.CloneData(data)
	next.Version++
	next.UpdatedAt = s.options.Now()

	version, err := s.store.Save(ctx, next)
	if err != nil {
		return 0, fmt.Errorf("failed to save %s: %w", ref, err)
	}
	s.afterCommit(ctx, tenantID, ref)

	s.logEvent(ctx, "node_saved", ref, "version", version, "keys", len(next.Data))
	return version, nil
}

// checkAncestors verifies that ancestors which exist agree with lineage. In
// strict mode they must also exist. Global is never required.
func (s *Service) checkAncestors(ctx context.Context, tenantID string, ref hierarchy.NodeRef, lineage hierarchy.Lineage) error {
	for _, level := range []hierarchy.Level{hierarchy.LevelProject, hierarchy.LevelBranch} {
		ancestorRef, expected, ok := hierarchy.AncestorLineage(ref, lineage, level)
		if !ok {
			continue
		}
		node, err := s.loadNode(ctx, tenantID, ancestorRef)
		if err != nil {
			return err
		}
		if node == nil {
			if s.options.StrictLineage {
				return fmt.Errorf("%w: ancestor %s of %s", hierarchy.ErrNodeNotFound, ancestorRef, ref)
			}
			continue
		}
		if node.Lineage != expected {
			return fmt.Errorf("%w: %s is not under project %q", hierarchy.ErrInvalidLineage, ancestorRef, expected.ProjectID)
		}
	}
	return nil
}

// GetNode returns the raw record at ref.
func (s *Service) GetNode(ctx context.Context, tenantID string, ref hierarchy.NodeRef) (_ *hierarchy.ContextNode, err error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	ctx, done := s.observe(ctx, "get", tenantID, ref)
	defer func() { done(err) }()

	if ref, err = tenant.Guard(tenantID, ref); err != nil {
		return nil, err
	}
	if err := s.locks.Wait(ctx, ref); err != nil {
		return nil, err
	}
	node, err := s.loadNode(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("%w: %s", hierarchy.ErrNodeNotFound, ref)
	}
	return node, nil
}

// ListPending returns the delegations awaiting review on target, oldest first.
func (s *Service) ListPending(ctx context.Context, tenantID string, target hierarchy.NodeRef) ([]hierarchy.DelegationRequest, error) {
	node, err := s.GetNode(ctx, tenantID, target)
	if err != nil {
		return nil, err
	}
	if node.PendingDelegations == nil {
		return []hierarchy.DelegationRequest{}, nil
	}
	return node.PendingDelegations, nil
}

// DeleteNode removes a leaf node. Nodes that still have children are refused.
func (s *Service) DeleteNode(ctx context.Context, tenantID string, ref hierarchy.NodeRef) (err error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	ctx, done := s.observe(ctx, "delete", tenantID, ref)
	defer func() { done(err) }()

	if ref, err = tenant.Guard(tenantID, ref); err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, ref)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := s.loadFresh(ctx, tenantID, ref)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: %s", hierarchy.ErrNodeNotFound, ref)
	}
	hasChildren, err := s.store.HasChildren(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to list children of %s: %w", ref, err)
	}
	if hasChildren {
		return fmt.Errorf("%w: %s", hierarchy.ErrHasDescendants, ref)
	}
	if err := s.store.Delete(ctx, ref, current.Version); err != nil {
		return fmt.Errorf("failed to delete %s: %w", ref, err)
	}
	s.afterCommit(ctx, tenantID, ref)

	s.logEvent(ctx, "node_deleted", ref, "version", current.Version)
	return nil
}

// Invalidate drops cached state for ref and everything below it, locally and,
// when a publisher is configured, in every other process.
func (s *Service) Invalidate(ctx context.Context, tenantID string, ref hierarchy.NodeRef) (err error) {
	ctx, done := s.observe(ctx, "invalidate", tenantID, ref)
	defer func() { done(err) }()

	if ref, err = tenant.Guard(tenantID, ref); err != nil {
		return err
	}
	s.afterCommit(ctx, tenantID, ref)
	return nil
}

// ApplyRemoteInvalidation drops cached state for a subtree on behalf of
// another process. It never publishes.
func (s *Service) ApplyRemoteInvalidation(ref hierarchy.NodeRef) error {
	removed, err := s.cache.InvalidateSubtree(ref.TenantID, ref)
	if err != nil {
		return err
	}
	s.logger.Debug("remote invalidation applied",
		"event_type", "remote_invalidation",
		"tenant", ref.TenantID,
		"ref", ref.String(),
		"removed", removed,
	)
	return nil
}

// afterCommit invalidates the subtree of ref. It runs after the store has
// committed and before the mutating call returns.
func (s *Service) afterCommit(ctx context.Context, tenantID string, ref hierarchy.NodeRef) {
	removed, err := s.cache.InvalidateSubtree(tenantID, ref)
	if err != nil {
		// Guarded upstream; a failure here would be a programming error.
		s.logger.Error("cache invalidation failed", "ref", ref.String(), "error", err)
		s.cache.Purge()
	}

	if s.options.Publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.options.Publisher.PublishInvalidation(pubCtx, ref); err != nil {
		s.logger.Warn("failed to publish invalidation",
			"event_type", "invalidation_publish_failed",
			"ref", ref.String(),
			"removed", removed,
			"error", err,
		)
	}
}
