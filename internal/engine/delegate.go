package engine

import (
	"context"
	"fmt"

	"github.com/dyluth/canopy/internal/tenant"
	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/google/uuid"
)

// DelegateInput describes a fragment escalated from source to an ancestor.
type DelegateInput struct {
	Source  hierarchy.NodeRef
	Target  hierarchy.NodeRef
	Payload map[string]any
	Reason  string
}

// Delegate escalates a payload from a node to one of its ancestors. The
// auto-approval policy decides whether it is merged into the target
// immediately (payload keys replace the target's) or queued for review.
// The target node is created if it does not exist yet. Queueing is itself a
// save of the target, so it bumps the target's version like an approval does.
func (s *Service) Delegate(ctx context.Context, tenantID string, in DelegateInput) (_ *hierarchy.DelegationRequest, err error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	ctx, done := s.observe(ctx, "delegate", tenantID, in.Target)
	defer func() { done(err) }()

	source, err := tenant.Guard(tenantID, in.Source)
	if err != nil {
		return nil, err
	}
	target, err := tenant.Guard(tenantID, in.Target)
	if err != nil {
		return nil, err
	}
	if !target.Level.IsAncestorOf(source.Level) {
		return nil, fmt.Errorf("%w: %s is not above %s", hierarchy.ErrInvalidDelegationTarget, target.Level, source.Level)
	}
	if len(in.Payload) == 0 {
		return nil, fmt.Errorf("%w: delegation payload cannot be empty", hierarchy.ErrInvalidArgument)
	}

	sourceNode, err := s.loadNode(ctx, tenantID, source)
	if err != nil {
		return nil, err
	}
	if sourceNode == nil {
		return nil, fmt.Errorf("%w: delegation source %s", hierarchy.ErrNodeNotFound, source)
	}
	ancestor, targetLineage, ok := hierarchy.AncestorLineage(source, sourceNode.Lineage, target.Level)
	if !ok || ancestor != target {
		return nil, fmt.Errorf("%w: %s is not an ancestor of %s", hierarchy.ErrInvalidDelegationTarget, target, source)
	}

	autoApply := s.options.AutoApprove(source.Level, target.Level, in.Payload)

	unlock, err := s.locks.Lock(ctx, target)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.loadFresh(ctx, tenantID, target)
	if err != nil {
		return nil, err
	}
	next := &hierarchy.ContextNode{Ref: target, Lineage: targetLineage, Data: map[string]any{}}
	if current != nil {
		if current.Lineage != targetLineage {
			return nil, fmt.Errorf("%w: %s disagrees with the lineage of %s", hierarchy.ErrInvalidLineage, target, source)
		}
		next = current
	}

	now := s.options.Now()
	req := hierarchy.DelegationRequest{
		ID:        uuid.NewString(),
		Source:    source,
		Target:    target,
		Payload:   hierarchy.CloneData(in.Payload),
		Reason:    in.Reason,
		Status:    hierarchy.DelegationStatusPending,
		CreatedAt: now,
	}
	if autoApply {
		req.Status = hierarchy.DelegationStatusAutoApplied
		req.ResolvedAt = &now
		next.Data = hierarchy.MergeShallow(next.Data, req.Payload)
		s.appendHistory(next, req)
	} else {
		next.PendingDelegations = append(next.PendingDelegations, req)
	}
	next.Version++
	next.UpdatedAt = now

	if _, err := s.store.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to save delegation on %s: %w", target, err)
	}
	s.afterCommit(ctx, tenantID, target)

	s.logEvent(ctx, "delegation_created", target,
		"delegation_id", req.ID,
		"source", source.String(),
		"status", string(req.Status),
		"version", next.Version,
	)
	out := req
	out.Payload = hierarchy.CloneData(req.Payload)
	return &out, nil
}

// ResolveDelegation approves or rejects a pending delegation on target. An
// approved payload is merged into the target's data. Resolving the same
// request twice fails with ErrDelegationAlreadyResolved and changes nothing.
func (s *Service) ResolveDelegation(ctx context.Context, tenantID string, target hierarchy.NodeRef, delegationID string, approve bool) (_ *hierarchy.DelegationRequest, err error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	ctx, done := s.observe(ctx, "review", tenantID, target)
	defer func() { done(err) }()

	if target, err = tenant.Guard(tenantID, target); err != nil {
		return nil, err
	}
	if delegationID == "" {
		return nil, fmt.Errorf("%w: delegation id cannot be empty", hierarchy.ErrInvalidArgument)
	}

	unlock, err := s.locks.Lock(ctx, target)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.loadFresh(ctx, tenantID, target)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s on %s", hierarchy.ErrDelegationNotFound, delegationID, target)
	}

	idx := current.FindPending(delegationID)
	if idx < 0 {
		if current.FindResolved(delegationID) >= 0 {
			return nil, fmt.Errorf("%w: %s on %s", hierarchy.ErrDelegationAlreadyResolved, delegationID, target)
		}
		return nil, fmt.Errorf("%w: %s on %s", hierarchy.ErrDelegationNotFound, delegationID, target)
	}

	now := s.options.Now()
	req := current.PendingDelegations[idx]
	current.PendingDelegations = append(current.PendingDelegations[:idx], current.PendingDelegations[idx+1:]...)
	req.ResolvedAt = &now
	if approve {
		req.Status = hierarchy.DelegationStatusApproved
		current.Data = hierarchy.MergeShallow(current.Data, req.Payload)
	} else {
		req.Status = hierarchy.DelegationStatusRejected
	}
	s.appendHistory(current, req)
	current.Version++
	current.UpdatedAt = now

	if _, err := s.store.Save(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to save review on %s: %w", target, err)
	}
	s.afterCommit(ctx, tenantID, target)

	s.logEvent(ctx, "delegation_resolved", target,
		"delegation_id", req.ID,
		"status", string(req.Status),
		"version", current.Version,
	)
	out := req
	out.Payload = hierarchy.CloneData(req.Payload)
	return &out, nil
}

// appendHistory records a resolved delegation, dropping the oldest entries
// beyond HistoryLimit.
func (s *Service) appendHistory(node *hierarchy.ContextNode, req hierarchy.DelegationRequest) {
	node.DelegationHistory = append(node.DelegationHistory, req)
	if limit := s.options.HistoryLimit; limit > 0 && len(node.DelegationHistory) > limit {
		node.DelegationHistory = append([]hierarchy.DelegationRequest(nil),
			node.DelegationHistory[len(node.DelegationHistory)-limit:]...)
	}
}
