package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dyluth/canopy/internal/tenant"
	"github.com/dyluth/canopy/pkg/hierarchy"
	"golang.org/x/sync/errgroup"
)

// ResolveEffectiveContext returns the merged view of ref: the data of every
// existing ancestor from Global down to ref, deeper levels overriding
// shallower ones key by key. Ancestors that do not exist contribute nothing.
// An existing ancestor whose own lineage contradicts ref's fails with
// ErrInvalidLineage and nothing is merged.
//
// The result is served from cache only if every source version it was built
// from still matches the stored node.
func (s *Service) ResolveEffectiveContext(ctx context.Context, tenantID string, ref hierarchy.NodeRef) (_ *hierarchy.EffectiveContext, err error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	ctx, done := s.observe(ctx, "resolve", tenantID, ref)
	defer func() { done(err) }()

	if ref, err = tenant.Guard(tenantID, ref); err != nil {
		return nil, err
	}

	// Readers never observe a node while its writer is mid-commit.
	if err := s.locks.Wait(ctx, ref); err != nil {
		return nil, err
	}

	if ec, ok, err := s.cachedContext(ctx, tenantID, ref); err != nil {
		return nil, err
	} else if ok {
		return ec, nil
	}

	// The generation is part of the flight key so that a caller arriving
	// after an invalidation never joins a computation that predates it.
	gen := s.cache.Generation(tenantID)
	key := hierarchy.CacheKey(ref) + "@" + strconv.FormatUint(gen, 10)
	ch := s.flight.DoChan(key, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.flightTimeout())
		defer cancel()
		return s.compute(flightCtx, tenantID, ref, gen)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		ec := res.Val.(*hierarchy.EffectiveContext)
		if err := tenant.GuardContext(tenantID, ec); err != nil {
			return nil, err
		}
		return ec.Clone(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: resolve %s: %v", hierarchy.ErrTimeout, ref, ctx.Err())
	}
}

// flightTimeout bounds a shared computation independently of whichever
// caller happened to start it.
func (s *Service) flightTimeout() time.Duration {
	if s.options.OperationTimeout > 0 {
		return s.options.OperationTimeout
	}
	return 5 * time.Second
}

// cachedContext returns a cached effective context if it is still current.
func (s *Service) cachedContext(ctx context.Context, tenantID string, ref hierarchy.NodeRef) (*hierarchy.EffectiveContext, bool, error) {
	ec, ok, err := s.cache.Get(tenantID, ref)
	if err != nil || !ok {
		return nil, false, err
	}

	target, err := s.loadNode(ctx, tenantID, ref)
	if err != nil {
		return nil, false, err
	}
	if target == nil {
		return nil, false, nil
	}
	for _, link := range target.Lineage.Chain(ref) {
		node, err := s.loadNode(ctx, tenantID, link)
		if err != nil {
			return nil, false, err
		}
		if err := checkPlacement(target, node); err != nil {
			return nil, false, err
		}
		var current int64
		if node != nil {
			current = node.Version
		}
		if ec.SourceVersions[link.Level] != current {
			return nil, false, nil
		}
	}
	return ec, true, nil
}

// compute loads the chain concurrently and merges it. gen must have been read
// before any load so that a concurrent invalidation discards the result.
func (s *Service) compute(ctx context.Context, tenantID string, ref hierarchy.NodeRef, gen uint64) (*hierarchy.EffectiveContext, error) {
	target, err := s.loadNode(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %s", hierarchy.ErrNodeNotFound, ref)
	}

	chain := target.Lineage.Chain(ref)
	nodes := make([]*hierarchy.ContextNode, len(chain))
	nodes[len(chain)-1] = target

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < len(chain)-1; i++ {
		i := i
		g.Go(func() error {
			node, err := s.loadNode(gctx, tenantID, chain[i])
			if err != nil {
				return err
			}
			nodes[i] = node
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, node := range nodes {
		if err := checkPlacement(target, node); err != nil {
			return nil, err
		}
	}

	merged := make(map[string]any)
	versions := make(map[hierarchy.Level]int64, len(chain))
	for i, link := range chain {
		versions[link.Level] = 0
		if nodes[i] == nil {
			continue
		}
		hierarchy.MergeShallow(merged, nodes[i].Data)
		versions[link.Level] = nodes[i].Version
	}

	ec := &hierarchy.EffectiveContext{
		Ref:            ref,
		MergedData:     merged,
		ResolvedAt:     s.options.Now(),
		SourceVersions: versions,
	}
	if _, err := s.cache.Put(tenantID, ec, chain, gen); err != nil {
		return nil, err
	}
	return ec, nil
}

// checkPlacement fails if an existing ancestor of target records a lineage
// that places it somewhere other than target's chain does. Nodes written
// descendant-first are only checked upward at write time.
func checkPlacement(target, ancestor *hierarchy.ContextNode) error {
	if ancestor == nil || ancestor.Ref == target.Ref {
		return nil
	}
	level := ancestor.Ref.Level
	if level != hierarchy.LevelProject && level != hierarchy.LevelBranch {
		return nil
	}
	_, expected, ok := hierarchy.AncestorLineage(target.Ref, target.Lineage, level)
	if !ok || ancestor.Lineage == expected {
		return nil
	}
	return fmt.Errorf("%w: %s records project %q but %s expects %q",
		hierarchy.ErrInvalidLineage, ancestor.Ref, ancestor.Lineage.ProjectID, target.Ref, expected.ProjectID)
}

// loadNode returns the node at ref from the raw cache or the store, or nil if
// it does not exist. Absence is cached too.
func (s *Service) loadNode(ctx context.Context, tenantID string, ref hierarchy.NodeRef) (*hierarchy.ContextNode, error) {
	if node, found, err := s.cache.GetNode(tenantID, ref); err != nil {
		return nil, err
	} else if found {
		return node, nil
	}

	gen := s.cache.Generation(tenantID)
	node, err := s.loadFresh(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}
	if _, err := s.cache.PutNode(tenantID, ref, node, gen); err != nil {
		return nil, err
	}
	return node, nil
}

// loadFresh reads ref from the store, bypassing the cache. Absent nodes
// return nil without error.
func (s *Service) loadFresh(ctx context.Context, tenantID string, ref hierarchy.NodeRef) (*hierarchy.ContextNode, error) {
	node, err := s.store.Load(ctx, ref.TenantID, ref.Level, ref.ID)
	if errors.Is(err, hierarchy.ErrNodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", ref, err)
	}
	if err := tenant.GuardNode(tenantID, node); err != nil {
		return nil, err
	}
	if node.Ref != ref {
		return nil, fmt.Errorf("%w: store returned %s for %s", hierarchy.ErrInvalidArgument, node.Ref, ref)
	}
	return node, nil
}
