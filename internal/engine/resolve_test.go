package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_InheritanceExample(t *testing.T) {
	svc := setupTestService(t, newMemStore())
	c := testChain(tenantA)

	put(t, svc, c, c.global, map[string]any{"theme": "dark"})
	put(t, svc, c, c.project, map[string]any{"theme": "light", "region": "eu"})
	put(t, svc, c, c.branch, map[string]any{"region": "us"})
	put(t, svc, c, c.task, map[string]any{})

	ec, err := svc.ResolveEffectiveContext(context.Background(), tenantA, c.task)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"theme": "light", "region": "us"}, ec.MergedData)
	assert.Equal(t, c.task, ec.Ref)
	assert.Equal(t, map[hierarchy.Level]int64{
		hierarchy.LevelGlobal: 1, hierarchy.LevelProject: 1, hierarchy.LevelBranch: 1, hierarchy.LevelTask: 1,
	}, ec.SourceVersions)
}

func TestResolve_OverridePrecedence(t *testing.T) {
	svc := setupTestService(t, newMemStore())
	c := testChain(tenantA)

	for _, ref := range []hierarchy.NodeRef{c.global, c.project, c.branch, c.task} {
		put(t, svc, c, ref, map[string]any{"k": ref.Level.String(), "only_" + ref.Level.String(): true})
	}

	tests := []struct {
		ref      hierarchy.NodeRef
		expected string
	}{
		{c.global, "global"},
		{c.project, "project"},
		{c.branch, "branch"},
		{c.task, "task"},
	}
	for _, tt := range tests {
		t.Run(tt.ref.Level.String(), func(t *testing.T) {
			ec, err := svc.ResolveEffectiveContext(context.Background(), tenantA, tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ec.MergedData["k"])
			assert.Len(t, ec.MergedData, int(tt.ref.Level)+1)
		})
	}
}

func TestResolve_NestedValuesReplacedWholesale(t *testing.T) {
	svc := setupTestService(t, newMemStore())
	c := testChain(tenantA)

	put(t, svc, c, c.project, map[string]any{"limits": map[string]any{"cpu": 2, "mem": 4}})
	put(t, svc, c, c.branch, map[string]any{"limits": map[string]any{"cpu": 8}})

	ec, err := svc.ResolveEffectiveContext(context.Background(), tenantA, c.branch)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"cpu": 8}, ec.MergedData["limits"])
}

func TestResolve_EmptyAncestorTolerance(t *testing.T) {
	svc := setupTestService(t, newMemStore())
	c := testChain(tenantA)

	// Project p1 and Global are never written.
	put(t, svc, c, c.branch, map[string]any{"region": "us"})
	put(t, svc, c, c.task, map[string]any{"step": 3})

	ec, err := svc.ResolveEffectiveContext(context.Background(), tenantA, c.task)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"region": "us", "step": 3}, ec.MergedData)
	assert.Equal(t, int64(0), ec.SourceVersions[hierarchy.LevelProject])
	assert.Equal(t, int64(0), ec.SourceVersions[hierarchy.LevelGlobal])

	t.Run("creating the missing ancestor later is visible", func(t *testing.T) {
		put(t, svc, c, c.project, map[string]any{"owner": "ops"})

		ec, err := svc.ResolveEffectiveContext(context.Background(), tenantA, c.task)
		require.NoError(t, err)
		assert.Equal(t, "ops", ec.MergedData["owner"])
	})
}

func TestResolve_AncestorWrittenLaterUnderAnotherProject(t *testing.T) {
	ctx := context.Background()
	p1 := hierarchy.NodeRef{TenantID: tenantA, Level: hierarchy.LevelProject, ID: "p1"}
	p2 := hierarchy.NodeRef{TenantID: tenantA, Level: hierarchy.LevelProject, ID: "p2"}
	b := hierarchy.NodeRef{TenantID: tenantA, Level: hierarchy.LevelBranch, ID: "b"}
	task := hierarchy.NodeRef{TenantID: tenantA, Level: hierarchy.LevelTask, ID: "t"}

	tests := []struct {
		name      string
		warmCache bool
	}{
		{"cold cache", false},
		{"cached before the branch exists", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := setupTestService(t, newMemStore())
			_, err := svc.CreateOrUpdateNode(ctx, tenantA, p1, hierarchy.Lineage{}, map[string]any{"secret": "p1"})
			require.NoError(t, err)
			_, err = svc.CreateOrUpdateNode(ctx, tenantA, p2, hierarchy.Lineage{}, map[string]any{"owner": "p2"})
			require.NoError(t, err)

			// The task names p1 before its branch exists.
			_, err = svc.CreateOrUpdateNode(ctx, tenantA, task, hierarchy.Lineage{ProjectID: "p1", BranchID: "b"}, map[string]any{})
			require.NoError(t, err)
			if tt.warmCache {
				ec, err := svc.ResolveEffectiveContext(ctx, tenantA, task)
				require.NoError(t, err)
				assert.Equal(t, "p1", ec.MergedData["secret"])
			}

			// The branch then registers under p2.
			_, err = svc.CreateOrUpdateNode(ctx, tenantA, b, hierarchy.Lineage{ProjectID: "p2"}, map[string]any{"br": "b"})
			require.NoError(t, err)

			ec, err := svc.ResolveEffectiveContext(ctx, tenantA, task)
			require.Error(t, err)
			assert.ErrorIs(t, err, hierarchy.ErrInvalidLineage)
			assert.Nil(t, ec)

			// The branch itself still resolves through its own project.
			ec, err = svc.ResolveEffectiveContext(ctx, tenantA, b)
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"owner": "p2", "br": "b"}, ec.MergedData)
		})
	}
}

func TestResolve_MissingTargetIsNotFound(t *testing.T) {
	svc := setupTestService(t, newMemStore())
	c := testChain(tenantA)

	_, err := svc.ResolveEffectiveContext(context.Background(), tenantA, c.task)
	require.Error(t, err)
	assert.True(t, hierarchy.IsNotFound(err))
}

func TestResolve_CacheHitSkipsStore(t *testing.T) {
	store := &countingStore{Store: newMemStore()}
	svc := setupTestService(t, store)
	c := testChain(tenantA)

	put(t, svc, c, c.global, map[string]any{"a": 1})
	put(t, svc, c, c.task, map[string]any{"b": 2})

	_, err := svc.ResolveEffectiveContext(context.Background(), tenantA, c.task)
	require.NoError(t, err)
	loads := store.loads.Load()

	ec, err := svc.ResolveEffectiveContext(context.Background(), tenantA, c.task)
	require.NoError(t, err)
	assert.Equal(t, loads, store.loads.Load())
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, ec.MergedData)
	assert.GreaterOrEqual(t, svc.Stats().Cache.Hits, int64(1))
}

func TestResolve_ReturnsCopies(t *testing.T) {
	svc := setupTestService(t, newMemStore())
	c := testChain(tenantA)
	put(t, svc, c, c.project, map[string]any{"tags": []any{"x"}})

	ec, err := svc.ResolveEffectiveContext(context.Background(), tenantA, c.project)
	require.NoError(t, err)
	ec.MergedData["tags"].([]any)[0] = "mutated"
	ec.MergedData["new"] = true

	again, err := svc.ResolveEffectiveContext(context.Background(), tenantA, c.project)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tags": []any{"x"}}, again.MergedData)
}

func TestResolve_CacheCorrectnessAfterMutation(t *testing.T) {
	svc := setupTestService(t, newMemStore())
	c := testChain(tenantA)

	put(t, svc, c, c.project, map[string]any{"model": "v1"})
	put(t, svc, c, c.branch, map[string]any{})
	put(t, svc, c, c.task, map[string]any{})

	for _, ref := range []hierarchy.NodeRef{c.project, c.branch, c.task} {
		ec, err := svc.ResolveEffectiveContext(context.Background(), tenantA, ref)
		require.NoError(t, err)
		require.Equal(t, "v1", ec.MergedData["model"])
	}

	put(t, svc, c, c.project, map[string]any{"model": "v2"})

	for _, ref := range []hierarchy.NodeRef{c.project, c.branch, c.task} {
		ec, err := svc.ResolveEffectiveContext(context.Background(), tenantA, ref)
		require.NoError(t, err)
		assert.Equal(t, "v2", ec.MergedData["model"], "stale value for %s", ref)
		assert.Equal(t, int64(2), ec.SourceVersions[hierarchy.LevelProject])
	}
}

func TestResolve_TenantIsolation(t *testing.T) {
	svc := setupTestService(t, newMemStore())
	a := testChain(tenantA)
	b := testChain(tenantB)

	for _, ref := range []hierarchy.NodeRef{a.global, a.project, a.branch, a.task} {
		put(t, svc, a, ref, map[string]any{"owner": tenantA, ref.Level.String(): tenantA})
	}
	for _, ref := range []hierarchy.NodeRef{b.global, b.project, b.branch, b.task} {
		put(t, svc, b, ref, map[string]any{"owner": tenantB, ref.Level.String(): tenantB})
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, tc := range []struct {
			tenantID string
			c        chain
		}{{tenantA, a}, {tenantB, b}} {
			wg.Add(1)
			go func(i int, tenantID string, c chain) {
				defer wg.Done()
				refs := []hierarchy.NodeRef{c.global, c.project, c.branch, c.task}
				ref := refs[i%len(refs)]
				if i%7 == 0 {
					_, err := svc.CreateOrUpdateNode(context.Background(), tenantID, ref, c.lineageOf(ref),
						map[string]any{"owner": tenantID, ref.Level.String(): tenantID, "i": i})
					assert.NoError(t, err)
					return
				}
				ec, err := svc.ResolveEffectiveContext(context.Background(), tenantID, ref)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, tenantID, ec.Ref.TenantID)
				for k, v := range ec.MergedData {
					if k == "i" {
						continue
					}
					assert.Equal(t, tenantID, v, "key %s leaked into %s", k, tenantID)
				}
			}(i, tc.tenantID, tc.c)
		}
	}
	wg.Wait()
}

func TestResolve_CrossTenantRejectedBeforeIO(t *testing.T) {
	store := &countingStore{Store: newMemStore()}
	svc := setupTestService(t, store)
	b := testChain(tenantB)

	tests := []struct {
		name     string
		tenantID string
	}{
		{"other tenant", tenantA},
		{"empty tenant", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ResolveEffectiveContext(context.Background(), tt.tenantID, b.task)
			require.Error(t, err)
			assert.ErrorIs(t, err, hierarchy.ErrCrossTenantAccess)
			assert.Equal(t, int64(0), store.loads.Load())
		})
	}
}

func TestResolve_ConcurrentMissesShareOneComputation(t *testing.T) {
	store := &countingStore{Store: newMemStore()}
	svc := setupTestService(t, store)
	c := testChain(tenantA)
	put(t, svc, c, c.task, map[string]any{"x": 1})
	svc.cache.Purge()
	before := store.loads.Load()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ec, err := svc.ResolveEffectiveContext(context.Background(), tenantA, c.task)
			if assert.NoError(t, err) {
				assert.Equal(t, 1, ec.MergedData["x"])
			}
		}()
	}
	wg.Wait()

	// Four chain nodes, each loaded once and then served by the raw cache.
	assert.LessOrEqual(t, store.loads.Load()-before, int64(4*2))
}

func TestResolve_WaitsForInFlightWriter(t *testing.T) {
	svc := setupTestService(t, newMemStore())
	c := testChain(tenantA)
	put(t, svc, c, c.project, map[string]any{"v": 1})

	unlock, err := svc.locks.Lock(context.Background(), c.project)
	require.NoError(t, err)

	t.Run("same node times out", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := svc.ResolveEffectiveContext(ctx, tenantA, c.project)
		require.Error(t, err)
		assert.ErrorIs(t, err, hierarchy.ErrTimeout)
	})

	t.Run("descendant does not block", func(t *testing.T) {
		put(t, svc, c, c.branch, map[string]any{"w": 2})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ec, err := svc.ResolveEffectiveContext(ctx, tenantA, c.branch)
		require.NoError(t, err)
		assert.Equal(t, 1, ec.MergedData["v"])
	})

	unlock()
	_, err = svc.ResolveEffectiveContext(context.Background(), tenantA, c.project)
	require.NoError(t, err)
}

func TestResolve_StoreUnavailablePropagates(t *testing.T) {
	svc := setupTestService(t, failingStore{err: fmt.Errorf("%w: connection refused", hierarchy.ErrStoreUnavailable)})
	c := testChain(tenantA)

	_, err := svc.ResolveEffectiveContext(context.Background(), tenantA, c.task)
	require.Error(t, err)
	assert.ErrorIs(t, err, hierarchy.ErrStoreUnavailable)
	assert.True(t, hierarchy.IsRetryable(err))

	_, err = svc.CreateOrUpdateNode(context.Background(), tenantA, c.project, hierarchy.Lineage{}, map[string]any{"a": 1})
	assert.ErrorIs(t, err, hierarchy.ErrStoreUnavailable)
}

func TestResolve_PlainStoreErrorIsNotRetryable(t *testing.T) {
	svc := setupTestService(t, failingStore{err: errors.New("disk on fire")})
	c := testChain(tenantA)

	_, err := svc.ResolveEffectiveContext(context.Background(), tenantA, c.task)
	require.Error(t, err)
	assert.False(t, hierarchy.IsRetryable(err))
	assert.Contains(t, err.Error(), "disk on fire")
}
