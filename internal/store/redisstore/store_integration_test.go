//go:build integration

package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/dyluth/canopy/internal/engine"
	"github.com/dyluth/canopy/internal/invalidation"
	"github.com/dyluth/canopy/internal/testutil"
	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTwoProcessesStayConsistent runs two services against one real Redis,
// wired together through the invalidation bus.
func TestTwoProcessesStayConsistent(t *testing.T) {
	url := testutil.StartRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	newProcess := func() *engine.Service {
		store, err := NewFromURL(url)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		require.NoError(t, store.Ping(ctx))

		bus := invalidation.New(store.Client())
		svc, err := engine.New(store, nil, engine.WithPublisher(bus))
		require.NoError(t, err)

		sub, err := bus.Subscribe(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { sub.Close() })
		go invalidation.Forward(ctx, sub, svc.ApplyRemoteInvalidation, nil)
		return svc
	}
	writer := newProcess()
	reader := newProcess()

	project := hierarchy.NodeRef{TenantID: "acme", Level: hierarchy.LevelProject, ID: "p1"}
	task := hierarchy.NodeRef{TenantID: "acme", Level: hierarchy.LevelTask, ID: "t1"}
	lineage := hierarchy.Lineage{ProjectID: "p1", BranchID: "b1"}

	_, err := writer.CreateOrUpdateNode(ctx, "acme", project, hierarchy.Lineage{}, map[string]any{"model": "v1"})
	require.NoError(t, err)
	_, err = writer.CreateOrUpdateNode(ctx, "acme", task, lineage, map[string]any{})
	require.NoError(t, err)

	ec, err := reader.ResolveEffectiveContext(ctx, "acme", task)
	require.NoError(t, err)
	require.Equal(t, "v1", ec.MergedData["model"])

	_, err = writer.CreateOrUpdateNode(ctx, "acme", project, hierarchy.Lineage{}, map[string]any{"model": "v2"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		ec, err := reader.ResolveEffectiveContext(ctx, "acme", task)
		return err == nil && ec.MergedData["model"] == "v2"
	}, 5*time.Second, 20*time.Millisecond)
}
