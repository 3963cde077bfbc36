package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dyluth/canopy/internal/cache"
	"github.com/dyluth/canopy/internal/store/memstore"
	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	tenantA = "acme"
	tenantB = "globex"
)

type chain struct {
	global, project, branch, task hierarchy.NodeRef
	lineage                       hierarchy.Lineage
}

func testChain(tenantID string) chain {
	return chain{
		global:  hierarchy.Global(tenantID),
		project: hierarchy.NodeRef{TenantID: tenantID, Level: hierarchy.LevelProject, ID: "p1"},
		branch:  hierarchy.NodeRef{TenantID: tenantID, Level: hierarchy.LevelBranch, ID: "b1"},
		task:    hierarchy.NodeRef{TenantID: tenantID, Level: hierarchy.LevelTask, ID: "t1"},
		lineage: hierarchy.Lineage{ProjectID: "p1", BranchID: "b1"},
	}
}

func (c chain) lineageOf(ref hierarchy.NodeRef) hierarchy.Lineage {
	switch ref.Level {
	case hierarchy.LevelProject:
		return hierarchy.Lineage{ProjectID: c.lineage.ProjectID}
	case hierarchy.LevelBranch:
		return hierarchy.Lineage{ProjectID: c.lineage.ProjectID}
	case hierarchy.LevelTask:
		return c.lineage
	default:
		return hierarchy.Lineage{}
	}
}

// setupTestService creates a Service over store with private metrics
func setupTestService(t *testing.T, store Store, opts ...Option) *Service {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := cache.New(cache.WithRegisterer(reg))
	require.NoError(t, err)

	opts = append([]Option{WithRegisterer(reg)}, opts...)
	svc, err := New(store, c, opts...)
	require.NoError(t, err)
	return svc
}

func put(t *testing.T, svc *Service, c chain, ref hierarchy.NodeRef, data map[string]any) int64 {
	t.Helper()
	v, err := svc.CreateOrUpdateNode(context.Background(), ref.TenantID, ref, c.lineageOf(ref), data)
	require.NoError(t, err)
	return v
}

// countingStore counts loads that reach the backing store
type countingStore struct {
	Store
	loads atomic.Int64
}

func (s *countingStore) Load(ctx context.Context, tenantID string, level hierarchy.Level, id string) (*hierarchy.ContextNode, error) {
	s.loads.Add(1)
	return s.Store.Load(ctx, tenantID, level, id)
}

// failingStore fails every call with err
type failingStore struct {
	err error
}

func (s failingStore) Load(context.Context, string, hierarchy.Level, string) (*hierarchy.ContextNode, error) {
	return nil, s.err
}

func (s failingStore) Save(context.Context, *hierarchy.ContextNode) (int64, error) {
	return 0, s.err
}

func (s failingStore) Delete(context.Context, hierarchy.NodeRef, int64) error {
	return s.err
}

func (s failingStore) HasChildren(context.Context, hierarchy.NodeRef) (bool, error) {
	return false, s.err
}

// peerPublisher forwards invalidations to other in-process services
type peerPublisher struct {
	mu    sync.Mutex
	peers []*Service
	sent  []hierarchy.NodeRef
}

func (p *peerPublisher) PublishInvalidation(_ context.Context, ref hierarchy.NodeRef) error {
	p.mu.Lock()
	p.sent = append(p.sent, ref)
	peers := append([]*Service(nil), p.peers...)
	p.mu.Unlock()
	for _, peer := range peers {
		if err := peer.ApplyRemoteInvalidation(ref); err != nil {
			return err
		}
	}
	return nil
}

func newMemStore() *memstore.Store {
	return memstore.New()
}
