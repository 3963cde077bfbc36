// Package cache memoizes effective contexts and raw node records, keyed by
// (tenant, level, id), and owns their invalidation.
//
// # Consistency
//
// Every invalidation bumps a per-tenant generation. Callers read Generation
// before loading from the store and pass it to Put/PutNode; a put whose
// generation is no longer current is discarded. This prevents a reader that
// loaded pre-write data from caching it after the writer invalidated.
//
// # Thread Safety
//
// Safe for concurrent use. One mutex guards both LRUs, the parent→child index
// and the generations. It is independent of the per-node update locks.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/canopy/internal/tenant"
	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	kindContext = "context"
	kindNode    = "node"
)

type contextEntry struct {
	value    *hierarchy.EffectiveContext
	storedAt time.Time
}

type nodeEntry struct {
	node     *hierarchy.ContextNode // nil caches an absent node
	storedAt time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	Invalidations int64 `json:"invalidations"`
	StalePuts     int64 `json:"stale_puts"`
	Contexts      int   `json:"contexts"`
	Nodes         int   `json:"nodes"`
	IndexedEdges  int   `json:"indexed_edges"`
}

// Cache is the Cache Layer.
type Cache struct {
	mu          sync.Mutex
	contexts    *simplelru.LRU[string, *contextEntry]
	nodes       *simplelru.LRU[string, *nodeEntry]
	children    map[string]map[string]struct{} // parent key → child keys
	parents     map[string]string              // child key → parent key
	generations map[string]uint64              // tenant → generation
	explicit    bool                           // set while removing on purpose, so callbacks skip eviction accounting

	options Options
	metrics *Metrics

	hits          int64
	misses        int64
	evictions     int64
	invalidations int64
	stalePuts     int64
}

// New creates a Cache.
func New(opts ...Option) (*Cache, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	c := &Cache{
		children:    make(map[string]map[string]struct{}),
		parents:     make(map[string]string),
		generations: make(map[string]uint64),
		options:     options,
		metrics:     newMetrics(options.Registerer),
	}

	contexts, err := simplelru.NewLRU[string, *contextEntry](options.MaxContexts, c.onContextEvicted)
	if err != nil {
		return nil, fmt.Errorf("failed to create context LRU: %w", err)
	}
	nodes, err := simplelru.NewLRU[string, *nodeEntry](options.MaxNodes, c.onNodeEvicted)
	if err != nil {
		return nil, fmt.Errorf("failed to create node LRU: %w", err)
	}
	c.contexts = contexts
	c.nodes = nodes
	return c, nil
}

// Generation returns the current invalidation generation of a tenant.
func (c *Cache) Generation(tenantID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[tenantID]
}

// Get returns a cached effective context. The caller must still check its
// source versions against live nodes before trusting it.
func (c *Cache) Get(tenantID string, ref hierarchy.NodeRef) (*hierarchy.EffectiveContext, bool, error) {
	if _, err := tenant.Guard(tenantID, ref); err != nil {
		return nil, false, err
	}
	key := hierarchy.CacheKey(ref)

	c.mu.Lock()
	entry, ok := c.contexts.Get(key)
	if ok && c.expired(entry.storedAt) {
		c.removeContextLocked(key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.miss(kindContext)
		return nil, false, nil
	}
	if err := tenant.GuardContext(tenantID, entry.value); err != nil {
		return nil, false, err
	}
	c.hit(kindContext)
	return entry.value.Clone(), true, nil
}

// Put caches an effective context computed from chain (Global first, the
// context's own node last). It registers every consecutive chain pair in the
// parent→child index. Returns false if gen is stale and nothing was cached.
func (c *Cache) Put(tenantID string, ec *hierarchy.EffectiveContext, chain []hierarchy.NodeRef, gen uint64) (bool, error) {
	if _, err := tenant.Guard(tenantID, ec.Ref); err != nil {
		return false, err
	}
	for _, ref := range chain {
		if _, err := tenant.Guard(tenantID, ref); err != nil {
			return false, err
		}
	}
	key := hierarchy.CacheKey(ec.Ref)
	value := ec.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[tenantID] != gen {
		atomic.AddInt64(&c.stalePuts, 1)
		c.metrics.inc(kindContext, "stale_put")
		return false, nil
	}

	for i := 1; i < len(chain); i++ {
		c.linkLocked(hierarchy.CacheKey(chain[i-1]), hierarchy.CacheKey(chain[i]))
	}
	c.contexts.Add(key, &contextEntry{value: value, storedAt: c.options.Now()})
	c.metrics.setEntries(kindContext, c.contexts.Len())
	return true, nil
}

// GetNode returns a cached raw node. found with a nil node means the node is
// cached as absent.
func (c *Cache) GetNode(tenantID string, ref hierarchy.NodeRef) (node *hierarchy.ContextNode, found bool, err error) {
	if _, err := tenant.Guard(tenantID, ref); err != nil {
		return nil, false, err
	}
	key := hierarchy.CacheKey(ref)

	c.mu.Lock()
	entry, ok := c.nodes.Get(key)
	if ok && c.expired(entry.storedAt) {
		c.removeNodeLocked(key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.miss(kindNode)
		return nil, false, nil
	}
	if err := tenant.GuardNode(tenantID, entry.node); err != nil {
		return nil, false, err
	}
	c.hit(kindNode)
	return entry.node.Clone(), true, nil
}

// PutNode caches a raw node, or its absence when node is nil.
// Returns false if gen is stale and nothing was cached.
func (c *Cache) PutNode(tenantID string, ref hierarchy.NodeRef, node *hierarchy.ContextNode, gen uint64) (bool, error) {
	if _, err := tenant.Guard(tenantID, ref); err != nil {
		return false, err
	}
	if err := tenant.GuardNode(tenantID, node); err != nil {
		return false, err
	}
	if node != nil && node.Ref != ref {
		return false, fmt.Errorf("%w: node %s cached under %s", hierarchy.ErrInvalidArgument, node.Ref, ref)
	}
	key := hierarchy.CacheKey(ref)
	value := node.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[tenantID] != gen {
		atomic.AddInt64(&c.stalePuts, 1)
		c.metrics.inc(kindNode, "stale_put")
		return false, nil
	}
	c.nodes.Add(key, &nodeEntry{node: value, storedAt: c.options.Now()})
	c.metrics.setEntries(kindNode, c.nodes.Len())
	return true, nil
}

// Invalidate removes the effective context and raw record of a single node.
func (c *Cache) Invalidate(tenantID string, ref hierarchy.NodeRef) error {
	if _, err := tenant.Guard(tenantID, ref); err != nil {
		return err
	}
	key := hierarchy.CacheKey(ref)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.generations[tenantID]++
	c.removeContextLocked(key)
	c.removeNodeLocked(key)
	c.pruneLocked(key)
	c.countInvalidation(1)
	return nil
}

// InvalidateSubtree removes the node's effective context and raw record, and the
// effective context of every descendant known to the index. Descendant raw
// records are kept: their own data did not change. Returns the number of
// effective contexts removed.
func (c *Cache) InvalidateSubtree(tenantID string, ref hierarchy.NodeRef) (int, error) {
	if _, err := tenant.Guard(tenantID, ref); err != nil {
		return 0, err
	}
	root := hierarchy.CacheKey(ref)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.generations[tenantID]++
	c.removeNodeLocked(root)

	removed := 0
	visited := make(map[string]struct{})
	stack := []string{root}
	var order []string
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[key]; seen {
			continue
		}
		visited[key] = struct{}{}
		order = append(order, key)
		if c.removeContextLocked(key) {
			removed++
		}
		for child := range c.children[key] {
			stack = append(stack, child)
		}
	}

	// Prune leaves first so that emptied parents can be pruned too.
	for i := len(order) - 1; i >= 0; i-- {
		c.pruneLocked(order[i])
	}

	c.countInvalidation(len(order))
	return removed, nil
}

// Purge drops everything cached for every tenant.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.explicit = true
	c.contexts.Purge()
	c.nodes.Purge()
	c.explicit = false
	c.children = make(map[string]map[string]struct{})
	c.parents = make(map[string]string)
	for t := range c.generations {
		c.generations[t]++
	}
	c.metrics.setEntries(kindContext, 0)
	c.metrics.setEntries(kindNode, 0)
}

// Children returns the cached direct children of ref known to the index.
func (c *Cache) Children(tenantID string, ref hierarchy.NodeRef) ([]string, error) {
	if _, err := tenant.Guard(tenantID, ref); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.children[hierarchy.CacheKey(ref)]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out, nil
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	contexts, nodes := c.contexts.Len(), c.nodes.Len()
	edges := len(c.parents)
	c.mu.Unlock()

	return Stats{
		Hits:          atomic.LoadInt64(&c.hits),
		Misses:        atomic.LoadInt64(&c.misses),
		Evictions:     atomic.LoadInt64(&c.evictions),
		Invalidations: atomic.LoadInt64(&c.invalidations),
		StalePuts:     atomic.LoadInt64(&c.stalePuts),
		Contexts:      contexts,
		Nodes:         nodes,
		IndexedEdges:  edges,
	}
}

func (c *Cache) expired(storedAt time.Time) bool {
	if c.options.MaxAge == 0 {
		return false
	}
	return c.options.Now().Sub(storedAt) > c.options.MaxAge
}

func (c *Cache) hit(kind string) {
	atomic.AddInt64(&c.hits, 1)
	c.metrics.inc(kind, "hit")
}

func (c *Cache) miss(kind string) {
	atomic.AddInt64(&c.misses, 1)
	c.metrics.inc(kind, "miss")
}

func (c *Cache) countInvalidation(n int) {
	atomic.AddInt64(&c.invalidations, int64(n))
	c.metrics.operations.WithLabelValues(kindContext, "invalidate").Add(float64(n))
	c.metrics.setEntries(kindContext, c.contexts.Len())
	c.metrics.setEntries(kindNode, c.nodes.Len())
}

// removeContextLocked must hold mu.
func (c *Cache) removeContextLocked(key string) bool {
	c.explicit = true
	defer func() { c.explicit = false }()
	return c.contexts.Remove(key)
}

// removeNodeLocked must hold mu.
func (c *Cache) removeNodeLocked(key string) bool {
	c.explicit = true
	defer func() { c.explicit = false }()
	return c.nodes.Remove(key)
}

// onContextEvicted runs inside contexts.Add/Remove with mu held.
func (c *Cache) onContextEvicted(key string, _ *contextEntry) {
	if c.explicit {
		return
	}
	atomic.AddInt64(&c.evictions, 1)
	c.metrics.inc(kindContext, "evict")
	c.pruneLocked(key)
}

// onNodeEvicted runs inside nodes.Add/Remove with mu held.
func (c *Cache) onNodeEvicted(_ string, _ *nodeEntry) {
	if c.explicit {
		return
	}
	atomic.AddInt64(&c.evictions, 1)
	c.metrics.inc(kindNode, "evict")
}
