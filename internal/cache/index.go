package cache

// The parent→child index records relationships observed during resolution so
// that InvalidateSubtree never scans the whole cache. An edge is kept while its
// child still has a cached effective context or indexed children of its own.

// linkLocked must hold mu.
func (c *Cache) linkLocked(parent, child string) {
	if parent == child {
		return
	}
	if old, ok := c.parents[child]; ok && old != parent {
		// A node has exactly one parent; a different one means the lineage was
		// rewritten, so drop the old edge.
		delete(c.children[old], child)
		if len(c.children[old]) == 0 {
			delete(c.children, old)
		}
	}
	set, ok := c.children[parent]
	if !ok {
		set = make(map[string]struct{})
		c.children[parent] = set
	}
	set[child] = struct{}{}
	c.parents[child] = parent
}

// pruneLocked removes key's edge to its parent when key no longer anchors
// anything, then walks upwards. Must hold mu.
func (c *Cache) pruneLocked(key string) {
	for key != "" {
		if c.contexts.Contains(key) || len(c.children[key]) > 0 {
			return
		}
		parent, ok := c.parents[key]
		if !ok {
			return
		}
		delete(c.parents, key)
		delete(c.children[parent], key)
		if len(c.children[parent]) == 0 {
			delete(c.children, parent)
		}
		key = parent
	}
}
