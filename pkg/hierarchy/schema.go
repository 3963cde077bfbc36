package hierarchy

import "fmt"

// Redis key pattern helpers
//
// All Redis keys are namespaced by tenant so that no key of one tenant can be
// derived from another tenant's identifiers.
//
// Key pattern: canopy:{tenant}:{entity}:{level}:{id}

// NodeKey returns the Redis key for a context node hash.
// Pattern: canopy:{tenant}:node:{level}:{id}
func NodeKey(ref NodeRef) string {
	return fmt.Sprintf("canopy:%s:node:%s:%s", ref.TenantID, ref.Level, ref.ID)
}

// ChildrenKey returns the Redis key for the set of direct children of a node.
// Members are "{level}:{id}" strings.
// Pattern: canopy:{tenant}:children:{level}:{id}
func ChildrenKey(ref NodeRef) string {
	return fmt.Sprintf("canopy:%s:children:%s:%s", ref.TenantID, ref.Level, ref.ID)
}

// ChildMember returns the set member used in ChildrenKey for ref.
func ChildMember(ref NodeRef) string {
	return fmt.Sprintf("%s:%s", ref.Level, ref.ID)
}

// InvalidationChannel returns the Pub/Sub channel that carries cache invalidation events.
// Pattern: canopy:invalidation_events
func InvalidationChannel() string {
	return "canopy:invalidation_events"
}

// CacheKey returns the in-process cache key for a node.
// Pattern: {tenant}|{level}|{id}
func CacheKey(ref NodeRef) string {
	return ref.TenantID + "|" + ref.Level.String() + "|" + ref.ID
}
