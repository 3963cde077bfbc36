// Package hierarchy provides the type-safe data model shared by every canopy
// component: the four context levels, node references, stored context nodes,
// delegation requests, resolved effective contexts, and the error taxonomy.
//
// # Overview
//
// Context data is organised in a fixed four-level tree per tenant:
//
//	Global → Project → Branch → Task
//
// Each level holds a flat map of keys to structured values. The effective
// context of a node is the shallow-override merge of every ancestor from
// Global down to the node itself: a key set at a deeper level fully replaces
// the same key inherited from a shallower one.
//
// # Tenant Isolation
//
// Every NodeRef carries its tenant explicitly. There is no ambient "current
// tenant"; the tenant is passed as an argument to every operation and checked
// against the reference before any I/O happens.
//
// # Redis Schema
//
// All Redis keys follow the pattern: canopy:{tenant}:{entity}:{level}:{id}
//
// Nodes: canopy:{tenant}:node:{level}:{id}
// Children: canopy:{tenant}:children:{level}:{id}
//
// Pub/Sub channel: canopy:invalidation_events
//
// # Usage Example
//
//	ref := hierarchy.NodeRef{TenantID: "acme", Level: hierarchy.LevelTask, ID: "t-1"}
//	if err := ref.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
//	key := hierarchy.NodeKey(ref)
//	// key = "canopy:acme:node:task:t-1"
package hierarchy
