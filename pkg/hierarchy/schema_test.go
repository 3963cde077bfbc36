package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	ref := NodeRef{TenantID: "acme", Level: LevelBranch, ID: "main"}

	assert.Equal(t, "canopy:acme:node:branch:main", NodeKey(ref))
	assert.Equal(t, "canopy:acme:children:branch:main", ChildrenKey(ref))
	assert.Equal(t, "branch:main", ChildMember(ref))
	assert.Equal(t, "acme|branch|main", CacheKey(ref))
	assert.Equal(t, "canopy:invalidation_events", InvalidationChannel())
}

func TestKeys_TenantsNeverCollide(t *testing.T) {
	a := NodeRef{TenantID: "acme", Level: LevelProject, ID: "web"}
	b := NodeRef{TenantID: "globex", Level: LevelProject, ID: "web"}

	assert.NotEqual(t, NodeKey(a), NodeKey(b))
	assert.NotEqual(t, ChildrenKey(a), ChildrenKey(b))
	assert.NotEqual(t, CacheKey(a), CacheKey(b))
}
