package tenant

import (
	"sync"
	"testing"

	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard(t *testing.T) {
	t.Run("accepts matching tenant", func(t *testing.T) {
		ref := hierarchy.NodeRef{TenantID: "acme", Level: hierarchy.LevelTask, ID: "t1"}
		got, err := Guard("acme", ref)
		require.NoError(t, err)
		assert.Equal(t, ref, got)
	})

	t.Run("rejects other tenant", func(t *testing.T) {
		ref := hierarchy.NodeRef{TenantID: "globex", Level: hierarchy.LevelTask, ID: "t1"}
		_, err := Guard("acme", ref)
		assert.ErrorIs(t, err, hierarchy.ErrCrossTenantAccess)
	})

	t.Run("rejects empty caller tenant", func(t *testing.T) {
		ref := hierarchy.NodeRef{TenantID: "", Level: hierarchy.LevelTask, ID: "t1"}
		_, err := Guard("", ref)
		assert.ErrorIs(t, err, hierarchy.ErrCrossTenantAccess)
	})

	t.Run("rejects malformed ref", func(t *testing.T) {
		ref := hierarchy.NodeRef{TenantID: "acme", Level: hierarchy.LevelGlobal, ID: "not-global"}
		_, err := Guard("acme", ref)
		assert.ErrorIs(t, err, hierarchy.ErrInvalidArgument)
	})
}

func TestGuardNode(t *testing.T) {
	node := &hierarchy.ContextNode{Ref: hierarchy.Global("globex"), Version: 1}
	assert.ErrorIs(t, GuardNode("acme", node), hierarchy.ErrCrossTenantAccess)
	assert.NoError(t, GuardNode("globex", node))
	assert.NoError(t, GuardNode("acme", nil))
}

func TestGuardContext(t *testing.T) {
	ec := &hierarchy.EffectiveContext{Ref: hierarchy.Global("globex")}
	assert.ErrorIs(t, GuardContext("acme", ec), hierarchy.ErrCrossTenantAccess)
	assert.NoError(t, GuardContext("globex", ec))
}

func TestNewScope(t *testing.T) {
	_, err := NewScope("")
	assert.ErrorIs(t, err, hierarchy.ErrCrossTenantAccess)

	_, err = NewScope("a:b")
	assert.ErrorIs(t, err, hierarchy.ErrInvalidArgument)

	s, err := NewScope("acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", s.TenantID())
	assert.Equal(t, hierarchy.NodeRef{TenantID: "acme", Level: hierarchy.LevelProject, ID: "p"}, s.Ref(hierarchy.LevelProject, "p"))
}

// Scopes are values: a copy handed to another goroutine keeps its tenant.
func TestScopeSurvivesGoroutineHandOff(t *testing.T) {
	scopes := make([]Scope, 0, 16)
	for i := 0; i < 16; i++ {
		s, err := NewScope([]string{"acme", "globex"}[i%2])
		require.NoError(t, err)
		scopes = append(scopes, s)
	}

	results := make([]string, len(scopes))
	var wg sync.WaitGroup
	for i, s := range scopes {
		wg.Add(1)
		go func(i int, s Scope) {
			defer wg.Done()
			ref, err := s.Check(s.Ref(hierarchy.LevelProject, "p"))
			if err == nil {
				results[i] = ref.TenantID
			}
		}(i, s)
	}
	wg.Wait()

	for i, s := range scopes {
		assert.Equal(t, s.TenantID(), results[i])
	}
}
