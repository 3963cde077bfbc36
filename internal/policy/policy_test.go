package policy

import (
	"testing"

	"github.com/dyluth/canopy/internal/config"
	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldAutoApprove(t *testing.T) {
	p, err := FromConfig([]config.AutoApproveRule{
		{From: "task", To: "branch", Keys: []string{"status", "notes"}},
		{From: "branch", To: "project", MaxKeys: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())

	tests := []struct {
		name     string
		source   hierarchy.Level
		target   hierarchy.Level
		payload  map[string]any
		expected bool
	}{
		{"allowed keys", hierarchy.LevelTask, hierarchy.LevelBranch, map[string]any{"status": "done"}, true},
		{"foreign key", hierarchy.LevelTask, hierarchy.LevelBranch, map[string]any{"status": "done", "owner": "x"}, false},
		{"no rule for pair", hierarchy.LevelTask, hierarchy.LevelProject, map[string]any{"status": "done"}, false},
		{"within size", hierarchy.LevelBranch, hierarchy.LevelProject, map[string]any{"a": 1}, true},
		{"too large", hierarchy.LevelBranch, hierarchy.LevelProject, map[string]any{"a": 1, "b": 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, p.ShouldAutoApprove(tt.source, tt.target, tt.payload))
		})
	}
}

func TestFromConfig_InvalidRule(t *testing.T) {
	_, err := FromConfig([]config.AutoApproveRule{{From: "project", To: "task"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule 0")
}

func TestNilPolicyApprovesNothing(t *testing.T) {
	var p *Policy
	assert.False(t, p.ShouldAutoApprove(hierarchy.LevelTask, hierarchy.LevelGlobal, map[string]any{"a": 1}))
	assert.False(t, New().ShouldAutoApprove(hierarchy.LevelTask, hierarchy.LevelGlobal, map[string]any{"a": 1}))
}
