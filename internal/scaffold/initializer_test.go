package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dyluth/canopy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		check   func(t *testing.T, cfg *config.CanopyConfig)
	}{
		{
			name:    "memory",
			backend: config.BackendMemory,
			check: func(t *testing.T, cfg *config.CanopyConfig) {
				assert.False(t, cfg.Invalidation.Enabled)
			},
		},
		{
			name:    "sqlite",
			backend: config.BackendSQLite,
			check: func(t *testing.T, cfg *config.CanopyConfig) {
				assert.Equal(t, ".canopy/canopy.db", cfg.Store.SQLite.Path)
			},
		},
		{
			name:    "redis enables the bus",
			backend: config.BackendRedis,
			check: func(t *testing.T, cfg *config.CanopyConfig) {
				assert.True(t, cfg.Invalidation.Enabled)
				assert.Equal(t, cfg.Store.Redis.URL, cfg.Invalidation.URL)
			},
		},
		{
			name:    "postgres",
			backend: config.BackendPostgres,
			check: func(t *testing.T, cfg *config.CanopyConfig) {
				assert.Equal(t, int32(10), cfg.Store.Postgres.MaxConns)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "conf", "canopy.yml")
			require.NoError(t, Initialize(path, tt.backend, false))

			cfg, err := config.Load(path)
			require.NoError(t, err)
			assert.Equal(t, tt.backend, cfg.Store.Backend)
			require.Len(t, cfg.Delegation.AutoApprove, 1)
			tt.check(t, cfg)
		})
	}
}

func TestInitialize_ExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canopy.yml")
	require.NoError(t, os.WriteFile(path, []byte("old content"), 0o644))

	err := Initialize(path, config.BackendMemory, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	content, _ := os.ReadFile(path)
	assert.Equal(t, "old content", string(content))

	require.NoError(t, Initialize(path, config.BackendMemory, true))
	_, err = config.Load(path)
	assert.NoError(t, err)
}

func TestRender_UnknownBackend(t *testing.T) {
	_, err := Render("cassandra")
	assert.ErrorContains(t, err, "unknown backend")
}
