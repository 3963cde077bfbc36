package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/canopy/internal/invalidation"
	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for a command goroutine and a test reader
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// setupSQLite points the CLI at a fresh SQLite file with no config file
func setupSQLite(t *testing.T) string {
	color.NoColor = true
	dir := t.TempDir()
	t.Setenv("CANOPY_STORE", "sqlite")
	t.Setenv("CANOPY_SQLITE_PATH", filepath.Join(dir, "canopy.db"))
	return filepath.Join(dir, "missing.yml")
}

func run(t *testing.T, configPath string, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCmd()
	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetArgs(append([]string{"--config", configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func mustRun(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	out, errOut, err := run(t, configPath, args...)
	require.NoError(t, err, "stderr: %s", errOut)
	return out
}

func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	cfg := setupSQLite(t)
	out, _, err := run(t, cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "canopy")
}

func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	cfg := setupSQLite(t)
	_, _, err := run(t, cfg, "--goal", "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestCommands_RequireTenant(t *testing.T) {
	cfg := setupSQLite(t)
	_, errOut, err := run(t, cfg, "resolve", "task/t1")
	require.EqualError(t, err, "tenant is required")
	assert.Contains(t, errOut, "--tenant acme")
}

func TestCommands_InvalidRef(t *testing.T) {
	cfg := setupSQLite(t)
	for _, ref := range []string{"task", "planet/x", "project/"} {
		_, _, err := run(t, cfg, "--tenant", "acme", "get", ref)
		assert.ErrorContains(t, err, "invalid node reference", ref)
	}
}

func TestCommands_InvalidConfig(t *testing.T) {
	color.NoColor = true
	path := filepath.Join(t.TempDir(), "canopy.yml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"2.0\"\nstore:\n  backend: memory\n"), 0o644))

	_, errOut, err := run(t, path, "--tenant", "acme", "get", "global")
	require.EqualError(t, err, "invalid configuration")
	assert.Contains(t, errOut, "unsupported version")
}

func TestCommands_PutResolveDelegateReview(t *testing.T) {
	cfg := setupSQLite(t)
	acme := []string{"--tenant", "acme"}
	cmd := func(args ...string) []string { return append(append([]string{}, acme...), args...) }

	out := mustRun(t, cfg, cmd("put", "global", "--data", `{"theme":"dark","log_level":"info"}`)...)
	assert.Contains(t, out, "✓ Saved acme/global/global")
	assert.Contains(t, out, "version: 1")

	mustRun(t, cfg, cmd("put", "project/web", "--data", `{"theme":"light"}`)...)
	mustRun(t, cfg, cmd("put", "branch/main", "--project", "web", "--data", `{"log_level":"debug"}`)...)
	mustRun(t, cfg, cmd("put", "task/t1", "--project", "web", "--branch", "main", "--data", `{"assignee":"sam"}`)...)

	out = mustRun(t, cfg, cmd("resolve", "task/t1", "--output", "json")...)
	var ec hierarchy.EffectiveContext
	require.NoError(t, json.Unmarshal([]byte(out), &ec))
	assert.Equal(t, map[string]any{"theme": "light", "log_level": "debug", "assignee": "sam"}, ec.MergedData)
	assert.Equal(t, int64(1), ec.SourceVersions[hierarchy.LevelTask])

	out = mustRun(t, cfg, cmd("resolve", "task/t1")...)
	assert.Contains(t, out, "Effective context for acme/task/t1")
	assert.Contains(t, out, "Sources: global=v1 project=v1 branch=v1 task=v1")

	out = mustRun(t, cfg, cmd("delegate", "task/t1", "--to", "project", "--payload", `{"priority":"high"}`, "--reason", "escalation")...)
	assert.Contains(t, out, "queued for review on acme/project/web")

	out = mustRun(t, cfg, cmd("pending", "project/web", "--output", "json")...)
	var pending hierarchy.DelegationRequest
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &pending))
	assert.Equal(t, hierarchy.DelegationStatusPending, pending.Status)
	assert.Equal(t, "escalation", pending.Reason)

	out = mustRun(t, cfg, cmd("pending", "project/web", "--source", "branch/*")...)
	assert.Contains(t, out, "No delegations found")

	out = mustRun(t, cfg, cmd("review", "project/web", pending.ID[:8], "--approve")...)
	assert.Contains(t, out, "approved")

	_, _, err := run(t, cfg, cmd("review", "project/web", pending.ID, "--reject")...)
	assert.EqualError(t, err, "delegation already resolved")

	out = mustRun(t, cfg, cmd("pending", "project/web", "--history")...)
	assert.Contains(t, out, "1 delegation found")

	out = mustRun(t, cfg, cmd("get", "project/web")...)
	var node hierarchy.ContextNode
	require.NoError(t, json.Unmarshal([]byte(out), &node))
	assert.Equal(t, "high", node.Data["priority"])
	assert.Equal(t, int64(3), node.Version)

	// Tenants never see each other's nodes
	_, _, err = run(t, cfg, "--tenant", "globex", "get", "project/web")
	assert.EqualError(t, err, "node not found")
}

func TestCommands_DelegateValidation(t *testing.T) {
	cfg := setupSQLite(t)
	mustRun(t, cfg, "--tenant", "acme", "put", "project/web")

	_, _, err := run(t, cfg, "--tenant", "acme", "delegate", "project/web", "--to", "task", "--payload", `{"k":1}`)
	assert.EqualError(t, err, "invalid delegation target")

	_, _, err = run(t, cfg, "--tenant", "acme", "delegate", "project/web", "--to", "global", "--payload", `[1]`)
	assert.EqualError(t, err, "invalid JSON object")

	_, _, err = run(t, cfg, "--tenant", "acme", "review", "project/web", "some-id")
	assert.EqualError(t, err, "choose exactly one decision")
}

func TestCommands_DeleteAndLineage(t *testing.T) {
	cfg := setupSQLite(t)
	mustRun(t, cfg, "--tenant", "acme", "put", "branch/main", "--project", "web")
	mustRun(t, cfg, "--tenant", "acme", "put", "task/t1", "--project", "web", "--branch", "main")

	_, _, err := run(t, cfg, "--tenant", "acme", "put", "task/t1", "--project", "api", "--branch", "main")
	assert.EqualError(t, err, "invalid lineage")

	_, _, err = run(t, cfg, "--tenant", "acme", "delete", "branch/main")
	assert.EqualError(t, err, "node has descendants")

	out := mustRun(t, cfg, "--tenant", "acme", "delete", "task/t1")
	assert.Contains(t, out, "Deleted acme/task/t1")
	mustRun(t, cfg, "--tenant", "acme", "delete", "branch/main")

	out = mustRun(t, cfg, "--tenant", "acme", "invalidate", "project/web")
	assert.Contains(t, out, "Invalidated acme/project/web")
	assert.Contains(t, out, "Invalidation bus disabled")
}

func TestCommands_PutReadsDataFile(t *testing.T) {
	cfg := setupSQLite(t)
	file := filepath.Join(t.TempDir(), "web.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"region":"eu"}`), 0o644))

	mustRun(t, cfg, "--tenant", "acme", "put", "project/web", "--data", "@"+file)
	out := mustRun(t, cfg, "--tenant", "acme", "resolve", "project/web", "-o", "json")
	assert.Contains(t, out, `"region": "eu"`)
}

func TestWatch_StreamsRemoteInvalidations(t *testing.T) {
	color.NoColor = true
	mr := miniredis.RunT(t)

	path := filepath.Join(t.TempDir(), "canopy.yml")
	yml := fmt.Sprintf(`version: "1.0"
store:
  backend: redis
  redis:
    url: redis://%s
invalidation:
  enabled: true
`, mr.Addr())
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	root := NewRootCmd()
	root.SetOut(out)
	root.SetErr(&syncBuffer{})
	root.SetArgs([]string{"--config", path, "--tenant", "acme", "watch"})

	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Watching invalidations")
	}, 2*time.Second, 10*time.Millisecond)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	peer := invalidation.New(rdb)
	ref := hierarchy.NodeRef{TenantID: "acme", Level: hierarchy.LevelProject, ID: "web"}
	require.NoError(t, peer.PublishInvalidation(ctx, hierarchy.NodeRef{TenantID: "globex", Level: hierarchy.LevelProject, ID: "other"}))
	require.NoError(t, peer.PublishInvalidation(ctx, ref))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "invalidated acme/project/web")
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, out.String(), "globex")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestInit_WritesLoadableConfig(t *testing.T) {
	color.NoColor = true
	path := filepath.Join(t.TempDir(), "canopy.yml")

	out := mustRun(t, path, "init", "--backend", "memory")
	assert.Contains(t, out, "Wrote "+path)

	_, _, err := run(t, path, "init")
	assert.EqualError(t, err, "init failed")

	out = mustRun(t, path, "--tenant", "acme", "put", "global", "--data", `{"a":1}`)
	assert.Contains(t, out, "version: 1")
}
