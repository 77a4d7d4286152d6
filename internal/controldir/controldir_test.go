package controldir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_CreatesAllDirectories(t *testing.T) {
	repoRoot := t.TempDir()

	err := Initialize(repoRoot)
	require.NoError(t, err)

	for _, dir := range []string{"locks", "status", "events", "archive"} {
		path := filepath.Join(repoRoot, Name, dir)
		info, err := os.Stat(path)
		require.NoError(t, err, "directory %s should exist", dir)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	repoRoot := t.TempDir()

	require.NoError(t, Initialize(repoRoot))
	assert.NoError(t, Initialize(repoRoot))
}

func TestIsInitialized(t *testing.T) {
	repoRoot := t.TempDir()

	ok, err := IsInitialized(repoRoot)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, Initialize(repoRoot))

	ok, err = IsInitialized(repoRoot)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsInitialized_Partial(t *testing.T) {
	repoRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repoRoot, Name, "locks"), 0700))

	ok, err := IsInitialized(repoRoot)
	require.NoError(t, err)
	assert.False(t, ok, "missing directories should not count as initialized")
}

func TestPaths(t *testing.T) {
	assert.Equal(t, filepath.Join("/repo", Name, "locks", "task-1.json"), LockPath("/repo", "task-1"))
	assert.Equal(t, filepath.Join("/repo", Name, "status", "task-1"), StatusDir("/repo", "task-1"))
	assert.Equal(t, filepath.Join("/repo", Name, "events", "task-1.ndjson"), EventLogPath("/repo", "task-1"))
	assert.Equal(t, filepath.Join("/repo", Name, "archive", "task-1.json"), ArchivePath("/repo", "task-1"))
	assert.Equal(t, filepath.Join("/repo", Name, "config.yaml"), ConfigPath("/repo"))
}
