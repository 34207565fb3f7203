package posix

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoveForceIgnoresMissing(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, Remove(dir, []string{"missing", ".venv"}, true, true))
	assert.Error(t, Remove(dir, []string{"missing"}, true, false))
}

func TestRemoveDirectoryNeedsRecursive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))

	assert.Error(t, Remove(dir, []string{"a"}, false, false))
	assert.DirExists(t, filepath.Join(dir, "a"))

	require.NoError(t, Remove(dir, []string{"a"}, true, false))
	assert.NoDirExists(t, filepath.Join(dir, "a"))
}

func TestMkdirParents(t *testing.T) {
	dir := t.TempDir()

	assert.Error(t, Mkdir(dir, []string{"x/y/z"}, false))
	require.NoError(t, Mkdir(dir, []string{"x/y/z"}, true))
	require.NoError(t, Mkdir(dir, []string{"x/y/z"}, true))
	assert.DirExists(t, filepath.Join(dir, "x", "y", "z"))
}

func TestMove(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "out"), 0o755))

	require.NoError(t, Move(dir, []string{"a.txt", "b.txt", "out"}))
	assert.FileExists(t, filepath.Join(dir, "out", "a.txt"))
	assert.FileExists(t, filepath.Join(dir, "out", "b.txt"))

	require.NoError(t, Move(dir, []string{"out/a.txt", "renamed.txt"}))
	assert.FileExists(t, filepath.Join(dir, "renamed.txt"))

	assert.Error(t, Move(dir, []string{"renamed.txt"}))
	assert.Error(t, Move(dir, []string{"renamed.txt", "out/b.txt", "nope.txt"}))
}
