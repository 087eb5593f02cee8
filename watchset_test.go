package devloop

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func snapshotPaths(entries []WatchEntry) []string {
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Exists {
			paths = append(paths, e.Path)
		}
	}
	return paths
}

func TestWatchSetSnapshotTargets(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "build.yaml")
	writeFile(t, file, "x")
	writeFile(t, filepath.Join(dir, "src", "main.go"), "package main")
	writeFile(t, filepath.Join(dir, "src", "nested", "util.go"), "package nested")
	writeFile(t, filepath.Join(dir, "src", "scratch.tmp"), "")
	missing := filepath.Join(dir, "gone.txt")

	set, err := NewWatchSet(WatchSpec{
		Targets:    []string{file, filepath.Join(dir, "src"), missing, file},
		Excludes:   []string{"*.tmp"},
		Descriptor: file,
	})
	require.NoError(t, err)

	entries := set.Snapshot()
	assert.Equal(t, []string{
		file,
		filepath.Join(dir, "src", "main.go"),
		filepath.Join(dir, "src", "nested", "util.go"),
	}, snapshotPaths(entries))
	assert.Contains(t, entries, WatchEntry{Path: missing})
	assert.Equal(t, file, set.Descriptor())
	assert.Len(t, set.Roots(), 3)
}

func TestWatchSetPatterns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.go"), "")
	writeFile(t, filepath.Join(dir, "b.txt"), "")
	writeFile(t, filepath.Join(dir, "sub", "c.go"), "")
	writeFile(t, filepath.Join(dir, "sub", "c_test.go"), "")
	writeFile(t, filepath.Join(dir, "vendor", "d.go"), "")

	set, err := NewWatchSet(WatchSpec{
		Patterns: []PatternConfig{{
			Dir:      dir,
			Includes: []string{"*.go"},
			Excludes: []string{"vendor", "*_test.go"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(dir, "a.go"),
		filepath.Join(dir, "sub", "c.go"),
	}, snapshotPaths(set.Snapshot()))
}

func TestNewWatchSetRejectsBadPattern(t *testing.T) {
	_, err := NewWatchSet(WatchSpec{Excludes: []string{"[unterminated"}})
	assert.Error(t, err)
}

func TestDiffEntries(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := indexEntries([]WatchEntry{
		{Path: "/same", ModTime: base, Exists: true},
		{Path: "/newer", ModTime: base, Exists: true},
		{Path: "/older", ModTime: base, Exists: true},
		{Path: "/deleted", ModTime: base, Exists: true},
		{Path: "/vanished", ModTime: base, Exists: true},
		{Path: "/still-missing"},
		{Path: "/appeared"},
	})
	cur := []WatchEntry{
		{Path: "/same", ModTime: base, Exists: true},
		{Path: "/newer", ModTime: base.Add(time.Second), Exists: true},
		{Path: "/older", ModTime: base.Add(-time.Hour), Exists: true},
		{Path: "/deleted"},
		{Path: "/still-missing"},
		{Path: "/appeared", ModTime: base, Exists: true},
		{Path: "/added", ModTime: base, Exists: true},
	}

	assert.Equal(t, []string{"/added", "/appeared", "/deleted", "/newer", "/older", "/vanished"}, diffEntries(prev, cur))
	assert.Empty(t, diffEntries(indexEntries(cur), cur))
}
