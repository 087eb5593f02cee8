package devloop

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/gobwas/glob"
)

// WatchEntry is one observed path. A file that could not be stat'ed is
// recorded with Exists false.
type WatchEntry struct {
	Path    string
	ModTime time.Time
	Exists  bool
}

// WatchSpec describes what a WatchSet covers.
type WatchSpec struct {
	Targets    []string
	Patterns   []PatternConfig
	Excludes   []string
	Descriptor string
}

type compiledPattern struct {
	dir      string
	includes []glob.Glob
	excludes []glob.Glob
}

// WatchSet is an immutable description of the watched paths: explicit files,
// directory trees expanded recursively on every scan, and pattern-selected
// trees. It is replaced wholesale, never modified.
type WatchSet struct {
	targets    []string
	patterns   []compiledPattern
	excludes   []glob.Glob
	descriptor string
}

func NewWatchSet(spec WatchSpec) (*WatchSet, error) {
	ws := &WatchSet{}
	seen := make(map[string]bool)
	for _, t := range spec.Targets {
		if t == "" {
			continue
		}
		abs, err := filepath.Abs(t)
		if err != nil {
			return nil, err
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		ws.targets = append(ws.targets, abs)
	}
	var err error
	if ws.excludes, err = compileGlobs(spec.Excludes); err != nil {
		return nil, err
	}
	for _, p := range spec.Patterns {
		dir, err := filepath.Abs(p.Dir)
		if err != nil {
			return nil, err
		}
		cp := compiledPattern{dir: dir}
		if cp.includes, err = compileGlobs(p.Includes); err != nil {
			return nil, err
		}
		if cp.excludes, err = compileGlobs(p.Excludes); err != nil {
			return nil, err
		}
		ws.patterns = append(ws.patterns, cp)
	}
	if spec.Descriptor != "" {
		if ws.descriptor, err = filepath.Abs(spec.Descriptor); err != nil {
			return nil, err
		}
	}
	return ws, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(filepath.ToSlash(p), '/')
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Descriptor is the build descriptor path; a change to it requires a
// reconfiguring restart.
func (ws *WatchSet) Descriptor() string {
	return ws.descriptor
}

// Roots returns the top-level paths, used to place filesystem notifications.
func (ws *WatchSet) Roots() []string {
	roots := append([]string(nil), ws.targets...)
	for _, p := range ws.patterns {
		roots = append(roots, p.dir)
	}
	return roots
}

// Snapshot stats every path in the set. Errors are never fatal: an unreadable
// or vanished path is reported as not existing.
func (ws *WatchSet) Snapshot() []WatchEntry {
	entries := make(map[string]WatchEntry)
	for _, t := range ws.targets {
		info, err := os.Stat(t)
		if err != nil {
			entries[t] = WatchEntry{Path: t}
			continue
		}
		if !info.IsDir() {
			entries[t] = WatchEntry{Path: t, ModTime: info.ModTime(), Exists: true}
			continue
		}
		ws.walk(t, nil, nil, entries)
	}
	for _, p := range ws.patterns {
		ws.walk(p.dir, p.includes, p.excludes, entries)
	}
	out := make([]WatchEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (ws *WatchSet) walk(root string, includes, excludes []glob.Glob, entries map[string]WatchEntry) {
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if p != root && (matchAny(ws.excludes, rel) || matchAny(excludes, rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if matchAny(ws.excludes, rel) || matchAny(excludes, rel) {
			return nil
		}
		if len(includes) > 0 && !matchAny(includes, rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			entries[p] = WatchEntry{Path: p}
			return nil
		}
		entries[p] = WatchEntry{Path: p, ModTime: info.ModTime(), Exists: true}
		return nil
	})
}

// matchAny matches against the root-relative path and the base name, so
// "*.tmp" excludes at any depth.
func matchAny(globs []glob.Glob, rel string) bool {
	base := path.Base(rel)
	for _, g := range globs {
		if g.Match(rel) || g.Match(base) {
			return true
		}
	}
	return false
}

// diffEntries returns the sorted paths that differ between two snapshots.
// Any timestamp difference counts, including one that goes backwards.
func diffEntries(prev map[string]WatchEntry, cur []WatchEntry) []string {
	var changed []string
	seen := make(map[string]bool, len(cur))
	for _, e := range cur {
		seen[e.Path] = true
		old, ok := prev[e.Path]
		switch {
		case !ok:
			if e.Exists {
				changed = append(changed, e.Path)
			}
		case old.Exists != e.Exists:
			changed = append(changed, e.Path)
		case e.Exists && !old.ModTime.Equal(e.ModTime):
			changed = append(changed, e.Path)
		}
	}
	for p, old := range prev {
		if !seen[p] && old.Exists {
			changed = append(changed, p)
		}
	}
	sort.Strings(changed)
	return changed
}

func indexEntries(entries []WatchEntry) map[string]WatchEntry {
	m := make(map[string]WatchEntry, len(entries))
	for _, e := range entries {
		m[e.Path] = e
	}
	return m
}
