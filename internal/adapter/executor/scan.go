package executor

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// snapshotDir lists regular files directly under dir. Dotfiles (the script
// temp file, the saved workspace image when hidden) are not artifacts.
func snapshotDir(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	snap := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || isInternalFile(entry.Name()) {
			continue
		}
		snap[entry.Name()] = struct{}{}
	}
	return snap, nil
}

// snapshotDirRecursive walks the whole tree, recording paths relative to dir.
func snapshotDirRecursive(dir string) (map[string]struct{}, error) {
	snap := make(map[string]struct{})
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || isInternalFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		snap[filepath.ToSlash(rel)] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// diffSnapshots returns the sorted names present in after but not before.
func diffSnapshots(before, after map[string]struct{}) []string {
	var fresh []string
	for name := range after {
		if _, ok := before[name]; !ok {
			fresh = append(fresh, name)
		}
	}
	sort.Strings(fresh)
	return fresh
}

// isInternalFile reports whether name is executor bookkeeping rather than a
// user-visible artifact.
func isInternalFile(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".RData")
}
