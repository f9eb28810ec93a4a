package steps

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/xerrors"
)

type candidate struct {
	rel   string // relative to sourceRoot, forward slashes
	isDir bool
}

// walkCandidates lists every entry under root (excluding root itself) as
// a slash-separated relative path, classified as file or directory.
func walkCandidates(root string) ([]candidate, error) {
	var out []candidate
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		out = append(out, candidate{rel: rel, isDir: info.IsDir()})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// routeCandidate determines which partition rel belongs to and its path
// stripped of any "(name)/" prefix. If rel's leading component names a
// known partition but is not parenthesized, warn is true: it only
// warns and still binds to the default partition.
func routeCandidate(rel, defaultPartition string, known Partitions) (partition, stripped string, warn bool) {
	if part, rest, ok := splitPartitionPrefix(rel); ok {
		return part, rest, false
	}
	first := rel
	if idx := strings.IndexByte(rel, '/'); idx >= 0 {
		first = rel[:idx]
	}
	if known.Has(first) {
		return defaultPartition, rel, true
	}
	return defaultPartition, rel, false
}

// patternPartitionAndRest splits a fileset pattern into the partition it
// is qualified for (defaulting to defaultPartition when unqualified) and
// its stripped form.
func patternPartitionAndRest(pattern, defaultPartition string) (partition, rest string) {
	if part, r, ok := splitPartitionPrefix(pattern); ok {
		return part, r
	}
	return defaultPartition, pattern
}

// MigratableFilesets resolves fileset against sourceRoot and returns the
// file and directory sets belonging to targetPartition (or, if
// hasTarget is false, every candidate regardless of partition — single-
// tree mode). known is the set of valid partition names, used only to
// detect the warn-don't-bind case; it may be nil.
//
// Grounded on distri's internal/build/glob.go Glob/Glob1 pattern of
// a pure function that walks, classifies, and filters, but generalized
// from distri's flat package-name globbing to path globs with
// include/exclude and partition qualifiers.
func MigratableFilesets(fs *Fileset, sourceRoot, defaultPartition, targetPartition string, hasTarget bool, known Partitions) (files []string, dirs []string, err error) {
	candidates, err := walkCandidates(sourceRoot)
	if err != nil {
		return nil, nil, &Error{Kind: ErrFileset, Brief: "walking source root " + sourceRoot, Cause: xerrors.Errorf("walk %s: %w", sourceRoot, err)}
	}

	includes := fs.effectiveIncludes()
	excludes := fs.Excludes()

	var fileSet []string
	for _, c := range candidates {
		partition, stripped, warn := routeCandidate(c.rel, defaultPartition, known)
		if warn {
			logWarning("path %q begins with partition name but is not parenthesized; binding to default partition", c.rel)
		}
		if hasTarget && partition != targetPartition {
			continue
		}
		if c.isDir {
			continue // directories are derived from included files below
		}

		included := false
		for _, inc := range includes {
			incPartition, incRest := patternPartitionAndRest(inc, defaultPartition)
			if hasTarget && incPartition != targetPartition {
				continue
			}
			if matchPattern(incRest, stripped) {
				included = true
				break
			}
		}
		if !included {
			continue
		}

		excluded := false
		for _, exc := range excludes {
			excPartition, excRest := patternPartitionAndRest(exc, defaultPartition)
			if hasTarget && excPartition != targetPartition {
				continue
			}
			if matchPattern(excRest, stripped) || isAncestorMatch(excRest, stripped) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}

		fileSet = append(fileSet, stripped)
	}

	sort.Strings(fileSet)

	dirSet := ancestorClosure(fileSet)
	sort.Strings(dirSet)

	return fileSet, dirSet, nil
}

// isAncestorMatch reports whether excPattern matches stripped or any of
// its directory ancestors ("excluding an ancestor removes its
// contents").
func isAncestorMatch(excPattern, stripped string) bool {
	dir := stripped
	for {
		idx := strings.LastIndexByte(dir, '/')
		if idx < 0 {
			break
		}
		dir = dir[:idx]
		if matchPattern(excPattern, dir) {
			return true
		}
	}
	return false
}

// ancestorClosure returns every directory ancestor of files, deduplicated.
func ancestorClosure(files []string) []string {
	seen := make(map[string]bool)
	for _, f := range files {
		dir := f
		for {
			idx := strings.LastIndexByte(dir, '/')
			if idx < 0 {
				break
			}
			dir = dir[:idx]
			if seen[dir] {
				break
			}
			seen[dir] = true
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	return out
}
