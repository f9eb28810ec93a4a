package steps

import (
	"regexp"
	"strings"
)

// Fileset holds an ordered sequence of include/exclude path patterns
// tagged with the partition unqualified patterns route to. Patterns are
// path globs; `*` is the wildcard, a leading `-` marks an exclude, and
// `(name)/rest` restricts (and routes) a pattern to partition `name`.
type Fileset struct {
	name             string
	defaultPartition string
	patterns         []string // in insertion order, as supplied
}

// NewFileset builds a Fileset from patterns in insertion order.
func NewFileset(name string, patterns []string, defaultPartition string) *Fileset {
	cp := make([]string, len(patterns))
	copy(cp, patterns)
	return &Fileset{name: name, defaultPartition: defaultPartition, patterns: cp}
}

func (f *Fileset) Name() string             { return f.name }
func (f *Fileset) DefaultPartition() string { return f.defaultPartition }

// Entries returns the patterns in insertion order, unmodified.
func (f *Fileset) Entries() []string {
	out := make([]string, len(f.patterns))
	copy(out, f.patterns)
	return out
}

// Includes returns the patterns without a leading `-`.
func (f *Fileset) Includes() []string {
	var out []string
	for _, p := range f.patterns {
		if !strings.HasPrefix(p, "-") {
			out = append(out, p)
		}
	}
	return out
}

// Excludes returns the patterns with a leading `-`, stripped.
func (f *Fileset) Excludes() []string {
	var out []string
	for _, p := range f.patterns {
		if strings.HasPrefix(p, "-") {
			out = append(out, strings.TrimPrefix(p, "-"))
		}
	}
	return out
}

// effectiveIncludes returns Includes(), defaulting an empty list to
// ["*"]: an empty include list is equivalent to *.
func (f *Fileset) effectiveIncludes() []string {
	inc := f.Includes()
	if len(inc) == 0 {
		return []string{"*"}
	}
	return inc
}

// isWildcardOnly reports whether f's includes are empty or exactly
// ["*"], the condition Combine checks.
func (f *Fileset) isWildcardOnly() bool {
	inc := f.Includes()
	return len(inc) == 0 || (len(inc) == 1 && inc[0] == "*")
}

// Combine merges other into f: if f's includes are empty or exactly
// ["*"], the result's includes become other's patterns (entirely);
// otherwise f's own patterns are kept. Excludes from both are always
// unioned. Combine returns a new Fileset; f and other are unmodified.
//
// Fileset(["*"]).Combine(other) == other; Combine is idempotent when
// other equals f.
func (f *Fileset) Combine(other *Fileset) *Fileset {
	var patterns []string
	if f.isWildcardOnly() {
		patterns = append(patterns, other.Entries()...)
		// f's own excludes (if any) still apply on top of other's.
		for _, p := range f.patterns {
			if strings.HasPrefix(p, "-") {
				patterns = append(patterns, p)
			}
		}
	} else {
		patterns = append(patterns, f.Entries()...)
		for _, p := range other.patterns {
			if strings.HasPrefix(p, "-") {
				patterns = append(patterns, p)
			}
		}
	}
	return &Fileset{name: f.name, defaultPartition: f.defaultPartition, patterns: dedupe(patterns)}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// splitPartitionPrefix parses a pattern of the form "(name)/rest",
// returning the partition name, the remaining pattern, and whether a
// prefix was present. A bare pattern binds to the default partition
// (caller substitutes it in).
func splitPartitionPrefix(pattern string) (partition, rest string, hasPrefix bool) {
	if !strings.HasPrefix(pattern, "(") {
		return "", pattern, false
	}
	end := strings.IndexByte(pattern, ')')
	if end < 0 {
		return "", pattern, false
	}
	name := pattern[1:end]
	rem := pattern[end+1:]
	rem = strings.TrimPrefix(rem, "/")
	return name, rem, true
}

var globCache = struct {
	m map[string]*regexp.Regexp
}{m: make(map[string]*regexp.Regexp)}

// globToRegexp compiles a glob pattern to an anchored regexp. `*`
// matches any run of characters excluding `/`; `**` matches any run of
// characters including `/` (so "usr/**" reaches arbitrarily deep). No
// library in the retrieved pack provides doublestar-style glob matching
// (see DESIGN.md); this is a small hand-rolled translation to
// regexp, the same way the standard library's path.Match is a hand
// translation of single-level globs.
func globToRegexp(pattern string) *regexp.Regexp {
	if re, ok := globCache.m[pattern]; ok {
		return re
	}
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); {
		c := pattern[i]
		if c == '*' {
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				sb.WriteString(".*")
				i += 2
				continue
			}
			sb.WriteString("[^/]*")
			i++
			continue
		}
		sb.WriteString(regexp.QuoteMeta(string(c)))
		i++
	}
	sb.WriteString("$")
	re := regexp.MustCompile(sb.String())
	globCache.m[pattern] = re
	return re
}

// matchPattern reports whether rel (a source-root-relative path using
// forward slashes) matches pattern, after partition-prefix stripping.
func matchPattern(pattern, rel string) bool {
	if pattern == "*" {
		return true
	}
	return globToRegexp(pattern).MatchString(rel)
}
