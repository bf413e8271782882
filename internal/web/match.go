package web

import (
	"sync"

	"github.com/gobwas/glob"
)

// Allow-list patterns use path-style wildcards with "/" as the separator:
// "/api/*" matches one path segment under /api, "/api/**" matches the whole
// subtree, "**" matches everything. Matching is on the full request path,
// not a substring check.

var (
	patternMu sync.RWMutex
	patterns  = make(map[string]glob.Glob)
)

// MatchPath reports whether path matches the wildcard pattern. Invalid
// patterns never match. Compiled patterns are cached for the process
// lifetime; the allow-list is small and append-only.
func MatchPath(pattern, path string) bool {
	patternMu.RLock()
	g, ok := patterns[pattern]
	patternMu.RUnlock()

	if !ok {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			return false
		}
		patternMu.Lock()
		patterns[pattern] = compiled
		patternMu.Unlock()
		g = compiled
	}

	return g.Match(path)
}
