// Package resolver locates programs on the filesystem search path.
package resolver

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Resolution is the outcome of a lookup. A miss is data, not an error.
type Resolution struct {
	Found       bool
	Path        string
	SearchPaths []string
}

// Resolver resolves program names against configured extra entries followed
// by $PATH. Lookups are cached; the cache is safe for concurrent use.
type Resolver struct {
	mu    sync.RWMutex
	extra []string
	cache map[string]Resolution
}

// New creates a resolver. Extra entries are searched before $PATH, in order.
func New(extra ...string) *Resolver {
	return &Resolver{
		extra: append([]string(nil), extra...),
		cache: make(map[string]Resolution),
	}
}

// Resolve finds the executable for name. Names containing a path separator
// are checked directly instead of searched.
func (r *Resolver) Resolve(name string) Resolution {
	r.mu.RLock()
	res, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return res
	}

	res = r.lookup(name)

	r.mu.Lock()
	r.cache[name] = res
	r.mu.Unlock()
	return res
}

func (r *Resolver) lookup(name string) Resolution {
	if strings.ContainsRune(name, os.PathSeparator) {
		if isExecutable(name) {
			abs, err := filepath.Abs(name)
			if err != nil {
				abs = name
			}
			return Resolution{Found: true, Path: abs}
		}
		return Resolution{}
	}

	paths := r.searchPaths()
	for _, dir := range paths {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return Resolution{Found: true, Path: candidate, SearchPaths: paths}
		}
	}
	return Resolution{SearchPaths: paths}
}

func (r *Resolver) searchPaths() []string {
	paths := append([]string(nil), r.extra...)
	return append(paths, filepath.SplitList(os.Getenv("PATH"))...)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
