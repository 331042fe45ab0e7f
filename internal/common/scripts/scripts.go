// Package scripts tracks the helper scripts the coordinator has asked a
// runner to keep available for its executors.
package scripts

import (
	"sort"
	"sync"
)

// Set is a concurrency-safe set of script names. The coordinator's sync and
// remove commands are applied in poll order; the current contents are handed
// to executors at spawn time.
type Set struct {
	mu    sync.Mutex
	names map[string]bool
}

// NewSet creates an empty script set.
func NewSet() *Set {
	return &Set{names: make(map[string]bool)}
}

// Sync marks the named scripts as present. Repeat syncs are no-ops.
func (s *Set) Sync(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		s.names[name] = true
	}
}

// Remove drops the named scripts. Removing an absent name is a no-op.
func (s *Set) Remove(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		delete(s.names, name)
	}
}

// Names returns the current script names, sorted for stable output.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.names))
	for name := range s.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
