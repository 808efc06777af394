// Package registry tracks file paths that are currently being processed so
// duplicate creation events for the same path are suppressed while one unit
// of work is in flight.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Entry describes one in-flight file.
type Entry struct {
	Path       string    `json:"path"`
	Target     string    `json:"target"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Registry is a mutex-guarded set of in-flight paths. A path is a member iff
// a unit of work for it is currently executing.
type Registry struct {
	mu       sync.Mutex
	inFlight map[string]Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{inFlight: make(map[string]Entry)}
}

// TryAcquire atomically inserts path if absent. Returns false when the path
// is already in flight and must be skipped.
func (r *Registry) TryAcquire(path, target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.inFlight[path]; exists {
		return false
	}
	r.inFlight[path] = Entry{
		Path:       path,
		Target:     target,
		EnqueuedAt: time.Now().UTC(),
	}
	return true
}

// Release removes path unconditionally. Releasing an absent path is a no-op.
func (r *Registry) Release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, path)
}

// Contains reports whether path is currently in flight.
func (r *Registry) Contains(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[path]
	return ok
}

// Len returns the number of in-flight paths.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}

// Snapshot returns the in-flight entries ordered by enqueue time, for the
// status API and monitor.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.inFlight))
	for _, e := range r.inFlight {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].Path < out[j].Path
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}
