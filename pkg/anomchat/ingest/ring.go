package ingest

import "sync"

// Ring is a fixed-capacity set of recently seen event IDs. When full, the
// oldest ID is evicted first.
type Ring struct {
	mu    sync.Mutex
	ids   []string
	index map[string]struct{}
	next  int
	full  bool
}

// NewRing creates a ring holding up to capacity IDs.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Ring{
		ids:   make([]string, capacity),
		index: make(map[string]struct{}, capacity),
	}
}

// Add records id and reports whether it was new.
func (r *Ring) Add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[id]; ok {
		return false
	}
	if r.full {
		delete(r.index, r.ids[r.next])
	}
	r.ids[r.next] = id
	r.index[id] = struct{}{}
	r.next++
	if r.next == len(r.ids) {
		r.next = 0
		r.full = true
	}
	return true
}

// Contains reports whether id is in the window.
func (r *Ring) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[id]
	return ok
}

// Len returns the number of IDs held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.index)
}
