package bridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// handle is a session-side reference to a host-owned object.
type handle struct {
	id       string
	value    any
	kind     string
	created  time.Time
	lastUsed time.Time
}

// HandleStore maps opaque string IDs to host-owned objects that cannot be
// copied into the scripting runtime. The store keeps the only reference
// the bridge holds; releasing a handle makes the object unreachable from
// the scripting side.
type HandleStore struct {
	mu      sync.RWMutex
	handles map[string]*handle
	nextID  atomic.Uint64
}

// NewHandleStore creates an empty handle store.
func NewHandleStore() *HandleStore {
	return &HandleStore{handles: make(map[string]*handle)}
}

// Create registers a host object and returns its opaque handle ID. The
// kind string labels the object for diagnostics.
func (s *HandleStore) Create(value any, kind string) string {
	id := fmt.Sprintf("h-%d", s.nextID.Add(1))

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.handles[id] = &handle{
		id:       id,
		value:    value,
		kind:     kind,
		created:  now,
		lastUsed: now,
	}
	return id
}

// Lookup retrieves the object behind a handle. Returns the object and
// true, or nil and false if the handle doesn't exist.
func (s *HandleStore) Lookup(id string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return nil, false
	}
	h.lastUsed = time.Now()
	return h.value, true
}

// ResolveHandle reports whether a handle ID is known. Implements
// wire.HandleResolver for the codec.
func (s *HandleStore) ResolveHandle(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.handles[id]
	return ok
}

// Release removes a handle.
func (s *HandleStore) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.handles, id)
}

// ReleaseAll drops every handle. Called on session teardown.
func (s *HandleStore) ReleaseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handles = make(map[string]*handle)
}

// Len returns the number of live handles.
func (s *HandleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.handles)
}

// Sweep removes handles that haven't been accessed within the TTL.
func (s *HandleStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, h := range s.handles {
		if h.lastUsed.Before(cutoff) {
			delete(s.handles, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *HandleStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
