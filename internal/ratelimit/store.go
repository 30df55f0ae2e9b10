package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// Window is the counting state for one key during one fixed window.
type Window struct {
	Key     string    `json:"key"`
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// Expired reports whether the window has closed at now.
// A window is still live at exactly ResetAt.
func (w Window) Expired(now time.Time) bool {
	return now.After(w.ResetAt)
}

// MemoryStore keeps windows in process memory behind a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]Window
}

// NewMemoryStore creates an empty window store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]Window),
	}
}

// Get returns the window for key, if any.
func (s *MemoryStore) Get(key string) (Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	return w, ok
}

// Set replaces the window for key.
func (s *MemoryStore) Set(key string, w Window) {
	w.Key = key
	s.mu.Lock()
	s.windows[key] = w
	s.mu.Unlock()
}

// Delete removes the window for key. Missing keys are ignored.
func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
}

// Update runs fn with the current window for key under the store lock.
// When fn returns write=true the returned window is stored.
func (s *MemoryStore) Update(key string, fn func(w Window, ok bool) (next Window, write bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	next, write := fn(w, ok)
	if write {
		next.Key = key
		s.windows[key] = next
	}
}

// DeleteIfExpired removes the window for key only if it has expired at now.
func (s *MemoryStore) DeleteIfExpired(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !w.ResetAt.Before(now) {
		return false
	}
	delete(s.windows, key)
	return true
}

// Keys returns a snapshot of the stored keys.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.windows))
	for k := range s.windows {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of stored windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Snapshot copies every window, sorted by key.
func (s *MemoryStore) Snapshot() []Window {
	s.mu.Lock()
	out := make([]Window, 0, len(s.windows))
	for _, w := range s.windows {
		out = append(out, w)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
