package statestore

import "sync"

// MemoryStore is an in-memory Store implementation for tests and ephemeral
// runs (--no-persist). Same last-write-wins and notification semantics as
// the SQLite store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
	subs   map[int]func(key, value string)
	next   int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]string),
		subs:   make(map[int]func(key, value string)),
	}
}

// Get retrieves a value by key. Returns nil if the key doesn't exist.
func (s *MemoryStore) Get(key string) (*string, error) {
	s.mu.RLock()
	value, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &value, nil
}

// Set stores a value and notifies subscribers.
func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	fns := make([]func(string, string), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(key, value)
	}
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}

// Subscribe registers a change listener. The returned function unsubscribes.
func (s *MemoryStore) Subscribe(fn func(key, value string)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
