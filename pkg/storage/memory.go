package storage

import (
	"sort"
	"sync"
)

// MemoryStore is a thread-safe in-memory chain store.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Short-lived chains that never need to survive a restart
//
// Keys are kept in a sorted slice beside the map so KeysFrom can binary
// search to its start position, matching BadgerStore's ordering exactly.
//
// Example:
//
//	store := storage.NewMemoryStore()
//	defer store.Close()
//
//	store.Append(storage.StartKey(), storage.Word("hello"))
type MemoryStore struct {
	mu     sync.RWMutex
	lists  map[string]SuccessorList
	sorted []string
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lists: make(map[string]SuccessorList),
	}
}

// Get returns a copy of key's successors.
func (m *MemoryStore) Get(key ContextKey) (SuccessorList, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	return m.lists[key.String()].Clone(), nil
}

// Has reports whether key has been written.
func (m *MemoryStore) Has(key ContextKey) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrStorageClosed
	}
	_, ok := m.lists[key.String()]
	return ok, nil
}

// Append adds tok to the end of key's list.
func (m *MemoryStore) Append(key ContextKey, tok Token) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := tok.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}

	text := key.String()
	list, ok := m.lists[text]
	if !ok {
		i := sort.SearchStrings(m.sorted, text)
		m.sorted = append(m.sorted, "")
		copy(m.sorted[i+1:], m.sorted[i:])
		m.sorted[i] = text
	}
	m.lists[text] = append(list, tok)
	return nil
}

// Remove deletes the first occurrence of tok from key's list.
func (m *MemoryStore) Remove(key ContextKey, tok Token) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrStorageClosed
	}

	text := key.String()
	list, ok := m.lists[text]
	if !ok {
		return false, nil
	}
	out, removed := list.RemoveOne(tok)
	m.lists[text] = out
	return removed, nil
}

// KeysFrom visits keys sorting at or after start.
// The key set is snapshotted first so fn may call back into the store.
func (m *MemoryStore) KeysFrom(start string, fn func(ContextKey) bool) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStorageClosed
	}
	i := sort.SearchStrings(m.sorted, start)
	keys := make([]string, len(m.sorted)-i)
	copy(keys, m.sorted[i:])
	m.mu.RUnlock()

	for _, text := range keys {
		key, err := ParseContextKey(text)
		if err != nil {
			continue
		}
		if !fn(key) {
			break
		}
	}
	return nil
}

// AllKeys visits every key in order.
func (m *MemoryStore) AllKeys(fn func(ContextKey) bool) error {
	return m.KeysFrom("", fn)
}

// KeyCount returns the number of contexts.
func (m *MemoryStore) KeyCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return len(m.sorted), nil
}

// Close marks the store closed and drops its contents.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.lists = nil
	m.sorted = nil
	return nil
}

var _ ChainStore = (*MemoryStore)(nil)
