package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Short-lived workflows where durability isn't required
//   - Restart-recovery tests that share one MemStore across engine restarts
//
// MemStore is thread-safe. Contexts are deep-copied on save and load so
// callers never share mutable maps with the store.
//
// Limitations:
//   - Data is lost when the process terminates
//   - Memory usage grows with event and history volume
//
// For durable workflows use SQLiteStore or MySQLStore.
type MemStore struct {
	mu       sync.RWMutex
	contexts map[string]*StateContext
	events   map[string][]Event
	history  map[string][]StateHistoryEntry
	closed   bool
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		contexts: make(map[string]*StateContext),
		events:   make(map[string][]Event),
		history:  make(map[string][]StateHistoryEntry),
	}
}

// SaveContext upserts a context by ID (implements Store).
func (m *MemStore) SaveContext(_ context.Context, sc *StateContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("store is closed")
	}
	if sc.ID == "" {
		return fmt.Errorf("context ID cannot be empty")
	}

	m.contexts[sc.ID] = sc.Clone()
	return nil
}

// LoadContext retrieves a deep copy of a context (implements Store).
//
// RecentEvents is rebuilt from the tail of the event log, matching the
// SQL backends which do not persist the window as a column.
func (m *MemStore) LoadContext(_ context.Context, id string) (*StateContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}

	sc, ok := m.contexts[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := sc.Clone()
	if log := m.events[id]; len(log) > 0 {
		start := 0
		if len(log) > MaxRecentEvents {
			start = len(log) - MaxRecentEvents
		}
		cp.RecentEvents = make([]Event, len(log)-start)
		copy(cp.RecentEvents, log[start:])
	}
	return cp, nil
}

// DeleteContext removes a context and its event and history logs.
func (m *MemStore) DeleteContext(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("store is closed")
	}

	delete(m.contexts, id)
	delete(m.events, id)
	delete(m.history, id)
	return nil
}

// ListContextIDs returns all context IDs, most recently updated first.
func (m *MemStore) ListContextIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}

	ids := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.contexts[ids[i]].LastUpdatedAt.After(m.contexts[ids[j]].LastUpdatedAt)
	})
	return ids, nil
}

// SaveEvent appends an event to the context's log.
func (m *MemStore) SaveEvent(_ context.Context, contextID string, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("store is closed")
	}

	m.events[contextID] = append(m.events[contextID], *ev)
	return nil
}

// SaveStateHistory appends one transition record.
func (m *MemStore) SaveStateHistory(_ context.Context, contextID string, entry *StateHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("store is closed")
	}

	m.history[contextID] = append(m.history[contextID], *entry)
	return nil
}

// SaveStep persists one transition as a unit (implements Store).
//
// MemStore holds its lock across all three writes, so the unit is atomic
// with respect to concurrent readers.
func (m *MemStore) SaveStep(_ context.Context, contextID string, ev *Event, entry *StateHistoryEntry, sc *StateContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("store is closed")
	}

	if ev != nil {
		m.events[contextID] = append(m.events[contextID], *ev)
	}
	if entry != nil {
		m.history[contextID] = append(m.history[contextID], *entry)
	}
	m.contexts[sc.ID] = sc.Clone()
	return nil
}

// GetStateHistory returns all transition records, ascending by timestamp.
func (m *MemStore) GetStateHistory(_ context.Context, contextID string) ([]StateHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}

	entries := m.history[contextID]
	out := make([]StateHistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// GetEvents returns up to limit events, oldest first.
func (m *MemStore) GetEvents(_ context.Context, contextID string, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}

	log := m.events[contextID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]Event, len(log))
	copy(out, log)
	return out, nil
}

// FindPausedInstances returns IDs whose metadata carries MetaPausedAt.
func (m *MemStore) FindPausedInstances(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var ids []string
	for id, sc := range m.contexts {
		if sc.IsPaused() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping reports whether the store is open.
func (m *MemStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Close marks the store closed. Double-close is a no-op.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
