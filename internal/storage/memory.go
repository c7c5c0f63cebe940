package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for tests and single-node runs
// without a database.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
	updates   map[string][][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]*Snapshot),
		updates:   make(map[string][][]byte),
	}
}

// LoadLatest returns the stored snapshot and trailing updates for a document.
func (m *MemoryStore) LoadLatest(ctx context.Context, documentID string) (*Snapshot, [][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var snap *Snapshot
	if s, ok := m.snapshots[documentID]; ok {
		cp := *s
		cp.Data = append([]byte(nil), s.Data...)
		snap = &cp
	}

	updates := make([][]byte, 0, len(m.updates[documentID]))
	for _, u := range m.updates[documentID] {
		updates = append(updates, append([]byte(nil), u...))
	}
	return snap, updates, nil
}

// AppendUpdate appends one update to the document's log.
func (m *MemoryStore) AppendUpdate(ctx context.Context, documentID string, update []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[documentID] = append(m.updates[documentID], append([]byte(nil), update...))
	return nil
}

// SaveSnapshot stores a full state and clears the superseded log.
func (m *MemoryStore) SaveSnapshot(ctx context.Context, documentID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[documentID] = &Snapshot{
		DocumentID: documentID,
		Data:       append([]byte(nil), data...),
		UpdatedAt:  time.Now(),
	}
	delete(m.updates, documentID)
	return nil
}

// HealthCheck always succeeds.
func (m *MemoryStore) HealthCheck(ctx context.Context) (bool, error) {
	return true, nil
}

// Close is a no-op.
func (m *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// UpdateCount returns the number of pending log entries for a document.
func (m *MemoryStore) UpdateCount(documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates[documentID])
}
