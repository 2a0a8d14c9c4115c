package store

import (
	"context"
	"sync"

	"github.com/finsight/finsight/engine/pkg/models"
)

// MemoryStore is an in-memory Store for tests and zero-config runs.
// Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []models.MonitorEntry
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveMonitorEntries(_ context.Context, entries []models.MonitorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

// MonitorEntries returns a copy of everything persisted so far.
func (s *MemoryStore) MonitorEntries() []models.MonitorEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MonitorEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
