package store

import (
	"context"
	"sync"

	"scalper/internal/trading/book"
)

// MemoryStore implements HistoryStore in memory
type MemoryStore struct {
	mu      sync.RWMutex
	entries []book.RunHistoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, entry book.RunHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]book.RunHistoryEntry{entry}, s.entries...)
	if len(s.entries) > MaxHistoryEntries {
		s.entries = s.entries[:MaxHistoryEntries]
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]book.RunHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]book.RunHistoryEntry(nil), s.entries...), nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
