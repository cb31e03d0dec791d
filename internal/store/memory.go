package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/atmx/lending-engine/internal/account"
)

// MemoryStore implements Store with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]account.Record
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]account.Record),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (account.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return account.Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	// Return a copy to avoid external mutation.
	return rec.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]account.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return listMatching(s.records, nil, prefix), nil
}

// Update serializes all writers behind one lock. Writes are buffered in the
// transaction and applied only when fn succeeds.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{base: s.records, writes: make(map[string]account.Record)}
	if err := fn(tx); err != nil {
		return err
	}
	for k, rec := range tx.writes {
		s.records[k] = rec
	}
	return nil
}

type memoryTx struct {
	base   map[string]account.Record
	writes map[string]account.Record
}

func (t *memoryTx) Get(_ context.Context, key string) (account.Record, error) {
	if rec, ok := t.writes[key]; ok {
		return rec.Clone(), nil
	}
	if rec, ok := t.base[key]; ok {
		return rec.Clone(), nil
	}
	return account.Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (t *memoryTx) List(_ context.Context, prefix string) ([]account.Record, error) {
	return listMatching(t.base, t.writes, prefix), nil
}

func (t *memoryTx) Put(_ context.Context, rec account.Record) error {
	if rec.Key == "" {
		return fmt.Errorf("store: empty record key")
	}
	t.writes[rec.Key] = rec.Clone()
	return nil
}

// listMatching merges base and overlay (overlay wins) and returns the
// records under prefix sorted by key.
func listMatching(base, overlay map[string]account.Record, prefix string) []account.Record {
	merged := make(map[string]account.Record)
	for k, rec := range base {
		if strings.HasPrefix(k, prefix) {
			merged[k] = rec
		}
	}
	for k, rec := range overlay {
		if strings.HasPrefix(k, prefix) {
			merged[k] = rec
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]account.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, merged[k].Clone())
	}
	return out
}
