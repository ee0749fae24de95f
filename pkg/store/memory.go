package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dubegrid/grid-ingest/pkg/reading"
)

// MemoryIndex is an in-process Index used by tests and the CLI's dry-run
// mode. Semantics mirror DynamoIndex: unconditional overwrite on the
// (entity_id, observed_at) key, inclusive ascending range queries.
type MemoryIndex struct {
	mu sync.RWMutex
	// entity id -> sort key -> reading
	items map[string]map[string]reading.Reading
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{items: make(map[string]map[string]reading.Reading)}
}

// Upsert overwrites the keyed entry.
func (m *MemoryIndex) Upsert(ctx context.Context, r reading.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.EntityID == "" {
		return fmt.Errorf("upsert: empty entity id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byTime := m.items[r.EntityID]
	if byTime == nil {
		byTime = make(map[string]reading.Reading)
		m.items[r.EntityID] = byTime
	}
	byTime[r.SortKey()] = r
	return nil
}

// QueryRange returns the entity's readings within [from, to], ascending.
func (m *MemoryIndex) QueryRange(ctx context.Context, entityID string, from, to time.Time) ([]reading.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fromKey := sortKey(from)
	toKey := sortKey(to)

	m.mu.RLock()
	var out []reading.Reading
	for key, r := range m.items[entityID] {
		if key >= fromKey && key <= toKey {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out, nil
}

// Latest returns the entity's most recent reading.
func (m *MemoryIndex) Latest(ctx context.Context, entityID string) (reading.Reading, error) {
	if err := ctx.Err(); err != nil {
		return reading.Reading{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		bestKey string
		best    reading.Reading
		found   bool
	)
	for key, r := range m.items[entityID] {
		if !found || key > bestKey {
			bestKey, best, found = key, r, true
		}
	}
	if !found {
		return reading.Reading{}, fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}
	return best, nil
}

// Len returns the total number of stored readings.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, byTime := range m.items {
		n += len(byTime)
	}
	return n
}
