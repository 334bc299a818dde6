package namespace

import (
	"context"
	"slices"
	"strconv"
	"sync"
)

// MemoryDurable is an in-process Durable with per-record generation counters.
// It gives the same conditional-write semantics as the real backends and is
// used for tests and single-node development.
type MemoryDurable struct {
	mu      sync.Mutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	entry      Entry
	generation uint64
}

// NewMemoryDurable returns an empty MemoryDurable.
func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{records: make(map[string]memoryRecord)}
}

// Get implements Durable.
func (m *MemoryDurable) Get(_ context.Context, key Key) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	e := &Entry{
		Key:               key,
		Account:           rec.entry.Account,
		MarkedForDeletion: rec.entry.MarkedForDeletion,
		Replicas:          slices.Clone(rec.entry.Replicas),
	}
	e.setStored(strconv.FormatUint(rec.generation, 10))
	return e, nil
}

// Put implements Durable.
func (m *MemoryDurable) Put(_ context.Context, e *Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := e.Key.String()
	rec, exists := m.records[k]
	switch {
	case e.token == "" && exists:
		return "", ErrPreconditionFailed
	case e.token != "" && (!exists || strconv.FormatUint(rec.generation, 10) != e.token):
		return "", ErrPreconditionFailed
	}

	rec.generation++
	rec.entry = Entry{
		Key:               e.Key,
		Account:           e.Account,
		MarkedForDeletion: e.MarkedForDeletion,
		Replicas:          slices.Clone(e.Replicas),
	}
	m.records[k] = rec
	return strconv.FormatUint(rec.generation, 10), nil
}

// Len returns the number of stored records.
func (m *MemoryDurable) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
