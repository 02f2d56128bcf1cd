package idempotency

import (
	"context"
)

// MemoryStore is an in-memory Store. Like ledger.MemoryBook it is staged
// with Clone by the owning store and is not safe for concurrent use.
type MemoryStore struct {
	records map[Key]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]*Record)}
}

// Clone returns a copy whose additions do not affect m. Records are immutable.
func (m *MemoryStore) Clone() *MemoryStore {
	records := make(map[Key]*Record, len(m.records))
	for k, r := range m.records {
		records[k] = r
	}
	return &MemoryStore{records: records}
}

func (m *MemoryStore) Lookup(_ context.Context, key Key) (*Record, error) {
	r, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Save(_ context.Context, rec *Record) error {
	key := Key{Operation: rec.Operation, CorrelationID: rec.CorrelationID}
	if _, ok := m.records[key]; ok {
		return ErrDuplicate
	}
	cp := *rec
	m.records[key] = &cp
	return nil
}

// Len returns the number of records.
func (m *MemoryStore) Len() int { return len(m.records) }
