package orchestrator

import (
	"context"
	"sync"

	"github.com/opsentry/opsentry/pkg/contracts"
)

// RecordStore persists ActionRecords. The orchestrator writes a fresh
// projection after every transition; readers only ever see copies.
// Records are never deleted (retention is an out-of-scope policy).
type RecordStore interface {
	// Create inserts a new record, failing with ErrDuplicateAction when
	// the action id already exists.
	Create(ctx context.Context, record *contracts.ActionRecord) error
	// Save upserts the record's current projection.
	Save(ctx context.Context, record *contracts.ActionRecord) error
	// Get returns a copy of the record, or ErrRecordNotFound.
	Get(ctx context.Context, actionID string) (*contracts.ActionRecord, error)
	// List returns up to limit records, most recently updated first.
	List(ctx context.Context, limit int) ([]*contracts.ActionRecord, error)
}

// MemoryRecordStore keeps records in process memory.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*contracts.ActionRecord
	order   []string
}

// NewMemoryRecordStore creates an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*contracts.ActionRecord)}
}

func (s *MemoryRecordStore) Create(_ context.Context, record *contracts.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := record.Action.ID
	if _, exists := s.records[id]; exists {
		return contracts.ErrDuplicateAction
	}
	s.records[id] = record.Clone()
	s.order = append(s.order, id)
	return nil
}

func (s *MemoryRecordStore) Save(_ context.Context, record *contracts.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := record.Action.ID
	if _, exists := s.records[id]; !exists {
		s.order = append(s.order, id)
	}
	s.records[id] = record.Clone()
	return nil
}

func (s *MemoryRecordStore) Get(_ context.Context, actionID string) (*contracts.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[actionID]
	if !ok {
		return nil, contracts.ErrRecordNotFound
	}
	return record.Clone(), nil
}

func (s *MemoryRecordStore) List(_ context.Context, limit int) ([]*contracts.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]*contracts.ActionRecord, 0, limit)
	// Newest submissions last in order; walk backwards.
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		if record, ok := s.records[s.order[i]]; ok {
			out = append(out, record.Clone())
		}
	}
	return out, nil
}
