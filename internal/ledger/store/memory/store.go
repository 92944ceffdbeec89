package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"doccontrol/internal/ledger"
	id "doccontrol/pkg/domain"
	"doccontrol/pkg/platform/sentinel"
)

// InMemoryStore keeps each document's chain in append order.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[id.DocumentID][]ledger.Record
}

func New() *InMemoryStore {
	return &InMemoryStore{records: make(map[id.DocumentID][]ledger.Record)}
}

func (s *InMemoryStore) Append(_ context.Context, record ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.records[record.DocumentID]
	if record.Sequence != int64(len(chain)+1) {
		return fmt.Errorf("sequence %d for document %s: %w", record.Sequence, record.DocumentID, sentinel.ErrConflict)
	}
	s.records[record.DocumentID] = append(chain, record)
	return nil
}

func (s *InMemoryStore) Last(_ context.Context, documentID id.DocumentID) (*ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.records[documentID]
	if len(chain) == 0 {
		return nil, sentinel.ErrNotFound
	}
	last := chain[len(chain)-1]
	return &last, nil
}

func (s *InMemoryStore) List(_ context.Context, documentID id.DocumentID) ([]ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records[documentID]), nil
}

// Tamper rewrites a stored record in place. Tests use it to simulate an
// out-of-band edit to the backing store.
func (s *InMemoryStore) Tamper(documentID id.DocumentID, sequence int64, mutate func(*ledger.Record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.records[documentID]
	for i := range chain {
		if chain[i].Sequence == sequence {
			mutate(&chain[i])
			return true
		}
	}
	return false
}
