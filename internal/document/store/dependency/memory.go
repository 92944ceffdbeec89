// Package dependency persists dependency edges between document versions.
package dependency

import (
	"context"
	"slices"
	"sync"

	"doccontrol/internal/document/models"
	id "doccontrol/pkg/domain"
	"doccontrol/pkg/platform/sentinel"
)

type pairKey struct {
	from, to id.DocumentID
}

type InMemory struct {
	mu    sync.RWMutex
	edges map[id.EdgeID]models.DependencyEdge
	pairs map[pairKey]id.EdgeID
}

func NewInMemory() *InMemory {
	return &InMemory{
		edges: make(map[id.EdgeID]models.DependencyEdge),
		pairs: make(map[pairKey]id.EdgeID),
	}
}

func (s *InMemory) Create(_ context.Context, edge *models.DependencyEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{edge.From, edge.To}
	if _, ok := s.pairs[key]; ok {
		return sentinel.ErrConflict
	}
	if _, ok := s.edges[edge.ID]; ok {
		return sentinel.ErrConflict
	}
	s.edges[edge.ID] = *edge
	s.pairs[key] = edge.ID
	return nil
}

func (s *InMemory) Delete(_ context.Context, edgeID id.EdgeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	edge, ok := s.edges[edgeID]
	if !ok {
		return sentinel.ErrNotFound
	}
	delete(s.edges, edgeID)
	delete(s.pairs, pairKey{edge.From, edge.To})
	return nil
}

func (s *InMemory) FindByID(_ context.Context, edgeID id.EdgeID) (*models.DependencyEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edge, ok := s.edges[edgeID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &edge, nil
}

// ListOutgoing returns the edges declared by from (what it depends on).
func (s *InMemory) ListOutgoing(_ context.Context, from id.DocumentID) ([]*models.DependencyEdge, error) {
	return s.filter(func(e models.DependencyEdge) bool { return e.From == from }), nil
}

// ListIncoming returns the edges pointing at any of the given documents.
func (s *InMemory) ListIncoming(_ context.Context, to []id.DocumentID) ([]*models.DependencyEdge, error) {
	return s.filter(func(e models.DependencyEdge) bool { return slices.Contains(to, e.To) }), nil
}

func (s *InMemory) filter(keep func(models.DependencyEdge) bool) []*models.DependencyEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DependencyEdge
	for _, e := range s.edges {
		if keep(e) {
			edge := e
			out = append(out, &edge)
		}
	}
	slices.SortFunc(out, func(a, b *models.DependencyEdge) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
	return out
}
