// Package document persists controlled documents.
package document

import (
	"context"
	"slices"
	"sync"

	"doccontrol/internal/document/models"
	id "doccontrol/pkg/domain"
	"doccontrol/pkg/platform/sentinel"
)

type versionKey struct {
	family  id.FamilyID
	version models.Version
}

// InMemory keeps documents keyed by id with a (family, version) uniqueness
// index. Callers receive clones, so mutations only land through Update.
type InMemory struct {
	mu       sync.RWMutex
	docs     map[id.DocumentID]*models.Document
	versions map[versionKey]id.DocumentID
	families map[id.FamilyID][]id.DocumentID
}

func NewInMemory() *InMemory {
	return &InMemory{
		docs:     make(map[id.DocumentID]*models.Document),
		versions: make(map[versionKey]id.DocumentID),
		families: make(map[id.FamilyID][]id.DocumentID),
	}
}

func (s *InMemory) Create(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := versionKey{doc.FamilyID, doc.Version}
	if _, ok := s.docs[doc.ID]; ok {
		return sentinel.ErrConflict
	}
	if _, ok := s.versions[key]; ok {
		return sentinel.ErrConflict
	}
	s.docs[doc.ID] = doc.Clone()
	s.versions[key] = doc.ID
	s.families[doc.FamilyID] = append(s.families[doc.FamilyID], doc.ID)
	return nil
}

// Update replaces the mutable fields. Family and version are immutable.
func (s *InMemory) Update(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.docs[doc.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if existing.FamilyID != doc.FamilyID || existing.Version != doc.Version {
		return sentinel.ErrInvalidState
	}
	s.docs[doc.ID] = doc.Clone()
	return nil
}

func (s *InMemory) FindByID(_ context.Context, docID id.DocumentID) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return doc.Clone(), nil
}

// ListByFamily returns members ordered by version, newest first.
func (s *InMemory) ListByFamily(_ context.Context, family id.FamilyID) ([]*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Document, 0, len(s.families[family]))
	for _, docID := range s.families[family] {
		out = append(out, s.docs[docID].Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

// ListByIDs returns the documents that exist; unknown ids are skipped.
func (s *InMemory) ListByIDs(_ context.Context, ids []id.DocumentID) ([]*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Document, 0, len(ids))
	for _, docID := range ids {
		if doc, ok := s.docs[docID]; ok {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

func (s *InMemory) ListByStates(_ context.Context, states ...models.State) ([]*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Document
	for _, doc := range s.docs {
		if slices.Contains(states, doc.State) {
			out = append(out, doc.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.Document) int {
		if c := compareFamily(a.FamilyID, b.FamilyID); c != 0 {
			return c
		}
		return compareVersion(b.Version, a.Version)
	})
	return out, nil
}

func sortNewestFirst(docs []*models.Document) {
	slices.SortFunc(docs, func(a, b *models.Document) int {
		return compareVersion(b.Version, a.Version)
	})
}

func compareVersion(a, b models.Version) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}

func compareFamily(a, b id.FamilyID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
