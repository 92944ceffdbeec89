// Package dueindex tracks the next date-driven transition of each document.
// It is derived data: Rebuild recreates it from document records.
package dueindex

import (
	"context"
	"slices"
	"sync"
	"time"

	"doccontrol/internal/document/models"
	id "doccontrol/pkg/domain"
)

// Kind is the date a due entry was derived from.
type Kind string

const (
	KindEffective    Kind = "effective"
	KindObsolescence Kind = "obsolescence"
	KindReview       Kind = "review"
)

// Entry says docID has a date-driven transition due at DueAt.
type Entry struct {
	DocumentID id.DocumentID `json:"document_id"`
	Kind       Kind          `json:"kind"`
	DueAt      time.Time     `json:"due_at"`
}

// EntryFor derives the due entry of doc. A document in a state with no
// date-driven transition, or missing the date, has none.
func EntryFor(doc *models.Document) (Entry, bool) {
	var (
		kind Kind
		at   *time.Time
	)
	switch doc.State {
	case models.StateApprovedPendingEffective:
		kind, at = KindEffective, doc.EffectiveDate
	case models.StateScheduledForObsolescence:
		kind, at = KindObsolescence, doc.ObsolescenceDate
	case models.StateEffective:
		kind, at = KindReview, doc.NextReviewDate
	}
	if at == nil {
		return Entry{}, false
	}
	return Entry{DocumentID: doc.ID, Kind: kind, DueAt: at.UTC()}, true
}

// DueStates are the states EntryFor produces entries for.
var DueStates = []models.State{
	models.StateApprovedPendingEffective,
	models.StateScheduledForObsolescence,
	models.StateEffective,
}

// Index stores at most one entry per document.
type Index interface {
	Put(ctx context.Context, entry Entry) error
	Remove(ctx context.Context, docID id.DocumentID) error
	// Due returns up to limit entries with DueAt <= now, earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	// Rebuild replaces the whole index.
	Rebuild(ctx context.Context, entries []Entry) error
}

// Sync puts or removes doc's entry to match its current state.
func Sync(ctx context.Context, idx Index, doc *models.Document) error {
	return Defer(ctx, idx, doc, time.Time{})
}

// Defer is Sync with the entry's due time pushed back to notBefore when it
// is earlier.
func Defer(ctx context.Context, idx Index, doc *models.Document, notBefore time.Time) error {
	entry, ok := EntryFor(doc)
	if !ok {
		return idx.Remove(ctx, doc.ID)
	}
	if entry.DueAt.Before(notBefore) {
		entry.DueAt = notBefore.UTC()
	}
	return idx.Put(ctx, entry)
}

// Memory is the in-process Index.
type Memory struct {
	mu      sync.RWMutex
	entries map[id.DocumentID]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[id.DocumentID]Entry)}
}

func (m *Memory) Put(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.DocumentID] = entry
	return nil
}

func (m *Memory) Remove(_ context.Context, docID id.DocumentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, docID)
	return nil
}

func (m *Memory) Due(_ context.Context, now time.Time, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if !e.DueAt.After(now) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, compareEntries)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Rebuild(_ context.Context, entries []Entry) error {
	fresh := make(map[id.DocumentID]Entry, len(entries))
	for _, e := range entries {
		fresh[e.DocumentID] = e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = fresh
	return nil
}

// Len reports the number of tracked documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func compareEntries(a, b Entry) int {
	if c := a.DueAt.Compare(b.DueAt); c != 0 {
		return c
	}
	return slices.Compare(a.DocumentID[:], b.DocumentID[:])
}

// DocumentLister reads documents by state.
type DocumentLister interface {
	ListByStates(ctx context.Context, states ...models.State) ([]*models.Document, error)
}

// RebuildFrom recomputes the index from document records and returns the
// number of entries written.
func RebuildFrom(ctx context.Context, idx Index, docs DocumentLister) (int, error) {
	candidates, err := docs.ListByStates(ctx, DueStates...)
	if err != nil {
		return 0, err
	}
	entries := make([]Entry, 0, len(candidates))
	for _, doc := range candidates {
		if e, ok := EntryFor(doc); ok {
			entries = append(entries, e)
		}
	}
	if err := idx.Rebuild(ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}
