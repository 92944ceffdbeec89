// Package family resolves version families: every version of a document
// shares a FamilyID, and the current version is the highest one that was
// not terminated.
package family

import (
	"context"
	"errors"
	"slices"

	"doccontrol/internal/document/models"
	id "doccontrol/pkg/domain"
	dErrors "doccontrol/pkg/domain-errors"
	"doccontrol/pkg/platform/sentinel"
)

// Store reads documents.
type Store interface {
	FindByID(ctx context.Context, docID id.DocumentID) (*models.Document, error)
	ListByFamily(ctx context.Context, family id.FamilyID) ([]*models.Document, error)
}

type Resolver struct {
	store Store
}

func NewResolver(store Store) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("document store is required")
	}
	return &Resolver{store: store}, nil
}

// Family returns every version in docID's family, newest first.
func (r *Resolver) Family(ctx context.Context, docID id.DocumentID) ([]*models.Document, error) {
	doc, err := r.store.FindByID(ctx, docID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "document not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load document")
	}
	return r.Members(ctx, doc.FamilyID)
}

// Members returns the family's versions, newest first. An unknown family
// has no members.
func (r *Resolver) Members(ctx context.Context, family id.FamilyID) ([]*models.Document, error) {
	members, err := r.store.ListByFamily(ctx, family)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load family")
	}
	return members, nil
}

// Current returns the family's current version.
func (r *Resolver) Current(ctx context.Context, family id.FamilyID) (*models.Document, error) {
	members, err := r.Members(ctx, family)
	if err != nil {
		return nil, err
	}
	current := CurrentOf(members)
	if current == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "family has no current version")
	}
	return current, nil
}

// CurrentOf picks the highest non-terminated version from members in any
// order, or nil.
func CurrentOf(members []*models.Document) *models.Document {
	var current *models.Document
	for _, m := range members {
		if m.State == models.StateTerminated {
			continue
		}
		if current == nil || current.Version.Less(m.Version) {
			current = m
		}
	}
	return current
}

// InForce returns the member currently governing practice (EFFECTIVE,
// UNDER_PERIODIC_REVIEW or SCHEDULED_FOR_OBSOLESCENCE), or nil.
func InForce(members []*models.Document) *models.Document {
	for _, m := range members {
		if m.State.IsInForce() {
			return m
		}
	}
	return nil
}

// Prospective returns the current version followed by every older member
// that would become current if the in-progress versions above it were
// terminated, newest first. Only in-progress versions can end up
// TERMINATED, so the list stops at the first member that is not.
func Prospective(members []*models.Document) []*models.Document {
	live := make([]*models.Document, 0, len(members))
	for _, m := range members {
		if m.State != models.StateTerminated {
			live = append(live, m)
		}
	}
	slices.SortFunc(live, func(a, b *models.Document) int {
		switch {
		case a.Version.Less(b.Version):
			return 1
		case b.Version.Less(a.Version):
			return -1
		}
		return 0
	})
	for i, m := range live {
		if !m.State.IsInProgress() {
			return live[:i+1]
		}
	}
	return live
}

// LockKey is the unit-of-work key serializing changes to one family.
func LockKey(family id.FamilyID) string {
	return "family:" + string(family)
}
