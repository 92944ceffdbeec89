package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	ledgermetrics "doccontrol/internal/ledger/metrics"
	id "doccontrol/pkg/domain"
	dErrors "doccontrol/pkg/domain-errors"
	"doccontrol/pkg/platform/audit"
	"doccontrol/pkg/platform/sentinel"
	"doccontrol/pkg/requestcontext"
)

// Store persists records. Append must reject a duplicate (document, sequence)
// with sentinel.ErrConflict.
type Store interface {
	Append(ctx context.Context, record Record) error
	Last(ctx context.Context, documentID id.DocumentID) (*Record, error)
	List(ctx context.Context, documentID id.DocumentID) ([]Record, error)
}

// SecurityPublisher receives integrity alerts.
type SecurityPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// Ledger appends and verifies per-document chains. Callers serialize appends
// for one document; the store's uniqueness on sequence catches any caller
// that does not.
type Ledger struct {
	store    Store
	security SecurityPublisher
	metrics  *ledgermetrics.Metrics
	logger   *slog.Logger
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithMetrics(m *ledgermetrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func WithSecurityPublisher(p SecurityPublisher) Option {
	return func(l *Ledger) { l.security = p }
}

func New(store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	l := &Ledger{store: store}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l, nil
}

// Append links e after the document's last record.
func (l *Ledger) Append(ctx context.Context, e Entry) (Record, error) {
	last, err := l.store.Last(ctx, e.DocumentID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return Record{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read ledger head")
	}
	record := Chain(last, e, id.NewRecordID(), requestcontext.Now(ctx))
	if err := l.store.Append(ctx, record); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return Record{}, dErrors.Wrap(err, dErrors.CodeConflict, "concurrent ledger append")
		}
		return Record{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to append ledger record")
	}
	if l.metrics != nil {
		l.metrics.IncAppended(string(record.Outcome))
	}
	return record, nil
}

// HistoryRecord is a stored record with its verification result.
type HistoryRecord struct {
	Record
	Tampered bool `json:"tampered"`
}

// History is a document's chain as read back from storage.
type History struct {
	DocumentID id.DocumentID   `json:"document_id"`
	Records    []HistoryRecord `json:"records"`
	Intact     bool            `json:"intact"`
	Violations []Violation     `json:"violations,omitempty"`
}

// History returns every record, flagging tampered ones. Tampering is raised
// as a compliance alert but the records are still returned for audit display.
func (l *Ledger) History(ctx context.Context, documentID id.DocumentID) (*History, error) {
	records, err := l.store.List(ctx, documentID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read ledger")
	}
	violations := Verify(records)
	tampered := make(map[id.RecordID]bool, len(violations))
	for _, v := range violations {
		tampered[v.RecordID] = true
	}
	h := &History{
		DocumentID: documentID,
		Records:    make([]HistoryRecord, 0, len(records)),
		Intact:     len(violations) == 0,
		Violations: violations,
	}
	for _, r := range records {
		h.Records = append(h.Records, HistoryRecord{Record: r, Tampered: tampered[r.ID]})
	}
	if !h.Intact {
		l.raiseIntegrityAlert(ctx, documentID, violations)
	}
	return h, nil
}

// Verify is History that fails with CodeIntegrityViolation on any mismatch.
func (l *Ledger) Verify(ctx context.Context, documentID id.DocumentID) (*History, error) {
	h, err := l.History(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !h.Intact {
		return h, dErrors.New(dErrors.CodeIntegrityViolation,
			fmt.Sprintf("ledger for document %s failed verification at %s", documentID, h.Violations[0]))
	}
	return h, nil
}

func (l *Ledger) raiseIntegrityAlert(ctx context.Context, documentID id.DocumentID, violations []Violation) {
	if l.metrics != nil {
		l.metrics.AddIntegrityViolations(len(violations))
	}
	l.logger.ErrorContext(ctx, "CRITICAL: ledger integrity violation",
		"document_id", documentID,
		"violations", len(violations),
		"first", violations[0].String(),
		"request_id", requestcontext.RequestID(ctx),
	)
	if l.security == nil {
		return
	}
	l.security.Emit(ctx, audit.SecurityEvent{
		Timestamp: requestcontext.Now(ctx),
		Subject:   documentID.String(),
		Action:    string(audit.EventLedgerIntegrityViolation),
		Reason:    violations[0].String(),
		IP:        requestcontext.ClientIP(ctx),
		RequestID: requestcontext.RequestID(ctx),
		ActorID:   requestcontext.UserID(ctx).String(),
		Severity:  audit.SeverityCritical,
	})
}
