package audit

import (
	"context"
	"time"

	id "doccontrol/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with regulatory significance: every
	// accepted lifecycle transition of a controlled document.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to security monitoring and
	// forensics, such as emergency overrides and ledger tampering.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity useful for debugging.
	CategoryOperations EventCategory = "operations"
)

// Event is the stored form of every audit event. Keep it transport-agnostic
// so stores and sinks can fan out.
type Event struct {
	Category    EventCategory
	Timestamp   time.Time
	ActorID     id.UserID
	Subject     string // document id, or the affected entity
	Action      string
	FamilyID    string
	PriorState  string
	NewState    string
	Decision    string
	Reason      string
	Override    bool
	Severity    Severity
	RequestID   string
	IP          string
	Workstation string
}

type AuditEvent string

const (
	// Lifecycle events
	EventDocumentCreated        AuditEvent = "document_created"
	EventDocumentReassigned     AuditEvent = "document_reassigned"
	EventTransitionAccepted     AuditEvent = "transition_accepted"
	EventDocumentEffective      AuditEvent = "document_effective"
	EventDocumentSuperseded     AuditEvent = "document_superseded"
	EventDocumentObsolete       AuditEvent = "document_obsolete"
	EventDocumentTerminated     AuditEvent = "document_terminated"
	EventVersionCreated         AuditEvent = "version_created"
	EventPeriodicReviewOpened   AuditEvent = "periodic_review_opened"
	EventPeriodicReviewComplete AuditEvent = "periodic_review_completed"

	// Dependency graph events
	EventDependencyAdded   AuditEvent = "dependency_added"
	EventDependencyRemoved AuditEvent = "dependency_removed"

	// Security events
	EventEmergencyOverride          AuditEvent = "emergency_override"
	EventLedgerIntegrityViolation   AuditEvent = "ledger_integrity_violation"
	EventTransitionRejected         AuditEvent = "transition_rejected"
	EventAdminTokenRejected         AuditEvent = "admin_token_rejected"
	EventSchedulerTransientFailure  AuditEvent = "scheduler_transient_failure"
	EventNotificationDeliveryFailed AuditEvent = "notification_delivery_failed"
)

// eventCategories maps each audit event to its category.
var eventCategories = map[AuditEvent]EventCategory{
	EventDocumentCreated:        CategoryCompliance,
	EventDocumentReassigned:     CategoryCompliance,
	EventTransitionAccepted:     CategoryCompliance,
	EventDocumentEffective:      CategoryCompliance,
	EventDocumentSuperseded:     CategoryCompliance,
	EventDocumentObsolete:       CategoryCompliance,
	EventDocumentTerminated:     CategoryCompliance,
	EventVersionCreated:         CategoryCompliance,
	EventPeriodicReviewOpened:   CategoryCompliance,
	EventPeriodicReviewComplete: CategoryCompliance,
	EventDependencyAdded:        CategoryCompliance,
	EventDependencyRemoved:      CategoryCompliance,

	EventEmergencyOverride:        CategorySecurity,
	EventLedgerIntegrityViolation: CategorySecurity,
	EventTransitionRejected:       CategorySecurity,
	EventAdminTokenRejected:       CategorySecurity,

	EventSchedulerTransientFailure:  CategoryOperations,
	EventNotificationDeliveryFailed: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// ComplianceEvent captures a regulatory-significant action requiring
// guaranteed persistence. Use with the compliance publisher for fail-closed
// semantics.
type ComplianceEvent struct {
	Timestamp   time.Time
	ActorID     id.UserID // who acted (required)
	DocumentID  string    // the controlled document (required)
	FamilyID    string
	Action      string
	PriorState  string
	NewState    string
	Decision    string
	Reason      string
	Override    bool
	RequestID   string
	IP          string
	Workstation string
}

// Category returns CategoryCompliance (always).
func (e ComplianceEvent) Category() EventCategory { return CategoryCompliance }

// ToEvent converts to the stored Event.
func (e ComplianceEvent) ToEvent() Event {
	return Event{
		Category:    CategoryCompliance,
		Timestamp:   e.Timestamp,
		ActorID:     e.ActorID,
		Subject:     e.DocumentID,
		Action:      e.Action,
		FamilyID:    e.FamilyID,
		PriorState:  e.PriorState,
		NewState:    e.NewState,
		Decision:    e.Decision,
		Reason:      e.Reason,
		Override:    e.Override,
		RequestID:   e.RequestID,
		IP:          e.IP,
		Workstation: e.Workstation,
	}
}

// SecurityEvent captures security-relevant actions for SIEM and alerting.
// Events are processed asynchronously with buffering.
type SecurityEvent struct {
	Timestamp time.Time // When the event occurred (set automatically if zero)
	Subject   string    // Entity involved (document id, user id)
	Action    string    // e.g. "emergency_override", "ledger_integrity_violation"
	Reason    string
	IP        string // Client IP address
	RequestID string
	ActorID   string
	Severity  Severity // "info", "warning", "critical" for SIEM routing
}

// Severity levels for security events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category returns CategorySecurity (always).
func (e SecurityEvent) Category() EventCategory { return CategorySecurity }

// ToEvent converts to the stored Event. A malformed actor id is dropped
// rather than failing the alert.
func (e SecurityEvent) ToEvent() Event {
	ev := Event{
		Category:  CategorySecurity,
		Timestamp: e.Timestamp,
		Subject:   e.Subject,
		Action:    e.Action,
		Reason:    e.Reason,
		IP:        e.IP,
		RequestID: e.RequestID,
		Severity:  e.Severity,
	}
	if actor, err := id.ParseUserID(e.ActorID); err == nil {
		ev.ActorID = actor
	}
	return ev
}
