package audit

import (
	"context"
	"fmt"
	"time"

	id "vetting/pkg/domain"
)

// EventType is the closed set of verification audit events.
type EventType string

const (
	EventVerificationStarted   EventType = "verification_started"
	EventDocumentsUploaded     EventType = "documents_uploaded"
	EventDocumentAttached      EventType = "document_attached"
	EventChecksCompleted       EventType = "checks_completed"
	EventApproved              EventType = "approved"
	EventRejected              EventType = "rejected"
	EventManualReviewRequested EventType = "manual_review_requested"
	EventAppealed              EventType = "appealed"
	EventSuspended             EventType = "suspended"
	EventPhoneVerified         EventType = "phone_verified"
	EventCheckFailed           EventType = "check_failed"
	EventTransitionRejected    EventType = "transition_rejected"
)

// EventCategory classifies events for retention and routing.
type EventCategory string

const (
	// CategoryCompliance covers decisions with legal significance; long retention.
	CategoryCompliance EventCategory = "compliance"
	// CategorySecurity covers refused operations and failed checks.
	CategorySecurity EventCategory = "security"
	// CategoryOperations covers routine progress of a verification.
	CategoryOperations EventCategory = "operations"
)

var eventCategories = map[EventType]EventCategory{
	EventApproved:              CategoryCompliance,
	EventRejected:              CategoryCompliance,
	EventSuspended:             CategoryCompliance,
	EventAppealed:              CategoryCompliance,
	EventChecksCompleted:       CategoryCompliance,
	EventManualReviewRequested: CategoryCompliance,

	EventCheckFailed:        CategorySecurity,
	EventTransitionRejected: CategorySecurity,

	EventVerificationStarted: CategoryOperations,
	EventDocumentsUploaded:   CategoryOperations,
	EventDocumentAttached:    CategoryOperations,
	EventPhoneVerified:       CategoryOperations,
}

// IsValid reports whether e belongs to the closed enum.
func (e EventType) IsValid() bool {
	_, ok := eventCategories[e]
	return ok
}

// Category returns the EventCategory for this event type.
func (e EventType) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// ActorKind says who caused an event.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorSystem ActorKind = "system"
	ActorAdmin  ActorKind = "admin"
)

// Actor identifies the user, admin or subsystem behind an event.
type Actor struct {
	Kind   ActorKind `json:"kind"`
	ID     string    `json:"id"`
	Device string    `json:"device,omitempty"`
}

// SystemActor is used for automated checks and background jobs.
func SystemActor(component string) Actor {
	return Actor{Kind: ActorSystem, ID: component}
}

// Payload is the event-specific part of an entry. Only the fields relevant to
// the event type are set.
type Payload struct {
	FromStatus           string `json:"from_status,omitempty"`
	ToStatus             string `json:"to_status,omitempty"`
	Event                string `json:"event,omitempty"`
	Reason               string `json:"reason,omitempty"`
	Check                string `json:"check,omitempty"`
	Outcome              string `json:"outcome,omitempty"`
	Attempts             int    `json:"attempts,omitempty"`
	Error                string `json:"error,omitempty"`
	NationalIDValid      string `json:"national_id_valid,omitempty"`
	CriminalRecord       string `json:"criminal_record,omitempty"`
	PhoneVerified        *bool  `json:"phone_verified,omitempty"`
	RiskScore            *int   `json:"risk_score,omitempty"`
	RiskLevel            string `json:"risk_level,omitempty"`
	RequiresManualReview *bool  `json:"requires_manual_review,omitempty"`
	Decision             string `json:"decision,omitempty"`
	Simulated            bool   `json:"simulated,omitempty"`
	DocumentKind         string `json:"document_kind,omitempty"`
	RequestID            string `json:"request_id,omitempty"`
}

// Entry is one immutable audit log row.
type Entry struct {
	ID         id.AuditEntryID
	RecordID   id.RecordID
	UserID     id.UserID
	EventType  EventType
	Actor      Actor
	Payload    Payload
	OccurredAt time.Time
}

// Validate enforces the fields every entry must carry.
func (e Entry) Validate() error {
	if e.ID.IsNil() {
		return fmt.Errorf("audit entry requires ID")
	}
	if e.RecordID.IsNil() {
		return fmt.Errorf("audit entry requires RecordID")
	}
	if !e.EventType.IsValid() {
		return fmt.Errorf("unknown audit event type %q", e.EventType)
	}
	if e.Actor.Kind == "" {
		return fmt.Errorf("audit entry requires an actor")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("audit entry requires OccurredAt")
	}
	return nil
}

// Store persists audit entries. Append joins a transaction carried in ctx
// when the implementation supports one.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	ListByRecord(ctx context.Context, recordID id.RecordID) ([]Entry, error)
}
