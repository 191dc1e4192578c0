package models

import (
	"fmt"
	"strings"
	"time"

	dErrors "vetting/pkg/domain-errors"
)

// Event drives a status transition.
type Event string

const (
	EventStart             Event = "start"
	EventDocumentsUploaded Event = "documents_uploaded"
	EventChecksComplete    Event = "checks_complete"
	EventAdminApprove      Event = "admin_approve"
	EventAdminReject       Event = "admin_reject"
	EventAppeal            Event = "appeal"
	EventAdminSuspend      Event = "admin_suspend"
)

// AllEvents returns every event.
func AllEvents() []Event {
	return []Event{
		EventStart, EventDocumentsUploaded, EventChecksComplete, EventAdminApprove,
		EventAdminReject, EventAppeal, EventAdminSuspend,
	}
}

// IsAdminEvent reports whether only admins may raise e.
func (e Event) IsAdminEvent() bool {
	return e == EventAdminApprove || e == EventAdminReject || e == EventAdminSuspend
}

// Route is the scorer's routing decision for checks_complete.
type Route string

const (
	RouteApprove      Route = "approve"
	RouteManualReview Route = "manual_review"
	RouteReject       Route = "reject"
)

// transitions is the complete table. checks_complete has no fixed target:
// Target resolves it from the route.
var transitions = map[Status]map[Event]Status{
	StatusNotStarted:   {EventStart: StatusPending},
	StatusPending:      {EventDocumentsUploaded: StatusChecking},
	StatusChecking:     {EventChecksComplete: ""},
	StatusManualReview: {EventAdminApprove: StatusApproved, EventAdminReject: StatusRejected},
	StatusRejected:     {EventAppeal: StatusPending},
	StatusApproved:     {EventAdminSuspend: StatusSuspended},
}

// Target returns the status an event leads to from the given status, or a
// precondition error when the table has no such edge.
func Target(from Status, event Event, route Route) (Status, error) {
	edges, ok := transitions[from]
	if !ok {
		return "", preconditionf("no transitions out of %s", from)
	}
	to, ok := edges[event]
	if !ok {
		return "", preconditionf("event %s is not allowed in status %s", event, from)
	}
	if event != EventChecksComplete {
		return to, nil
	}
	switch route {
	case RouteApprove:
		return StatusApproved, nil
	case RouteManualReview:
		return StatusManualReview, nil
	case RouteReject:
		return StatusRejected, nil
	}
	return "", preconditionf("unknown route %q", route)
}

func preconditionf(format string, args ...any) error {
	return dErrors.New(dErrors.CodePreconditionFailed, fmt.Sprintf(format, args...))
}

func (r *Record) moveTo(event Event, route Route, now time.Time) error {
	to, err := Target(r.Status, event, route)
	if err != nil {
		return err
	}
	r.Status = to
	r.StatusChangedAt = now
	r.UpdatedAt = now
	return nil
}

// CanUploadDocuments reports whether documents_uploaded may fire once docs are merged in.
func (r *Record) CanUploadDocuments(docs Documents) error {
	if _, err := Target(r.Status, EventDocumentsUploaded, ""); err != nil {
		return err
	}
	if missing := r.Documents.Merge(docs).Missing(); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, k := range missing {
			names[i] = string(k)
		}
		return preconditionf("required documents missing: %s", strings.Join(names, ", "))
	}
	return nil
}

// ApplyDocumentsUploaded merges docs and moves pending -> checking.
func (r *Record) ApplyDocumentsUploaded(docs Documents, now time.Time) error {
	if err := r.CanUploadDocuments(docs); err != nil {
		return err
	}
	r.Documents = r.Documents.Merge(docs)
	if err := r.moveTo(EventDocumentsUploaded, "", now); err != nil {
		return err
	}
	r.CheckRun++
	return nil
}

// CheckResults are the outcomes of one run of the automated checks.
type CheckResults struct {
	NationalIDValid  TriState
	NationalIDStatus string
	NameMatch        TriState
	CriminalRecord   CriminalStatus
	PhoneVerified    bool
	Simulated        bool
	Errors           int
}

// Assessment is the scorer output stored on the record.
type Assessment struct {
	Score                int
	Level                RiskLevel
	RequiresManualReview bool
	Route                Route
	Reasons              []string
}

// RecordCheckResults stores the outcome of a check run without changing
// status. Results only land while the record is still checking.
func (r *Record) RecordCheckResults(results CheckResults, now time.Time) error {
	if r.Status != StatusChecking {
		return preconditionf("check results are not accepted in status %s", r.Status)
	}
	r.NationalIDValid = results.NationalIDValid
	r.NationalIDStatus = results.NationalIDStatus
	r.NameMatch = results.NameMatch
	r.CriminalRecordStatus = results.CriminalRecord
	r.PhoneVerified = r.PhoneVerified || results.PhoneVerified
	r.ChecksSimulated = results.Simulated
	r.UpdatedAt = now
	return nil
}

// ApplyChecksComplete stores the risk assessment and routes checking ->
// approved, manual_review or rejected.
func (r *Record) ApplyChecksComplete(a Assessment, now time.Time) error {
	if err := r.moveTo(EventChecksComplete, a.Route, now); err != nil {
		return err
	}
	score := a.Score
	r.RiskScore = &score
	r.RiskLevel = a.Level
	r.RequiresManualReview = a.RequiresManualReview

	switch r.Status {
	case StatusApproved:
		r.ApprovedAt = &now
	case StatusRejected:
		r.RejectedAt = &now
		r.RejectionReason = strings.Join(a.Reasons, ", ")
	case StatusManualReview:
		r.ManualReviewReason = strings.Join(a.Reasons, ", ")
	}
	return nil
}

// ApplyAdminApprove moves manual_review -> approved.
func (r *Record) ApplyAdminApprove(now time.Time) error {
	if err := r.moveTo(EventAdminApprove, "", now); err != nil {
		return err
	}
	r.ApprovedAt = &now
	r.RequiresManualReview = false
	return nil
}

// ApplyAdminReject moves manual_review -> rejected. A reason is mandatory,
// but an event the status does not allow is refused first.
func (r *Record) ApplyAdminReject(reason string, now time.Time) error {
	if _, err := Target(r.Status, EventAdminReject, ""); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	if err := r.moveTo(EventAdminReject, "", now); err != nil {
		return err
	}
	r.RejectedAt = &now
	r.RejectionReason = reason
	r.RequiresManualReview = false
	return nil
}

// ApplyAppeal moves rejected -> pending. The rejection and the previous
// check results are cleared so the next run starts fresh; the audit log keeps
// the history.
func (r *Record) ApplyAppeal(now time.Time) error {
	if err := r.moveTo(EventAppeal, "", now); err != nil {
		return err
	}
	r.RejectionReason = ""
	r.RejectedAt = nil
	r.ManualReviewReason = ""
	r.NationalIDValid = Unknown
	r.NationalIDStatus = ""
	r.NameMatch = Unknown
	r.CriminalRecordStatus = CriminalNotChecked
	r.ChecksSimulated = false
	r.RiskScore = nil
	r.RiskLevel = ""
	r.RequiresManualReview = false
	return nil
}

// ApplyAdminSuspend moves approved -> suspended. ApprovedAt is kept because
// the record was approved.
func (r *Record) ApplyAdminSuspend(reason string, now time.Time) error {
	if _, err := Target(r.Status, EventAdminSuspend, ""); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	if err := r.moveTo(EventAdminSuspend, "", now); err != nil {
		return err
	}
	r.SuspensionReason = reason
	return nil
}

// AttachDocument stores a single reference without changing status.
func (r *Record) AttachDocument(kind DocumentKind, ref string, now time.Time) error {
	if r.Status != StatusPending {
		return preconditionf("documents can only be attached while pending, status is %s", r.Status)
	}
	r.Documents = r.Documents.With(kind, ref)
	r.UpdatedAt = now
	return nil
}

// MarkPhoneVerified records a successful OTP check. Terminal records are
// left alone.
func (r *Record) MarkPhoneVerified(now time.Time) error {
	switch r.Status {
	case StatusPending, StatusChecking, StatusManualReview:
	default:
		return preconditionf("phone verification is not accepted in status %s", r.Status)
	}
	r.PhoneVerified = true
	r.UpdatedAt = now
	return nil
}
