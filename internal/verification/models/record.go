package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	id "vetting/pkg/domain"
	dErrors "vetting/pkg/domain-errors"
)

// Status is the lifecycle state of a verification record.
type Status string

const (
	StatusNotStarted   Status = "not_started"
	StatusPending      Status = "pending"
	StatusChecking     Status = "checking"
	StatusManualReview Status = "manual_review"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusSuspended    Status = "suspended"
)

var allStatuses = []Status{
	StatusNotStarted, StatusPending, StatusChecking, StatusManualReview,
	StatusApproved, StatusRejected, StatusSuspended,
}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	return slices.Clone(allStatuses)
}

func (s Status) IsValid() bool {
	return slices.Contains(allStatuses, s)
}

// ParseStatus validates a status string from an API or the database.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.TrimSpace(s))
	if !st.IsValid() {
		return "", dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown status %q", s))
	}
	return st, nil
}

// TriState is a boolean that may not be known yet.
type TriState int8

const (
	Unknown TriState = 0
	True    TriState = 1
	False   TriState = -1
)

// TriFromBool converts a known boolean.
func TriFromBool(b bool) TriState {
	if b {
		return True
	}
	return False
}

// Known reports whether the value has been established.
func (t TriState) Known() bool { return t != Unknown }

func (t TriState) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// Ptr returns nil for Unknown, which maps onto nullable columns and JSON null.
func (t TriState) Ptr() *bool {
	if t == Unknown {
		return nil
	}
	b := t == True
	return &b
}

// TriFromPtr is the inverse of Ptr.
func TriFromPtr(b *bool) TriState {
	if b == nil {
		return Unknown
	}
	return TriFromBool(*b)
}

func (t TriState) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Ptr())
}

func (t *TriState) UnmarshalJSON(data []byte) error {
	var b *bool
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	*t = TriFromPtr(b)
	return nil
}

// CriminalStatus is the outcome of the criminal-record lookup.
type CriminalStatus string

const (
	CriminalNotChecked CriminalStatus = "not_checked"
	CriminalClear      CriminalStatus = "clear"
	CriminalFlagged    CriminalStatus = "flagged"
	CriminalError      CriminalStatus = "error"
)

// RiskLevel buckets the risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// DocumentKind names one uploaded document slot.
type DocumentKind string

const (
	DocumentFront          DocumentKind = "document_front"
	DocumentBack           DocumentKind = "document_back"
	DocumentSelfie         DocumentKind = "selfie"
	DocumentProofOfAddress DocumentKind = "proof_of_address"
)

// RequiredDocuments must all be present before checks can start.
var RequiredDocuments = []DocumentKind{DocumentFront, DocumentBack, DocumentSelfie}

// ParseDocumentKind validates a document slot name.
func ParseDocumentKind(s string) (DocumentKind, error) {
	switch k := DocumentKind(s); k {
	case DocumentFront, DocumentBack, DocumentSelfie, DocumentProofOfAddress:
		return k, nil
	}
	return "", dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown document kind %q", s))
}

// Documents holds opaque storage references, one per slot.
type Documents struct {
	FrontRef          string `json:"document_front_ref,omitempty"`
	BackRef           string `json:"document_back_ref,omitempty"`
	SelfieRef         string `json:"selfie_ref,omitempty"`
	ProofOfAddressRef string `json:"proof_of_address_ref,omitempty"`
}

// Ref returns the reference stored for kind.
func (d Documents) Ref(kind DocumentKind) string {
	switch kind {
	case DocumentFront:
		return d.FrontRef
	case DocumentBack:
		return d.BackRef
	case DocumentSelfie:
		return d.SelfieRef
	case DocumentProofOfAddress:
		return d.ProofOfAddressRef
	}
	return ""
}

// With returns a copy with kind set to ref.
func (d Documents) With(kind DocumentKind, ref string) Documents {
	switch kind {
	case DocumentFront:
		d.FrontRef = ref
	case DocumentBack:
		d.BackRef = ref
	case DocumentSelfie:
		d.SelfieRef = ref
	case DocumentProofOfAddress:
		d.ProofOfAddressRef = ref
	}
	return d
}

// Merge overlays the non-empty references of other.
func (d Documents) Merge(other Documents) Documents {
	for _, kind := range []DocumentKind{DocumentFront, DocumentBack, DocumentSelfie, DocumentProofOfAddress} {
		if ref := other.Ref(kind); ref != "" {
			d = d.With(kind, ref)
		}
	}
	return d
}

// Missing lists the required slots that are still empty.
func (d Documents) Missing() []DocumentKind {
	var missing []DocumentKind
	for _, kind := range RequiredDocuments {
		if strings.TrimSpace(d.Ref(kind)) == "" {
			missing = append(missing, kind)
		}
	}
	return missing
}

// Record is the verification state of one user.
//
// Invariants:
//   - exactly one record per user
//   - Status changes only through the Apply* transition methods
//   - ApprovedAt is set iff the record is or was approved; RejectedAt iff it is rejected
//   - Version grows by exactly one on every persisted write (the store owns it)
type Record struct {
	ID     id.RecordID
	UserID id.UserID

	FullName    string
	NationalID  id.NationalID
	DateOfBirth time.Time
	PhoneNumber id.PhoneNumber

	Status    Status
	Documents Documents

	NationalIDValid      TriState
	NationalIDStatus     string
	NameMatch            TriState
	CriminalRecordStatus CriminalStatus
	PhoneVerified        bool
	ChecksSimulated      bool

	RiskScore            *int
	RiskLevel            RiskLevel
	RequiresManualReview bool

	RejectionReason    string
	ManualReviewReason string
	SuspensionReason   string

	// CheckRun counts document submissions. It identifies one run of the
	// checks so provider answers are not reused across an appeal.
	CheckRun int

	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StatusChangedAt time.Time
	ApprovedAt      *time.Time
	RejectedAt      *time.Time
}

// NewRecord builds the initial pending record for a user.
func NewRecord(recordID id.RecordID, userID id.UserID, facts IdentityFacts, now time.Time) *Record {
	return &Record{
		ID:                   recordID,
		UserID:               userID,
		FullName:             facts.FullName,
		NationalID:           facts.NationalID,
		DateOfBirth:          facts.DateOfBirth,
		PhoneNumber:          facts.PhoneNumber,
		Status:               StatusPending,
		CriminalRecordStatus: CriminalNotChecked,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
		StatusChangedAt:      now,
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.RiskScore != nil {
		v := *r.RiskScore
		c.RiskScore = &v
	}
	if r.ApprovedAt != nil {
		t := *r.ApprovedAt
		c.ApprovedAt = &t
	}
	if r.RejectedAt != nil {
		t := *r.RejectedAt
		c.RejectedAt = &t
	}
	return &c
}

// IsAuthorized is true only for approved records.
func (r *Record) IsAuthorized() bool {
	return r != nil && r.Status == StatusApproved
}

// NextStep tells the user what to do next for a given status.
func NextStep(s Status) string {
	switch s {
	case StatusNotStarted:
		return "start_verification"
	case StatusPending:
		return "upload_documents"
	case StatusChecking:
		return "await_checks"
	case StatusManualReview:
		return "await_manual_review"
	case StatusApproved:
		return "none"
	case StatusRejected:
		return "appeal"
	case StatusSuspended:
		return "contact_support"
	}
	return "none"
}
