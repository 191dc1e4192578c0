package handler

import (
	"strings"
	"time"

	"vetting/internal/verification/models"
	"vetting/internal/verification/risk"
	"vetting/internal/verification/service"
	"vetting/pkg/platform/audit"
)

// StatusResponse is what a user sees about their own verification.
type StatusResponse struct {
	RecordID         string     `json:"record_id,omitempty"`
	Status           string     `json:"status"`
	NextStep         string     `json:"next_step"`
	MissingDocuments []string   `json:"missing_documents,omitempty"`
	PhoneVerified    bool       `json:"phone_verified"`
	RejectionReason  string     `json:"rejection_reason,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	RejectedAt       *time.Time `json:"rejected_at,omitempty"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

func toStatusResponse(rec *models.Record) *StatusResponse {
	resp := &StatusResponse{
		RecordID:        rec.ID.String(),
		Status:          string(rec.Status),
		NextStep:        models.NextStep(rec.Status),
		PhoneVerified:   rec.PhoneVerified,
		RejectionReason: userFacingReason(rec.RejectionReason),
		ApprovedAt:      rec.ApprovedAt,
		RejectedAt:      rec.RejectedAt,
		UpdatedAt:       &rec.UpdatedAt,
	}
	if rec.Status == models.StatusPending {
		for _, kind := range rec.Documents.Missing() {
			resp.MissingDocuments = append(resp.MissingDocuments, string(kind))
		}
	}
	return resp
}

var reasonText = map[string]string{
	risk.ReasonNationalIDInvalid:   "The national ID could not be validated with the issuing registry.",
	risk.ReasonNationalIDUnknown:   "The national ID could not be confirmed.",
	risk.ReasonNameMismatch:        "The name provided does not match the national ID.",
	risk.ReasonNameUnverified:      "The name provided could not be confirmed.",
	risk.ReasonCriminalFlagged:     "The background check returned a record that needs review.",
	risk.ReasonCriminalUnavailable: "The background check could not be completed.",
	risk.ReasonPhoneUnverified:     "The phone number was not verified.",
	risk.ReasonCheckErrors:         "Some checks could not be completed.",
	risk.ReasonScoreAboveThreshold: "The verification did not meet the approval criteria.",
}

// userFacingReason turns scorer reason codes into sentences. Reasons written
// by an admin are not codes and pass through unchanged.
func userFacingReason(reason string) string {
	if reason == "" {
		return ""
	}
	codes := strings.Split(reason, ", ")
	texts := make([]string, 0, len(codes))
	for _, code := range codes {
		text, ok := reasonText[code]
		if !ok {
			return reason
		}
		texts = append(texts, text)
	}
	return strings.Join(texts, " ")
}

func fromStatusView(view *service.StatusView) *StatusResponse {
	if view.Record == nil {
		return &StatusResponse{Status: string(view.Status), NextStep: view.NextStep}
	}
	return toStatusResponse(view.Record)
}

// RecordResponse is the admin view of a record. The national ID is masked.
type RecordResponse struct {
	ID                   string           `json:"id"`
	UserID               string           `json:"user_id"`
	Status               string           `json:"status"`
	FullName             string           `json:"full_name"`
	NationalID           string           `json:"national_id"`
	DateOfBirth          string           `json:"date_of_birth"`
	PhoneNumber          string           `json:"phone_number"`
	Documents            models.Documents `json:"documents"`
	NationalIDValid      *bool            `json:"national_id_valid"`
	NationalIDStatus     string           `json:"national_id_status,omitempty"`
	NameMatch            *bool            `json:"name_match"`
	CriminalRecordStatus string           `json:"criminal_record_status"`
	PhoneVerified        bool             `json:"phone_verified"`
	ChecksSimulated      bool             `json:"checks_simulated"`
	RiskScore            *int             `json:"risk_score"`
	RiskLevel            string           `json:"risk_level,omitempty"`
	RequiresManualReview bool             `json:"requires_manual_review"`
	RejectionReason      string           `json:"rejection_reason,omitempty"`
	ManualReviewReason   string           `json:"manual_review_reason,omitempty"`
	SuspensionReason     string           `json:"suspension_reason,omitempty"`
	Version              int64            `json:"version"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
	ApprovedAt           *time.Time       `json:"approved_at,omitempty"`
	RejectedAt           *time.Time       `json:"rejected_at,omitempty"`
}

func toRecordResponse(rec *models.Record) *RecordResponse {
	return &RecordResponse{
		ID:                   rec.ID.String(),
		UserID:               rec.UserID.String(),
		Status:               string(rec.Status),
		FullName:             rec.FullName,
		NationalID:           rec.NationalID.Masked(),
		DateOfBirth:          rec.DateOfBirth.Format(time.DateOnly),
		PhoneNumber:          rec.PhoneNumber.String(),
		Documents:            rec.Documents,
		NationalIDValid:      rec.NationalIDValid.Ptr(),
		NationalIDStatus:     rec.NationalIDStatus,
		NameMatch:            rec.NameMatch.Ptr(),
		CriminalRecordStatus: string(rec.CriminalRecordStatus),
		PhoneVerified:        rec.PhoneVerified,
		ChecksSimulated:      rec.ChecksSimulated,
		RiskScore:            rec.RiskScore,
		RiskLevel:            string(rec.RiskLevel),
		RequiresManualReview: rec.RequiresManualReview,
		RejectionReason:      rec.RejectionReason,
		ManualReviewReason:   rec.ManualReviewReason,
		SuspensionReason:     rec.SuspensionReason,
		Version:              rec.Version,
		CreatedAt:            rec.CreatedAt,
		UpdatedAt:            rec.UpdatedAt,
		ApprovedAt:           rec.ApprovedAt,
		RejectedAt:           rec.RejectedAt,
	}
}

// AuditEntryResponse is one row of a record's audit trail.
type AuditEntryResponse struct {
	ID         string        `json:"id"`
	EventType  string        `json:"event_type"`
	Actor      audit.Actor   `json:"actor"`
	Payload    audit.Payload `json:"payload"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// RecordDetailResponse is GET /admin/verification/{id}.
type RecordDetailResponse struct {
	Record *RecordResponse      `json:"record"`
	Audit  []AuditEntryResponse `json:"audit"`
}

func toRecordDetailResponse(detail *service.RecordDetail) *RecordDetailResponse {
	resp := &RecordDetailResponse{
		Record: toRecordResponse(detail.Record),
		Audit:  make([]AuditEntryResponse, 0, len(detail.Audit)),
	}
	for _, e := range detail.Audit {
		resp.Audit = append(resp.Audit, AuditEntryResponse{
			ID:         e.ID.String(),
			EventType:  string(e.EventType),
			Actor:      e.Actor,
			Payload:    e.Payload,
			OccurredAt: e.OccurredAt,
		})
	}
	return resp
}

// QueueResponse is GET /admin/verification.
type QueueResponse struct {
	Records []*RecordResponse `json:"records"`
	Count   int               `json:"count"`
}

func toQueueResponse(records []*models.Record) *QueueResponse {
	resp := &QueueResponse{Records: make([]*RecordResponse, 0, len(records)), Count: len(records)}
	for _, rec := range records {
		resp.Records = append(resp.Records, toRecordResponse(rec))
	}
	return resp
}

// AdmissionResponse is GET /verification/admission.
type AdmissionResponse struct {
	Action     string `json:"action"`
	Authorized bool   `json:"authorized"`
}
