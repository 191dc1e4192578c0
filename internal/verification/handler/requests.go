package handler

import (
	"strings"

	"vetting/internal/verification/models"
	dErrors "vetting/pkg/domain-errors"
)

const (
	maxRefLength    = 512
	maxReasonLength = 1000
	maxOTPLength    = 12
)

// StartRequest is the body of POST /verification/start. Field contents are
// validated by the service; here only presence and size are checked.
type StartRequest struct {
	FullName    string `json:"full_name"`
	NationalID  string `json:"national_id"`
	DateOfBirth string `json:"date_of_birth"`
	PhoneNumber string `json:"phone_number"`
}

func (r *StartRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.FullName = strings.TrimSpace(r.FullName)
	r.NationalID = strings.TrimSpace(r.NationalID)
	r.DateOfBirth = strings.TrimSpace(r.DateOfBirth)
	r.PhoneNumber = strings.TrimSpace(r.PhoneNumber)

	switch {
	case r.FullName == "":
		return dErrors.New(dErrors.CodeValidation, "full_name is required")
	case r.NationalID == "":
		return dErrors.New(dErrors.CodeValidation, "national_id is required")
	case r.DateOfBirth == "":
		return dErrors.New(dErrors.CodeValidation, "date_of_birth is required")
	case r.PhoneNumber == "":
		return dErrors.New(dErrors.CodeValidation, "phone_number is required")
	}
	if len(r.FullName) > 800 {
		return dErrors.New(dErrors.CodeValidation, "full_name is too long")
	}
	return nil
}

// DocumentsRequest is the body of POST /verification/documents.
type DocumentsRequest struct {
	DocumentFrontRef  string `json:"document_front_ref"`
	DocumentBackRef   string `json:"document_back_ref"`
	SelfieRef         string `json:"selfie_ref"`
	ProofOfAddressRef string `json:"proof_of_address_ref"`
	PhoneOTP          string `json:"phone_otp"`
}

func (r *DocumentsRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	for _, ref := range []*string{&r.DocumentFrontRef, &r.DocumentBackRef, &r.SelfieRef, &r.ProofOfAddressRef} {
		*ref = strings.TrimSpace(*ref)
		if len(*ref) > maxRefLength {
			return dErrors.New(dErrors.CodeValidation, "document reference is too long")
		}
	}
	r.PhoneOTP = strings.TrimSpace(r.PhoneOTP)
	return validateOTP(r.PhoneOTP, false)
}

// Documents returns the references as a models.Documents.
func (r *DocumentsRequest) Documents() models.Documents {
	return models.Documents{
		FrontRef:          r.DocumentFrontRef,
		BackRef:           r.DocumentBackRef,
		SelfieRef:         r.SelfieRef,
		ProofOfAddressRef: r.ProofOfAddressRef,
	}
}

// PhoneRequest is the body of POST /verification/phone.
type PhoneRequest struct {
	OTPCode string `json:"otp_code"`
}

func (r *PhoneRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.OTPCode = strings.TrimSpace(r.OTPCode)
	return validateOTP(r.OTPCode, true)
}

// ReasonRequest is the body of the appeal and admin action endpoints.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

func (r *ReasonRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Reason = strings.TrimSpace(r.Reason)
	if len(r.Reason) > maxReasonLength {
		return dErrors.New(dErrors.CodeValidation, "reason must be at most 1000 characters")
	}
	return nil
}

func validateOTP(code string, required bool) error {
	if code == "" {
		if required {
			return dErrors.New(dErrors.CodeValidation, "otp_code is required")
		}
		return nil
	}
	if len(code) > maxOTPLength {
		return dErrors.New(dErrors.CodeValidation, "otp code is too long")
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return dErrors.New(dErrors.CodeValidation, "otp code must contain only digits")
		}
	}
	return nil
}
