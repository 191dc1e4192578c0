package models

import (
	"strings"
	"time"
	"unicode/utf8"

	id "vetting/pkg/domain"
	dErrors "vetting/pkg/domain-errors"
)

const minimumAge = 18

// IdentityFacts are the self-declared facts a user starts verification with.
type IdentityFacts struct {
	FullName    string
	NationalID  id.NationalID
	DateOfBirth time.Time
	PhoneNumber id.PhoneNumber
}

// NewIdentityFacts parses and validates raw facts. Malformed facts are
// validation errors (422).
func NewIdentityFacts(fullName, nationalID, dateOfBirth, phoneNumber string, now time.Time) (IdentityFacts, error) {
	name := strings.Join(strings.Fields(fullName), " ")
	if name == "" {
		return IdentityFacts{}, dErrors.New(dErrors.CodeValidation, "full_name is required")
	}
	if utf8.RuneCountInString(name) > 200 {
		return IdentityFacts{}, dErrors.New(dErrors.CodeValidation, "full_name must be at most 200 characters")
	}
	if !strings.Contains(name, " ") {
		return IdentityFacts{}, dErrors.New(dErrors.CodeValidation, "full_name must include a surname")
	}

	nid, err := id.ParseNationalID(nationalID)
	if err != nil {
		return IdentityFacts{}, err
	}

	dob, err := time.Parse(time.DateOnly, strings.TrimSpace(dateOfBirth))
	if err != nil {
		return IdentityFacts{}, dErrors.New(dErrors.CodeValidation, "date_of_birth must be YYYY-MM-DD")
	}
	if dob.After(now) {
		return IdentityFacts{}, dErrors.New(dErrors.CodeValidation, "date_of_birth is in the future")
	}
	if dob.AddDate(minimumAge, 0, 0).After(now) {
		return IdentityFacts{}, dErrors.New(dErrors.CodeValidation, "user must be at least 18 years old")
	}

	phone, err := id.ParsePhoneNumber(phoneNumber)
	if err != nil {
		return IdentityFacts{}, err
	}

	return IdentityFacts{
		FullName:    name,
		NationalID:  nid,
		DateOfBirth: dob,
		PhoneNumber: phone,
	}, nil
}
