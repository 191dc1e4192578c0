package domain

import (
	"strings"
	"unicode"

	dErrors "vetting/pkg/domain-errors"
)

const nationalIDLength = 11

// NationalID is a CPF reduced to its eleven digits. Check-digit validation
// belongs to the external national-ID service, not to this type.
type NationalID string

func (n NationalID) String() string { return string(n) }

// Masked returns the ID with all but the last two digits hidden.
func (n NationalID) Masked() string {
	if len(n) < 2 {
		return strings.Repeat("*", len(n))
	}
	return strings.Repeat("*", len(n)-2) + string(n[len(n)-2:])
}

// ParseNationalID accepts "12345678909" or "123.456.789-09" and returns the
// digits-only form.
func ParseNationalID(s string) (NationalID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "national_id is required")
	}
	if len(s) > 20 {
		return "", dErrors.New(dErrors.CodeValidation, "national_id must be at most 20 characters")
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-':
		default:
			return "", dErrors.New(dErrors.CodeValidation, "national_id must contain only digits")
		}
	}
	digits := b.String()
	if len(digits) != nationalIDLength {
		return "", dErrors.New(dErrors.CodeValidation, "national_id must have 11 digits")
	}
	return NationalID(digits), nil
}

// PhoneNumber is an E.164 formatted number.
type PhoneNumber string

func (p PhoneNumber) String() string { return string(p) }

// ParsePhoneNumber strips spaces, dashes and parentheses and requires a
// leading "+" followed by 10 to 15 digits.
func ParsePhoneNumber(s string) (PhoneNumber, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "phone_number is required")
	}
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case unicode.IsDigit(r) && r < unicode.MaxASCII:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", dErrors.New(dErrors.CodeValidation, "phone_number contains invalid characters")
		}
	}
	out := b.String()
	if !strings.HasPrefix(out, "+") {
		return "", dErrors.New(dErrors.CodeValidation, "phone_number must be in E.164 format")
	}
	if n := len(out) - 1; n < 10 || n > 15 {
		return "", dErrors.New(dErrors.CodeValidation, "phone_number must have 10 to 15 digits")
	}
	return PhoneNumber(out), nil
}
