// Package checks holds the external verification checks: national ID
// validation, criminal-record lookup and phone OTP verification. Each check is
// an interface with HTTP, simulated and unconfigured implementations.
package checks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"vetting/internal/verification/models"
	id "vetting/pkg/domain"
)

// Type names a check.
type Type string

const (
	CheckNationalID     Type = "national_id"
	CheckCriminalRecord Type = "criminal_record"
	CheckPhone          Type = "phone"
)

type NationalIDRequest struct {
	RecordID    id.RecordID
	Run         int
	NationalID  id.NationalID
	FullName    string
	DateOfBirth time.Time
}

type NationalIDResult struct {
	Valid      bool            `json:"valid"`
	StatusText string          `json:"status_text"`
	NameMatch  models.TriState `json:"name_match"`
	Simulated  bool            `json:"simulated"`
	Source     string          `json:"source"`
	CheckedAt  time.Time       `json:"checked_at"`
}

type CriminalRecordRequest struct {
	RecordID   id.RecordID
	Run        int
	NationalID id.NationalID
}

type CriminalRecordResult struct {
	Status    models.CriminalStatus `json:"status"`
	Details   string                `json:"details"`
	Simulated bool                  `json:"simulated"`
	Source    string                `json:"source"`
	CheckedAt time.Time             `json:"checked_at"`
}

type PhoneRequest struct {
	RecordID    id.RecordID
	Run         int
	PhoneNumber id.PhoneNumber
	OTPCode     string
}

type PhoneResult struct {
	Verified  bool      `json:"verified"`
	Simulated bool      `json:"simulated"`
	Source    string    `json:"source"`
	CheckedAt time.Time `json:"checked_at"`
}

// NationalIDCheck validates a national ID against the issuing registry.
type NationalIDCheck interface {
	Validate(ctx context.Context, req NationalIDRequest) (NationalIDResult, error)
}

// CriminalRecordCheck looks up court and police records.
type CriminalRecordCheck interface {
	Lookup(ctx context.Context, req CriminalRecordRequest) (CriminalRecordResult, error)
}

// PhoneCheck verifies a one-time code sent to the user's phone.
type PhoneCheck interface {
	Verify(ctx context.Context, req PhoneRequest) (PhoneResult, error)
}

// Set groups one implementation of each check.
type Set struct {
	NationalID     NationalIDCheck
	CriminalRecord CriminalRecordCheck
	Phone          PhoneCheck
}

var requestNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:vetting:checks"))

// RequestID derives a stable identifier from the record, the check run, the
// check and its input. Retries within one run yield the same ID, which
// providers receive as an idempotency key and the result cache uses as its
// key. A new run, such as after an appeal, yields a new ID.
func RequestID(recordID id.RecordID, run int, check Type, input ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(input, "\x1f")))
	name := recordID.String() + "|" + strconv.Itoa(run) + "|" + string(check) + "|" + hex.EncodeToString(sum[:])
	return uuid.NewSHA1(requestNamespace, []byte(name)).String()
}

func (r NationalIDRequest) requestID() string {
	return RequestID(r.RecordID, r.Run, CheckNationalID, r.NationalID.String(), r.FullName, r.DateOfBirth.Format(time.DateOnly))
}

func (r CriminalRecordRequest) requestID() string {
	return RequestID(r.RecordID, r.Run, CheckCriminalRecord, r.NationalID.String())
}

func (r PhoneRequest) requestID() string {
	return RequestID(r.RecordID, r.Run, CheckPhone, r.PhoneNumber.String(), r.OTPCode)
}
