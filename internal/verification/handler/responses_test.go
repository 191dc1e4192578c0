package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vetting/internal/verification/models"
	"vetting/internal/verification/risk"
)

func TestUserFacingReason(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   string
	}{
		{name: "empty", reason: "", want: ""},
		{
			name:   "single scorer code",
			reason: risk.ReasonNationalIDInvalid,
			want:   "The national ID could not be validated with the issuing registry.",
		},
		{
			name:   "joined scorer codes",
			reason: risk.ReasonNationalIDInvalid + ", " + risk.ReasonPhoneUnverified,
			want:   "The national ID could not be validated with the issuing registry. The phone number was not verified.",
		},
		{name: "admin text", reason: "court record", want: "court record"},
		{name: "admin text mentioning a code", reason: "name_mismatch, confirmed by phone call", want: "name_mismatch, confirmed by phone call"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, userFacingReason(tt.reason))
		})
	}
}

func TestStatusResponseHidesReasonCodes(t *testing.T) {
	rec := &models.Record{Status: models.StatusRejected, RejectionReason: risk.ReasonNameMismatch}

	resp := toStatusResponse(rec)

	assert.Equal(t, "The name provided does not match the national ID.", resp.RejectionReason)
	assert.Equal(t, risk.ReasonNameMismatch, toRecordResponse(rec).RejectionReason)
}
