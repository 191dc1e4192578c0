package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "vetting/pkg/domain"
	dErrors "vetting/pkg/domain-errors"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func allDocs() Documents {
	return Documents{FrontRef: "mem://front", BackRef: "mem://back", SelfieRef: "mem://selfie"}
}

func newPending(t *testing.T) *Record {
	t.Helper()
	facts, err := NewIdentityFacts("Maria Silva", "123.456.789-09", "1990-05-17", "+55 11 91234-5678", now)
	require.NoError(t, err)
	return NewRecord(id.RecordID(uuid.New()), id.UserID(uuid.New()), facts, now)
}

func recordIn(t *testing.T, status Status) *Record {
	t.Helper()
	r := newPending(t)
	r.Status = status
	return r
}

func TestTargetCoversEveryPair(t *testing.T) {
	type key struct {
		from  Status
		event Event
	}
	allowed := map[key]Status{
		{StatusNotStarted, EventStart}:          StatusPending,
		{StatusPending, EventDocumentsUploaded}: StatusChecking,
		{StatusChecking, EventChecksComplete}:   StatusApproved,
		{StatusManualReview, EventAdminApprove}: StatusApproved,
		{StatusManualReview, EventAdminReject}:  StatusRejected,
		{StatusRejected, EventAppeal}:           StatusPending,
		{StatusApproved, EventAdminSuspend}:     StatusSuspended,
	}

	for _, from := range AllStatuses() {
		for _, ev := range AllEvents() {
			to, err := Target(from, ev, RouteApprove)
			want, ok := allowed[key{from, ev}]
			if ok {
				require.NoError(t, err, "%s + %s", from, ev)
				assert.Equal(t, want, to, "%s + %s", from, ev)
				continue
			}
			require.Error(t, err, "%s + %s", from, ev)
			assert.True(t, dErrors.HasCode(err, dErrors.CodePreconditionFailed), "%s + %s", from, ev)
		}
	}
}

func TestTargetRoutesChecksComplete(t *testing.T) {
	for route, want := range map[Route]Status{
		RouteApprove:      StatusApproved,
		RouteManualReview: StatusManualReview,
		RouteReject:       StatusRejected,
	} {
		got, err := Target(StatusChecking, EventChecksComplete, route)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := Target(StatusChecking, EventChecksComplete, "")
	assert.True(t, dErrors.HasCode(err, dErrors.CodePreconditionFailed))
}

func TestApplyDocumentsUploaded(t *testing.T) {
	t.Run("requires front back and selfie", func(t *testing.T) {
		r := newPending(t)
		err := r.ApplyDocumentsUploaded(Documents{FrontRef: "a", BackRef: "b"}, now)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodePreconditionFailed))
		assert.Equal(t, StatusPending, r.Status)
		assert.Empty(t, r.Documents.FrontRef)
		assert.Zero(t, r.CheckRun)
	})

	t.Run("merges previously attached documents", func(t *testing.T) {
		r := newPending(t)
		require.NoError(t, r.AttachDocument(DocumentSelfie, "mem://selfie", now))
		later := now.Add(time.Minute)
		require.NoError(t, r.ApplyDocumentsUploaded(Documents{FrontRef: "f", BackRef: "b"}, later))
		assert.Equal(t, StatusChecking, r.Status)
		assert.Equal(t, "mem://selfie", r.Documents.SelfieRef)
		assert.Equal(t, later, r.StatusChangedAt)
		assert.Equal(t, 1, r.CheckRun)
	})

	t.Run("not allowed outside pending", func(t *testing.T) {
		r := recordIn(t, StatusChecking)
		err := r.ApplyDocumentsUploaded(allDocs(), now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodePreconditionFailed))
		assert.Equal(t, StatusChecking, r.Status)
	})
}

func TestApplyChecksComplete(t *testing.T) {
	results := CheckResults{
		NationalIDValid:  True,
		NationalIDStatus: "REGULAR",
		NameMatch:        True,
		CriminalRecord:   CriminalClear,
		PhoneVerified:    true,
	}

	t.Run("approve sets approved_at", func(t *testing.T) {
		r := recordIn(t, StatusChecking)
		require.NoError(t, r.RecordCheckResults(results, now))
		assert.Equal(t, StatusChecking, r.Status)
		require.NoError(t, r.ApplyChecksComplete(Assessment{Score: 10, Level: RiskLow, Route: RouteApprove}, now))
		assert.Equal(t, StatusApproved, r.Status)
		require.NotNil(t, r.ApprovedAt)
		require.NotNil(t, r.RiskScore)
		assert.Equal(t, 10, *r.RiskScore)
		assert.True(t, r.PhoneVerified)
	})

	t.Run("reject sets reason and rejected_at", func(t *testing.T) {
		r := recordIn(t, StatusChecking)
		a := Assessment{Score: 100, Level: RiskHigh, Route: RouteReject, Reasons: []string{"national_id_invalid"}}
		require.NoError(t, r.ApplyChecksComplete(a, now))
		assert.Equal(t, StatusRejected, r.Status)
		assert.Equal(t, "national_id_invalid", r.RejectionReason)
		assert.NotNil(t, r.RejectedAt)
		assert.Nil(t, r.ApprovedAt)
	})

	t.Run("manual review records why", func(t *testing.T) {
		r := recordIn(t, StatusChecking)
		a := Assessment{Score: 60, Level: RiskHigh, RequiresManualReview: true, Route: RouteManualReview, Reasons: []string{"criminal_record_flagged"}}
		require.NoError(t, r.ApplyChecksComplete(a, now))
		assert.Equal(t, StatusManualReview, r.Status)
		assert.True(t, r.RequiresManualReview)
		assert.Equal(t, "criminal_record_flagged", r.ManualReviewReason)
	})

	t.Run("late results do not touch a decided record", func(t *testing.T) {
		r := recordIn(t, StatusApproved)
		before := r.Clone()
		err := r.RecordCheckResults(results, now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodePreconditionFailed))
		err = r.ApplyChecksComplete(Assessment{Route: RouteReject}, now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodePreconditionFailed))
		assert.Equal(t, before, r)
	})
}

func TestAdminActions(t *testing.T) {
	t.Run("approve from manual review", func(t *testing.T) {
		r := recordIn(t, StatusManualReview)
		r.RequiresManualReview = true
		require.NoError(t, r.ApplyAdminApprove(now))
		assert.Equal(t, StatusApproved, r.Status)
		assert.NotNil(t, r.ApprovedAt)
		assert.False(t, r.RequiresManualReview)
	})

	t.Run("reject requires a reason", func(t *testing.T) {
		r := recordIn(t, StatusManualReview)
		err := r.ApplyAdminReject("  ", now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		assert.Equal(t, StatusManualReview, r.Status)

		require.NoError(t, r.ApplyAdminReject("court record", now))
		assert.Equal(t, StatusRejected, r.Status)
		assert.Equal(t, "court record", r.RejectionReason)
	})

	t.Run("suspend keeps approved_at", func(t *testing.T) {
		r := recordIn(t, StatusManualReview)
		require.NoError(t, r.ApplyAdminApprove(now))
		require.NoError(t, r.ApplyAdminSuspend("chargeback fraud", now.Add(time.Hour)))
		assert.Equal(t, StatusSuspended, r.Status)
		assert.NotNil(t, r.ApprovedAt)
		assert.Equal(t, "chargeback fraud", r.SuspensionReason)
	})

	t.Run("suspend only from approved", func(t *testing.T) {
		r := recordIn(t, StatusManualReview)
		err := r.ApplyAdminSuspend("x", now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodePreconditionFailed))
	})

	t.Run("status is checked before the reason", func(t *testing.T) {
		r := recordIn(t, StatusApproved)
		err := r.ApplyAdminReject("", now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodePreconditionFailed))

		r = recordIn(t, StatusPending)
		err = r.ApplyAdminSuspend("", now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodePreconditionFailed))
		assert.Equal(t, StatusPending, r.Status)
	})
}

func TestApplyAppeal(t *testing.T) {
	r := recordIn(t, StatusChecking)
	a := Assessment{Score: 100, Level: RiskHigh, Route: RouteReject, Reasons: []string{"national_id_invalid"}}
	require.NoError(t, r.RecordCheckResults(CheckResults{NationalIDValid: False, CriminalRecord: CriminalClear}, now))
	require.NoError(t, r.ApplyChecksComplete(a, now))

	require.NoError(t, r.ApplyAppeal(now.Add(time.Hour)))
	assert.Equal(t, StatusPending, r.Status)
	assert.Empty(t, r.RejectionReason)
	assert.Nil(t, r.RejectedAt)
	assert.Nil(t, r.RiskScore)
	assert.Equal(t, Unknown, r.NationalIDValid)
	assert.Equal(t, CriminalNotChecked, r.CriminalRecordStatus)

	err := r.ApplyAppeal(now)
	assert.True(t, dErrors.HasCode(err, dErrors.CodePreconditionFailed))
}

func TestAttachDocumentAndPhone(t *testing.T) {
	r := newPending(t)
	require.NoError(t, r.AttachDocument(DocumentProofOfAddress, "mem://poa", now))
	assert.Equal(t, "mem://poa", r.Documents.ProofOfAddressRef)
	assert.Equal(t, StatusPending, r.Status)

	require.NoError(t, r.MarkPhoneVerified(now))
	assert.True(t, r.PhoneVerified)

	approved := recordIn(t, StatusApproved)
	assert.True(t, dErrors.HasCode(approved.AttachDocument(DocumentSelfie, "x", now), dErrors.CodePreconditionFailed))
	assert.True(t, dErrors.HasCode(approved.MarkPhoneVerified(now), dErrors.CodePreconditionFailed))
}

func TestIsAuthorizedOnlyWhenApproved(t *testing.T) {
	for _, s := range AllStatuses() {
		r := recordIn(t, s)
		assert.Equal(t, s == StatusApproved, r.IsAuthorized(), string(s))
	}
	var missing *Record
	assert.False(t, missing.IsAuthorized())
}
