package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"vetting/internal/platform/objectstore"
	"vetting/internal/verification/checks"
	"vetting/internal/verification/models"
	"vetting/internal/verification/store"
	id "vetting/pkg/domain"
	dErrors "vetting/pkg/domain-errors"
	"vetting/pkg/platform/audit"
	"vetting/pkg/platform/sentinel"
	"vetting/pkg/requestcontext"
)

const (
	cleanID    = "529.982.247-25"
	invalidID  = "11111111111"
	flaggedID  = "33333333333"
	mismatchID = "22222222222"
)

type staticAdmins map[id.UserID]bool

func (a staticAdmins) IsAdmin(_ context.Context, userID id.UserID) (bool, error) {
	return a[userID], nil
}

// unavailableCriminal always times out, counting the calls it receives.
type unavailableCriminal struct{ calls atomic.Int32 }

func (u *unavailableCriminal) Lookup(context.Context, checks.CriminalRecordRequest) (checks.CriminalRecordResult, error) {
	u.calls.Add(1)
	return checks.CriminalRecordResult{}, checks.NewError(checks.ErrorUnavailable, checks.CheckCriminalRecord, "bureau timed out", nil)
}

// renewedNationalID reports the ID as invalid once, then valid, as a registry
// does after the applicant renews their document.
type renewedNationalID struct{ calls atomic.Int32 }

func (r *renewedNationalID) Validate(context.Context, checks.NationalIDRequest) (checks.NationalIDResult, error) {
	if r.calls.Add(1) == 1 {
		return checks.NationalIDResult{Valid: false, StatusText: "expired", NameMatch: models.True}, nil
	}
	return checks.NationalIDResult{Valid: true, StatusText: "regular", NameMatch: models.True}, nil
}

// interferingStore lets a competing writer land just before the first
// compare-and-swap of the wrapped call.
type interferingStore struct {
	*store.InMemoryStore
	once      sync.Once
	interfere func(ctx context.Context, rec *models.Record)
	conflicts int
}

func (s *interferingStore) UpdateWithExpectedVersion(ctx context.Context, recordID id.RecordID, expected int64, mutate func(*models.Record) error, entries ...audit.Entry) (*models.Record, error) {
	if s.conflicts > 0 {
		s.conflicts--
		return nil, sentinel.ErrConflict
	}
	s.once.Do(func() {
		if s.interfere != nil {
			rec, _ := s.InMemoryStore.GetByID(ctx, recordID)
			s.interfere(ctx, rec)
		}
	})
	return s.InMemoryStore.UpdateWithExpectedVersion(ctx, recordID, expected, mutate, entries...)
}

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	store   *store.InMemoryStore
	docs    *objectstore.MemoryStorage
	sim     *checks.Simulated
	admin   id.UserID
	user    id.UserID
	service *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(requestcontext.WithRequestID(context.Background(), "req-1"), s.now)
	s.store = store.NewInMemoryStore()
	s.docs = objectstore.NewMemoryStorage()
	s.sim = checks.NewSimulated(checks.SimulatedConfig{
		InvalidIDs:      []string{invalidID},
		NameMismatchIDs: []string{mismatchID},
		FlaggedIDs:      []string{flaggedID},
	})
	s.admin = id.UserID(uuid.New())
	s.user = id.UserID(uuid.New())
	s.service = s.newService(s.store, s.sim.Set())
}

func (s *ServiceSuite) newService(st Store, set checks.Set, opts ...Option) *Service {
	opts = append([]Option{
		WithDocumentStorage(s.docs),
		WithCheckPolicy(CheckPolicy{
			AttemptTimeout: time.Second,
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		}),
	}, opts...)
	return New(st, set, staticAdmins{s.admin: true}, opts...)
}

func (s *ServiceSuite) start(nationalID string) *models.Record {
	rec, created, err := s.service.Start(s.ctx, s.user, StartInput{
		FullName:    "Maria Silva",
		NationalID:  nationalID,
		DateOfBirth: "1990-05-17",
		PhoneNumber: "+55 11 91234-5678",
	})
	s.Require().NoError(err)
	s.Require().True(created)
	return rec
}

func fullDocuments() models.Documents {
	return models.Documents{FrontRef: "docs/front.jpg", BackRef: "docs/back.jpg", SelfieRef: "docs/selfie.jpg"}
}

func (s *ServiceSuite) submit(otp string) *models.Record {
	rec, err := s.service.SubmitDocuments(s.ctx, s.user, fullDocuments(), otp)
	s.Require().NoError(err)
	return rec
}

func (s *ServiceSuite) auditTypes(recordID id.RecordID) []audit.EventType {
	entries, err := s.store.ListAudit(s.ctx, recordID)
	s.Require().NoError(err)
	types := make([]audit.EventType, len(entries))
	for i, e := range entries {
		types[i] = e.EventType
	}
	return types
}

func (s *ServiceSuite) stored(recordID id.RecordID) *models.Record {
	rec, err := s.store.GetByID(s.ctx, recordID)
	s.Require().NoError(err)
	return rec
}

func (s *ServiceSuite) TestCleanApplicantIsApproved() {
	rec := s.start(cleanID)
	s.Equal(models.StatusPending, rec.Status)

	final := s.submit(checks.DefaultAcceptedOTP)

	s.Equal(models.StatusApproved, final.Status)
	s.Require().NotNil(final.ApprovedAt)
	s.Equal(s.now, *final.ApprovedAt)
	s.Require().NotNil(final.RiskScore)
	s.Equal(10, *final.RiskScore)
	s.Equal(models.RiskLow, final.RiskLevel)
	s.True(final.PhoneVerified)
	s.True(final.ChecksSimulated)
	s.Equal([]audit.EventType{
		audit.EventVerificationStarted,
		audit.EventDocumentsUploaded,
		audit.EventChecksCompleted,
		audit.EventApproved,
	}, s.auditTypes(rec.ID))
	s.Equal(int64(4), final.Version)
}

func (s *ServiceSuite) TestInvalidNationalIDIsRejectedWithoutReview() {
	s.start(invalidID)
	final := s.submit(checks.DefaultAcceptedOTP)

	s.Equal(models.StatusRejected, final.Status)
	s.False(final.RequiresManualReview)
	s.Equal(models.False, final.NationalIDValid)
	s.Contains(final.RejectionReason, "national_id_invalid")
	s.NotNil(final.RejectedAt)
	s.Nil(final.ApprovedAt)
}

func (s *ServiceSuite) TestFlaggedApplicantGoesToReviewThenAdminRejects() {
	rec := s.start(flaggedID)
	final := s.submit(checks.DefaultAcceptedOTP)
	s.Equal(models.StatusManualReview, final.Status)
	s.True(final.RequiresManualReview)
	s.Equal(models.RiskHigh, final.RiskLevel)

	rejected, err := s.service.AdminReject(s.ctx, s.admin, rec.ID, "court record")
	s.Require().NoError(err)
	s.Equal(models.StatusRejected, rejected.Status)
	s.Equal("court record", rejected.RejectionReason)

	entries, err := s.store.ListAudit(s.ctx, rec.ID)
	s.Require().NoError(err)
	last := entries[len(entries)-1]
	s.Equal(audit.EventRejected, last.EventType)
	s.Equal(audit.ActorAdmin, last.Actor.Kind)
	s.Equal(s.admin.String(), last.Actor.ID)
	s.Equal("court record", last.Payload.Reason)
}

func (s *ServiceSuite) TestAppealReturnsToPendingAndKeepsHistory() {
	rec := s.start(invalidID)
	s.submit(checks.DefaultAcceptedOTP)
	before, err := s.store.ListAudit(s.ctx, rec.ID)
	s.Require().NoError(err)

	appealed, err := s.service.Appeal(s.ctx, s.user, "document was renewed")
	s.Require().NoError(err)
	s.Equal(models.StatusPending, appealed.Status)
	s.Empty(appealed.RejectionReason)
	s.Nil(appealed.RejectedAt)

	after, err := s.store.ListAudit(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Require().Len(after, len(before)+1)
	s.Equal(before, after[:len(before)])
	s.Equal(audit.EventAppealed, after[len(after)-1].EventType)
}

func (s *ServiceSuite) TestAppealGetsFreshProviderAnswers() {
	registry := &renewedNationalID{}
	set := s.sim.Set()
	set.NationalID = registry
	s.service = s.newService(s.store, checks.Deduplicate(set, checks.NewMemoryCache(0), nil))

	rec := s.start(cleanID)
	s.Equal(models.StatusRejected, s.submit(checks.DefaultAcceptedOTP).Status)

	_, err := s.service.Appeal(s.ctx, s.user, "document was renewed")
	s.Require().NoError(err)
	final := s.submit(checks.DefaultAcceptedOTP)

	s.Equal(int32(2), registry.calls.Load())
	s.Equal(models.StatusApproved, final.Status)
	s.Equal(2, s.stored(rec.ID).CheckRun)
}

func (s *ServiceSuite) TestStartIsIdempotent() {
	first := s.start(cleanID)

	again, created, err := s.service.Start(s.ctx, s.user, StartInput{
		FullName:    "Maria Souza Silva",
		NationalID:  mismatchID,
		DateOfBirth: "1991-01-01",
		PhoneNumber: "+5511987654321",
	})
	s.Require().NoError(err)
	s.False(created)
	s.Equal(first.ID, again.ID)
	s.Equal("Maria Silva", again.FullName)
	s.Len(s.auditTypes(first.ID), 1)
}

func (s *ServiceSuite) TestStartRejectsMalformedFacts() {
	_, _, err := s.service.Start(s.ctx, s.user, StartInput{
		FullName:    "Maria",
		NationalID:  "123",
		DateOfBirth: "17/05/1990",
		PhoneNumber: "11 91234",
	})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	_, err = s.store.GetByUserID(s.ctx, s.user)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *ServiceSuite) TestStartAfterRejectionIsRefused() {
	rec := s.start(invalidID)
	s.submit(checks.DefaultAcceptedOTP)

	_, _, err := s.service.Start(s.ctx, s.user, StartInput{
		FullName: "Maria Silva", NationalID: cleanID, DateOfBirth: "1990-05-17", PhoneNumber: "+5511912345678",
	})
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))
	types := s.auditTypes(rec.ID)
	s.Equal(audit.EventTransitionRejected, types[len(types)-1])
}

func (s *ServiceSuite) TestRefusedTransitionsLeaveRecordUntouched() {
	rec := s.start(cleanID)

	_, err := s.service.AdminApprove(s.ctx, s.admin, rec.ID, "")
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))
	_, err = s.service.AdminSuspend(s.ctx, s.admin, rec.ID, "fraud")
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))
	_, err = s.service.Appeal(s.ctx, s.user, "")
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))
	_, err = s.service.AdminReject(s.ctx, s.admin, rec.ID, "")
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))
	_, err = s.service.AdminSuspend(s.ctx, s.admin, rec.ID, " ")
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))

	after := s.stored(rec.ID)
	s.Equal(models.StatusPending, after.Status)
	s.Equal(int64(1), after.Version)

	entries, err := s.store.ListAudit(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Require().Len(entries, 6)
	for _, e := range entries[1:] {
		s.Equal(audit.EventTransitionRejected, e.EventType)
		s.Equal(string(models.StatusPending), e.Payload.FromStatus)
	}
}

func (s *ServiceSuite) TestAdminRejectWithoutReasonIsAudited() {
	rec := s.start(flaggedID)
	s.submit(checks.DefaultAcceptedOTP)
	version := s.stored(rec.ID).Version

	_, err := s.service.AdminReject(s.ctx, s.admin, rec.ID, "")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	after := s.stored(rec.ID)
	s.Equal(models.StatusManualReview, after.Status)
	s.Equal(version, after.Version)
	types := s.auditTypes(rec.ID)
	s.Equal(audit.EventTransitionRejected, types[len(types)-1])
}

func (s *ServiceSuite) TestMissingDocumentsBlockUpload() {
	rec := s.start(cleanID)
	_, err := s.service.SubmitDocuments(s.ctx, s.user, models.Documents{FrontRef: "front"}, "")
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))
	s.Equal(models.StatusPending, s.stored(rec.ID).Status)
}

func (s *ServiceSuite) TestAdminActionsRequireAdmin() {
	rec := s.start(flaggedID)
	s.submit(checks.DefaultAcceptedOTP)

	_, err := s.service.AdminApprove(s.ctx, s.user, rec.ID, "")
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	_, err = s.service.GetRecord(s.ctx, s.user, rec.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	s.Equal(models.StatusManualReview, s.stored(rec.ID).Status)

	approved, err := s.service.AdminApprove(s.ctx, s.admin, rec.ID, "spoke to applicant")
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, approved.Status)
	s.False(approved.RequiresManualReview)

	suspended, err := s.service.AdminSuspend(s.ctx, s.admin, rec.ID, "chargebacks")
	s.Require().NoError(err)
	s.Equal(models.StatusSuspended, suspended.Status)
	s.NotNil(suspended.ApprovedAt)
	s.Equal("chargebacks", suspended.SuspensionReason)
}

func (s *ServiceSuite) TestUnavailableProviderNeverApproves() {
	criminal := &unavailableCriminal{}
	set := s.sim.Set()
	set.CriminalRecord = criminal
	s.service = s.newService(s.store, set)

	rec := s.start(cleanID)
	final := s.submit(checks.DefaultAcceptedOTP)

	s.Equal(int32(3), criminal.calls.Load())
	s.Equal(models.StatusManualReview, final.Status)
	s.Equal(models.CriminalError, final.CriminalRecordStatus)

	entries, err := s.store.ListAudit(s.ctx, rec.ID)
	s.Require().NoError(err)
	var failed *audit.Entry
	for i := range entries {
		if entries[i].EventType == audit.EventCheckFailed {
			failed = &entries[i]
		}
	}
	s.Require().NotNil(failed)
	s.Equal(string(checks.CheckCriminalRecord), failed.Payload.Check)
	s.Equal(string(checks.ErrorUnavailable), failed.Payload.Outcome)
	s.Equal(3, failed.Payload.Attempts)
}

func (s *ServiceSuite) TestNotConfiguredProviderFailsClosed() {
	set := s.sim.Set()
	set.CriminalRecord = checks.Unconfigured{}
	s.service = s.newService(s.store, set)

	rec := s.start(cleanID)
	stuck := s.submit(checks.DefaultAcceptedOTP)
	s.Equal(models.StatusChecking, stuck.Status)

	_, err := s.service.RunChecks(s.ctx, rec.ID, "")
	s.True(dErrors.HasCode(err, dErrors.CodeConfig))
	s.Equal(models.StatusChecking, s.stored(rec.ID).Status)

	types := s.auditTypes(rec.ID)
	s.Contains(types, audit.EventCheckFailed)
	s.NotContains(types, audit.EventChecksCompleted)

	s.service = s.newService(s.store, s.sim.Set())
	rechecked, err := s.service.Recheck(s.ctx, s.admin, rec.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, rechecked.Status)
}

func (s *ServiceSuite) TestLateResultsLose() {
	rec := s.start(flaggedID)
	s.submit(checks.DefaultAcceptedOTP)
	_, err := s.service.AdminApprove(s.ctx, s.admin, rec.ID, "")
	s.Require().NoError(err)
	version := s.stored(rec.ID).Version

	_, err = s.service.RunChecks(s.ctx, rec.ID, "")
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))

	after := s.stored(rec.ID)
	s.Equal(models.StatusApproved, after.Status)
	s.Equal(version, after.Version)
	types := s.auditTypes(rec.ID)
	s.Equal(audit.EventTransitionRejected, types[len(types)-1])
}

func (s *ServiceSuite) TestConflictIsReEvaluated() {
	rec := s.start(flaggedID)
	s.submit(checks.DefaultAcceptedOTP)

	interfering := &interferingStore{InMemoryStore: s.store}
	interfering.interfere = func(ctx context.Context, current *models.Record) {
		_, err := s.store.UpdateWithExpectedVersion(ctx, current.ID, current.Version, func(r *models.Record) error {
			r.ManualReviewReason = "escalated by support"
			return nil
		})
		s.Require().NoError(err)
	}
	s.service = s.newService(interfering, s.sim.Set())
	before := s.stored(rec.ID).Version

	approved, err := s.service.AdminApprove(s.ctx, s.admin, rec.ID, "")
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, approved.Status)
	s.Equal(before+2, approved.Version)
}

func (s *ServiceSuite) TestConflictsAreBounded() {
	rec := s.start(flaggedID)
	s.submit(checks.DefaultAcceptedOTP)

	s.service = s.newService(&interferingStore{InMemoryStore: s.store, conflicts: 10}, s.sim.Set(), WithTransitionAttempts(3))
	_, err := s.service.AdminApprove(s.ctx, s.admin, rec.ID, "")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.Equal(models.StatusManualReview, s.stored(rec.ID).Status)
}

func (s *ServiceSuite) TestConcurrentAdminDecisionsConverge() {
	rec := s.start(flaggedID)
	s.submit(checks.DefaultAcceptedOTP)
	before := s.stored(rec.ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = s.service.AdminApprove(s.ctx, s.admin, rec.ID, "")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = s.service.AdminReject(s.ctx, s.admin, rec.ID, "court record")
	}()
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed), "loser must see the new status, got %v", err)
	}
	s.Equal(1, succeeded)

	after := s.stored(rec.ID)
	s.Equal(before.Version+1, after.Version)
	s.Contains([]models.Status{models.StatusApproved, models.StatusRejected}, after.Status)
}

func (s *ServiceSuite) TestAttachDocumentsThenSubmit() {
	rec := s.start(cleanID)
	for _, kind := range []models.DocumentKind{models.DocumentFront, models.DocumentBack, models.DocumentSelfie} {
		_, err := s.service.AttachDocument(s.ctx, s.user, kind, "image/jpeg", []byte("jpeg bytes"))
		s.Require().NoError(err)
	}
	attached := s.stored(rec.ID)
	s.Empty(attached.Documents.Missing())
	s.Equal(models.StatusPending, attached.Status)
	_, ok := s.docs.Get(strings.TrimPrefix(attached.Documents.SelfieRef, "mem://"))
	s.True(ok)

	final, err := s.service.SubmitDocuments(s.ctx, s.user, models.Documents{}, "")
	s.Require().NoError(err)
	s.False(final.PhoneVerified)
	s.Require().NotNil(final.RiskScore)
	s.Equal(25, *final.RiskScore)
	s.Equal(models.StatusApproved, final.Status)
	s.Contains(s.auditTypes(rec.ID), audit.EventDocumentAttached)
}

func (s *ServiceSuite) TestVerifyPhoneBeforeSubmitting() {
	rec := s.start(cleanID)

	_, err := s.service.VerifyPhone(s.ctx, s.user, "123456")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	s.False(s.stored(rec.ID).PhoneVerified)

	verified, err := s.service.VerifyPhone(s.ctx, s.user, checks.DefaultAcceptedOTP)
	s.Require().NoError(err)
	s.True(verified.PhoneVerified)
	s.Equal(models.StatusPending, verified.Status)

	final := s.submit("")
	s.Equal(models.StatusApproved, final.Status)
}

func (s *ServiceSuite) TestStatusForUnknownUser() {
	view, err := s.service.Status(s.ctx, id.UserID(uuid.New()))
	s.Require().NoError(err)
	s.Equal(models.StatusNotStarted, view.Status)
	s.Equal("start_verification", view.NextStep)
	s.Nil(view.Record)
}

func (s *ServiceSuite) TestListQueue() {
	rec := s.start(flaggedID)
	s.submit(checks.DefaultAcceptedOTP)

	queue, err := s.service.ListQueue(s.ctx, s.admin, nil, 10)
	s.Require().NoError(err)
	s.Require().Len(queue, 1)
	s.Equal(rec.ID, queue[0].ID)

	detail, err := s.service.GetRecord(s.ctx, s.admin, rec.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusManualReview, detail.Record.Status)
	s.NotEmpty(detail.Audit)
}

func (s *ServiceSuite) TestAsyncDispatcherDrainsOnClose() {
	dispatcher := NewAsyncDispatcher(2, 5*time.Second, nil)
	s.service = s.newService(s.store, s.sim.Set(), WithDispatcher(dispatcher))

	rec := s.start(cleanID)
	s.submit(checks.DefaultAcceptedOTP)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(dispatcher.Close(ctx))
	s.Equal(models.StatusApproved, s.stored(rec.ID).Status)

	called := false
	dispatcher.Dispatch(s.ctx, func(context.Context) { called = true })
	s.False(called)
}

type failingPublisher struct{}

func (failingPublisher) Emit(context.Context, audit.Entry) error {
	return errors.New("audit sink down")
}

func (s *ServiceSuite) TestAuditFailureDoesNotMaskRefusal() {
	s.service = s.newService(s.store, s.sim.Set(), WithAuditPublisher(failingPublisher{}))
	rec := s.start(cleanID)

	_, err := s.service.AdminApprove(s.ctx, s.admin, rec.ID, "")
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))
	s.Len(s.auditTypes(rec.ID), 1)
}
