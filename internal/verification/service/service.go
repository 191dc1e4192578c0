package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vetting/internal/verification/checks"
	"vetting/internal/verification/metrics"
	"vetting/internal/verification/models"
	"vetting/internal/verification/risk"
	id "vetting/pkg/domain"
	dErrors "vetting/pkg/domain-errors"
	"vetting/pkg/platform/audit"
	"vetting/pkg/platform/sentinel"
	"vetting/pkg/requestcontext"
)

// Store is the verification repository.
type Store interface {
	CreateOrGet(ctx context.Context, rec *models.Record, entry audit.Entry) (*models.Record, bool, error)
	GetByID(ctx context.Context, recordID id.RecordID) (*models.Record, error)
	GetByUserID(ctx context.Context, userID id.UserID) (*models.Record, error)
	UpdateWithExpectedVersion(ctx context.Context, recordID id.RecordID, expectedVersion int64, mutate func(*models.Record) error, entries ...audit.Entry) (*models.Record, error)
	AppendAudit(ctx context.Context, entry audit.Entry) error
	ListAudit(ctx context.Context, recordID id.RecordID) ([]audit.Entry, error)
	ListByStatus(ctx context.Context, statuses []models.Status, limit int) ([]*models.Record, error)
}

// AuditPublisher writes entries that are not part of a record write.
type AuditPublisher interface {
	Emit(ctx context.Context, entry audit.Entry) error
}

// AdminDirectory answers whether a user holds the admin capability.
type AdminDirectory interface {
	IsAdmin(ctx context.Context, userID id.UserID) (bool, error)
}

// DocumentStorage keeps uploaded document bytes and hands back an opaque reference.
type DocumentStorage interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Service runs the verification lifecycle: the state machine executor, the
// check orchestrator and the admin actions.
type Service struct {
	store      Store
	checks     checks.Set
	admins     AdminDirectory
	scorer     risk.Scorer
	publisher  AuditPublisher
	documents  DocumentStorage
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	policy     CheckPolicy
	attempts   int
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAuditPublisher routes standalone audit entries (check failures,
// refused transitions) through publisher instead of the store.
func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) {
		s.dispatcher = d
	}
}

func WithDocumentStorage(storage DocumentStorage) Option {
	return func(s *Service) {
		s.documents = storage
	}
}

func WithScorer(scorer risk.Scorer) Option {
	return func(s *Service) {
		s.scorer = scorer
	}
}

func WithCheckPolicy(policy CheckPolicy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithTransitionAttempts bounds how often a transition is re-evaluated after
// a version conflict.
func WithTransitionAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// New constructs a Service.
func New(store Store, checkSet checks.Set, admins AdminDirectory, opts ...Option) *Service {
	s := &Service{
		store:      store,
		checks:     checkSet,
		admins:     admins,
		scorer:     risk.NewScorer(risk.DefaultAutoApproveBelow),
		dispatcher: InlineDispatcher{},
		logger:     slog.New(slog.DiscardHandler),
		policy:     DefaultCheckPolicy(),
		attempts:   defaultTransitionAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.publisher == nil {
		s.publisher = storePublisher{store: store}
	}
	return s
}

// StartInput carries the raw self-declared identity facts.
type StartInput struct {
	FullName    string
	NationalID  string
	DateOfBirth string
	PhoneNumber string
}

// StatusView is what a user sees about their own verification.
type StatusView struct {
	Status   models.Status
	NextStep string
	Record   *models.Record
}

// RecordDetail is the admin view of a record and its audit trail.
type RecordDetail struct {
	Record *models.Record
	Audit  []audit.Entry
}

// Start creates the user's record in pending. It is idempotent: a user with
// a record gets it back unchanged (created=false) and the facts of the
// repeated call are ignored. Rejected and suspended users cannot restart.
func (s *Service) Start(ctx context.Context, userID id.UserID, in StartInput) (*models.Record, bool, error) {
	if userID.IsNil() {
		return nil, false, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	now := requestcontext.Now(ctx)
	facts, err := models.NewIdentityFacts(in.FullName, in.NationalID, in.DateOfBirth, in.PhoneNumber, now)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.store.GetByUserID(ctx, userID)
	switch {
	case err == nil:
		return existing, false, s.checkRestart(ctx, existing)
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification")
	}

	rec := models.NewRecord(id.NewRecordID(), userID, facts, now)
	entry := s.newEntry(ctx, rec, audit.EventVerificationStarted, userActor(ctx, userID), audit.Payload{
		FromStatus: string(models.StatusNotStarted),
		ToStatus:   string(models.StatusPending),
		Event:      string(models.EventStart),
	}, now)

	stored, created, err := s.store.CreateOrGet(ctx, rec, entry)
	if err != nil {
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to start verification")
	}
	if !created {
		return stored, false, s.checkRestart(ctx, stored)
	}

	s.metrics.IncTransition(string(models.StatusNotStarted), string(models.StatusPending), string(models.EventStart))
	s.logger.InfoContext(ctx, "verification started",
		"request_id", requestcontext.RequestID(ctx),
		"user_id", userID,
		"record_id", stored.ID,
	)
	return stored, true, nil
}

func (s *Service) checkRestart(ctx context.Context, rec *models.Record) error {
	if rec.Status != models.StatusRejected && rec.Status != models.StatusSuspended {
		return nil
	}
	err := dErrors.New(dErrors.CodePreconditionFailed,
		fmt.Sprintf("verification is %s and cannot be restarted", rec.Status))
	s.auditRejectedTransition(ctx, rec, string(models.EventStart), userActor(ctx, rec.UserID), err)
	return err
}

// SubmitDocuments merges the references into the record, moves it to
// checking and dispatches the automated checks. otp is optional and feeds
// the phone check.
func (s *Service) SubmitDocuments(ctx context.Context, userID id.UserID, docs models.Documents, otp string) (*models.Record, error) {
	rec, err := s.recordForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	updated, err := s.execute(ctx, rec.ID, transition{
		name:  string(models.EventDocumentsUploaded),
		event: models.EventDocumentsUploaded,
		actor: userActor(ctx, userID),
		apply: func(r *models.Record, now time.Time) error {
			return r.ApplyDocumentsUploaded(docs, now)
		},
		audit: statusEntry(audit.EventDocumentsUploaded, models.EventDocumentsUploaded, nil),
	})
	if err != nil {
		return nil, err
	}

	s.dispatchChecks(ctx, updated.ID, otp)
	return s.reload(ctx, updated)
}

// AttachDocument stores one document and records its reference while the
// record is pending.
func (s *Service) AttachDocument(ctx context.Context, userID id.UserID, kind models.DocumentKind, contentType string, data []byte) (*models.Record, error) {
	if s.documents == nil {
		return nil, dErrors.New(dErrors.CodeConfig, "document storage is not configured")
	}
	if len(data) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "document is empty")
	}
	rec, err := s.recordForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusPending {
		return nil, dErrors.New(dErrors.CodePreconditionFailed,
			fmt.Sprintf("documents can only be attached while pending, status is %s", rec.Status))
	}

	key := fmt.Sprintf("verifications/%s/%s/%s", rec.ID, kind, uuid.NewString())
	ref, err := s.documents.Put(ctx, key, contentType, data)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to store document")
	}

	return s.execute(ctx, rec.ID, transition{
		name:  "attach_document",
		actor: userActor(ctx, userID),
		apply: func(r *models.Record, now time.Time) error {
			return r.AttachDocument(kind, ref, now)
		},
		audit: func(ctx context.Context, before, after *models.Record, actor audit.Actor, now time.Time) []audit.Entry {
			return []audit.Entry{s.newEntry(ctx, after, audit.EventDocumentAttached, actor, audit.Payload{
				DocumentKind: string(kind),
			}, now)}
		},
	})
}

// VerifyPhone checks an OTP code and, when accepted, marks the phone as
// verified. This is a metadata write and never changes status.
func (s *Service) VerifyPhone(ctx context.Context, userID id.UserID, otp string) (*models.Record, error) {
	rec, err := s.recordForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.PhoneVerified {
		return rec, nil
	}
	if err := rec.Clone().MarkPhoneVerified(requestcontext.Now(ctx)); err != nil {
		s.auditRejectedTransition(ctx, rec, "verify_phone", userActor(ctx, userID), err)
		return nil, err
	}

	result, outcome := runCheck(ctx, s, checks.CheckPhone, func(ctx context.Context) (checks.PhoneResult, error) {
		return s.checks.Phone.Verify(ctx, checks.PhoneRequest{RecordID: rec.ID, Run: rec.CheckRun, PhoneNumber: rec.PhoneNumber, OTPCode: otp})
	})
	if outcome.err != nil {
		s.auditCheckFailure(ctx, rec, outcome)
		if checks.IsNotConfigured(outcome.err) {
			return nil, dErrors.Wrap(outcome.err, dErrors.CodeConfig, "phone verification is not configured")
		}
		if checks.GetCategory(outcome.err) == checks.ErrorInvalidInput {
			return nil, dErrors.New(dErrors.CodeValidation, "otp code was not accepted")
		}
		return nil, dErrors.Wrap(outcome.err, dErrors.CodeUnavailable, "phone verification is unavailable")
	}
	if !result.Verified {
		return nil, dErrors.New(dErrors.CodeValidation, "otp code was not accepted")
	}

	return s.execute(ctx, rec.ID, transition{
		name:  "verify_phone",
		actor: userActor(ctx, userID),
		apply: func(r *models.Record, now time.Time) error {
			return r.MarkPhoneVerified(now)
		},
		audit: func(ctx context.Context, before, after *models.Record, actor audit.Actor, now time.Time) []audit.Entry {
			verified := true
			return []audit.Entry{s.newEntry(ctx, after, audit.EventPhoneVerified, actor, audit.Payload{
				PhoneVerified: &verified,
				Simulated:     result.Simulated,
			}, now)}
		},
	})
}

// Status returns the user's verification state. Users without a record are
// reported as not_started.
func (s *Service) Status(ctx context.Context, userID id.UserID) (*StatusView, error) {
	rec, err := s.store.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return &StatusView{Status: models.StatusNotStarted, NextStep: models.NextStep(models.StatusNotStarted)}, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification")
	}
	return &StatusView{Status: rec.Status, NextStep: models.NextStep(rec.Status), Record: rec}, nil
}

// Appeal moves a rejected record back to pending.
func (s *Service) Appeal(ctx context.Context, userID id.UserID, reason string) (*models.Record, error) {
	rec, err := s.recordForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, rec.ID, transition{
		name:  string(models.EventAppeal),
		event: models.EventAppeal,
		actor: userActor(ctx, userID),
		apply: func(r *models.Record, now time.Time) error {
			return r.ApplyAppeal(now)
		},
		audit: statusEntry(audit.EventAppealed, models.EventAppeal, func(p *audit.Payload, _, _ *models.Record) {
			p.Reason = reason
		}),
	})
}

// AdminApprove resolves a manual review in the user's favour.
func (s *Service) AdminApprove(ctx context.Context, adminID id.UserID, recordID id.RecordID, note string) (*models.Record, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.execute(ctx, recordID, transition{
		name:  string(models.EventAdminApprove),
		event: models.EventAdminApprove,
		actor: adminActor(ctx, adminID),
		apply: func(r *models.Record, now time.Time) error {
			return r.ApplyAdminApprove(now)
		},
		audit: statusEntry(audit.EventApproved, models.EventAdminApprove, func(p *audit.Payload, _, _ *models.Record) {
			p.Reason = note
			p.Decision = string(models.RouteApprove)
		}),
	})
}

// AdminReject resolves a manual review with a mandatory reason.
func (s *Service) AdminReject(ctx context.Context, adminID id.UserID, recordID id.RecordID, reason string) (*models.Record, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.execute(ctx, recordID, transition{
		name:  string(models.EventAdminReject),
		event: models.EventAdminReject,
		actor: adminActor(ctx, adminID),
		apply: func(r *models.Record, now time.Time) error {
			return r.ApplyAdminReject(reason, now)
		},
		audit: statusEntry(audit.EventRejected, models.EventAdminReject, func(p *audit.Payload, _, after *models.Record) {
			p.Reason = after.RejectionReason
			p.Decision = string(models.RouteReject)
		}),
	})
}

// AdminSuspend revokes an approval with a mandatory reason.
func (s *Service) AdminSuspend(ctx context.Context, adminID id.UserID, recordID id.RecordID, reason string) (*models.Record, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.execute(ctx, recordID, transition{
		name:  string(models.EventAdminSuspend),
		event: models.EventAdminSuspend,
		actor: adminActor(ctx, adminID),
		apply: func(r *models.Record, now time.Time) error {
			return r.ApplyAdminSuspend(reason, now)
		},
		audit: statusEntry(audit.EventSuspended, models.EventAdminSuspend, func(p *audit.Payload, _, after *models.Record) {
			p.Reason = after.SuspensionReason
		}),
	})
}

// Recheck re-dispatches the checks for a record still in checking, typically
// after a not_configured failure has been fixed.
func (s *Service) Recheck(ctx context.Context, adminID id.UserID, recordID id.RecordID) (*models.Record, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	rec, err := s.load(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusChecking {
		err := dErrors.New(dErrors.CodePreconditionFailed,
			fmt.Sprintf("only records in checking can be rechecked, status is %s", rec.Status))
		s.auditRejectedTransition(ctx, rec, "recheck", adminActor(ctx, adminID), err)
		return nil, err
	}
	s.logger.InfoContext(ctx, "verification recheck requested",
		"request_id", requestcontext.RequestID(ctx),
		"admin_id", adminID,
		"record_id", recordID,
	)
	s.dispatchChecks(ctx, recordID, "")
	return s.reload(ctx, rec)
}

// GetRecord returns a record and its audit trail for an admin.
func (s *Service) GetRecord(ctx context.Context, adminID id.UserID, recordID id.RecordID) (*RecordDetail, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	rec, err := s.load(ctx, recordID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListAudit(ctx, recordID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load audit log")
	}
	return &RecordDetail{Record: rec, Audit: entries}, nil
}

// ListQueue lists records by status for the admin queue, oldest first.
// With no statuses it lists manual_review.
func (s *Service) ListQueue(ctx context.Context, adminID id.UserID, statuses []models.Status, limit int) ([]*models.Record, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		statuses = []models.Status{models.StatusManualReview}
	}
	records, err := s.store.ListByStatus(ctx, statuses, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list verification queue")
	}
	return records, nil
}

func (s *Service) requireAdmin(ctx context.Context, adminID id.UserID) error {
	if adminID.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	if s.admins == nil {
		return dErrors.New(dErrors.CodeForbidden, "admin capability required")
	}
	ok, err := s.admins.IsAdmin(ctx, adminID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check admin capability")
	}
	if !ok {
		s.logger.WarnContext(ctx, "admin action refused",
			"request_id", requestcontext.RequestID(ctx),
			"user_id", adminID,
		)
		return dErrors.New(dErrors.CodeForbidden, "admin capability required")
	}
	return nil
}

func (s *Service) recordForUser(ctx context.Context, userID id.UserID) (*models.Record, error) {
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	rec, err := s.store.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodePreconditionFailed, "verification has not been started")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification")
	}
	return rec, nil
}

func (s *Service) load(ctx context.Context, recordID id.RecordID) (*models.Record, error) {
	rec, err := s.store.GetByID(ctx, recordID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "verification record not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification")
	}
	return rec, nil
}

// reload returns the latest stored copy, falling back to fallback when the
// read fails after a successful write.
func (s *Service) reload(ctx context.Context, fallback *models.Record) (*models.Record, error) {
	rec, err := s.store.GetByID(ctx, fallback.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to reload verification record",
			"record_id", fallback.ID,
			"error", err,
		)
		return fallback, nil
	}
	return rec, nil
}

func userActor(ctx context.Context, userID id.UserID) audit.Actor {
	return audit.Actor{Kind: audit.ActorUser, ID: userID.String(), Device: requestcontext.Device(ctx)}
}

func adminActor(ctx context.Context, adminID id.UserID) audit.Actor {
	return audit.Actor{Kind: audit.ActorAdmin, ID: adminID.String(), Device: requestcontext.Device(ctx)}
}

func (s *Service) newEntry(ctx context.Context, rec *models.Record, eventType audit.EventType, actor audit.Actor, payload audit.Payload, now time.Time) audit.Entry {
	payload.RequestID = requestcontext.RequestID(ctx)
	return audit.Entry{
		ID:         id.NewAuditEntryID(),
		RecordID:   rec.ID,
		UserID:     rec.UserID,
		EventType:  eventType,
		Actor:      actor,
		Payload:    payload,
		OccurredAt: now,
	}
}

// emit writes a standalone entry. A failed write is logged; the operation
// that produced the entry has already failed or been refused.
func (s *Service) emit(ctx context.Context, entry audit.Entry) {
	if err := s.publisher.Emit(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to write audit entry",
			"request_id", requestcontext.RequestID(ctx),
			"record_id", entry.RecordID,
			"event_type", entry.EventType,
			"error", err,
		)
	}
}

func (s *Service) auditRejectedTransition(ctx context.Context, rec *models.Record, event string, actor audit.Actor, cause error) {
	s.metrics.IncRejectedTransition(string(rec.Status), event)
	s.logger.WarnContext(ctx, "verification transition refused",
		"request_id", requestcontext.RequestID(ctx),
		"record_id", rec.ID,
		"status", rec.Status,
		"event", event,
		"reason", dErrors.Message(cause),
	)
	s.emit(ctx, s.newEntry(ctx, rec, audit.EventTransitionRejected, actor, audit.Payload{
		FromStatus: string(rec.Status),
		Event:      event,
		Reason:     dErrors.Message(cause),
	}, requestcontext.Now(ctx)))
}

// storePublisher appends standalone entries straight to the repository.
type storePublisher struct {
	store Store
}

func (p storePublisher) Emit(ctx context.Context, entry audit.Entry) error {
	if entry.ID.IsNil() {
		entry.ID = id.NewAuditEntryID()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	return p.store.AppendAudit(ctx, entry)
}
