//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"vetting/internal/verification/models"
	"vetting/internal/verification/store"
	id "vetting/pkg/domain"
	"vetting/pkg/platform/audit"
	"vetting/pkg/platform/sentinel"
	"vetting/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	now      time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.now = time.Now().UTC().Truncate(time.Microsecond)
	err := s.postgres.TruncateTables(context.Background(), "outbox", "verification_audit_log", "verification_records")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) newRecord() *models.Record {
	facts, err := models.NewIdentityFacts("Ana Souza", "52998224725", "1988-01-02", "+5511987654321", s.now)
	s.Require().NoError(err)
	return models.NewRecord(id.NewRecordID(), id.UserID(uuid.New()), facts, s.now)
}

func (s *PostgresStoreSuite) entry(rec *models.Record, ev audit.EventType) audit.Entry {
	return audit.Entry{
		ID:         id.NewAuditEntryID(),
		RecordID:   rec.ID,
		UserID:     rec.UserID,
		EventType:  ev,
		Actor:      audit.Actor{Kind: audit.ActorUser, ID: rec.UserID.String()},
		Payload:    audit.Payload{ToStatus: string(rec.Status)},
		OccurredAt: s.now,
	}
}

func (s *PostgresStoreSuite) create(rec *models.Record) {
	_, created, err := s.store.CreateOrGet(context.Background(), rec, s.entry(rec, audit.EventVerificationStarted))
	s.Require().NoError(err)
	s.Require().True(created)
}

func (s *PostgresStoreSuite) countOutbox() int {
	var n int
	s.Require().NoError(s.postgres.DB.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n))
	return n
}

func (s *PostgresStoreSuite) TestCreateOrGetIsIdempotent() {
	ctx := context.Background()
	rec := s.newRecord()
	s.create(rec)

	dup := s.newRecord()
	dup.UserID = rec.UserID
	existing, created, err := s.store.CreateOrGet(ctx, dup, s.entry(dup, audit.EventVerificationStarted))
	s.Require().NoError(err)
	s.False(created)
	s.Equal(rec.ID, existing.ID)
	s.Equal(models.StatusPending, existing.Status)
	s.Equal(models.Unknown, existing.NationalIDValid)
	s.Nil(existing.RiskScore)

	entries, err := s.store.ListAudit(ctx, rec.ID)
	s.Require().NoError(err)
	s.Len(entries, 1)
	s.Equal(1, s.countOutbox())
}

func (s *PostgresStoreSuite) TestRoundTripsCheckResults() {
	ctx := context.Background()
	rec := s.newRecord()
	rec.Status = models.StatusChecking
	s.create(rec)

	results := models.CheckResults{
		NationalIDValid:  models.True,
		NationalIDStatus: "REGULAR",
		NameMatch:        models.False,
		CriminalRecord:   models.CriminalClear,
		Simulated:        true,
	}
	assessment := models.Assessment{Score: 60, Level: models.RiskHigh, RequiresManualReview: true, Route: models.RouteManualReview, Reasons: []string{"name_mismatch"}}
	updated, err := s.store.UpdateWithExpectedVersion(ctx, rec.ID, 1, func(r *models.Record) error {
		return r.RecordCheckResults(results, s.now)
	}, s.entry(rec, audit.EventChecksCompleted))
	s.Require().NoError(err)
	s.Equal(models.StatusChecking, updated.Status)
	s.Equal(int64(2), updated.Version)

	updated, err = s.store.UpdateWithExpectedVersion(ctx, rec.ID, 2, func(r *models.Record) error {
		return r.ApplyChecksComplete(assessment, s.now)
	}, s.entry(rec, audit.EventManualReviewRequested))
	s.Require().NoError(err)
	s.Equal(int64(3), updated.Version)

	loaded, err := s.store.GetByID(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusManualReview, loaded.Status)
	s.Equal(models.True, loaded.NationalIDValid)
	s.Equal(models.False, loaded.NameMatch)
	s.True(loaded.ChecksSimulated)
	s.Require().NotNil(loaded.RiskScore)
	s.Equal(60, *loaded.RiskScore)
	s.Equal("name_mismatch", loaded.ManualReviewReason)
	s.Equal(3, s.countOutbox())
}

func (s *PostgresStoreSuite) TestStaleVersionWritesNothing() {
	ctx := context.Background()
	rec := s.newRecord()
	s.create(rec)

	_, err := s.store.UpdateWithExpectedVersion(ctx, rec.ID, 7, func(r *models.Record) error {
		return r.MarkPhoneVerified(s.now)
	}, s.entry(rec, audit.EventPhoneVerified))
	s.ErrorIs(err, sentinel.ErrConflict)

	entries, err := s.store.ListAudit(ctx, rec.ID)
	s.Require().NoError(err)
	s.Len(entries, 1)
}

func (s *PostgresStoreSuite) TestFailedMutationRollsBackAudit() {
	ctx := context.Background()
	rec := s.newRecord()
	s.create(rec)

	_, err := s.store.UpdateWithExpectedVersion(ctx, rec.ID, 1, func(r *models.Record) error {
		return r.ApplyAdminApprove(s.now)
	}, s.entry(rec, audit.EventApproved))
	s.Require().Error(err)
	s.Equal(1, s.countOutbox())
}

// TestConcurrentCAS verifies that only one writer per version commits.
func (s *PostgresStoreSuite) TestConcurrentCAS() {
	ctx := context.Background()
	rec := s.newRecord()
	s.create(rec)

	const writers = 20
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.UpdateWithExpectedVersion(ctx, rec.ID, 1, func(r *models.Record) error {
				return r.MarkPhoneVerified(s.now)
			}, s.entry(rec, audit.EventPhoneVerified))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(writers-1), conflicts.Load())

	loaded, err := s.store.GetByID(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(int64(2), loaded.Version)
}

func (s *PostgresStoreSuite) TestAuditLogIsAppendOnly() {
	ctx := context.Background()
	rec := s.newRecord()
	s.create(rec)

	_, err := s.postgres.DB.ExecContext(ctx, `UPDATE verification_audit_log SET event_type = 'approved'`)
	s.Require().Error(err)
	_, err = s.postgres.DB.ExecContext(ctx, `DELETE FROM verification_audit_log`)
	s.Require().Error(err)
}

func (s *PostgresStoreSuite) TestQueueQueries() {
	ctx := context.Background()
	for i := range 3 {
		rec := s.newRecord()
		rec.Status = models.StatusManualReview
		rec.StatusChangedAt = s.now.Add(-time.Duration(72-i) * time.Hour)
		s.create(rec)
	}
	s.create(s.newRecord())

	listed, err := s.store.ListByStatus(ctx, []models.Status{models.StatusManualReview, models.StatusChecking}, 10)
	s.Require().NoError(err)
	s.Len(listed, 3)

	stale, err := s.store.CountStaleByStatus(ctx, models.StatusManualReview, s.now.Add(-48*time.Hour))
	s.Require().NoError(err)
	s.Equal(3, stale)
}
