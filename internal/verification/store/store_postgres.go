package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vetting/internal/verification/models"
	id "vetting/pkg/domain"
	"vetting/pkg/platform/audit"
	auditpostgres "vetting/pkg/platform/audit/store/postgres"
	"vetting/pkg/platform/sentinel"
	txcontext "vetting/pkg/platform/tx"
)

const recordColumns = `
	id, user_id, full_name, national_id, date_of_birth, phone_number, status,
	document_front_ref, document_back_ref, selfie_ref, proof_of_address_ref,
	national_id_valid, national_id_status, name_match, criminal_record_status,
	phone_verified, risk_score, risk_level, requires_manual_review, checks_simulated,
	rejection_reason, manual_review_reason, suspension_reason,
	version, created_at, updated_at, status_changed_at, approved_at, rejected_at, check_run`

// PostgresStore persists verification records in PostgreSQL. Audit entries
// are written through the audit store inside the same transaction as the
// record row.
type PostgresStore struct {
	db    *sql.DB
	tx    *txcontext.Runner
	audit *auditpostgres.Store
}

// NewPostgres constructs a PostgreSQL-backed store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		tx:    txcontext.NewRunner(db, 0),
		audit: auditpostgres.New(db),
	}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) q(ctx context.Context) queryer {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) CreateOrGet(ctx context.Context, rec *models.Record, entry audit.Entry) (*models.Record, bool, error) {
	if err := entry.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid audit entry: %w", err)
	}

	var (
		stored  *models.Record
		created bool
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		args := recordArgs(rec)
		res, err := s.q(ctx).ExecContext(ctx, `
			INSERT INTO verification_records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)
			ON CONFLICT (user_id) DO NOTHING
		`, args...)
		if err != nil {
			return fmt.Errorf("insert verification record: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert verification record: %w", err)
		}
		if affected == 1 {
			created = true
			if err := s.audit.Append(ctx, entry); err != nil {
				return err
			}
		}

		stored, err = scanRecord(s.q(ctx).QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM verification_records WHERE user_id = $1`,
			uuid.UUID(rec.UserID)))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, recordID id.RecordID) (*models.Record, error) {
	return scanRecord(s.q(ctx).QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM verification_records WHERE id = $1`,
		uuid.UUID(recordID)))
}

func (s *PostgresStore) GetByUserID(ctx context.Context, userID id.UserID) (*models.Record, error) {
	return scanRecord(s.q(ctx).QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM verification_records WHERE user_id = $1`,
		uuid.UUID(userID)))
}

// UpdateWithExpectedVersion is a compare-and-set on the version column. The
// row update and the audit inserts commit together or not at all.
func (s *PostgresStore) UpdateWithExpectedVersion(
	ctx context.Context,
	recordID id.RecordID,
	expected int64,
	mutate func(*models.Record) error,
	entries ...audit.Entry,
) (*models.Record, error) {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("invalid audit entry: %w", err)
		}
	}

	var updated *models.Record
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		current, err := scanRecord(s.q(ctx).QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM verification_records WHERE id = $1`,
			uuid.UUID(recordID)))
		if err != nil {
			return err
		}
		if current.Version != expected {
			return fmt.Errorf("record %s at version %d, expected %d: %w", recordID, current.Version, expected, sentinel.ErrConflict)
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		if next.ID != current.ID || next.UserID != current.UserID {
			return fmt.Errorf("mutate must not change record identity")
		}
		next.Version = expected + 1

		args := recordArgs(next)
		res, err := s.q(ctx).ExecContext(ctx, `
			UPDATE verification_records SET
				full_name = $3, national_id = $4, date_of_birth = $5, phone_number = $6, status = $7,
				document_front_ref = $8, document_back_ref = $9, selfie_ref = $10, proof_of_address_ref = $11,
				national_id_valid = $12, national_id_status = $13, name_match = $14, criminal_record_status = $15,
				phone_verified = $16, risk_score = $17, risk_level = $18, requires_manual_review = $19,
				checks_simulated = $20, rejection_reason = $21, manual_review_reason = $22, suspension_reason = $23,
				version = $24, created_at = $25, updated_at = $26, status_changed_at = $27,
				approved_at = $28, rejected_at = $29, check_run = $30
			WHERE id = $1 AND user_id = $2 AND version = $31
		`, append(args, expected)...)
		if err != nil {
			return fmt.Errorf("update verification record: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update verification record: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("record %s changed concurrently: %w", recordID, sentinel.ErrConflict)
		}

		for _, e := range entries {
			if err := s.audit.Append(ctx, e); err != nil {
				return err
			}
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AuditLog exposes the audit store backing this repository.
func (s *PostgresStore) AuditLog() audit.Store {
	return s.audit
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry audit.Entry) error {
	return s.audit.Append(ctx, entry)
}

func (s *PostgresStore) ListAudit(ctx context.Context, recordID id.RecordID) ([]audit.Entry, error) {
	return s.audit.ListByRecord(ctx, recordID)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, statuses []models.Status, limit int) ([]*models.Record, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM verification_records
		 WHERE status = ANY($1)
		 ORDER BY status_changed_at ASC
		 LIMIT $2`, names, limit)
	if err != nil {
		return nil, fmt.Errorf("list verification records: %w", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verification records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CountStaleByStatus(ctx context.Context, status models.Status, olderThan time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM verification_records
		WHERE status = $1 AND status_changed_at < $2
	`, string(status), olderThan).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count stale verification records: %w", err)
	}
	return count, nil
}

func recordArgs(r *models.Record) []any {
	var riskScore sql.NullInt64
	if r.RiskScore != nil {
		riskScore = sql.NullInt64{Int64: int64(*r.RiskScore), Valid: true}
	}
	return []any{
		uuid.UUID(r.ID),
		uuid.UUID(r.UserID),
		r.FullName,
		r.NationalID.String(),
		r.DateOfBirth,
		r.PhoneNumber.String(),
		string(r.Status),
		r.Documents.FrontRef,
		r.Documents.BackRef,
		r.Documents.SelfieRef,
		r.Documents.ProofOfAddressRef,
		r.NationalIDValid.Ptr(),
		r.NationalIDStatus,
		r.NameMatch.Ptr(),
		string(r.CriminalRecordStatus),
		r.PhoneVerified,
		riskScore,
		string(r.RiskLevel),
		r.RequiresManualReview,
		r.ChecksSimulated,
		r.RejectionReason,
		r.ManualReviewReason,
		r.SuspensionReason,
		r.Version,
		r.CreatedAt,
		r.UpdatedAt,
		r.StatusChangedAt,
		r.ApprovedAt,
		r.RejectedAt,
		r.CheckRun,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var (
		r                          models.Record
		recordID, userID           uuid.UUID
		nationalID, phone, status  string
		criminal, riskLevel        string
		nationalIDValid, nameMatch sql.NullBool
		riskScore                  sql.NullInt64
		approvedAt, rejectedAt     sql.NullTime
	)
	err := row.Scan(
		&recordID, &userID, &r.FullName, &nationalID, &r.DateOfBirth, &phone, &status,
		&r.Documents.FrontRef, &r.Documents.BackRef, &r.Documents.SelfieRef, &r.Documents.ProofOfAddressRef,
		&nationalIDValid, &r.NationalIDStatus, &nameMatch, &criminal,
		&r.PhoneVerified, &riskScore, &riskLevel, &r.RequiresManualReview, &r.ChecksSimulated,
		&r.RejectionReason, &r.ManualReviewReason, &r.SuspensionReason,
		&r.Version, &r.CreatedAt, &r.UpdatedAt, &r.StatusChangedAt, &approvedAt, &rejectedAt, &r.CheckRun,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("verification record: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("scan verification record: %w", err)
	}

	r.ID = id.RecordID(recordID)
	r.UserID = id.UserID(userID)
	r.NationalID = id.NationalID(nationalID)
	r.PhoneNumber = id.PhoneNumber(phone)
	r.Status = models.Status(status)
	r.CriminalRecordStatus = models.CriminalStatus(criminal)
	r.RiskLevel = models.RiskLevel(riskLevel)
	r.NationalIDValid = triFromNull(nationalIDValid)
	r.NameMatch = triFromNull(nameMatch)
	if riskScore.Valid {
		v := int(riskScore.Int64)
		r.RiskScore = &v
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		r.ApprovedAt = &t
	}
	if rejectedAt.Valid {
		t := rejectedAt.Time
		r.RejectedAt = &t
	}
	return &r, nil
}

func triFromNull(b sql.NullBool) models.TriState {
	if !b.Valid {
		return models.Unknown
	}
	return models.TriFromBool(b.Bool)
}
