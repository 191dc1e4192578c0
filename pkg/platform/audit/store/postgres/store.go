package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "vetting/pkg/domain"
	audit "vetting/pkg/platform/audit"
	txcontext "vetting/pkg/platform/tx"
)

// Store implements audit.Store with the transactional outbox pattern: each
// entry lands in verification_audit_log for querying and in outbox for the
// relay that publishes it to Kafka. Both inserts use the transaction carried
// in ctx, so an entry exists only if the surrounding record write commits.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// outboxPayload is the JSON document published to Kafka.
type outboxPayload struct {
	ID         string        `json:"id"`
	RecordID   string        `json:"record_id"`
	UserID     string        `json:"user_id"`
	EventType  string        `json:"event_type"`
	Category   string        `json:"category"`
	Actor      audit.Actor   `json:"actor"`
	Payload    audit.Payload `json:"payload"`
	OccurredAt string        `json:"occurred_at"`
}

// Append writes the entry and its outbox row.
func (s *Store) Append(ctx context.Context, entry audit.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	actor, err := json.Marshal(entry.Actor)
	if err != nil {
		return fmt.Errorf("marshal audit actor: %w", err)
	}

	exec := s.execer(ctx)
	_, err = exec.ExecContext(ctx, `
		INSERT INTO verification_audit_log (id, record_id, user_id, event_type, actor, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		uuid.UUID(entry.ID),
		uuid.UUID(entry.RecordID),
		uuid.UUID(entry.UserID),
		string(entry.EventType),
		actor,
		payload,
		entry.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	message, err := json.Marshal(outboxPayload{
		ID:         entry.ID.String(),
		RecordID:   entry.RecordID.String(),
		UserID:     entry.UserID.String(),
		EventType:  string(entry.EventType),
		Category:   string(entry.EventType.Category()),
		Actor:      entry.Actor,
		Payload:    entry.Payload,
		OccurredAt: entry.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		uuid.New(),
		"verification",
		entry.RecordID.String(),
		string(entry.EventType),
		message,
		entry.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// ListByRecord returns the entries of a record, oldest first.
func (s *Store) ListByRecord(ctx context.Context, recordID id.RecordID) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_id, user_id, event_type, actor, payload, occurred_at
		FROM verification_audit_log
		WHERE record_id = $1
		ORDER BY occurred_at ASC, seq ASC
	`, uuid.UUID(recordID))
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			entryID, recID, userID uuid.UUID
			eventType              string
			actor, payload         []byte
			entry                  audit.Entry
		)
		if err := rows.Scan(&entryID, &recID, &userID, &eventType, &actor, &payload, &entry.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if err := json.Unmarshal(actor, &entry.Actor); err != nil {
			return nil, fmt.Errorf("decode audit actor: %w", err)
		}
		if err := json.Unmarshal(payload, &entry.Payload); err != nil {
			return nil, fmt.Errorf("decode audit payload: %w", err)
		}
		entry.ID = id.AuditEntryID(entryID)
		entry.RecordID = id.RecordID(recID)
		entry.UserID = id.UserID(userID)
		entry.EventType = audit.EventType(eventType)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}
