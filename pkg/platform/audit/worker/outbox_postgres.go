package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vetting/pkg/platform/tx"
)

// PostgresOutbox reads the outbox table written by the audit store.
type PostgresOutbox struct {
	runner *tx.Runner
	now    func() time.Time
}

func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{runner: tx.NewRunner(db, 30*time.Second), now: time.Now}
}

// ProcessBatch locks up to limit unpublished rows, hands them to fn and marks
// them published in the same transaction. Concurrent relays skip locked rows.
func (o *PostgresOutbox) ProcessBatch(ctx context.Context, limit int, fn func(ctx context.Context, batch []Message) error) (int, error) {
	var processed int
	err := o.runner.RunInTx(ctx, func(ctx context.Context) error {
		sqlTx, _ := tx.From(ctx)
		rows, err := sqlTx.QueryContext(ctx, `
			SELECT id, aggregate_id, event_type, payload, created_at
			FROM outbox
			WHERE published_at IS NULL
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return fmt.Errorf("select outbox batch: %w", err)
		}
		var batch []Message
		for rows.Next() {
			var m Message
			if err := rows.Scan(&m.ID, &m.AggregateID, &m.EventType, &m.Payload, &m.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan outbox row: %w", err)
			}
			batch = append(batch, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate outbox rows: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		if err := fn(ctx, batch); err != nil {
			return err
		}

		publishedAt := o.now()
		for _, m := range batch {
			if _, err := sqlTx.ExecContext(ctx, `UPDATE outbox SET published_at = $1 WHERE id = $2`, publishedAt, m.ID); err != nil {
				return fmt.Errorf("mark outbox row published: %w", err)
			}
		}
		processed = len(batch)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return processed, nil
}
