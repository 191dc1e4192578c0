// Package publisher emits audit entries that are not part of a record write:
// failed checks and refused transitions. Emission is synchronous and
// fail-closed; callers decide whether a failure aborts their operation.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	id "vetting/pkg/domain"
	audit "vetting/pkg/platform/audit"
)

// Publisher writes standalone audit entries to a store.
type Publisher struct {
	store   audit.Store
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithLogger sets a logger for error reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithClock overrides the clock used for missing timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// NewPublisher creates a publisher on top of store.
func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit persists entry, filling in ID and OccurredAt when missing.
func (p *Publisher) Emit(ctx context.Context, entry audit.Entry) error {
	start := time.Now()
	if entry.ID.IsNil() {
		entry.ID = id.NewAuditEntryID()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = p.now()
	}

	if err := p.store.Append(ctx, entry); err != nil {
		p.metrics.IncPersistFailures(entry.EventType)
		if p.logger != nil {
			p.logger.ErrorContext(ctx, "audit emit failed",
				"event_type", entry.EventType,
				"record_id", entry.RecordID,
				"error", err,
			)
		}
		return fmt.Errorf("audit persistence failed: %w", err)
	}

	p.metrics.ObservePersistDuration(time.Since(start).Seconds())
	p.metrics.IncEmitted(entry.EventType)
	return nil
}

// List returns the entries recorded for a verification record.
func (p *Publisher) List(ctx context.Context, recordID id.RecordID) ([]audit.Entry, error) {
	return p.store.ListByRecord(ctx, recordID)
}
