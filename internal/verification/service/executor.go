package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vetting/internal/verification/models"
	id "vetting/pkg/domain"
	dErrors "vetting/pkg/domain-errors"
	"vetting/pkg/platform/audit"
	"vetting/pkg/platform/sentinel"
	"vetting/pkg/requestcontext"
)

const defaultTransitionAttempts = 3

var tracer = otel.Tracer("vetting/internal/verification/service")

// transition is one guarded write against a record. apply must be pure: it
// runs once against the local snapshot to build the audit entries and again
// inside the store's compare-and-swap.
type transition struct {
	name  string
	event models.Event // empty for metadata writes
	actor audit.Actor
	apply func(r *models.Record, now time.Time) error
	audit func(ctx context.Context, before, after *models.Record, actor audit.Actor, now time.Time) []audit.Entry
}

// execute runs read -> validate -> compute -> compare-and-swap, re-reading
// and re-evaluating on a version conflict. A refused transition is audited
// and leaves the record untouched.
func (s *Service) execute(ctx context.Context, recordID id.RecordID, t transition) (*models.Record, error) {
	ctx, span := tracer.Start(ctx, "verification.transition", trace.WithAttributes(
		attribute.String("verification.record_id", recordID.String()),
		attribute.String("verification.operation", t.name),
	))
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		current, err := s.load(ctx, recordID)
		if err != nil {
			return nil, spanError(span, err)
		}
		now := requestcontext.Now(ctx)

		next := current.Clone()
		if err := t.apply(next, now); err != nil {
			if refusedEvent(t, err) {
				s.auditRejectedTransition(ctx, current, t.name, t.actor, err)
			}
			return nil, spanError(span, err)
		}
		entries := t.audit(ctx, current, next, t.actor, now)

		updated, err := s.store.UpdateWithExpectedVersion(ctx, recordID, current.Version, func(r *models.Record) error {
			return t.apply(r, now)
		}, entries...)
		if err == nil {
			span.SetAttributes(
				attribute.String("verification.status", string(updated.Status)),
				attribute.Int("verification.attempts", attempt),
			)
			if current.Status != updated.Status {
				s.metrics.IncTransition(string(current.Status), string(updated.Status), string(t.event))
				s.logger.InfoContext(ctx, "verification status changed",
					"request_id", requestcontext.RequestID(ctx),
					"record_id", recordID,
					"from", current.Status,
					"to", updated.Status,
					"event", t.name,
					"actor", t.actor.Kind,
				)
			}
			return updated, nil
		}
		if errors.Is(err, sentinel.ErrConflict) {
			s.metrics.IncConflict()
			s.logger.DebugContext(ctx, "verification version conflict, re-evaluating",
				"record_id", recordID,
				"expected_version", current.Version,
				"attempt", attempt,
			)
			lastErr = err
			continue
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, spanError(span, dErrors.New(dErrors.CodeNotFound, "verification record not found"))
		}
		var de *dErrors.Error
		if errors.As(err, &de) {
			return nil, spanError(span, err)
		}
		return nil, spanError(span, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update verification"))
	}

	s.logger.WarnContext(ctx, "verification transition abandoned after conflicts",
		"request_id", requestcontext.RequestID(ctx),
		"record_id", recordID,
		"event", t.name,
		"attempts", s.attempts,
	)
	return nil, spanError(span, dErrors.Wrap(lastErr, dErrors.CodeConflict, "verification was modified concurrently, retry the request"))
}

// refusedEvent reports whether a failed apply is an audited refusal: any
// precondition failure, and validation failures of status events.
func refusedEvent(t transition, err error) bool {
	if dErrors.HasCode(err, dErrors.CodePreconditionFailed) {
		return true
	}
	return t.event != "" && dErrors.HasCode(err, dErrors.CodeValidation)
}

// statusEntry builds the single audit entry of a status transition.
func statusEntry(eventType audit.EventType, event models.Event, decorate func(p *audit.Payload, before, after *models.Record)) func(context.Context, *models.Record, *models.Record, audit.Actor, time.Time) []audit.Entry {
	return func(ctx context.Context, before, after *models.Record, actor audit.Actor, now time.Time) []audit.Entry {
		payload := audit.Payload{
			FromStatus: string(before.Status),
			ToStatus:   string(after.Status),
			Event:      string(event),
		}
		if decorate != nil {
			decorate(&payload, before, after)
		}
		payload.RequestID = requestcontext.RequestID(ctx)
		return []audit.Entry{{
			ID:         id.NewAuditEntryID(),
			RecordID:   after.ID,
			UserID:     after.UserID,
			EventType:  eventType,
			Actor:      actor,
			Payload:    payload,
			OccurredAt: now,
		}}
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	return err
}
