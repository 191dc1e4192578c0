package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"vetting/internal/verification/checks"
	"vetting/internal/verification/models"
	"vetting/internal/verification/risk"
	id "vetting/pkg/domain"
	dErrors "vetting/pkg/domain-errors"
	"vetting/pkg/platform/audit"
	"vetting/pkg/requestcontext"
)

const orchestratorActor = "check_orchestrator"

// CheckPolicy bounds how long and how often an unavailable provider is tried.
type CheckPolicy struct {
	AttemptTimeout time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultCheckPolicy is three attempts of at most ten seconds each.
func DefaultCheckPolicy() CheckPolicy {
	return CheckPolicy{
		AttemptTimeout: 10 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

type checkOutcome struct {
	check    checks.Type
	attempts int
	skipped  bool
	err      error
}

type checkRun struct {
	results  models.CheckResults
	outcomes []checkOutcome
	fatal    error
}

// RunChecks runs the external checks for a record in checking, records the
// results and routes the record through the scorer. Results that arrive
// after the record left checking are refused and audited.
//
// A not_configured provider stops the run: the record stays in checking and
// a config error is returned.
func (s *Service) RunChecks(ctx context.Context, recordID id.RecordID, otp string) (*models.Record, error) {
	ctx, span := tracer.Start(ctx, "verification.run_checks", trace.WithAttributes(
		attribute.String("verification.record_id", recordID.String()),
	))
	defer span.End()

	rec, err := s.load(ctx, recordID)
	if err != nil {
		return nil, spanError(span, err)
	}
	system := audit.SystemActor(orchestratorActor)
	if rec.Status != models.StatusChecking {
		err := dErrors.New(dErrors.CodePreconditionFailed, "checks are only run for records in checking")
		s.auditRejectedTransition(ctx, rec, string(models.EventChecksComplete), system, err)
		return nil, spanError(span, err)
	}

	run := s.gatherChecks(ctx, rec, otp)
	for _, o := range run.outcomes {
		if o.err == nil {
			continue
		}
		if run.fatal != nil && !checks.IsNotConfigured(o.err) {
			continue
		}
		s.auditCheckFailure(ctx, rec, o)
	}
	if run.fatal != nil {
		s.metrics.IncFailClosed()
		s.logger.ErrorContext(ctx, "verification checks halted, provider not configured",
			"record_id", recordID,
			"error", run.fatal,
		)
		return nil, spanError(span, dErrors.Wrap(run.fatal, dErrors.CodeConfig, "verification checks are not configured"))
	}
	if run.results.Simulated {
		s.logger.WarnContext(ctx, "verification checks used simulated providers",
			"record_id", recordID,
		)
	}

	results := run.results
	if _, err := s.execute(ctx, recordID, transition{
		name:  string(models.EventChecksComplete),
		event: models.EventChecksComplete,
		actor: system,
		apply: func(r *models.Record, now time.Time) error {
			return r.RecordCheckResults(results, now)
		},
		audit: func(ctx context.Context, before, after *models.Record, actor audit.Actor, now time.Time) []audit.Entry {
			phone := after.PhoneVerified
			return []audit.Entry{s.newEntry(ctx, after, audit.EventChecksCompleted, actor, audit.Payload{
				NationalIDValid: after.NationalIDValid.String(),
				CriminalRecord:  string(after.CriminalRecordStatus),
				PhoneVerified:   &phone,
				Attempts:        totalAttempts(run.outcomes),
				Simulated:       after.ChecksSimulated,
			}, now)}
		},
	}); err != nil {
		return nil, spanError(span, err)
	}

	routed, err := s.execute(ctx, recordID, transition{
		name:  string(models.EventChecksComplete),
		event: models.EventChecksComplete,
		actor: system,
		apply: func(r *models.Record, now time.Time) error {
			return r.ApplyChecksComplete(s.assess(r, results.Errors), now)
		},
		audit: s.routeEntry,
	})
	if err != nil {
		return nil, spanError(span, err)
	}
	span.SetAttributes(attribute.String("verification.status", string(routed.Status)))
	return routed, nil
}

func (s *Service) assess(r *models.Record, checkErrors int) models.Assessment {
	return s.scorer.Score(risk.Input{
		NationalIDValid: r.NationalIDValid,
		NameMatch:       r.NameMatch,
		Criminal:        r.CriminalRecordStatus,
		PhoneVerified:   r.PhoneVerified,
		CheckErrors:     checkErrors,
	})
}

func (s *Service) routeEntry(ctx context.Context, before, after *models.Record, actor audit.Actor, now time.Time) []audit.Entry {
	eventType := audit.EventManualReviewRequested
	route := models.RouteManualReview
	reason := after.ManualReviewReason
	switch after.Status {
	case models.StatusApproved:
		eventType, route, reason = audit.EventApproved, models.RouteApprove, ""
	case models.StatusRejected:
		eventType, route, reason = audit.EventRejected, models.RouteReject, after.RejectionReason
	}
	manual := after.RequiresManualReview
	return []audit.Entry{s.newEntry(ctx, after, eventType, actor, audit.Payload{
		FromStatus:           string(before.Status),
		ToStatus:             string(after.Status),
		Event:                string(models.EventChecksComplete),
		Decision:             string(route),
		Reason:               reason,
		RiskScore:            after.RiskScore,
		RiskLevel:            string(after.RiskLevel),
		RequiresManualReview: &manual,
		Simulated:            after.ChecksSimulated,
	}, now)}
}

// gatherChecks runs the checks in parallel. Only not_configured cancels the
// group; every other failure is recorded and the remaining checks finish.
func (s *Service) gatherChecks(ctx context.Context, rec *models.Record, otp string) checkRun {
	g, gctx := errgroup.WithContext(ctx)

	var (
		nationalID checks.NationalIDResult
		criminal   checks.CriminalRecordResult
		phone      checks.PhoneResult
		outcomes   = make([]checkOutcome, 3)
	)

	g.Go(func() error {
		nationalID, outcomes[0] = runCheck(gctx, s, checks.CheckNationalID, func(ctx context.Context) (checks.NationalIDResult, error) {
			return s.checks.NationalID.Validate(ctx, checks.NationalIDRequest{
				RecordID:    rec.ID,
				Run:         rec.CheckRun,
				NationalID:  rec.NationalID,
				FullName:    rec.FullName,
				DateOfBirth: rec.DateOfBirth,
			})
		})
		return fatalOnly(outcomes[0].err)
	})

	g.Go(func() error {
		criminal, outcomes[1] = runCheck(gctx, s, checks.CheckCriminalRecord, func(ctx context.Context) (checks.CriminalRecordResult, error) {
			return s.checks.CriminalRecord.Lookup(ctx, checks.CriminalRecordRequest{
				RecordID:   rec.ID,
				Run:        rec.CheckRun,
				NationalID: rec.NationalID,
			})
		})
		return fatalOnly(outcomes[1].err)
	})

	if rec.PhoneVerified || otp == "" {
		outcomes[2] = checkOutcome{check: checks.CheckPhone, skipped: true}
		s.metrics.IncCheckOutcome(string(checks.CheckPhone), "skipped")
	} else {
		g.Go(func() error {
			phone, outcomes[2] = runCheck(gctx, s, checks.CheckPhone, func(ctx context.Context) (checks.PhoneResult, error) {
				return s.checks.Phone.Verify(ctx, checks.PhoneRequest{
					RecordID:    rec.ID,
					Run:         rec.CheckRun,
					PhoneNumber: rec.PhoneNumber,
					OTPCode:     otp,
				})
			})
			return fatalOnly(outcomes[2].err)
		})
	}

	run := checkRun{outcomes: outcomes, fatal: g.Wait()}
	run.results = models.CheckResults{
		NationalIDValid: models.Unknown,
		NameMatch:       models.Unknown,
		CriminalRecord:  models.CriminalNotChecked,
	}

	if outcomes[0].err == nil {
		run.results.NationalIDValid = models.TriFromBool(nationalID.Valid)
		run.results.NationalIDStatus = nationalID.StatusText
		run.results.NameMatch = nationalID.NameMatch
		run.results.Simulated = run.results.Simulated || nationalID.Simulated
	} else {
		run.results.Errors++
	}

	if outcomes[1].err == nil {
		run.results.CriminalRecord = criminal.Status
		run.results.Simulated = run.results.Simulated || criminal.Simulated
	} else {
		run.results.CriminalRecord = models.CriminalError
		run.results.Errors++
	}

	switch {
	case outcomes[2].skipped:
	case outcomes[2].err == nil:
		run.results.PhoneVerified = phone.Verified
		run.results.Simulated = run.results.Simulated || phone.Simulated
	default:
		run.results.Errors++
	}
	return run
}

func fatalOnly(err error) error {
	if checks.IsNotConfigured(err) {
		return err
	}
	return nil
}

// runCheck calls one provider, retrying unavailable failures with bounded
// exponential backoff. Each attempt gets its own timeout.
func runCheck[T any](ctx context.Context, s *Service, check checks.Type, call func(context.Context) (T, error)) (T, checkOutcome) {
	start := time.Now()
	outcome := checkOutcome{check: check}
	var result T

	op := func() error {
		outcome.attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, s.policy.AttemptTimeout)
		defer cancel()

		r, err := call(attemptCtx)
		if err != nil {
			if checks.IsRetryable(err) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.policy.InitialBackoff
	b.MaxInterval = s.policy.MaxBackoff
	b.MaxElapsedTime = 0
	maxRetries := uint64(0)
	if s.policy.MaxAttempts > 1 {
		maxRetries = uint64(s.policy.MaxAttempts - 1)
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx))
	if err != nil && !errors.As(err, new(*checks.Error)) {
		err = checks.NewError(checks.ErrorUnavailable, check, "check did not complete", err)
	}
	outcome.err = err

	s.metrics.ObserveCheckLatency(string(check), time.Since(start))
	s.metrics.IncCheckOutcome(string(check), outcomeLabel(err))
	return result, outcome
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(checks.GetCategory(err))
}

func totalAttempts(outcomes []checkOutcome) int {
	n := 0
	for _, o := range outcomes {
		n += o.attempts
	}
	return n
}

func (s *Service) auditCheckFailure(ctx context.Context, rec *models.Record, o checkOutcome) {
	category := checks.GetCategory(o.err)
	s.logger.WarnContext(ctx, "verification check failed",
		"request_id", requestcontext.RequestID(ctx),
		"record_id", rec.ID,
		"check", o.check,
		"category", category,
		"attempts", o.attempts,
		"error", o.err,
	)
	s.emit(ctx, s.newEntry(ctx, rec, audit.EventCheckFailed, audit.SystemActor(orchestratorActor), audit.Payload{
		Check:    string(o.check),
		Outcome:  string(category),
		Attempts: o.attempts,
		Error:    o.err.Error(),
	}, requestcontext.Now(ctx)))
}

// dispatchChecks hands a check run to the dispatcher. Failures are already
// audited by RunChecks; here they are only logged.
func (s *Service) dispatchChecks(ctx context.Context, recordID id.RecordID, otp string) {
	s.dispatcher.Dispatch(ctx, func(ctx context.Context) {
		if _, err := s.RunChecks(ctx, recordID, otp); err != nil {
			s.logger.WarnContext(ctx, "verification check run did not complete",
				"record_id", recordID,
				"error", err,
			)
		}
	})
}
