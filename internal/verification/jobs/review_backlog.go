// Package jobs holds scheduled background work. Jobs only observe and
// report; they never change a record's status.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"vetting/internal/verification/metrics"
	"vetting/internal/verification/models"
)

// StaleCounter counts records sitting in a status since before a cutoff.
type StaleCounter interface {
	CountStaleByStatus(ctx context.Context, status models.Status, olderThan time.Time) (int, error)
}

// ReviewBacklogJob reports records waiting in manual_review longer than
// maxAge. Records are not escalated or expired; that stays an admin decision.
type ReviewBacklogJob struct {
	store   StaleCounter
	maxAge  time.Duration
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	cron    *cron.Cron
}

func NewReviewBacklogJob(store StaleCounter, maxAge time.Duration, logger *slog.Logger, m *metrics.Metrics) *ReviewBacklogJob {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ReviewBacklogJob{
		store:   store,
		maxAge:  maxAge,
		timeout: 30 * time.Second,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		cron:    cron.New(),
	}
}

// RunOnce counts the backlog, updates the gauge and returns the count.
func (j *ReviewBacklogJob) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	cutoff := j.now().Add(-j.maxAge)
	n, err := j.store.CountStaleByStatus(ctx, models.StatusManualReview, cutoff)
	if err != nil {
		j.logger.ErrorContext(ctx, "review backlog count failed", "error", err)
		return 0, err
	}
	j.metrics.SetReviewBacklog(n)
	if n > 0 {
		j.logger.WarnContext(ctx, "manual review backlog",
			"count", n,
			"older_than", cutoff,
		)
	}
	return n, nil
}

// Start schedules the job; schedule uses cron syntax or descriptors such as
// "@every 15m".
func (j *ReviewBacklogJob) Start(schedule string) error {
	if _, err := j.cron.AddFunc(schedule, func() {
		_, _ = j.RunOnce(context.Background())
	}); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("review backlog job scheduled", "schedule", schedule)
	return nil
}

// Stop unschedules the job and waits for a running count to finish.
func (j *ReviewBacklogJob) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}
