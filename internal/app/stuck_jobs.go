package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/seekerhq/crawld/internal/domain"
)

// StuckJobSweeper fails running jobs whose worker died mid-crawl: rows
// still running past the timeout are marked failed and quarantined so
// an operator can triage them from the DLQ.
type StuckJobSweeper struct {
	jobs     domain.JobRepository
	dlq      domain.DLQRepository
	timeout  time.Duration
	interval time.Duration
}

func NewStuckJobSweeper(jobs domain.JobRepository, dlq domain.DLQRepository, timeout, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, dlq: dlq, timeout: timeout, interval: interval}
}

func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.timeout)
	span.SetAttributes(attribute.Float64("jobs.stuck_timeout_seconds", s.timeout.Seconds()))

	ids, err := s.jobs.SweepStuck(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.swept", len(ids)))
	if len(ids) == 0 {
		return
	}

	for _, id := range ids {
		slog.Warn("stuck job marked failed",
			slog.String("job_id", id),
			slog.Duration("stuck_timeout", s.timeout))
		s.quarantine(ctx, id)
	}
}

func (s *StuckJobSweeper) quarantine(ctx context.Context, jobID string) {
	if s.dlq == nil {
		return
	}
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		slog.Error("swept job load failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	now := time.Now().UTC()
	entry := domain.DLQEntry{
		JobID:          job.ID,
		SeedURL:        job.SeedURL,
		WebsiteID:      job.WebsiteID,
		JobType:        job.Type,
		Priority:       job.Priority,
		ErrorCategory:  domain.CategoryTimeout,
		ErrorMessage:   "job exceeded stuck-job timeout with no worker progress",
		TotalAttempts:  job.AttemptCount + 1,
		FirstAttemptAt: job.StartedAt,
		LastAttemptAt:  &now,
	}
	if _, err := s.dlq.Create(ctx, entry); err != nil && !errors.Is(err, domain.ErrConflict) {
		slog.Error("swept job quarantine failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}
