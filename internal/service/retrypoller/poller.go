// Package retrypoller moves retry-due jobs from the timestamp-scored
// schedule back into the work queue.
package retrypoller

import (
	"log/slog"
	"time"

	"github.com/seekerhq/crawld/internal/domain"
)

// Poller drains due entries from the retry schedule every interval and
// republishes them to the broker.
type Poller struct {
	schedule domain.RetrySchedule
	jobs     domain.JobRepository
	broker   domain.Broker
	interval time.Duration
	batch    int
	now      func() time.Time
}

func New(schedule domain.RetrySchedule, jobs domain.JobRepository, broker domain.Broker, interval time.Duration, batch int) *Poller {
	return &Poller{
		schedule: schedule,
		jobs:     jobs,
		broker:   broker,
		interval: interval,
		batch:    batch,
		now:      time.Now,
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx domain.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	slog.Info("retry poller started", slog.Duration("interval", p.interval), slog.Int("batch", p.batch))
	for {
		select {
		case <-ctx.Done():
			slog.Info("retry poller stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick pops due ids in ascending score order and publishes each. A
// failed publish puts the id back with an immediate score so the next
// tick retries it; the broker's dedup window absorbs any overlap.
func (p *Poller) Tick(ctx domain.Context) {
	now := p.now().UTC()
	due, err := p.schedule.PopDue(ctx, now, p.batch)
	if err != nil {
		slog.Error("retry schedule pop failed", slog.Any("error", err))
		return
	}
	for _, jobID := range due {
		if err := p.publish(ctx, jobID); err != nil {
			slog.Error("retry publish failed, rescheduling",
				slog.String("job_id", jobID),
				slog.Any("error", err))
			if err := p.schedule.Schedule(ctx, jobID, now); err != nil {
				slog.Error("retry reschedule failed", slog.String("job_id", jobID), slog.Any("error", err))
			}
		}
	}
}

func (p *Poller) publish(ctx domain.Context, jobID string) error {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		// Cancelled or resolved while waiting; drop the retry.
		slog.Info("skipping retry for terminal job",
			slog.String("job_id", jobID),
			slog.String("status", string(job.Status)))
		return nil
	}
	msg := domain.JobMessage{
		JobID:           job.ID,
		SeedURL:         job.SeedURL,
		JobType:         job.Type,
		Priority:        job.Priority,
		HasInlineConfig: job.InlineConfig != nil,
	}
	if job.WebsiteID != nil {
		msg.WebsiteID = *job.WebsiteID
	}
	if err := p.broker.Publish(ctx, msg); err != nil {
		return err
	}
	slog.Info("retry republished", slog.String("job_id", jobID), slog.Int("attempt", job.AttemptCount))
	return nil
}
