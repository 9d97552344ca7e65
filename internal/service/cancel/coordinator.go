package cancel

import (
	"errors"
	"log/slog"
	"time"

	"github.com/seekerhq/crawld/internal/domain"
)

// Coordinator drives the cancellation of one job: it validates the
// transition, raises the shared cancel flag workers poll, removes the
// queued message when the job never started, and finalizes the job row
// once local resources are torn down.
type Coordinator struct {
	jobs      domain.JobRepository
	flags     domain.CancelFlags
	broker    domain.Broker
	resources *ResourceCoordinator
	now       func() time.Time
}

func NewCoordinator(jobs domain.JobRepository, flags domain.CancelFlags, broker domain.Broker, resources *ResourceCoordinator) *Coordinator {
	return &Coordinator{
		jobs:      jobs,
		flags:     flags,
		broker:    broker,
		resources: resources,
		now:       time.Now,
	}
}

// Cancel requests cancellation of a job.
//
// Pending jobs are finalized immediately: the queued message is removed
// best-effort (a consumer may have just picked it up, in which case the
// raised flag stops it at the next suspension point). Running jobs are
// flagged and left for the executing worker to observe; the worker
// calls Finalize after its own cleanup. Terminal jobs return
// ErrAlreadyTerminal.
func (c *Coordinator) Cancel(ctx domain.Context, jobID, by, reason string) (domain.Job, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status.Terminal() {
		return job, domain.E("cancel", domain.ErrAlreadyTerminal,
			"job is already "+string(job.Status))
	}

	// Flag first so a worker racing from pending to running sees it.
	if err := c.flags.Set(ctx, jobID); err != nil {
		return domain.Job{}, err
	}

	if job.Status == domain.JobPending {
		if err := c.broker.Remove(ctx, jobID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("queue removal failed, relying on cancel flag",
				slog.String("job_id", jobID),
				slog.Any("error", err))
		}
		if err := c.jobs.MarkCancelled(ctx, jobID, c.now().UTC(), by, reason); err != nil {
			// A worker consumed it concurrently; the flag will stop it.
			if errors.Is(err, domain.ErrConflict) {
				slog.Info("pending job consumed during cancel, deferring to worker",
					slog.String("job_id", jobID))
				return c.jobs.Get(ctx, jobID)
			}
			return domain.Job{}, err
		}
		return c.jobs.Get(ctx, jobID)
	}

	slog.Info("cancellation flagged for running job",
		slog.String("job_id", jobID),
		slog.String("cancelled_by", by))
	return c.jobs.Get(ctx, jobID)
}

// ShouldStop is polled by workers at suspension points (between steps,
// between pages, before each fetch).
func (c *Coordinator) ShouldStop(ctx domain.Context, jobID string) bool {
	set, err := c.flags.IsSet(ctx, jobID)
	if err != nil {
		// Fail open: a flag-store outage must not kill healthy jobs.
		slog.Warn("cancel flag check failed", slog.String("job_id", jobID), slog.Any("error", err))
		return false
	}
	return set
}

// Finalize is called by the worker that observed the flag: it tears
// down the job's registered resources concurrently, records the
// per-resource outcomes, and moves the row to cancelled.
func (c *Coordinator) Finalize(ctx domain.Context, jobID, by, reason string) (CleanupReport, error) {
	report := c.resources.Cleanup(ctx, jobID)
	slog.Info("cancellation cleanup finished",
		slog.String("job_id", jobID),
		slog.Duration("elapsed", report.Elapsed),
		slog.Bool("all_clean", report.AllClean))

	if err := c.jobs.MarkCancelled(ctx, jobID, c.now().UTC(), by, reason); err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			return report, nil
		}
		return report, err
	}
	if err := c.flags.Clear(ctx, jobID); err != nil {
		slog.Warn("cancel flag clear failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
	return report, nil
}
