package scheduler

import (
	"log/slog"
	"time"

	"github.com/seekerhq/crawld/internal/domain"
)

// dueBatchSize bounds how many due schedules one tick processes.
const dueBatchSize = 100

// Scheduler walks due recurring jobs each poll interval, materializes a
// one-shot job for each, publishes it, and advances next_run_time.
type Scheduler struct {
	schedules domain.ScheduleRepository
	websites  domain.WebsiteRepository
	jobs      domain.JobRepository
	broker    domain.Broker
	interval  time.Duration
	now       func() time.Time
}

func New(schedules domain.ScheduleRepository, websites domain.WebsiteRepository, jobs domain.JobRepository, broker domain.Broker, interval time.Duration) *Scheduler {
	return &Scheduler{
		schedules: schedules,
		websites:  websites,
		jobs:      jobs,
		broker:    broker,
		interval:  interval,
		now:       time.Now,
	}
}

// Run polls until ctx is done.
func (s *Scheduler) Run(ctx domain.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	slog.Info("scheduler started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes all currently due schedules in next_run_time order.
func (s *Scheduler) Tick(ctx domain.Context) {
	now := s.now().UTC()
	due, err := s.schedules.ListDue(ctx, now, dueBatchSize)
	if err != nil {
		slog.Error("scheduler list due failed", slog.Any("error", err))
		return
	}
	for _, sched := range due {
		if err := s.materialize(ctx, sched, now); err != nil {
			slog.Error("schedule materialization failed",
				slog.String("scheduled_job_id", sched.ID),
				slog.Any("error", err))
		}
	}
}

// materialize claims the tick first (advancing next_run_time), then
// creates and publishes the job. A crash between claim and publish
// loses the tick rather than duplicating the run.
func (s *Scheduler) materialize(ctx domain.Context, sched domain.ScheduledJob, now time.Time) error {
	next, err := s.nextAfter(sched, now)
	if err != nil {
		return err
	}
	if err := s.schedules.Advance(ctx, sched.ID, sched.NextRunTime, next, now); err != nil {
		// Another scheduler claimed this tick.
		return nil
	}

	site, err := s.websites.Get(ctx, sched.WebsiteID)
	if err != nil {
		return err
	}
	if site.Status != domain.WebsiteActive {
		slog.Info("skipping schedule for inactive website",
			slog.String("scheduled_job_id", sched.ID),
			slog.String("website_id", site.ID))
		return nil
	}

	scheduledAt := sched.NextRunTime
	job := domain.Job{
		SeedURL:     site.BaseURL,
		WebsiteID:   &site.ID,
		Variables:   configVariables(sched.JobConfig),
		Priority:    defaultPriority,
		Type:        domain.JobTypeScheduled,
		Status:      domain.JobPending,
		ScheduledAt: &scheduledAt,
		MaxRetries:  site.MaxRetriesFromConfig(3),
	}
	applyJobConfig(&job, sched.JobConfig)
	id, err := s.jobs.Create(ctx, job)
	if err != nil {
		return err
	}
	if err := s.broker.Publish(ctx, domain.JobMessage{
		JobID:     id,
		SeedURL:   job.SeedURL,
		JobType:   job.Type,
		Priority:  job.Priority,
		WebsiteID: site.ID,
	}); err != nil {
		return err
	}
	slog.Info("scheduled job materialized",
		slog.String("scheduled_job_id", sched.ID),
		slog.String("job_id", id),
		slog.Time("tick", sched.NextRunTime),
		slog.Time("next_run", next))
	return nil
}

// defaultPriority applies to materialized jobs whose schedule carries
// no priority override.
const defaultPriority = 5

// configVariables extracts the variables map of a schedule's
// job_config. The surrounding keys (priority, max_retries) are
// materialization overrides, not crawl variables.
func configVariables(cfg map[string]any) map[string]any {
	vars, _ := cfg["variables"].(map[string]any)
	return vars
}

// applyJobConfig overlays the schedule's recognized job_config
// overrides on the materialized job. Priority is clamped to the
// job bounds; unknown keys are ignored.
func applyJobConfig(job *domain.Job, cfg map[string]any) {
	if p, ok := configInt(cfg, "priority"); ok {
		if p < 0 {
			p = 0
		}
		if p > 10 {
			p = 10
		}
		job.Priority = p
	}
	if m, ok := configInt(cfg, "max_retries"); ok && m >= 0 {
		job.MaxRetries = m
	}
}

// configInt reads an integer config value; JSON round-trips store
// numbers as float64.
func configInt(cfg map[string]any, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// nextAfter evaluates the cron expression in the schedule's zone
// starting from now; if the computed instant is still <= now (clock
// skew, DST fold), it advances one more step.
func (s *Scheduler) nextAfter(sched domain.ScheduledJob, now time.Time) (time.Time, error) {
	next, err := NextRun(sched.CronSchedule, sched.Timezone, now)
	if err != nil {
		return time.Time{}, err
	}
	if !next.After(now) {
		if next, err = NextRun(sched.CronSchedule, sched.Timezone, next); err != nil {
			return time.Time{}, err
		}
	}
	return next.UTC(), nil
}
