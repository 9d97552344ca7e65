package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/seekerhq/crawld/internal/domain"
	"github.com/seekerhq/crawld/internal/service/scheduler"
)

// ScheduleService manages recurring crawl schedules.
type ScheduleService struct {
	Schedules domain.ScheduleRepository
	Websites  domain.WebsiteRepository
	Now       func() time.Time
}

func NewScheduleService(schedules domain.ScheduleRepository, websites domain.WebsiteRepository) ScheduleService {
	return ScheduleService{Schedules: schedules, Websites: websites, Now: time.Now}
}

// Create validates the cron expression and timezone, computes the first
// next_run_time in that zone, and stores the schedule.
func (s ScheduleService) Create(ctx domain.Context, sched domain.ScheduledJob) (string, error) {
	if err := s.validate(ctx, &sched); err != nil {
		return "", err
	}
	next, err := scheduler.NextRun(sched.CronSchedule, sched.Timezone, s.Now().UTC())
	if err != nil {
		return "", err
	}
	sched.NextRunTime = next.UTC()
	id, err := s.Schedules.Create(ctx, sched)
	if err != nil {
		return "", err
	}
	slog.Info("schedule created",
		slog.String("scheduled_job_id", id),
		slog.String("cron", sched.CronSchedule),
		slog.String("timezone", sched.Timezone),
		slog.Time("next_run", sched.NextRunTime))
	return id, nil
}

func (s ScheduleService) Get(ctx domain.Context, id string) (domain.ScheduledJob, error) {
	return s.Schedules.Get(ctx, id)
}

func (s ScheduleService) List(ctx domain.Context, limit, offset int) ([]domain.ScheduledJob, error) {
	return s.Schedules.List(ctx, limit, offset)
}

// Update revalidates and recomputes next_run_time when the expression
// or zone changed.
func (s ScheduleService) Update(ctx domain.Context, sched domain.ScheduledJob) error {
	if err := s.validate(ctx, &sched); err != nil {
		return err
	}
	prev, err := s.Schedules.Get(ctx, sched.ID)
	if err != nil {
		return err
	}
	if prev.CronSchedule != sched.CronSchedule || prev.Timezone != sched.Timezone {
		next, err := scheduler.NextRun(sched.CronSchedule, sched.Timezone, s.Now().UTC())
		if err != nil {
			return err
		}
		sched.NextRunTime = next.UTC()
	} else {
		sched.NextRunTime = prev.NextRunTime
	}
	return s.Schedules.Update(ctx, sched)
}

func (s ScheduleService) Delete(ctx domain.Context, id string) error {
	return s.Schedules.Delete(ctx, id)
}

func (s ScheduleService) validate(ctx domain.Context, sched *domain.ScheduledJob) error {
	if sched.WebsiteID == "" {
		return fmt.Errorf("%w: website_id is required", domain.ErrInvalidArgument)
	}
	if _, err := s.Websites.Get(ctx, sched.WebsiteID); err != nil {
		return err
	}
	if _, err := scheduler.ParseCron(sched.CronSchedule); err != nil {
		return err
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(sched.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", domain.ErrInvalidArgument, sched.Timezone)
	}
	return nil
}
