package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/seekerhq/crawld/internal/domain"
)

// ScheduleRepo persists recurring crawl triggers.
type ScheduleRepo struct{ Pool PgxPool }

// NewScheduleRepo constructs a ScheduleRepo with the given pool.
func NewScheduleRepo(p PgxPool) *ScheduleRepo { return &ScheduleRepo{Pool: p} }

const scheduleColumns = `id, website_id, cron_schedule, timezone, next_run_time, last_run_time, is_active, job_config, created_at, updated_at`

func scanSchedule(row pgx.Row) (domain.ScheduledJob, error) {
	var s domain.ScheduledJob
	var cfg []byte
	if err := row.Scan(&s.ID, &s.WebsiteID, &s.CronSchedule, &s.Timezone, &s.NextRunTime,
		&s.LastRunTime, &s.IsActive, &cfg, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.ScheduledJob{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &s.JobConfig); err != nil {
			return domain.ScheduledJob{}, err
		}
	}
	return s, nil
}

// Create inserts a new scheduled job and returns its id.
func (r *ScheduleRepo) Create(ctx domain.Context, s domain.ScheduledJob) (string, error) {
	tracer := otel.Tracer("repo.schedules")
	ctx, span := tracer.Start(ctx, "schedules.Create")
	defer span.End()
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	cfg, err := json.Marshal(orEmpty(s.JobConfig))
	if err != nil {
		return "", fmt.Errorf("op=schedule.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO scheduled_job (id, website_id, cron_schedule, timezone, next_run_time, last_run_time, is_active, job_config, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	if _, err := r.Pool.Exec(ctx, q, id, s.WebsiteID, s.CronSchedule, s.Timezone,
		s.NextRunTime.UTC(), s.LastRunTime, s.IsActive, cfg, now, now); err != nil {
		return "", fmt.Errorf("op=schedule.create: %w", err)
	}
	return id, nil
}

// Get loads a scheduled job by id.
func (r *ScheduleRepo) Get(ctx domain.Context, id string) (domain.ScheduledJob, error) {
	tracer := otel.Tracer("repo.schedules")
	ctx, span := tracer.Start(ctx, "schedules.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM scheduled_job WHERE id=$1`, id)
	s, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ScheduledJob{}, fmt.Errorf("op=schedule.get: %w", domain.ErrNotFound)
		}
		return domain.ScheduledJob{}, fmt.Errorf("op=schedule.get: %w", err)
	}
	return s, nil
}

// ListDue returns active schedules with next_run_time <= now, in
// next_run_time order.
func (r *ScheduleRepo) ListDue(ctx domain.Context, now time.Time, limit int) ([]domain.ScheduledJob, error) {
	tracer := otel.Tracer("repo.schedules")
	ctx, span := tracer.Start(ctx, "schedules.ListDue")
	defer span.End()
	q := `SELECT ` + scheduleColumns + ` FROM scheduled_job
	      WHERE is_active AND next_run_time <= $1 ORDER BY next_run_time LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=schedule.list_due: %w", err)
	}
	defer rows.Close()
	var out []domain.ScheduledJob
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("op=schedule.list_due: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// List returns schedules ordered by creation time.
func (r *ScheduleRepo) List(ctx domain.Context, limit, offset int) ([]domain.ScheduledJob, error) {
	tracer := otel.Tracer("repo.schedules")
	ctx, span := tracer.Start(ctx, "schedules.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+scheduleColumns+` FROM scheduled_job ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=schedule.list: %w", err)
	}
	defer rows.Close()
	var out []domain.ScheduledJob
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("op=schedule.list: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Update persists cron, timezone, activation, and config overrides.
func (r *ScheduleRepo) Update(ctx domain.Context, s domain.ScheduledJob) error {
	tracer := otel.Tracer("repo.schedules")
	ctx, span := tracer.Start(ctx, "schedules.Update")
	defer span.End()
	cfg, err := json.Marshal(orEmpty(s.JobConfig))
	if err != nil {
		return fmt.Errorf("op=schedule.update: %w", err)
	}
	q := `UPDATE scheduled_job SET cron_schedule=$2, timezone=$3, next_run_time=$4, is_active=$5, job_config=$6, updated_at=$7 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, s.ID, s.CronSchedule, s.Timezone, s.NextRunTime.UTC(), s.IsActive, cfg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=schedule.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=schedule.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Advance atomically claims one tick: next_run_time moves from prev to
// next and last_run_time is stamped, but only when no other scheduler
// got there first. A lost race returns ErrConflict and the caller
// skips the row.
func (r *ScheduleRepo) Advance(ctx domain.Context, id string, prev, next, lastRun time.Time) error {
	tracer := otel.Tracer("repo.schedules")
	ctx, span := tracer.Start(ctx, "schedules.Advance")
	defer span.End()
	q := `UPDATE scheduled_job SET next_run_time=$2, last_run_time=$3, updated_at=$3 WHERE id=$1 AND next_run_time=$4`
	tag, err := r.Pool.Exec(ctx, q, id, next.UTC(), lastRun.UTC(), prev.UTC())
	if err != nil {
		return fmt.Errorf("op=schedule.advance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.E("schedule.advance", domain.ErrConflict, "tick already claimed: "+id)
	}
	return nil
}

// Delete removes a scheduled job.
func (r *ScheduleRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.schedules")
	ctx, span := tracer.Start(ctx, "schedules.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM scheduled_job WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=schedule.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=schedule.delete: %w", domain.ErrNotFound)
	}
	return nil
}
