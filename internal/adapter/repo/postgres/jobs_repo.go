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

// JobRepo persists and loads crawl jobs from PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, seed_url, website_id, inline_config, variables, priority, job_type, status,
	scheduled_at, started_at, completed_at, cancelled_at, COALESCE(cancelled_by,''),
	COALESCE(cancellation_reason,''), max_retries, attempt_count, metadata, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var inlineCfg, vars, meta []byte
	err := row.Scan(&j.ID, &j.SeedURL, &j.WebsiteID, &inlineCfg, &vars, &j.Priority, &j.Type, &j.Status,
		&j.ScheduledAt, &j.StartedAt, &j.CompletedAt, &j.CancelledAt, &j.CancelledBy,
		&j.CancellationReason, &j.MaxRetries, &j.AttemptCount, &meta, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if len(inlineCfg) > 0 {
		var ic domain.InlineConfig
		if err := json.Unmarshal(inlineCfg, &ic); err != nil {
			return domain.Job{}, err
		}
		j.InlineConfig = &ic
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &j.Variables); err != nil {
			return domain.Job{}, err
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return domain.Job{}, err
		}
	}
	return j, nil
}

// Create inserts a new job and returns its id. The XOR constraint on
// website_id/inline_config is enforced by the schema as well.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	if err := j.Validate(); err != nil {
		return "", err
	}
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	var inlineCfg []byte
	if j.InlineConfig != nil {
		var err error
		if inlineCfg, err = json.Marshal(j.InlineConfig); err != nil {
			return "", fmt.Errorf("op=job.create: %w", err)
		}
	}
	vars, err := json.Marshal(orEmpty(j.Variables))
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	meta, err := json.Marshal(orEmpty(j.Metadata))
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO crawl_job (id, seed_url, website_id, inline_config, variables, priority, job_type,
	        status, scheduled_at, max_retries, attempt_count, metadata, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err = r.Pool.Exec(ctx, q, id, j.SeedURL, j.WebsiteID, inlineCfg, vars, j.Priority, j.Type,
		j.Status, j.ScheduledAt, j.MaxRetries, j.AttemptCount, meta, now, now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_job WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// List returns jobs, optionally filtered by status, newest first.
func (r *JobRepo) List(ctx domain.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM crawl_job ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	} else {
		rows, err = r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM crawl_job WHERE status=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, status, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateStatus performs a guarded transition: the update only applies
// when the current status is one of from, otherwise ErrConflict.
// Terminal states are absorbing because no transition lists them in
// its from set.
func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, to domain.JobStatus, from ...domain.JobStatus) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	q := `UPDATE crawl_job SET status=$2, updated_at=$3 WHERE id=$1 AND status = ANY($4)`
	tag, err := r.Pool.Exec(ctx, q, id, to, time.Now().UTC(), statusStrings(from))
	if err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id, to)
	}
	return nil
}

// transitionConflict distinguishes a missing row from a disallowed
// transition for error reporting.
func (r *JobRepo) transitionConflict(ctx domain.Context, id string, to domain.JobStatus) error {
	var current domain.JobStatus
	err := r.Pool.QueryRow(ctx, `SELECT status FROM crawl_job WHERE id=$1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=job.update_status: %w", domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	if current.Terminal() {
		return domain.E("job.update_status", domain.ErrAlreadyTerminal, string(current))
	}
	return domain.E("job.update_status", domain.ErrConflict,
		fmt.Sprintf("cannot move %s -> %s", current, to))
}

// MarkRunning transitions pending -> running and stamps started_at.
func (r *JobRepo) MarkRunning(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkRunning")
	defer span.End()
	q := `UPDATE crawl_job SET status=$2, started_at=$3, updated_at=$3 WHERE id=$1 AND status=$4`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobRunning, at.UTC(), domain.JobPending)
	if err != nil {
		return fmt.Errorf("op=job.mark_running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id, domain.JobRunning)
	}
	return nil
}

// MarkCompleted transitions running -> completed.
func (r *JobRepo) MarkCompleted(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCompleted")
	defer span.End()
	q := `UPDATE crawl_job SET status=$2, completed_at=$3, updated_at=$3 WHERE id=$1 AND status=$4`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobCompleted, at.UTC(), domain.JobRunning)
	if err != nil {
		return fmt.Errorf("op=job.mark_completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id, domain.JobCompleted)
	}
	return nil
}

// MarkCancelled transitions pending|running -> cancelled with audit fields.
func (r *JobRepo) MarkCancelled(ctx domain.Context, id string, at time.Time, by, reason string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCancelled")
	defer span.End()
	q := `UPDATE crawl_job SET status=$2, cancelled_at=$3, cancelled_by=$4, cancellation_reason=$5, updated_at=$3
	      WHERE id=$1 AND status = ANY($6)`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobCancelled, at.UTC(), by, reason,
		statusStrings([]domain.JobStatus{domain.JobPending, domain.JobRunning}))
	if err != nil {
		return fmt.Errorf("op=job.mark_cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id, domain.JobCancelled)
	}
	return nil
}

// RequeueForRetry moves a failed attempt's job row back to pending and
// bumps attempt_count in one statement. The row may be in failed (the
// attempt just finished) or running (worker crashed before the status
// write) when the retry is enqueued.
func (r *JobRepo) RequeueForRetry(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequeueForRetry")
	defer span.End()
	q := `UPDATE crawl_job SET status=$2, attempt_count = attempt_count + 1, updated_at=$3
	      WHERE id=$1 AND status = ANY($4)`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobPending, time.Now().UTC(),
		statusStrings([]domain.JobStatus{domain.JobFailed, domain.JobRunning}))
	if err != nil {
		return fmt.Errorf("op=job.requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id, domain.JobPending)
	}
	return nil
}

// SweepStuck marks running jobs started before cutoff as failed and
// returns their ids; the caller routes them through the retry decision.
func (r *JobRepo) SweepStuck(ctx domain.Context, cutoff time.Time) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SweepStuck")
	defer span.End()
	q := `UPDATE crawl_job SET status=$1, updated_at=$2 WHERE status=$3 AND started_at < $4 RETURNING id`
	rows, err := r.Pool.Query(ctx, q, domain.JobFailed, time.Now().UTC(), domain.JobRunning, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=job.sweep_stuck: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=job.sweep_stuck: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func statusStrings(in []domain.JobStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
