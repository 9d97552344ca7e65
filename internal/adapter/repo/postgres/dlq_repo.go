package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/seekerhq/crawld/internal/domain"
)

// DLQRepo persists dead-letter quarantine entries.
type DLQRepo struct{ Pool PgxPool }

func NewDLQRepo(p PgxPool) *DLQRepo { return &DLQRepo{Pool: p} }

const dlqColumns = `id, job_id, seed_url, website_id, job_type, priority, error_category,
	error_message, error_stack, http_status, total_attempts, first_attempt_at, last_attempt_at,
	added_to_dlq_at, retry_attempted, retry_attempted_at, retry_success, resolved_at`

func scanDLQ(row pgx.Row) (domain.DLQEntry, error) {
	var e domain.DLQEntry
	err := row.Scan(&e.ID, &e.JobID, &e.SeedURL, &e.WebsiteID, &e.JobType, &e.Priority, &e.ErrorCategory,
		&e.ErrorMessage, &e.ErrorStack, &e.HTTPStatus, &e.TotalAttempts, &e.FirstAttemptAt, &e.LastAttemptAt,
		&e.AddedToDLQAt, &e.RetryAttempted, &e.RetryAttemptedAt, &e.RetrySuccess, &e.ResolvedAt)
	if err != nil {
		return domain.DLQEntry{}, err
	}
	return e, nil
}

// Create inserts a quarantine entry. A second unresolved entry for the
// same job violates the partial unique index and returns ErrConflict.
func (r *DLQRepo) Create(ctx domain.Context, e domain.DLQEntry) (string, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Create")
	defer span.End()
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	at := e.AddedToDLQAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	q := `INSERT INTO dead_letter_queue (id, job_id, seed_url, website_id, job_type, priority,
	        error_category, error_message, error_stack, http_status, total_attempts,
	        first_attempt_at, last_attempt_at, added_to_dlq_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := r.Pool.Exec(ctx, q, id, e.JobID, e.SeedURL, e.WebsiteID, e.JobType, e.Priority,
		e.ErrorCategory, e.ErrorMessage, e.ErrorStack, e.HTTPStatus, e.TotalAttempts,
		e.FirstAttemptAt, e.LastAttemptAt, at)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.E("dlq.create", domain.ErrConflict, "active entry exists for job "+e.JobID)
		}
		return "", fmt.Errorf("op=dlq.create: %w", err)
	}
	return id, nil
}

// Get loads a DLQ entry by id.
func (r *DLQRepo) Get(ctx domain.Context, id string) (domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM dead_letter_queue WHERE id=$1`, id)
	e, err := scanDLQ(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", domain.ErrNotFound)
		}
		return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", err)
	}
	return e, nil
}

// GetActiveByJob loads the unresolved entry for a job.
func (r *DLQRepo) GetActiveByJob(ctx domain.Context, jobID string) (domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.GetActiveByJob")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM dead_letter_queue WHERE job_id=$1 AND resolved_at IS NULL`, jobID)
	e, err := scanDLQ(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DLQEntry{}, fmt.Errorf("op=dlq.get_active: %w", domain.ErrNotFound)
		}
		return domain.DLQEntry{}, fmt.Errorf("op=dlq.get_active: %w", err)
	}
	return e, nil
}

// List returns entries, newest quarantined first.
func (r *DLQRepo) List(ctx domain.Context, includeResolved bool, limit, offset int) ([]domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.List")
	defer span.End()
	q := `SELECT ` + dlqColumns + ` FROM dead_letter_queue`
	if !includeResolved {
		q += ` WHERE resolved_at IS NULL`
	}
	q += ` ORDER BY added_to_dlq_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.Pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", err)
	}
	defer rows.Close()
	var out []domain.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, fmt.Errorf("op=dlq.list: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkRetryAttempted flags an operator-initiated requeue. The schema
// check keeps retry_attempted and retry_attempted_at consistent.
func (r *DLQRepo) MarkRetryAttempted(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.MarkRetryAttempted")
	defer span.End()
	q := `UPDATE dead_letter_queue SET retry_attempted=TRUE, retry_attempted_at=$2 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, at.UTC())
	if err != nil {
		return fmt.Errorf("op=dlq.mark_retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=dlq.mark_retry: %w", domain.ErrNotFound)
	}
	return nil
}

// SetRetrySuccess records whether the manual retry ultimately succeeded.
func (r *DLQRepo) SetRetrySuccess(ctx domain.Context, id string, success bool) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.SetRetrySuccess")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE dead_letter_queue SET retry_success=$2 WHERE id=$1`, id, success)
	if err != nil {
		return fmt.Errorf("op=dlq.set_retry_success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=dlq.set_retry_success: %w", domain.ErrNotFound)
	}
	return nil
}

// Resolve closes out an entry; the job may be quarantined again later.
func (r *DLQRepo) Resolve(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Resolve")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE dead_letter_queue SET resolved_at=$2 WHERE id=$1 AND resolved_at IS NULL`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("op=dlq.resolve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=dlq.resolve: %w", domain.ErrNotFound)
	}
	return nil
}
