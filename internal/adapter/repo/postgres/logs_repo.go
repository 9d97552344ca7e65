package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/seekerhq/crawld/internal/domain"
)

// LogRepo writes and reads crawl logs from the monthly-partitioned
// crawl_log table. Records are immutable; ids are ULIDs so ordering by
// id matches insertion order within a job.
type LogRepo struct{ Pool PgxPool }

func NewLogRepo(p PgxPool) *LogRepo { return &LogRepo{Pool: p} }

const logColumns = `id, job_id, website_id, step_name, log_level, message, context, trace_id, created_at`

func scanLog(row pgx.Row) (domain.LogRecord, error) {
	var rec domain.LogRecord
	var websiteID *string
	var ctxJSON []byte
	if err := row.Scan(&rec.ID, &rec.JobID, &websiteID, &rec.StepName, &rec.Level, &rec.Message,
		&ctxJSON, &rec.TraceID, &rec.CreatedAt); err != nil {
		return domain.LogRecord{}, err
	}
	if websiteID != nil {
		rec.WebsiteID = *websiteID
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &rec.Context); err != nil {
			return domain.LogRecord{}, err
		}
	}
	return rec, nil
}

// Insert writes one log record.
func (r *LogRepo) Insert(ctx domain.Context, rec domain.LogRecord) error {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.Insert")
	defer span.End()
	var ctxJSON []byte
	if rec.Context != nil {
		var err error
		if ctxJSON, err = json.Marshal(rec.Context); err != nil {
			return fmt.Errorf("op=log.insert: %w", err)
		}
	}
	var websiteID *string
	if rec.WebsiteID != "" {
		websiteID = &rec.WebsiteID
	}
	q := `INSERT INTO crawl_log (id, job_id, website_id, step_name, log_level, message, context, trace_id, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, rec.ID, rec.JobID, websiteID, rec.StepName, rec.Level, rec.Message,
		ctxJSON, rec.TraceID, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=log.insert: job_id=%s: %w", rec.JobID, err)
	}
	return nil
}

// ListAfterID returns records of a job with id > afterID, oldest
// first. limit <= 0 means no limit; the clause must be omitted, a bound
// zero would return nothing.
func (r *LogRepo) ListAfterID(ctx domain.Context, jobID, afterID string, limit int) ([]domain.LogRecord, error) {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.ListAfterID")
	defer span.End()
	q := `SELECT ` + logColumns + ` FROM crawl_log WHERE job_id=$1 AND id > $2 ORDER BY id`
	args := []any{jobID, afterID}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=log.list_after_id: %w", err)
	}
	return collectLogs(rows, "op=log.list_after_id")
}

// ListRecent returns the newest n records of a job, oldest first.
func (r *LogRepo) ListRecent(ctx domain.Context, jobID string, n int) ([]domain.LogRecord, error) {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.ListRecent")
	defer span.End()
	q := `SELECT * FROM (
	        SELECT ` + logColumns + ` FROM crawl_log WHERE job_id=$1 ORDER BY id DESC LIMIT $2
	      ) recent ORDER BY id`
	rows, err := r.Pool.Query(ctx, q, jobID, n)
	if err != nil {
		return nil, fmt.Errorf("op=log.list_recent: %w", err)
	}
	return collectLogs(rows, "op=log.list_recent")
}

// ListAfterTime returns records created after the given instant, oldest
// first. limit <= 0 means no limit.
func (r *LogRepo) ListAfterTime(ctx domain.Context, jobID string, after time.Time, limit int) ([]domain.LogRecord, error) {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.ListAfterTime")
	defer span.End()
	q := `SELECT ` + logColumns + ` FROM crawl_log WHERE job_id=$1 AND created_at > $2 ORDER BY id`
	args := []any{jobID, after.UTC()}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=log.list_after_time: %w", err)
	}
	return collectLogs(rows, "op=log.list_after_time")
}

func collectLogs(rows pgx.Rows, op string) ([]domain.LogRecord, error) {
	defer rows.Close()
	var out []domain.LogRecord
	for rows.Next() {
		rec, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
