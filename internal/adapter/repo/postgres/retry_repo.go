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

// RetryPolicyRepo stores the operator-editable retry decision table.
type RetryPolicyRepo struct{ Pool PgxPool }

func NewRetryPolicyRepo(p PgxPool) *RetryPolicyRepo { return &RetryPolicyRepo{Pool: p} }

// Upsert inserts or replaces the policy for its error category.
func (r *RetryPolicyRepo) Upsert(ctx domain.Context, p domain.RetryPolicy) error {
	tracer := otel.Tracer("repo.retry_policies")
	ctx, span := tracer.Start(ctx, "retry_policies.Upsert")
	defer span.End()
	if err := p.Validate(); err != nil {
		return err
	}
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO retry_policy (id, error_category, is_retryable, max_attempts, strategy, initial_delay_s, max_delay_s, multiplier, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	      ON CONFLICT (error_category) DO UPDATE SET
	        is_retryable=EXCLUDED.is_retryable, max_attempts=EXCLUDED.max_attempts,
	        strategy=EXCLUDED.strategy, initial_delay_s=EXCLUDED.initial_delay_s,
	        max_delay_s=EXCLUDED.max_delay_s, multiplier=EXCLUDED.multiplier, updated_at=EXCLUDED.updated_at`
	var strategy *string
	if p.Strategy != "" {
		s := string(p.Strategy)
		strategy = &s
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	_, err := r.Pool.Exec(ctx, q, id, p.ErrorCategory, p.IsRetryable, p.MaxAttempts, strategy,
		p.InitialDelay.Seconds(), p.MaxDelay.Seconds(), mult, now)
	if err != nil {
		return fmt.Errorf("op=retry_policy.upsert: %w", err)
	}
	return nil
}

const policyColumns = `id, error_category, is_retryable, max_attempts, COALESCE(strategy,''), initial_delay_s, max_delay_s, multiplier, created_at, updated_at`

func scanPolicy(row pgx.Row) (domain.RetryPolicy, error) {
	var p domain.RetryPolicy
	var initialS, maxS float64
	if err := row.Scan(&p.ID, &p.ErrorCategory, &p.IsRetryable, &p.MaxAttempts, &p.Strategy,
		&initialS, &maxS, &p.Multiplier, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.RetryPolicy{}, err
	}
	p.InitialDelay = time.Duration(initialS * float64(time.Second))
	p.MaxDelay = time.Duration(maxS * float64(time.Second))
	return p, nil
}

// GetByCategory loads the policy for one error category.
func (r *RetryPolicyRepo) GetByCategory(ctx domain.Context, cat domain.ErrorCategory) (domain.RetryPolicy, error) {
	tracer := otel.Tracer("repo.retry_policies")
	ctx, span := tracer.Start(ctx, "retry_policies.GetByCategory")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM retry_policy WHERE error_category=$1`, cat)
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RetryPolicy{}, fmt.Errorf("op=retry_policy.get: %w", domain.ErrNotFound)
		}
		return domain.RetryPolicy{}, fmt.Errorf("op=retry_policy.get: %w", err)
	}
	return p, nil
}

// List returns all policies ordered by category.
func (r *RetryPolicyRepo) List(ctx domain.Context) ([]domain.RetryPolicy, error) {
	tracer := otel.Tracer("repo.retry_policies")
	ctx, span := tracer.Start(ctx, "retry_policies.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+policyColumns+` FROM retry_policy ORDER BY error_category`)
	if err != nil {
		return nil, fmt.Errorf("op=retry_policy.list: %w", err)
	}
	defer rows.Close()
	var out []domain.RetryPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("op=retry_policy.list: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RetryHistoryRepo appends and lists per-attempt failure records.
type RetryHistoryRepo struct{ Pool PgxPool }

func NewRetryHistoryRepo(p PgxPool) *RetryHistoryRepo { return &RetryHistoryRepo{Pool: p} }

// Append inserts one attempt row and returns its id.
func (r *RetryHistoryRepo) Append(ctx domain.Context, a domain.RetryAttempt) (string, error) {
	tracer := otel.Tracer("repo.retry_history")
	ctx, span := tracer.Start(ctx, "retry_history.Append")
	defer span.End()
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	at := a.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	q := `INSERT INTO retry_history (id, job_id, attempt_number, error_category, message, stack, delay_applied_s, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, id, a.JobID, a.AttemptNumber, a.ErrorCategory, a.Message, a.Stack,
		a.DelayApplied.Seconds(), at)
	if err != nil {
		return "", fmt.Errorf("op=retry_history.append: %w", err)
	}
	return id, nil
}

// ListByJob returns a job's attempts in attempt order.
func (r *RetryHistoryRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.RetryAttempt, error) {
	tracer := otel.Tracer("repo.retry_history")
	ctx, span := tracer.Start(ctx, "retry_history.ListByJob")
	defer span.End()
	q := `SELECT id, job_id, attempt_number, error_category, message, stack, delay_applied_s, created_at
	      FROM retry_history WHERE job_id=$1 ORDER BY attempt_number`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=retry_history.list: %w", err)
	}
	defer rows.Close()
	var out []domain.RetryAttempt
	for rows.Next() {
		var a domain.RetryAttempt
		var delayS float64
		if err := rows.Scan(&a.ID, &a.JobID, &a.AttemptNumber, &a.ErrorCategory, &a.Message, &a.Stack, &delayS, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=retry_history.list: %w", err)
		}
		a.DelayApplied = time.Duration(delayS * float64(time.Second))
		out = append(out, a)
	}
	return out, rows.Err()
}
