package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seekerhq/crawld/internal/domain"
)

// FailureDecision reports what HandleFailure did with a failed attempt.
type FailureDecision struct {
	Category    domain.ErrorCategory
	WillRetry   bool
	Attempt     int           // the attempt that just failed, 1-based
	NextDelay   time.Duration // set when WillRetry
	Quarantined bool          // a DLQ entry was created
}

// FailureHandler is the retry decision engine run by workers after an
// attempt fails: classify, look up the category policy, and either
// schedule a delayed retry or quarantine the job.
type FailureHandler struct {
	Jobs     domain.JobRepository
	Policies domain.RetryPolicyRepository
	History  domain.RetryHistoryRepository
	DLQ      domain.DLQRepository
	Schedule domain.RetrySchedule
	Now      func() time.Time
}

func NewFailureHandler(jobs domain.JobRepository, policies domain.RetryPolicyRepository, history domain.RetryHistoryRepository, dlq domain.DLQRepository, schedule domain.RetrySchedule) FailureHandler {
	return FailureHandler{Jobs: jobs, Policies: policies, History: history, DLQ: dlq, Schedule: schedule, Now: time.Now}
}

// HandleFailure processes one failed attempt of job. It appends the
// retry-history row, then either requeues the job row to pending and
// schedules the delayed republish, or marks the job failed and creates
// the DLQ entry.
func (h FailureHandler) HandleFailure(ctx domain.Context, job domain.Job, cause error) (FailureDecision, error) {
	cat := domain.Classify(cause)
	policy := h.policyFor(ctx, cat)
	attempt := job.AttemptCount + 1

	dec := FailureDecision{Category: cat, Attempt: attempt}
	dec.WillRetry = policy.IsRetryable &&
		job.AttemptCount < policy.MaxAttempts &&
		job.AttemptCount < job.MaxRetries

	var stack string
	var httpStatus int
	var ce *domain.CrawlError
	if errors.As(cause, &ce) {
		stack = ce.Stack
		httpStatus = ce.HTTPStatus
	}

	if dec.WillRetry {
		dec.NextDelay = policy.DelayFor(attempt)
	}
	if _, err := h.History.Append(ctx, domain.RetryAttempt{
		JobID:         job.ID,
		AttemptNumber: attempt,
		ErrorCategory: cat,
		Message:       cause.Error(),
		Stack:         stack,
		DelayApplied:  dec.NextDelay,
	}); err != nil {
		slog.Error("retry history append failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}

	if dec.WillRetry {
		if err := h.Jobs.RequeueForRetry(ctx, job.ID); err != nil {
			return dec, err
		}
		if err := h.Schedule.Schedule(ctx, job.ID, h.Now().UTC().Add(dec.NextDelay)); err != nil {
			return dec, err
		}
		slog.Info("retry scheduled",
			slog.String("job_id", job.ID),
			slog.String("category", string(cat)),
			slog.Int("attempt", attempt),
			slog.Duration("delay", dec.NextDelay))
		return dec, nil
	}

	if err := h.Jobs.UpdateStatus(ctx, job.ID, domain.JobFailed, domain.JobRunning, domain.JobPending); err != nil {
		return dec, err
	}
	entry := domain.DLQEntry{
		JobID:          job.ID,
		SeedURL:        job.SeedURL,
		WebsiteID:      job.WebsiteID,
		JobType:        job.Type,
		Priority:       job.Priority,
		ErrorCategory:  cat,
		ErrorMessage:   cause.Error(),
		ErrorStack:     stack,
		HTTPStatus:     httpStatus,
		TotalAttempts:  attempt,
		FirstAttemptAt: h.firstAttemptTime(ctx, job),
	}
	now := h.Now().UTC()
	entry.LastAttemptAt = &now
	if _, err := h.DLQ.Create(ctx, entry); err != nil && !errors.Is(err, domain.ErrConflict) {
		return dec, fmt.Errorf("op=failure.quarantine: %w", err)
	}
	dec.Quarantined = true
	slog.Warn("job quarantined",
		slog.String("job_id", job.ID),
		slog.String("category", string(cat)),
		slog.Int("total_attempts", attempt))
	return dec, nil
}

// firstAttemptTime finds when the job first failed: the oldest
// retry-history row. StartedAt covers jobs whose history is empty or
// unreadable, but it belongs to the latest attempt, not the first.
func (h FailureHandler) firstAttemptTime(ctx domain.Context, job domain.Job) *time.Time {
	rows, err := h.History.ListByJob(ctx, job.ID)
	if err != nil {
		slog.Warn("retry history lookup failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return job.StartedAt
	}
	var earliest *time.Time
	for _, row := range rows {
		if row.CreatedAt.IsZero() {
			continue
		}
		at := row.CreatedAt
		if earliest == nil || at.Before(*earliest) {
			earliest = &at
		}
	}
	if earliest == nil {
		return job.StartedAt
	}
	return earliest
}

// policyFor resolves the stored policy for a category, falling back to
// the built-in table when no row exists or the store is unavailable.
func (h FailureHandler) policyFor(ctx domain.Context, cat domain.ErrorCategory) domain.RetryPolicy {
	policy, err := h.Policies.GetByCategory(ctx, cat)
	if err == nil {
		return policy
	}
	if !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("retry policy lookup failed, using defaults", slog.String("category", string(cat)), slog.Any("error", err))
	}
	for _, p := range domain.DefaultRetryPolicies() {
		if p.ErrorCategory == cat {
			return p
		}
	}
	return domain.RetryPolicy{ErrorCategory: cat, IsRetryable: false}
}
