package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerhq/crawld/internal/domain"
)

func newFailureHandler() (FailureHandler, *memJobRepo, *memHistoryRepo, *memDLQRepo, *memSchedule) {
	jobs := newMemJobRepo()
	history := &memHistoryRepo{}
	dlq := newMemDLQRepo()
	schedule := newMemSchedule()
	h := NewFailureHandler(jobs, &memPolicyRepo{}, history, dlq, schedule)
	h.Now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	return h, jobs, history, dlq, schedule
}

func runningJob(jobs *memJobRepo, attempts, maxRetries int) domain.Job {
	job := domain.Job{
		SeedURL:      "https://acme.example/start",
		Status:       domain.JobRunning,
		AttemptCount: attempts,
		MaxRetries:   maxRetries,
	}
	id, _ := jobs.Create(context.Background(), job)
	job.ID = id
	j := jobs.jobs[id]
	j.Status = domain.JobRunning
	jobs.jobs[id] = j
	job.Status = domain.JobRunning
	return job
}

func TestHandleFailureSchedulesRetry(t *testing.T) {
	h, jobs, history, dlq, schedule := newFailureHandler()
	job := runningJob(jobs, 0, 3)

	cause := &domain.CrawlError{Category: domain.CategoryNetwork, Message: "connection reset"}
	dec, err := h.HandleFailure(context.Background(), job, cause)
	require.NoError(t, err)

	assert.Equal(t, domain.CategoryNetwork, dec.Category)
	assert.True(t, dec.WillRetry)
	assert.Equal(t, 1, dec.Attempt)
	assert.Equal(t, time.Second, dec.NextDelay, "first network retry uses the initial delay")
	assert.False(t, dec.Quarantined)

	// Row requeued and the delayed republish scheduled.
	assert.Equal(t, []string{job.ID}, jobs.requeued)
	due, ok := schedule.scheduled[job.ID]
	require.True(t, ok)
	assert.Equal(t, h.Now().Add(time.Second), due)

	require.Len(t, history.attempts, 1)
	assert.Equal(t, 1, history.attempts[0].AttemptNumber)
	assert.Equal(t, domain.CategoryNetwork, history.attempts[0].ErrorCategory)
	assert.Empty(t, dlq.entries)
}

func TestHandleFailureExponentialDelayGrows(t *testing.T) {
	h, jobs, _, _, schedule := newFailureHandler()
	job := runningJob(jobs, 1, 5) // second attempt failing

	dec, err := h.HandleFailure(context.Background(), job,
		&domain.CrawlError{Category: domain.CategoryNetwork, Message: "reset"})
	require.NoError(t, err)
	assert.Equal(t, 2, dec.Attempt)
	assert.Equal(t, 2*time.Second, dec.NextDelay)
	assert.Equal(t, h.Now().Add(2*time.Second), schedule.scheduled[job.ID])
}

func TestHandleFailureNonRetryableQuarantines(t *testing.T) {
	h, jobs, history, dlq, schedule := newFailureHandler()
	job := runningJob(jobs, 0, 3)

	cause := &domain.CrawlError{Category: domain.CategoryValidationError, Message: "bad selector", HTTPStatus: 0}
	dec, err := h.HandleFailure(context.Background(), job, cause)
	require.NoError(t, err)

	assert.False(t, dec.WillRetry)
	assert.True(t, dec.Quarantined)
	assert.Equal(t, domain.JobFailed, jobs.jobs[job.ID].Status)
	assert.Empty(t, schedule.scheduled)

	require.Len(t, dlq.entries, 1)
	for _, e := range dlq.entries {
		assert.Equal(t, job.ID, e.JobID)
		assert.Equal(t, domain.CategoryValidationError, e.ErrorCategory)
		assert.Equal(t, 1, e.TotalAttempts)
	}
	require.Len(t, history.attempts, 1)
	assert.Zero(t, history.attempts[0].DelayApplied)
}

func TestHandleFailureExhaustsPolicyAttempts(t *testing.T) {
	h, jobs, _, dlq, _ := newFailureHandler()
	// Network policy allows 3 attempts; 3 retries already spent.
	job := runningJob(jobs, 3, 10)

	dec, err := h.HandleFailure(context.Background(), job,
		&domain.CrawlError{Category: domain.CategoryNetwork, Message: "reset"})
	require.NoError(t, err)
	assert.False(t, dec.WillRetry)
	assert.True(t, dec.Quarantined)
	assert.Equal(t, 4, dec.Attempt)
	require.Len(t, dlq.entries, 1)
}

func TestHandleFailureHonorsJobMaxRetries(t *testing.T) {
	h, jobs, _, dlq, _ := newFailureHandler()
	// Policy would allow more, but the job caps itself at 1 retry.
	job := runningJob(jobs, 1, 1)

	dec, err := h.HandleFailure(context.Background(), job,
		&domain.CrawlError{Category: domain.CategoryNetwork, Message: "reset"})
	require.NoError(t, err)
	assert.False(t, dec.WillRetry)
	assert.True(t, dec.Quarantined)
	assert.Len(t, dlq.entries, 1)
}

func TestHandleFailureUsesStoredPolicyOverride(t *testing.T) {
	jobs := newMemJobRepo()
	policies := &memPolicyRepo{}
	require.NoError(t, policies.Upsert(context.Background(), domain.RetryPolicy{
		ErrorCategory: domain.CategoryNetwork,
		IsRetryable:   true,
		MaxAttempts:   5,
		Strategy:      domain.StrategyFixed,
		InitialDelay:  30 * time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    1.0,
	}))
	schedule := newMemSchedule()
	h := NewFailureHandler(jobs, policies, &memHistoryRepo{}, newMemDLQRepo(), schedule)
	h.Now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }

	job := runningJob(jobs, 2, 10)
	dec, err := h.HandleFailure(context.Background(), job,
		&domain.CrawlError{Category: domain.CategoryNetwork, Message: "reset"})
	require.NoError(t, err)
	assert.True(t, dec.WillRetry)
	assert.Equal(t, 30*time.Second, dec.NextDelay)
}

func TestHandleFailureSecondQuarantineTolerated(t *testing.T) {
	h, jobs, _, dlq, _ := newFailureHandler()
	job := runningJob(jobs, 0, 3)

	_, err := h.HandleFailure(context.Background(), job,
		&domain.CrawlError{Category: domain.CategoryClientError, Message: "400"})
	require.NoError(t, err)

	// A racing worker quarantining the same job hits the unique
	// constraint; the handler treats it as already done.
	j := jobs.jobs[job.ID]
	j.Status = domain.JobRunning
	jobs.jobs[job.ID] = j
	dec, err := h.HandleFailure(context.Background(), jobs.jobs[job.ID],
		&domain.CrawlError{Category: domain.CategoryClientError, Message: "400"})
	require.NoError(t, err)
	assert.True(t, dec.Quarantined)
	assert.Len(t, dlq.entries, 1)
}

func TestHandleFailureQuarantineKeepsFirstAttemptTime(t *testing.T) {
	h, jobs, history, dlq, _ := newFailureHandler()
	job := runningJob(jobs, 3, 3)

	// StartedAt belongs to the latest attempt; the quarantine entry must
	// carry the time the job first failed.
	latestStart := time.Date(2025, 3, 10, 11, 55, 0, 0, time.UTC)
	job.StartedAt = &latestStart
	first := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	second := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	history.attempts = append(history.attempts,
		domain.RetryAttempt{JobID: job.ID, AttemptNumber: 2, CreatedAt: second},
		domain.RetryAttempt{JobID: job.ID, AttemptNumber: 1, CreatedAt: first},
	)

	dec, err := h.HandleFailure(context.Background(), job,
		&domain.CrawlError{Category: domain.CategoryNetwork, Message: "reset"})
	require.NoError(t, err)
	require.True(t, dec.Quarantined)

	require.Len(t, dlq.entries, 1)
	for _, e := range dlq.entries {
		require.NotNil(t, e.FirstAttemptAt)
		assert.Equal(t, first, *e.FirstAttemptAt)
	}
}

func TestHandleFailureQuarantineFallsBackToStartedAt(t *testing.T) {
	h, jobs, _, dlq, _ := newFailureHandler()
	job := runningJob(jobs, 0, 3)
	started := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)
	job.StartedAt = &started

	// First and only attempt: the history row appended during handling
	// and StartedAt describe the same attempt, but an empty prior
	// history must not leave the field nil.
	dec, err := h.HandleFailure(context.Background(), job,
		&domain.CrawlError{Category: domain.CategoryValidationError, Message: "bad selector"})
	require.NoError(t, err)
	require.True(t, dec.Quarantined)
	for _, e := range dlq.entries {
		require.NotNil(t, e.FirstAttemptAt)
	}
}

func TestHandleFailureClassifiesPlainErrors(t *testing.T) {
	h, jobs, _, _, schedule := newFailureHandler()
	job := runningJob(jobs, 0, 3)

	dec, err := h.HandleFailure(context.Background(), job, errors.New("dial tcp: connection refused"))
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryNetwork, dec.Category)
	assert.True(t, dec.WillRetry)
	assert.NotEmpty(t, schedule.scheduled)
}
