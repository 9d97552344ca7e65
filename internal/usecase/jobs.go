package usecase

import (
	"fmt"

	"github.com/seekerhq/crawld/internal/domain"
)

// JobQueryService serves read paths: job detail, listings, recent logs,
// retry history, and stream-token issuance.
type JobQueryService struct {
	Jobs    domain.JobRepository
	Logs    domain.LogRepository
	History domain.RetryHistoryRepository
	Tokens  domain.StreamTokens
}

func NewJobQueryService(jobs domain.JobRepository, logs domain.LogRepository, history domain.RetryHistoryRepository, tokens domain.StreamTokens) JobQueryService {
	return JobQueryService{Jobs: jobs, Logs: logs, History: history, Tokens: tokens}
}

func (s JobQueryService) Get(ctx domain.Context, id string) (domain.Job, error) {
	return s.Jobs.Get(ctx, id)
}

func (s JobQueryService) List(ctx domain.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, error) {
	if status != "" {
		switch status {
		case domain.JobPending, domain.JobRunning, domain.JobCompleted, domain.JobFailed, domain.JobCancelled:
		default:
			return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, status)
		}
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.Jobs.List(ctx, status, limit, offset)
}

// RecentLogs returns the newest n log records of a job, oldest first.
func (s JobQueryService) RecentLogs(ctx domain.Context, jobID string, n int) ([]domain.LogRecord, error) {
	if _, err := s.Jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}
	if n <= 0 || n > 1000 {
		n = 100
	}
	return s.Logs.ListRecent(ctx, jobID, n)
}

// RetryHistory returns a job's retry attempts in order.
func (s JobQueryService) RetryHistory(ctx domain.Context, jobID string) ([]domain.RetryAttempt, error) {
	if _, err := s.Jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return s.History.ListByJob(ctx, jobID)
}

// IssueStreamToken mints a single-use token authorizing one log stream
// subscription for the job.
func (s JobQueryService) IssueStreamToken(ctx domain.Context, jobID string) (string, error) {
	if _, err := s.Jobs.Get(ctx, jobID); err != nil {
		return "", err
	}
	return s.Tokens.Issue(ctx, jobID)
}
