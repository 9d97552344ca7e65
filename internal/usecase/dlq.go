package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/seekerhq/crawld/internal/domain"
)

// DLQService serves the dead-letter workflows: inspection, manual
// retry, and resolution.
type DLQService struct {
	DLQ    domain.DLQRepository
	Jobs   domain.JobRepository
	Broker domain.Broker
	Now    func() time.Time
}

func NewDLQService(dlq domain.DLQRepository, jobs domain.JobRepository, broker domain.Broker) DLQService {
	return DLQService{DLQ: dlq, Jobs: jobs, Broker: broker, Now: time.Now}
}

func (s DLQService) Get(ctx domain.Context, id string) (domain.DLQEntry, error) {
	return s.DLQ.Get(ctx, id)
}

func (s DLQService) List(ctx domain.Context, includeResolved bool, limit, offset int) ([]domain.DLQEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.DLQ.List(ctx, includeResolved, limit, offset)
}

// Retry re-enqueues a quarantined job once, by operator action. The
// entry records the attempt and its outcome; the entry stays unresolved
// until explicitly resolved.
func (s DLQService) Retry(ctx domain.Context, entryID string) error {
	entry, err := s.DLQ.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.ResolvedAt != nil {
		return fmt.Errorf("%w: entry is resolved", domain.ErrConflict)
	}
	if entry.RetryAttempted {
		return fmt.Errorf("%w: retry was already attempted", domain.ErrConflict)
	}
	if err := s.DLQ.MarkRetryAttempted(ctx, entryID, s.Now().UTC()); err != nil {
		return err
	}

	err = s.republish(ctx, entry)
	if serr := s.DLQ.SetRetrySuccess(ctx, entryID, err == nil); serr != nil {
		slog.Error("dlq retry outcome update failed", slog.String("dlq_id", entryID), slog.Any("error", serr))
	}
	if err != nil {
		return err
	}
	slog.Info("dlq retry enqueued", slog.String("dlq_id", entryID), slog.String("job_id", entry.JobID))
	return nil
}

func (s DLQService) republish(ctx domain.Context, entry domain.DLQEntry) error {
	if err := s.Jobs.RequeueForRetry(ctx, entry.JobID); err != nil {
		return err
	}
	job, err := s.Jobs.Get(ctx, entry.JobID)
	if err != nil {
		return err
	}
	msg := domain.JobMessage{
		JobID:           job.ID,
		SeedURL:         job.SeedURL,
		JobType:         job.Type,
		Priority:        job.Priority,
		HasInlineConfig: job.InlineConfig != nil,
	}
	if job.WebsiteID != nil {
		msg.WebsiteID = *job.WebsiteID
	}
	return s.Broker.Publish(ctx, msg)
}

// Resolve closes an entry after operator triage.
func (s DLQService) Resolve(ctx domain.Context, entryID string) error {
	return s.DLQ.Resolve(ctx, entryID, s.Now().UTC())
}
