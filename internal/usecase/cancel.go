package usecase

import (
	"github.com/seekerhq/crawld/internal/domain"
	"github.com/seekerhq/crawld/internal/service/cancel"
)

// CancelService exposes job cancellation to the API layer.
type CancelService struct {
	Coordinator *cancel.Coordinator
}

func NewCancelService(c *cancel.Coordinator) CancelService { return CancelService{Coordinator: c} }

// Cancel requests cancellation and returns the job's state after the
// request: cancelled for pending jobs, still running (flagged) for jobs
// a worker must wind down.
func (s CancelService) Cancel(ctx domain.Context, jobID, by, reason string) (domain.Job, error) {
	if by == "" {
		by = "api"
	}
	return s.Coordinator.Cancel(ctx, jobID, by, reason)
}
