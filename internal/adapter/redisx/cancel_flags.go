package redisx

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seekerhq/crawld/internal/domain"
)

// cancelFlagTTL bounds flag lifetime; a worker that never observes the
// flag (job already gone) must not leak keys forever.
const cancelFlagTTL = 24 * time.Hour

// CancelFlags implements domain.CancelFlags with one Redis key per
// cancelled job. Workers poll IsSet at every suspension point.
type CancelFlags struct {
	client *redis.Client
}

func NewCancelFlags(client *redis.Client) *CancelFlags {
	return &CancelFlags{client: client}
}

func cancelKey(jobID string) string { return "crawld:cancel:" + jobID }

func (f *CancelFlags) Set(ctx domain.Context, jobID string) error {
	if err := f.client.Set(ctx, cancelKey(jobID), "1", cancelFlagTTL).Err(); err != nil {
		return fmt.Errorf("op=cancel_flags.set: job_id=%s: %w", jobID, err)
	}
	return nil
}

func (f *CancelFlags) IsSet(ctx domain.Context, jobID string) (bool, error) {
	n, err := f.client.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=cancel_flags.is_set: job_id=%s: %w", jobID, err)
	}
	return n > 0, nil
}

func (f *CancelFlags) Clear(ctx domain.Context, jobID string) error {
	if err := f.client.Del(ctx, cancelKey(jobID)).Err(); err != nil {
		return fmt.Errorf("op=cancel_flags.clear: job_id=%s: %w", jobID, err)
	}
	return nil
}
