package redisx

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seekerhq/crawld/internal/domain"
)

const retryScheduleKey = "crawld:retry:schedule"

// popDueScript atomically reads and removes up to ARGV[2] members with
// score <= ARGV[1], in ascending score order. Atomicity means two
// concurrent pollers never double-publish the same job.
var popDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #due > 0 then
  redis.call('ZREM', KEYS[1], unpack(due))
end
return due
`)

// RetrySchedule implements domain.RetrySchedule over a Redis sorted set
// scored by unix seconds of the retry-due instant.
type RetrySchedule struct {
	client *redis.Client
}

func NewRetrySchedule(client *redis.Client) *RetrySchedule {
	return &RetrySchedule{client: client}
}

// Schedule records that jobID becomes due at the given instant.
// Re-scheduling an already present job overwrites its score.
func (s *RetrySchedule) Schedule(ctx domain.Context, jobID string, at time.Time) error {
	err := s.client.ZAdd(ctx, retryScheduleKey, redis.Z{
		Score:  float64(at.Unix()),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("op=retry_schedule.schedule: job_id=%s: %w", jobID, err)
	}
	return nil
}

// PopDue atomically removes and returns up to batch job ids whose due
// instant is <= now, earliest first.
func (s *RetrySchedule) PopDue(ctx domain.Context, now time.Time, batch int) ([]string, error) {
	res, err := popDueScript.Run(ctx, s.client, []string{retryScheduleKey}, now.Unix(), batch).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("op=retry_schedule.pop_due: %w", err)
	}
	return res, nil
}

// Remove drops a pending retry, e.g. when the job is cancelled while
// waiting.
func (s *RetrySchedule) Remove(ctx domain.Context, jobID string) error {
	if err := s.client.ZRem(ctx, retryScheduleKey, jobID).Err(); err != nil {
		return fmt.Errorf("op=retry_schedule.remove: job_id=%s: %w", jobID, err)
	}
	return nil
}

// Len returns the number of jobs awaiting retry.
func (s *RetrySchedule) Len(ctx domain.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, retryScheduleKey).Result()
	if err != nil {
		return 0, fmt.Errorf("op=retry_schedule.len: %w", err)
	}
	return n, nil
}
