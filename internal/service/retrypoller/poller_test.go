package retrypoller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerhq/crawld/internal/domain"
)

type fakeSchedule struct {
	due         []string
	rescheduled map[string]time.Time
}

func (s *fakeSchedule) Schedule(_ context.Context, jobID string, at time.Time) error {
	if s.rescheduled == nil {
		s.rescheduled = map[string]time.Time{}
	}
	s.rescheduled[jobID] = at
	return nil
}
func (s *fakeSchedule) PopDue(_ context.Context, _ time.Time, batch int) ([]string, error) {
	n := len(s.due)
	if batch < n {
		n = batch
	}
	out := s.due[:n]
	s.due = s.due[n:]
	return out, nil
}
func (s *fakeSchedule) Remove(context.Context, string) error { return nil }
func (s *fakeSchedule) Len(context.Context) (int64, error)   { return int64(len(s.due)), nil }

type fakeJobs struct {
	jobs map[string]domain.Job
}

func (f *fakeJobs) Create(context.Context, domain.Job) (string, error) { return "", nil }
func (f *fakeJobs) Get(_ context.Context, id string) (domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}
func (f *fakeJobs) List(context.Context, domain.JobStatus, int, int) ([]domain.Job, error) {
	return nil, nil
}
func (f *fakeJobs) UpdateStatus(context.Context, string, domain.JobStatus, ...domain.JobStatus) error {
	return nil
}
func (f *fakeJobs) MarkRunning(context.Context, string, time.Time) error   { return nil }
func (f *fakeJobs) MarkCompleted(context.Context, string, time.Time) error { return nil }
func (f *fakeJobs) MarkCancelled(context.Context, string, time.Time, string, string) error {
	return nil
}
func (f *fakeJobs) RequeueForRetry(context.Context, string) error { return nil }
func (f *fakeJobs) SweepStuck(context.Context, time.Time) ([]string, error) {
	return nil, nil
}

type fakeBroker struct {
	published []domain.JobMessage
	pubErr    error
}

func (b *fakeBroker) Publish(_ context.Context, msg domain.JobMessage) error {
	if b.pubErr != nil {
		return b.pubErr
	}
	b.published = append(b.published, msg)
	return nil
}
func (b *fakeBroker) Consume(context.Context, func(domain.Context, domain.Delivery)) error {
	return nil
}
func (b *fakeBroker) Remove(context.Context, string) error  { return nil }
func (b *fakeBroker) Depth(context.Context) (uint64, error) { return 0, nil }
func (b *fakeBroker) ConsumerStats(context.Context) (domain.BrokerStats, error) {
	return domain.BrokerStats{}, nil
}

func pendingJob(id string) domain.Job {
	site := "site-1"
	return domain.Job{
		ID:        id,
		SeedURL:   "https://acme.example/start",
		WebsiteID: &site,
		Status:    domain.JobPending,
		Priority:  4,
		Type:      domain.JobTypeOneTime,
	}
}

func TestTickRepublishesDueJobs(t *testing.T) {
	schedule := &fakeSchedule{due: []string{"j1", "j2"}}
	jobs := &fakeJobs{jobs: map[string]domain.Job{
		"j1": pendingJob("j1"),
		"j2": pendingJob("j2"),
	}}
	broker := &fakeBroker{}

	p := New(schedule, jobs, broker, time.Second, 10)
	p.now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	p.Tick(context.Background())

	require.Len(t, broker.published, 2)
	assert.Equal(t, "j1", broker.published[0].JobID)
	assert.Equal(t, "site-1", broker.published[0].WebsiteID)
	assert.Equal(t, 4, broker.published[0].Priority)
	assert.Empty(t, schedule.rescheduled)
}

func TestTickDropsTerminalJobs(t *testing.T) {
	cancelled := pendingJob("j1")
	cancelled.Status = domain.JobCancelled
	schedule := &fakeSchedule{due: []string{"j1"}}
	broker := &fakeBroker{}

	p := New(schedule, &fakeJobs{jobs: map[string]domain.Job{"j1": cancelled}}, broker, time.Second, 10)
	p.Tick(context.Background())

	assert.Empty(t, broker.published)
	assert.Empty(t, schedule.rescheduled, "terminal jobs are dropped, not rescheduled")
}

func TestTickReschedulesOnPublishFailure(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	schedule := &fakeSchedule{due: []string{"j1"}}
	broker := &fakeBroker{pubErr: errors.New("nats unavailable")}

	p := New(schedule, &fakeJobs{jobs: map[string]domain.Job{"j1": pendingJob("j1")}}, broker, time.Second, 10)
	p.now = func() time.Time { return now }
	p.Tick(context.Background())

	// The id goes back with an immediate score so the next tick retries.
	due, ok := schedule.rescheduled["j1"]
	require.True(t, ok)
	assert.Equal(t, now, due)
}

func TestTickReschedulesOnMissingJob(t *testing.T) {
	schedule := &fakeSchedule{due: []string{"ghost"}}
	p := New(schedule, &fakeJobs{jobs: map[string]domain.Job{}}, &fakeBroker{}, time.Second, 10)
	p.now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	p.Tick(context.Background())

	_, ok := schedule.rescheduled["ghost"]
	assert.True(t, ok)
}

func TestTickHonorsBatchLimit(t *testing.T) {
	schedule := &fakeSchedule{due: []string{"j1", "j2", "j3"}}
	jobs := &fakeJobs{jobs: map[string]domain.Job{
		"j1": pendingJob("j1"),
		"j2": pendingJob("j2"),
		"j3": pendingJob("j3"),
	}}
	broker := &fakeBroker{}

	p := New(schedule, jobs, broker, time.Second, 2)
	p.Tick(context.Background())
	assert.Len(t, broker.published, 2)

	p.Tick(context.Background())
	assert.Len(t, broker.published, 3)
}
