package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerhq/crawld/internal/domain"
	"github.com/seekerhq/crawld/internal/service/cancel"
	"github.com/seekerhq/crawld/internal/service/logstream"
)

type fakeDelivery struct {
	jobID string
	acked bool
	naked bool
}

func (d *fakeDelivery) JobID() string              { return d.jobID }
func (d *fakeDelivery) Payload() domain.JobMessage { return domain.JobMessage{JobID: d.jobID} }
func (d *fakeDelivery) Ack() error                 { d.acked = true; return nil }
func (d *fakeDelivery) Nak() error                 { d.naked = true; return nil }

type memFlags struct{ set map[string]bool }

func (f *memFlags) Set(_ context.Context, id string) error {
	if f.set == nil {
		f.set = map[string]bool{}
	}
	f.set[id] = true
	return nil
}
func (f *memFlags) IsSet(_ context.Context, id string) (bool, error) { return f.set[id], nil }
func (f *memFlags) Clear(_ context.Context, id string) error {
	delete(f.set, id)
	return nil
}

type stubFetcher struct {
	fetch func(ctx domain.Context, job domain.Job, step domain.JobStep, input map[string]any) (domain.StepResult, error)
	calls int
}

func (f *stubFetcher) FetchStep(ctx domain.Context, job domain.Job, step domain.JobStep, input map[string]any) (domain.StepResult, error) {
	f.calls++
	return f.fetch(ctx, job, step, input)
}

type memLogRepo struct{ recs []domain.LogRecord }

func (r *memLogRepo) Insert(_ context.Context, rec domain.LogRecord) error {
	r.recs = append(r.recs, rec)
	return nil
}
func (r *memLogRepo) ListAfterID(context.Context, string, string, int) ([]domain.LogRecord, error) {
	return nil, nil
}
func (r *memLogRepo) ListRecent(context.Context, string, int) ([]domain.LogRecord, error) {
	return nil, nil
}
func (r *memLogRepo) ListAfterTime(context.Context, string, time.Time, int) ([]domain.LogRecord, error) {
	return nil, nil
}

type nopSub struct{ ch chan domain.LogRecord }

func (s nopSub) C() <-chan domain.LogRecord { return s.ch }
func (s nopSub) Unsubscribe() error         { return nil }

type nopLogBus struct{}

func (nopLogBus) Publish(context.Context, domain.LogRecord) error { return nil }
func (nopLogBus) Subscribe(context.Context, string) (domain.LogSubscription, error) {
	return nopSub{ch: make(chan domain.LogRecord)}, nil
}
func (nopLogBus) SubscribeAll(context.Context) (domain.LogSubscription, error) {
	return nopSub{ch: make(chan domain.LogRecord)}, nil
}
func (nopLogBus) Healthy() bool { return true }

type execEnv struct {
	jobs      *memJobRepo
	flags     *memFlags
	resources *cancel.ResourceCoordinator
	coord     *cancel.Coordinator
	fetcher   *stubFetcher
	svc       ExecuteService
}

func newExecEnv(fetch func(ctx domain.Context, job domain.Job, step domain.JobStep, input map[string]any) (domain.StepResult, error)) *execEnv {
	jobs := newMemJobRepo()
	flags := &memFlags{}
	resources := cancel.NewResourceCoordinator(100 * time.Millisecond)
	coord := cancel.NewCoordinator(jobs, flags, &memBroker{}, resources)
	fetcher := &stubFetcher{fetch: fetch}
	failures := NewFailureHandler(jobs, &memPolicyRepo{}, &memHistoryRepo{}, newMemDLQRepo(), newMemSchedule())
	ing := logstream.NewIngestor(&memLogRepo{}, nil, nopLogBus{})
	svc := NewExecuteService(jobs, newMemWebsiteRepo(), fetcher, coord, resources, failures, ing)
	return &execEnv{jobs: jobs, flags: flags, resources: resources, coord: coord, fetcher: fetcher, svc: svc}
}

func inlineJob(jobs *memJobRepo, steps int) domain.Job {
	cfg := &domain.InlineConfig{}
	for i := 0; i < steps; i++ {
		cfg.Steps = append(cfg.Steps, domain.JobStep{
			Name:   fmt.Sprintf("step-%d", i+1),
			Method: "http",
			URL:    "https://acme.example/p",
		})
	}
	job := domain.Job{
		SeedURL:      "https://acme.example",
		InlineConfig: cfg,
		Status:       domain.JobPending,
		MaxRetries:   3,
	}
	id, _ := jobs.Create(context.Background(), job)
	job.ID = id
	return job
}

func TestHandleRegistersAndReleasesResources(t *testing.T) {
	var env *execEnv
	var activeDuringFetch int
	env = newExecEnv(func(_ domain.Context, job domain.Job, _ domain.JobStep, _ map[string]any) (domain.StepResult, error) {
		activeDuringFetch = env.resources.Active(job.ID)
		return domain.StepResult{Output: map[string]any{"ok": true}}, nil
	})
	job := inlineJob(env.jobs, 2)
	d := &fakeDelivery{jobID: job.ID}

	env.svc.Handle(context.Background(), d)

	assert.True(t, d.acked)
	assert.Equal(t, 2, env.fetcher.calls)
	assert.Equal(t, domain.JobCompleted, env.jobs.jobs[job.ID].Status)
	// The fetch handle was live while steps ran and detached afterwards.
	assert.Equal(t, 1, activeDuringFetch)
	assert.Zero(t, env.resources.Active(job.ID))
}

func TestHandleReleasesResourcesOnFailure(t *testing.T) {
	var env *execEnv
	env = newExecEnv(func(domain.Context, domain.Job, domain.JobStep, map[string]any) (domain.StepResult, error) {
		return domain.StepResult{}, &domain.CrawlError{Category: domain.CategoryNetwork, Message: "reset"}
	})
	job := inlineJob(env.jobs, 1)
	d := &fakeDelivery{jobID: job.ID}

	env.svc.Handle(context.Background(), d)

	assert.True(t, d.acked)
	// Failure handling requeued for retry; the fetch handle is gone.
	assert.Equal(t, []string{job.ID}, env.jobs.requeued)
	assert.Zero(t, env.resources.Active(job.ID))
	report := env.resources.Cleanup(context.Background(), job.ID)
	assert.Empty(t, report.Results, "no registration may survive a handled failure")
}

func TestHandleCancelMidRunCleansUp(t *testing.T) {
	var env *execEnv
	env = newExecEnv(func(ctx domain.Context, job domain.Job, _ domain.JobStep, _ map[string]any) (domain.StepResult, error) {
		// Cancellation lands while the first step is fetching.
		require.NoError(t, env.flags.Set(ctx, job.ID))
		return domain.StepResult{Output: map[string]any{}}, nil
	})
	job := inlineJob(env.jobs, 3)
	d := &fakeDelivery{jobID: job.ID}

	env.svc.Handle(context.Background(), d)

	assert.True(t, d.acked)
	// Stopped at the suspension point before step two.
	assert.Equal(t, 1, env.fetcher.calls)
	assert.Equal(t, domain.JobCancelled, env.jobs.jobs[job.ID].Status)
	assert.Zero(t, env.resources.Active(job.ID))
	assert.False(t, env.flags.set[job.ID], "flag cleared after finalize")
	report := env.resources.Cleanup(context.Background(), job.ID)
	assert.Empty(t, report.Results, "finalize must tear down the fetch handle")
}

func TestHandleCancelledBeforeStartSkipsSteps(t *testing.T) {
	var env *execEnv
	env = newExecEnv(func(domain.Context, domain.Job, domain.JobStep, map[string]any) (domain.StepResult, error) {
		return domain.StepResult{}, errors.New("must not fetch")
	})
	job := inlineJob(env.jobs, 1)
	require.NoError(t, env.flags.Set(context.Background(), job.ID))
	d := &fakeDelivery{jobID: job.ID}

	env.svc.Handle(context.Background(), d)

	assert.True(t, d.acked)
	assert.Zero(t, env.fetcher.calls)
	assert.Equal(t, domain.JobCancelled, env.jobs.jobs[job.ID].Status)
}

func TestHandleUnknownJobAcks(t *testing.T) {
	env := newExecEnv(func(domain.Context, domain.Job, domain.JobStep, map[string]any) (domain.StepResult, error) {
		return domain.StepResult{}, nil
	})
	d := &fakeDelivery{jobID: "missing"}
	env.svc.Handle(context.Background(), d)
	assert.True(t, d.acked)
	assert.False(t, d.naked)
}
