package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerhq/crawld/internal/domain"
)

func activeSite() domain.Website {
	return domain.Website{
		ID:      "site-1",
		Name:    "acme",
		BaseURL: "https://acme.example",
		Status:  domain.WebsiteActive,
	}
}

func inlineConfig() *domain.InlineConfig {
	return &domain.InlineConfig{
		Steps: []domain.JobStep{{Name: "fetch", Method: "http"}},
	}
}

func newSubmit(sites ...domain.Website) (SubmitService, *memJobRepo, *memBroker) {
	jobs := newMemJobRepo()
	broker := &memBroker{}
	svc := NewSubmitService(jobs, newMemWebsiteRepo(sites...), broker, &memDedup{})
	return svc, jobs, broker
}

func TestSubmitWithWebsiteTemplate(t *testing.T) {
	svc, jobs, broker := newSubmit(activeSite())

	id, err := svc.Submit(context.Background(), SubmitRequest{
		SeedURL:    "https://acme.example/start",
		WebsiteRef: "site-1",
		Priority:   3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job := jobs.jobs[id]
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, domain.JobTypeOneTime, job.Type)
	require.NotNil(t, job.WebsiteID)
	assert.Equal(t, "site-1", *job.WebsiteID)
	assert.Equal(t, 3, job.MaxRetries)

	require.Len(t, broker.published, 1)
	assert.Equal(t, id, broker.published[0].JobID)
	assert.Equal(t, "site-1", broker.published[0].WebsiteID)
	assert.False(t, broker.published[0].HasInlineConfig)
}

func TestSubmitResolvesWebsiteByName(t *testing.T) {
	svc, jobs, _ := newSubmit(activeSite())

	id, err := svc.Submit(context.Background(), SubmitRequest{
		SeedURL:    "https://acme.example/start",
		WebsiteRef: "acme",
	})
	require.NoError(t, err)
	require.NotNil(t, jobs.jobs[id].WebsiteID)
	assert.Equal(t, "site-1", *jobs.jobs[id].WebsiteID)
}

func TestSubmitInactiveWebsite(t *testing.T) {
	site := activeSite()
	site.Status = domain.WebsiteInactive
	svc, _, broker := newSubmit(site)

	_, err := svc.Submit(context.Background(), SubmitRequest{
		SeedURL:    "https://acme.example/start",
		WebsiteRef: "site-1",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrWebsiteInactive))
	assert.Empty(t, broker.published)
}

func TestSubmitUnknownWebsite(t *testing.T) {
	svc, _, _ := newSubmit()
	_, err := svc.Submit(context.Background(), SubmitRequest{
		SeedURL:    "https://acme.example/start",
		WebsiteRef: "nope",
	})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSubmitWithInlineConfig(t *testing.T) {
	svc, jobs, broker := newSubmit()

	id, err := svc.Submit(context.Background(), SubmitRequest{
		SeedURL:      "https://other.example/",
		InlineConfig: inlineConfig(),
	})
	require.NoError(t, err)
	job := jobs.jobs[id]
	assert.Nil(t, job.WebsiteID)
	require.NotNil(t, job.InlineConfig)
	require.Len(t, broker.published, 1)
	assert.True(t, broker.published[0].HasInlineConfig)
}

func TestSubmitXORViolations(t *testing.T) {
	svc, _, _ := newSubmit(activeSite())

	_, err := svc.Submit(context.Background(), SubmitRequest{SeedURL: "https://a.example/"})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument), "neither set")

	_, err = svc.Submit(context.Background(), SubmitRequest{
		SeedURL:      "https://a.example/",
		WebsiteRef:   "site-1",
		InlineConfig: inlineConfig(),
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument), "both set")
}

func TestSubmitSeedURLValidation(t *testing.T) {
	svc, _, _ := newSubmit(activeSite())
	for _, bad := range []string{"", "not a url", "ftp://host/file", "http://"} {
		_, err := svc.Submit(context.Background(), SubmitRequest{
			SeedURL:    bad,
			WebsiteRef: "site-1",
		})
		require.Error(t, err, bad)
		assert.True(t, errors.Is(err, domain.ErrInvalidArgument), bad)
	}
}

func TestSubmitInlineConfigValidation(t *testing.T) {
	svc, _, _ := newSubmit()
	cases := map[string]*domain.InlineConfig{
		"no steps":       {Steps: nil},
		"unnamed step":   {Steps: []domain.JobStep{{Method: "http"}}},
		"duplicate name": {Steps: []domain.JobStep{{Name: "a", Method: "http"}, {Name: "a", Method: "http"}}},
		"bad method":     {Steps: []domain.JobStep{{Name: "a", Method: "carrier-pigeon"}}},
		"browser without type": {
			Steps: []domain.JobStep{{Name: "a", Method: "browser"}},
		},
	}
	for name, cfg := range cases {
		_, err := svc.Submit(context.Background(), SubmitRequest{
			SeedURL:      "https://a.example/",
			InlineConfig: cfg,
		})
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, domain.ErrInvalidArgument), name)
	}
}

func TestSubmitDedupWindow(t *testing.T) {
	svc, _, broker := newSubmit(activeSite())
	req := SubmitRequest{SeedURL: "https://acme.example/start", WebsiteRef: "site-1"}

	_, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
	assert.Len(t, broker.published, 1)

	// force bypasses the window.
	req.Force = true
	_, err = svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, broker.published, 2)
}

func TestSubmitQueueFullFailsRow(t *testing.T) {
	jobs := newMemJobRepo()
	broker := &memBroker{pubErr: domain.ErrQueueFull}
	svc := NewSubmitService(jobs, newMemWebsiteRepo(activeSite()), broker, &memDedup{})

	_, err := svc.Submit(context.Background(), SubmitRequest{
		SeedURL:    "https://acme.example/start",
		WebsiteRef: "site-1",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrQueueFull))

	// The row must not linger pending.
	require.Len(t, jobs.jobs, 1)
	for _, j := range jobs.jobs {
		assert.Equal(t, domain.JobFailed, j.Status)
	}
}

func TestSubmitUsesWebsiteRetryConfig(t *testing.T) {
	site := activeSite()
	site.Config = map[string]any{
		"global": map[string]any{"retry": map[string]any{"max_attempts": 8}},
	}
	svc, jobs, _ := newSubmit(site)

	id, err := svc.Submit(context.Background(), SubmitRequest{
		SeedURL:    "https://acme.example/start",
		WebsiteRef: "site-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 8, jobs.jobs[id].MaxRetries)
}
