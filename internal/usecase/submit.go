// Package usecase wires domain rules to ports: job submission and
// queries, website and schedule administration, cancellation, retry
// decisions, and DLQ workflows.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/seekerhq/crawld/internal/domain"
)

// SubmitRequest is a validated-on-entry job submission.
type SubmitRequest struct {
	SeedURL      string
	WebsiteRef   string // id or unique name; empty for inline jobs
	InlineConfig *domain.InlineConfig
	Variables    map[string]any
	Priority     int
	Type         domain.JobType
	Force        bool // bypass the recent-URL dedup window
}

// SubmitService validates submissions, persists the job row, and
// enqueues it. The queue publish is the commit point: a rejected
// publish fails the row so no orphaned pending job remains.
type SubmitService struct {
	Jobs     domain.JobRepository
	Websites domain.WebsiteRepository
	Broker   domain.Broker
	Dedup    domain.URLDedup
}

func NewSubmitService(jobs domain.JobRepository, websites domain.WebsiteRepository, broker domain.Broker, dedup domain.URLDedup) SubmitService {
	return SubmitService{Jobs: jobs, Websites: websites, Broker: broker, Dedup: dedup}
}

// Submit validates the request, creates the pending job row, and
// publishes it. Returns the job id.
func (s SubmitService) Submit(ctx domain.Context, req SubmitRequest) (string, error) {
	if err := validateSeedURL(req.SeedURL); err != nil {
		return "", err
	}
	if req.Type == "" {
		req.Type = domain.JobTypeOneTime
	}

	job := domain.Job{
		SeedURL:   req.SeedURL,
		Variables: req.Variables,
		Priority:  req.Priority,
		Type:      req.Type,
		Status:    domain.JobPending,
	}

	switch {
	case req.WebsiteRef != "" && req.InlineConfig == nil:
		site, err := s.resolveWebsite(ctx, req.WebsiteRef)
		if err != nil {
			return "", err
		}
		if site.Status != domain.WebsiteActive {
			return "", fmt.Errorf("%w: website %s", domain.ErrWebsiteInactive, site.Name)
		}
		job.WebsiteID = &site.ID
		job.MaxRetries = site.MaxRetriesFromConfig(3)
	case req.WebsiteRef == "" && req.InlineConfig != nil:
		if err := validateInlineConfig(req.InlineConfig); err != nil {
			return "", err
		}
		job.InlineConfig = req.InlineConfig
		job.MaxRetries = inlineMaxRetries(req.InlineConfig, 3)
	default:
		return "", fmt.Errorf("%w: exactly one of website_ref and inline_config must be set", domain.ErrInvalidArgument)
	}

	if err := job.Validate(); err != nil {
		return "", err
	}

	if s.Dedup != nil && !req.Force {
		seen, err := s.Dedup.Seen(ctx, req.SeedURL)
		if err != nil {
			slog.Warn("url dedup check failed", slog.Any("error", err))
		} else if seen {
			return "", fmt.Errorf("%w: url was crawled recently, pass force to override", domain.ErrConflict)
		}
	}

	id, err := s.Jobs.Create(ctx, job)
	if err != nil {
		return "", err
	}

	msg := domain.JobMessage{
		JobID:           id,
		SeedURL:         job.SeedURL,
		JobType:         job.Type,
		Priority:        job.Priority,
		HasInlineConfig: job.InlineConfig != nil,
	}
	if job.WebsiteID != nil {
		msg.WebsiteID = *job.WebsiteID
	}
	if err := s.Broker.Publish(ctx, msg); err != nil {
		// Fail the row so it does not linger as pending forever.
		if uerr := s.Jobs.UpdateStatus(ctx, id, domain.JobFailed, domain.JobPending); uerr != nil {
			slog.Error("failed to mark unpublished job", slog.String("job_id", id), slog.Any("error", uerr))
		}
		return "", err
	}
	slog.Info("job submitted",
		slog.String("job_id", id),
		slog.String("job_type", string(job.Type)),
		slog.Int("priority", job.Priority))
	return id, nil
}

func (s SubmitService) resolveWebsite(ctx domain.Context, ref string) (domain.Website, error) {
	site, err := s.Websites.Get(ctx, ref)
	if err == nil {
		return site, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Website{}, err
	}
	return s.Websites.GetByName(ctx, ref)
}

func validateSeedURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: seed_url is required", domain.ErrInvalidArgument)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: seed_url is not a valid URL", domain.ErrInvalidArgument)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: seed_url scheme must be http or https", domain.ErrInvalidArgument)
	}
	return nil
}

func validateInlineConfig(cfg *domain.InlineConfig) error {
	if len(cfg.Steps) == 0 {
		return fmt.Errorf("%w: inline_config requires at least one step", domain.ErrInvalidArgument)
	}
	names := make(map[string]struct{}, len(cfg.Steps))
	for i, step := range cfg.Steps {
		if step.Name == "" {
			return fmt.Errorf("%w: step %d has no name", domain.ErrInvalidArgument, i)
		}
		if _, dup := names[step.Name]; dup {
			return fmt.Errorf("%w: duplicate step name %q", domain.ErrInvalidArgument, step.Name)
		}
		names[step.Name] = struct{}{}
		switch step.Method {
		case "http":
		case "browser":
			if step.BrowserType == "" {
				return fmt.Errorf("%w: step %q uses method browser without browser_type", domain.ErrInvalidArgument, step.Name)
			}
		default:
			return fmt.Errorf("%w: step %q has unknown method %q", domain.ErrInvalidArgument, step.Name, step.Method)
		}
	}
	return nil
}

func inlineMaxRetries(cfg *domain.InlineConfig, def int) int {
	w := domain.Website{Config: map[string]any{"global": cfg.Global}}
	if cfg.Global == nil {
		return def
	}
	return w.MaxRetriesFromConfig(def)
}
