package usecase

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/seekerhq/crawld/internal/domain"
	"github.com/seekerhq/crawld/internal/service/scheduler"
)

// WebsiteService manages crawl templates and their config audit trail.
type WebsiteService struct {
	Websites domain.WebsiteRepository
	History  domain.ConfigHistoryRepository
}

func NewWebsiteService(websites domain.WebsiteRepository, history domain.ConfigHistoryRepository) WebsiteService {
	return WebsiteService{Websites: websites, History: history}
}

// Create validates and stores a new website. Name collisions surface as
// ErrConflict from the repository's unique constraint.
func (s WebsiteService) Create(ctx domain.Context, w domain.Website) (string, error) {
	if err := validateWebsite(w); err != nil {
		return "", err
	}
	if w.Status == "" {
		w.Status = domain.WebsiteActive
	}
	id, err := s.Websites.Create(ctx, w)
	if err != nil {
		return "", err
	}
	slog.Info("website created", slog.String("website_id", id), slog.String("name", w.Name))
	return id, nil
}

func (s WebsiteService) Get(ctx domain.Context, id string) (domain.Website, error) {
	return s.Websites.Get(ctx, id)
}

func (s WebsiteService) List(ctx domain.Context, limit, offset int) ([]domain.Website, error) {
	return s.Websites.List(ctx, limit, offset)
}

// Update validates and applies changes, appending a config_history row
// when the config map changed. changedBy identifies the operator for
// the audit trail.
func (s WebsiteService) Update(ctx domain.Context, w domain.Website, changedBy string) error {
	if err := validateWebsite(w); err != nil {
		return err
	}
	prev, err := s.Websites.Get(ctx, w.ID)
	if err != nil {
		return err
	}
	if err := s.Websites.Update(ctx, w); err != nil {
		return err
	}
	if !configEqual(prev.Config, w.Config) {
		if _, err := s.History.Append(ctx, domain.ConfigChange{
			WebsiteID: w.ID,
			ChangedBy: changedBy,
			OldConfig: prev.Config,
			NewConfig: w.Config,
			ChangedAt: time.Now().UTC(),
		}); err != nil {
			slog.Error("config history append failed", slog.String("website_id", w.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (s WebsiteService) Delete(ctx domain.Context, id string) error {
	return s.Websites.Delete(ctx, id)
}

// ConfigHistory returns a website's config changes, newest first.
func (s WebsiteService) ConfigHistory(ctx domain.Context, websiteID string, limit int) ([]domain.ConfigChange, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.History.ListByWebsite(ctx, websiteID, limit)
}

func validateWebsite(w domain.Website) error {
	if w.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidArgument)
	}
	u, err := url.Parse(w.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: base_url must be a valid http(s) URL", domain.ErrInvalidArgument)
	}
	switch w.Status {
	case "", domain.WebsiteActive, domain.WebsiteInactive:
	default:
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, w.Status)
	}
	if w.DefaultCron != "" {
		if _, err := scheduler.ParseCron(w.DefaultCron); err != nil {
			return fmt.Errorf("%w: default_cron: %v", domain.ErrInvalidArgument, err)
		}
	}
	return nil
}

// configEqual is change detection for the audit trail, not a canonical
// deep-equal; map printing is deterministic since Go 1.12.
func configEqual(a, b map[string]any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
