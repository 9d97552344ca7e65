// Package httpfetch executes crawl steps: plain HTTP fetches in
// process, browser steps forwarded to the external browser driver.
package httpfetch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/seekerhq/crawld/internal/domain"
)

// maxBodyBytes caps how much of a fetched page is read into memory.
const maxBodyBytes = 10 << 20

// Fetcher implements domain.Fetcher. Browser steps require a driver
// URL; without one they fail as resource_unavailable.
type Fetcher struct {
	client    *http.Client
	driverURL string
}

func New(timeout time.Duration, driverURL string) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		driverURL: driverURL,
	}
}

// FetchStep runs one step and returns its output for the next step's
// variable context.
func (f *Fetcher) FetchStep(ctx domain.Context, job domain.Job, step domain.JobStep, input map[string]any) (domain.StepResult, error) {
	tracer := otel.Tracer("fetcher")
	ctx, span := tracer.Start(ctx, "fetcher.FetchStep")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("step.name", step.Name),
		attribute.String("step.method", step.Method),
	)

	switch step.Method {
	case "http":
		return f.fetchHTTP(ctx, job, step)
	case "browser":
		return f.fetchBrowser(ctx, job, step, input)
	default:
		return domain.StepResult{}, &domain.CrawlError{
			Category: domain.CategoryValidationError,
			Message:  fmt.Sprintf("unknown step method %q", step.Method),
		}
	}
}

func (f *Fetcher) fetchHTTP(ctx domain.Context, job domain.Job, step domain.JobStep) (domain.StepResult, error) {
	target := step.URL
	if target == "" {
		target = job.SeedURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return domain.StepResult{}, &domain.CrawlError{
			Category: domain.CategoryValidationError,
			Message:  fmt.Sprintf("bad step url: %v", err),
			Err:      err,
		}
	}
	req.Header.Set("User-Agent", "crawld/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return domain.StepResult{}, err // classified by inspection
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.StepResult{}, &domain.CrawlError{
			Category: domain.CategoryNetwork,
			Message:  fmt.Sprintf("body read: %v", err),
			Err:      err,
		}
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return domain.StepResult{}, err
	}

	return domain.StepResult{
		Output: map[string]any{
			"status_code":  resp.StatusCode,
			"content_type": resp.Header.Get("Content-Type"),
			"body":         string(body),
			"body_length":  len(body),
			"url":          resp.Request.URL.String(),
		},
		PageInfo: map[string]any{
			"url":         resp.Request.URL.String(),
			"status_code": resp.StatusCode,
		},
	}, nil
}

// fetchBrowser forwards the step to the browser driver service.
func (f *Fetcher) fetchBrowser(ctx domain.Context, job domain.Job, step domain.JobStep, input map[string]any) (domain.StepResult, error) {
	if f.driverURL == "" {
		return domain.StepResult{}, &domain.CrawlError{
			Category: domain.CategoryResourceUnavailable,
			Message:  "browser driver not configured",
		}
	}
	payload, err := json.Marshal(map[string]any{
		"job_id":       job.ID,
		"seed_url":     job.SeedURL,
		"step":         step,
		"input":        input,
		"browser_type": step.BrowserType,
	})
	if err != nil {
		return domain.StepResult{}, fmt.Errorf("op=fetcher.browser: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.driverURL+"/v1/steps", bytes.NewReader(payload))
	if err != nil {
		return domain.StepResult{}, fmt.Errorf("op=fetcher.browser: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return domain.StepResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return domain.StepResult{}, &domain.CrawlError{
			Category:   domain.CategoryBrowserCrash,
			Message:    fmt.Sprintf("browser driver returned %d", resp.StatusCode),
			HTTPStatus: resp.StatusCode,
		}
	}
	if resp.StatusCode >= 400 {
		return domain.StepResult{}, &domain.CrawlError{
			Category:   domain.CategoryClientError,
			Message:    fmt.Sprintf("browser driver rejected step: %d", resp.StatusCode),
			HTTPStatus: resp.StatusCode,
		}
	}

	var result domain.StepResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&result); err != nil {
		return domain.StepResult{}, &domain.CrawlError{
			Category: domain.CategoryBrowserCrash,
			Message:  fmt.Sprintf("browser driver response malformed: %v", err),
			Err:      err,
		}
	}
	return result, nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return &domain.CrawlError{Category: domain.CategoryRateLimit, Message: "rate limited by target", HTTPStatus: code}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &domain.CrawlError{Category: domain.CategoryAuthError, Message: fmt.Sprintf("auth rejected: %d", code), HTTPStatus: code}
	case code == http.StatusNotFound || code == http.StatusGone:
		return &domain.CrawlError{Category: domain.CategoryNotFound, Message: fmt.Sprintf("target missing: %d", code), HTTPStatus: code}
	case code >= 500:
		return &domain.CrawlError{Category: domain.CategoryServerError, Message: fmt.Sprintf("target server error: %d", code), HTTPStatus: code}
	case code >= 400:
		return &domain.CrawlError{Category: domain.CategoryClientError, Message: fmt.Sprintf("target client error: %d", code), HTTPStatus: code}
	}
	return nil
}
