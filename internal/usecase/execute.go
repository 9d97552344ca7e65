package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seekerhq/crawld/internal/domain"
	"github.com/seekerhq/crawld/internal/service/cancel"
	"github.com/seekerhq/crawld/internal/service/logstream"
	"github.com/seekerhq/crawld/internal/service/variables"
)

// ExecuteService is the worker-side job pipeline: it handles one broker
// delivery end to end. Cancellation is checked at every suspension
// point (before each step); failures route through the retry decision
// engine.
type ExecuteService struct {
	Jobs      domain.JobRepository
	Websites  domain.WebsiteRepository
	Fetcher   domain.Fetcher
	Cancel    *cancel.Coordinator
	Resources *cancel.ResourceCoordinator
	Failures  FailureHandler
	Logs      *logstream.Ingestor
	Now       func() time.Time
}

func NewExecuteService(jobs domain.JobRepository, websites domain.WebsiteRepository, fetcher domain.Fetcher, cancelc *cancel.Coordinator, resources *cancel.ResourceCoordinator, failures FailureHandler, logs *logstream.Ingestor) ExecuteService {
	return ExecuteService{
		Jobs:      jobs,
		Websites:  websites,
		Fetcher:   fetcher,
		Cancel:    cancelc,
		Resources: resources,
		Failures:  failures,
		Logs:      logs,
		Now:       time.Now,
	}
}

// Handle processes one delivery. It always acks except on
// infrastructure errors loading the job, where a nak lets the broker
// redeliver.
func (s ExecuteService) Handle(ctx domain.Context, d domain.Delivery) {
	jobID := d.JobID()
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("delivery for unknown job, dropping", slog.String("job_id", jobID))
			_ = d.Ack()
			return
		}
		slog.Error("job load failed, requesting redelivery", slog.String("job_id", jobID), slog.Any("error", err))
		_ = d.Nak()
		return
	}

	if job.Status.Terminal() {
		// Cancelled or resolved between publish and consume.
		_ = d.Ack()
		return
	}
	if s.Cancel.ShouldStop(ctx, jobID) {
		if _, err := s.Cancel.Finalize(ctx, jobID, "worker", "cancelled before start"); err != nil {
			slog.Error("cancel finalize failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
		_ = d.Ack()
		return
	}

	if err := s.Jobs.MarkRunning(ctx, jobID, s.Now().UTC()); err != nil {
		// Lost the claim to another worker or a concurrent cancel.
		slog.Info("job claim lost", slog.String("job_id", jobID), slog.Any("error", err))
		_ = d.Ack()
		return
	}
	job.Status = domain.JobRunning

	// The job's fetch activity is registered as a cancellable resource:
	// a cancel mid-run drains or force-aborts in-flight fetches through
	// the coordinator's cleanup.
	stepCtx, stopFetches := context.WithCancel(ctx)
	defer stopFetches()
	res := cancel.NewHTTPResource("http_fetch", stopFetches)
	s.Resources.Register(jobID, res)

	if err := s.runSteps(stepCtx, job, res); err != nil {
		if errors.Is(err, errCancelled) {
			// Finalize cleans up the registration, closing res.
			if _, ferr := s.Cancel.Finalize(ctx, jobID, "worker", "cancel flag observed"); ferr != nil {
				slog.Error("cancel finalize failed", slog.String("job_id", jobID), slog.Any("error", ferr))
			}
		} else {
			s.Resources.Release(jobID)
			if _, herr := s.Failures.HandleFailure(ctx, job, err); herr != nil {
				slog.Error("failure handling failed", slog.String("job_id", jobID), slog.Any("error", herr))
			}
		}
		_ = d.Ack()
		return
	}
	s.Resources.Release(jobID)

	if err := s.Jobs.MarkCompleted(ctx, jobID, s.Now().UTC()); err != nil {
		slog.Error("completion update failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
	s.log(ctx, job, "", domain.LogInfo, "job completed", nil)
	_ = d.Ack()
}

var errCancelled = errors.New("job cancelled")

// runSteps resolves the job's plan and executes it step by step,
// threading each step's output into the next step's variable context.
func (s ExecuteService) runSteps(ctx domain.Context, job domain.Job, res *cancel.HTTPResource) error {
	steps, globalCfg, err := s.resolvePlan(ctx, job)
	if err != nil {
		return err
	}
	envValues := envFromGlobal(globalCfg)

	input := map[string]any{}
	for _, step := range steps {
		if s.Cancel.ShouldStop(ctx, job.ID) {
			s.log(ctx, job, step.Name, domain.LogWarning, "cancellation observed, stopping", nil)
			return errCancelled
		}
		s.log(ctx, job, step.Name, domain.LogInfo, "step started", nil)

		engine := variables.ForJob(job, envValues, input, nil, variables.Coerce())
		resolvedCfg, err := engine.SubstituteStructure(step.Config)
		if err != nil {
			return &domain.CrawlError{
				Category: domain.CategoryValidationError,
				Message:  fmt.Sprintf("step %s: %v", step.Name, err),
				Err:      err,
			}
		}
		resolved := step
		resolved.Config, _ = resolvedCfg.(map[string]any)
		if resolved.URL != "" {
			if resolved.URL, err = engine.Substitute(step.URL); err != nil {
				return &domain.CrawlError{
					Category: domain.CategoryValidationError,
					Message:  fmt.Sprintf("step %s url: %v", step.Name, err),
					Err:      err,
				}
			}
		}

		release, err := res.Acquire()
		if err != nil {
			// Resource already closing: a cancel won the race.
			s.log(ctx, job, step.Name, domain.LogWarning, "cancellation observed, stopping", nil)
			return errCancelled
		}
		result, err := s.Fetcher.FetchStep(ctx, job, resolved, input)
		release()
		if err != nil {
			s.log(ctx, job, step.Name, domain.LogError, "step failed", map[string]any{
				"error":    err.Error(),
				"category": string(domain.Classify(err)),
			})
			return err
		}
		input = result.Output
		s.log(ctx, job, step.Name, domain.LogInfo, "step finished", nil)
	}
	return nil
}

// resolvePlan loads the step list: inline jobs carry it, template jobs
// read it from the website config.
func (s ExecuteService) resolvePlan(ctx domain.Context, job domain.Job) ([]domain.JobStep, map[string]any, error) {
	if job.InlineConfig != nil {
		return job.InlineConfig.Steps, job.InlineConfig.Global, nil
	}
	site, err := s.Websites.Get(ctx, *job.WebsiteID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := stepsFromConfig(site.Config)
	if err != nil {
		return nil, nil, err
	}
	global, _ := site.Config["global"].(map[string]any)
	return steps, global, nil
}

// stepsFromConfig decodes the steps list of a website config map.
func stepsFromConfig(cfg map[string]any) ([]domain.JobStep, error) {
	raw, ok := cfg["steps"]
	if !ok {
		return nil, fmt.Errorf("%w: website config has no steps", domain.ErrInvalidArgument)
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("op=execute.steps: %w", err)
	}
	var steps []domain.JobStep
	if err := json.Unmarshal(buf, &steps); err != nil {
		return nil, fmt.Errorf("%w: website config steps are malformed", domain.ErrInvalidArgument)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: website config has no steps", domain.ErrInvalidArgument)
	}
	return steps, nil
}

func envFromGlobal(global map[string]any) map[string]string {
	raw, ok := global["env"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func (s ExecuteService) log(ctx domain.Context, job domain.Job, step string, level domain.LogLevel, msg string, extra map[string]any) {
	rec := domain.LogRecord{
		JobID:    job.ID,
		StepName: step,
		Level:    level,
		Message:  msg,
		Context:  extra,
	}
	if job.WebsiteID != nil {
		rec.WebsiteID = *job.WebsiteID
	}
	if _, err := s.Logs.Write(ctx, rec); err != nil {
		slog.Error("log write failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}
