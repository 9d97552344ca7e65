package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/seekerhq/crawld/internal/config"
	"github.com/seekerhq/crawld/internal/domain"
	"github.com/seekerhq/crawld/internal/service/logstream"
	"github.com/seekerhq/crawld/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Submit    usecase.SubmitService
	Cancel    usecase.CancelService
	Query     usecase.JobQueryService
	Websites  usecase.WebsiteService
	Schedules usecase.ScheduleService
	DLQ       usecase.DLQService
	Policies  usecase.RetryPolicyService
	Streamer  *logstream.Streamer
	Tokens    domain.StreamTokens

	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// --- jobs ---

type stepRequest struct {
	Name        string         `json:"name" validate:"required"`
	Method      string         `json:"method" validate:"required,oneof=http browser"`
	BrowserType string         `json:"browser_type,omitempty"`
	URL         string         `json:"url,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

type inlineConfigRequest struct {
	Steps  []stepRequest  `json:"steps" validate:"required,min=1,dive"`
	Global map[string]any `json:"global,omitempty"`
}

type submitJobRequest struct {
	SeedURL      string               `json:"seed_url" validate:"required,url"`
	WebsiteRef   string               `json:"website_ref,omitempty"`
	InlineConfig *inlineConfigRequest `json:"inline_config,omitempty"`
	Variables    map[string]any       `json:"variables,omitempty"`
	Priority     int                  `json:"priority" validate:"gte=0,lte=10"`
	JobType      string               `json:"job_type,omitempty" validate:"omitempty,oneof=one_time scheduled recrawl"`
	Force        bool                 `json:"force,omitempty"`
}

// SubmitJobHandler accepts a job submission and returns 201 with the id.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitJobRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		sub := usecase.SubmitRequest{
			SeedURL:    req.SeedURL,
			WebsiteRef: req.WebsiteRef,
			Variables:  req.Variables,
			Priority:   req.Priority,
			Type:       domain.JobType(req.JobType),
			Force:      req.Force,
		}
		if req.InlineConfig != nil {
			cfg := &domain.InlineConfig{Global: req.InlineConfig.Global}
			for _, st := range req.InlineConfig.Steps {
				cfg.Steps = append(cfg.Steps, domain.JobStep{
					Name:        st.Name,
					Method:      st.Method,
					BrowserType: st.BrowserType,
					URL:         st.URL,
					Config:      st.Config,
				})
			}
			sub.InlineConfig = cfg
		}
		id, err := s.Submit.Submit(r.Context(), sub)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": string(domain.JobPending)})
	}
}

type jobResponse struct {
	ID                 string         `json:"id"`
	SeedURL            string         `json:"seed_url"`
	WebsiteID          *string        `json:"website_id,omitempty"`
	Status             string         `json:"status"`
	JobType            string         `json:"job_type"`
	Priority           int            `json:"priority"`
	AttemptCount       int            `json:"attempt_count"`
	MaxRetries         int            `json:"max_retries"`
	ScheduledAt        *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	CancelledAt        *time.Time     `json:"cancelled_at,omitempty"`
	CancelledBy        string         `json:"cancelled_by,omitempty"`
	CancellationReason string         `json:"cancellation_reason,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:                 j.ID,
		SeedURL:            j.SeedURL,
		WebsiteID:          j.WebsiteID,
		Status:             string(j.Status),
		JobType:            string(j.Type),
		Priority:           j.Priority,
		AttemptCount:       j.AttemptCount,
		MaxRetries:         j.MaxRetries,
		ScheduledAt:        j.ScheduledAt,
		StartedAt:          j.StartedAt,
		CompletedAt:        j.CompletedAt,
		CancelledAt:        j.CancelledAt,
		CancelledBy:        j.CancelledBy,
		CancellationReason: j.CancellationReason,
		Metadata:           j.Metadata,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
	}
}

// GetJobHandler returns one job by id.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Query.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// ListJobsHandler returns jobs, optionally filtered by status.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := domain.JobStatus(r.URL.Query().Get("status"))
		jobs, err := s.Query.List(r.Context(), status, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobResponse(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
	}
}

type cancelJobRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// CancelJobHandler requests cancellation of a job.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cancelJobRequest
		if r.ContentLength > 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		job, err := s.Cancel.Cancel(r.Context(), chi.URLParam(r, "id"), "api", req.Reason)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// JobLogsHandler returns the newest log records of a job.
func (s *Server) JobLogsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := s.Query.RecentLogs(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 100))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": recs})
	}
}

// RetryHistoryHandler returns a job's retry attempts.
func (s *Server) RetryHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		attempts, err := s.Query.RetryHistory(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(attempts))
		for _, a := range attempts {
			out = append(out, map[string]any{
				"id":             a.ID,
				"attempt_number": a.AttemptNumber,
				"error_category": string(a.ErrorCategory),
				"message":        a.Message,
				"delay_ms":       a.DelayApplied.Milliseconds(),
				"created_at":     a.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"attempts": out})
	}
}

// StreamTokenHandler mints a single-use websocket token for a job's log
// stream.
func (s *Server) StreamTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := s.Query.IssueStreamToken(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":      token,
			"expires_in": int(s.Cfg.WSTokenTTL.Seconds()),
		})
	}
}

// --- websites ---

type websiteRequest struct {
	Name        string         `json:"name" validate:"required,max=255"`
	BaseURL     string         `json:"base_url" validate:"required,url"`
	Status      string         `json:"status,omitempty" validate:"omitempty,oneof=active inactive"`
	Config      map[string]any `json:"config,omitempty"`
	DefaultCron string         `json:"default_cron,omitempty"`
}

func (req websiteRequest) toDomain(id string) domain.Website {
	return domain.Website{
		ID:          id,
		Name:        req.Name,
		BaseURL:     req.BaseURL,
		Status:      domain.WebsiteStatus(req.Status),
		Config:      req.Config,
		DefaultCron: req.DefaultCron,
	}
}

// CreateWebsiteHandler stores a new crawl template.
func (s *Server) CreateWebsiteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req websiteRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		id, err := s.Websites.Create(r.Context(), req.toDomain(""))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
	}
}

// GetWebsiteHandler returns one website.
func (s *Server) GetWebsiteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site, err := s.Websites.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, site)
	}
}

// ListWebsitesHandler lists websites.
func (s *Server) ListWebsitesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sites, err := s.Websites.List(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"websites": sites})
	}
}

// UpdateWebsiteHandler applies template changes, auditing config edits.
func (s *Server) UpdateWebsiteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req websiteRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		changedBy := r.Header.Get("X-Operator")
		if changedBy == "" {
			changedBy = "api"
		}
		if err := s.Websites.Update(r.Context(), req.toDomain(chi.URLParam(r, "id")), changedBy); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// DeleteWebsiteHandler removes a template and cascades its schedules.
func (s *Server) DeleteWebsiteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Websites.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// WebsiteConfigHistoryHandler returns a website's config audit trail.
func (s *Server) WebsiteConfigHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		changes, err := s.Websites.ConfigHistory(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
	}
}

// --- schedules ---

type scheduleRequest struct {
	WebsiteID    string         `json:"website_id" validate:"required"`
	CronSchedule string         `json:"cron_schedule" validate:"required"`
	Timezone     string         `json:"timezone,omitempty"`
	IsActive     *bool          `json:"is_active,omitempty"`
	JobConfig    map[string]any `json:"job_config,omitempty"`
}

func (req scheduleRequest) toDomain(id string) domain.ScheduledJob {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return domain.ScheduledJob{
		ID:           id,
		WebsiteID:    req.WebsiteID,
		CronSchedule: req.CronSchedule,
		Timezone:     req.Timezone,
		IsActive:     active,
		JobConfig:    req.JobConfig,
	}
}

// CreateScheduleHandler stores a recurring schedule.
func (s *Server) CreateScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scheduleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		id, err := s.Schedules.Create(r.Context(), req.toDomain(""))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		sched, err := s.Schedules.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "next_run_time": sched.NextRunTime})
	}
}

// GetScheduleHandler returns one schedule.
func (s *Server) GetScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sched, err := s.Schedules.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, sched)
	}
}

// ListSchedulesHandler lists schedules.
func (s *Server) ListSchedulesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheds, err := s.Schedules.List(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"schedules": scheds})
	}
}

// UpdateScheduleHandler applies schedule changes.
func (s *Server) UpdateScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scheduleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Schedules.Update(r.Context(), req.toDomain(chi.URLParam(r, "id"))); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// DeleteScheduleHandler removes a schedule.
func (s *Server) DeleteScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Schedules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- DLQ ---

// ListDLQHandler lists dead-letter entries.
func (s *Server) ListDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeResolved := r.URL.Query().Get("include_resolved") == "true"
		entries, err := s.DLQ.List(r.Context(), includeResolved, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

// GetDLQHandler returns one dead-letter entry.
func (s *Server) GetDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := s.DLQ.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

// RetryDLQHandler re-enqueues a quarantined job once.
func (s *Server) RetryDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.DLQ.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "retry_enqueued"})
	}
}

// ResolveDLQHandler closes a dead-letter entry.
func (s *Server) ResolveDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.DLQ.Resolve(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- retry policies ---

type retryPolicyRequest struct {
	ErrorCategory string  `json:"error_category" validate:"required"`
	IsRetryable   bool    `json:"is_retryable"`
	MaxAttempts   int     `json:"max_attempts" validate:"gte=0,lte=10"`
	Strategy      string  `json:"strategy,omitempty" validate:"omitempty,oneof=exponential linear fixed"`
	InitialDelayS float64 `json:"initial_delay_seconds" validate:"gte=0"`
	MaxDelayS     float64 `json:"max_delay_seconds" validate:"gte=0"`
	Multiplier    float64 `json:"multiplier,omitempty"`
}

// ListRetryPoliciesHandler lists the per-category retry policies.
func (s *Server) ListRetryPoliciesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		policies, err := s.Policies.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
	}
}

// UpsertRetryPolicyHandler installs or updates a category policy.
func (s *Server) UpsertRetryPolicyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req retryPolicyRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		p := domain.RetryPolicy{
			ErrorCategory: domain.ErrorCategory(req.ErrorCategory),
			IsRetryable:   req.IsRetryable,
			MaxAttempts:   req.MaxAttempts,
			Strategy:      domain.RetryStrategy(req.Strategy),
			InitialDelay:  time.Duration(req.InitialDelayS * float64(time.Second)),
			MaxDelay:      time.Duration(req.MaxDelayS * float64(time.Second)),
			Multiplier:    req.Multiplier,
		}
		if err := s.Policies.Upsert(r.Context(), p); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- health ---

// HealthHandler is liveness: process is up.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler is readiness: all backing services reachable.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		name string
		fn   func(ctx context.Context) error
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		checks := []check{
			{"database", s.DBCheck},
			{"redis", s.RedisCheck},
			{"broker", s.BrokerCheck},
		}
		results := map[string]string{}
		ok := true
		for _, c := range checks {
			if c.fn == nil {
				continue
			}
			if err := c.fn(ctx); err != nil {
				results[c.name] = err.Error()
				ok = false
			} else {
				results[c.name] = "ok"
			}
		}
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": ok, "checks": results})
	}
}
