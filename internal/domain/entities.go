// Package domain holds the entities, ports, and error taxonomy of the
// crawl control plane. It is free of adapter concerns: repositories,
// the queue broker, the log bus, and Redis-backed primitives are all
// expressed as interfaces implemented under internal/adapter.
package domain

import (
	"time"
)

// WebsiteStatus enumerates template states.
type WebsiteStatus string

const (
	WebsiteActive   WebsiteStatus = "active"
	WebsiteInactive WebsiteStatus = "inactive"
)

// Website is a reusable crawl template. Name is globally unique; an
// inactive website may not be referenced by new template-based jobs.
type Website struct {
	ID          string
	Name        string
	BaseURL     string
	Status      WebsiteStatus
	Config      map[string]any
	DefaultCron string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MaxRetriesFromConfig reads config.global.retry.max_attempts from the
// website config, falling back to def when absent or malformed.
func (w Website) MaxRetriesFromConfig(def int) int {
	global, ok := w.Config["global"].(map[string]any)
	if !ok {
		return def
	}
	retry, ok := global["retry"].(map[string]any)
	if !ok {
		return def
	}
	switch v := retry["max_attempts"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobType enumerates how a job came to exist.
type JobType string

const (
	JobTypeOneTime   JobType = "one_time"
	JobTypeScheduled JobType = "scheduled"
	JobTypeRecrawl   JobType = "recrawl"
)

// JobStep is one unit of an inline job's plan.
type JobStep struct {
	Name        string         `json:"name"`
	Method      string         `json:"method"`
	BrowserType string         `json:"browser_type,omitempty"`
	URL         string         `json:"url,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// InlineConfig carries a self-contained crawl plan for jobs that do not
// reference a stored website.
type InlineConfig struct {
	Steps  []JobStep      `json:"steps"`
	Global map[string]any `json:"global,omitempty"`
}

// Job is a single crawl execution unit.
//
// Invariant (XOR): exactly one of WebsiteID and InlineConfig is set.
// Status transitions follow the lifecycle state machine: pending may
// move to running or cancelled; running may move to completed, failed,
// or cancelled; terminal states are absorbing. Between retry attempts
// the job row returns to pending with AttemptCount incremented.
type Job struct {
	ID                 string
	SeedURL            string
	WebsiteID          *string
	InlineConfig       *InlineConfig
	Variables          map[string]any
	Priority           int
	Type               JobType
	Status             JobStatus
	ScheduledAt        *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CancelledBy        string
	CancellationReason string
	MaxRetries         int
	AttemptCount       int
	Metadata           map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Validate enforces the XOR invariant and priority bounds at the
// application layer; the store schema enforces them again.
func (j Job) Validate() error {
	hasSite := j.WebsiteID != nil && *j.WebsiteID != ""
	hasInline := j.InlineConfig != nil
	if hasSite == hasInline {
		return E("job.validate", ErrInvalidArgument, "exactly one of website_ref and inline_config must be set")
	}
	if j.Priority < 0 || j.Priority > 10 {
		return E("job.validate", ErrInvalidArgument, "priority must be within [0..10]")
	}
	return nil
}

// CanTransition reports whether moving from the job's current status to
// next is allowed by the lifecycle state machine.
func (j Job) CanTransition(next JobStatus) bool {
	switch j.Status {
	case JobPending:
		return next == JobRunning || next == JobCancelled
	case JobRunning:
		return next == JobCompleted || next == JobFailed || next == JobCancelled
	default:
		return false
	}
}

// ScheduledJob is a recurring trigger that materializes one-shot jobs.
// NextRunTime is always computed relative to Timezone.
type ScheduledJob struct {
	ID           string
	WebsiteID    string
	CronSchedule string
	Timezone     string
	NextRunTime  time.Time
	LastRunTime  *time.Time
	IsActive     bool
	JobConfig    map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LogLevel enumerates crawl log severities.
type LogLevel string

const (
	LogDebug    LogLevel = "DEBUG"
	LogInfo     LogLevel = "INFO"
	LogWarning  LogLevel = "WARNING"
	LogError    LogLevel = "ERROR"
	LogCritical LogLevel = "CRITICAL"
)

// LogRecord is one crawl log line. IDs are ULIDs, so (JobID, ID)
// strictly increases with insertion time for a given job.
type LogRecord struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	WebsiteID string         `json:"website_id,omitempty"`
	StepName  string         `json:"step_name,omitempty"`
	Level     LogLevel       `json:"log_level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// JobMessage is the broker payload for a queued job.
type JobMessage struct {
	JobID           string  `json:"job_id"`
	SeedURL         string  `json:"seed_url"`
	JobType         JobType `json:"job_type"`
	Priority        int     `json:"priority"`
	HasInlineConfig bool    `json:"has_inline_config"`
	WebsiteID       string  `json:"website_id,omitempty"`
}

// ConfigChange is one row of the website config audit history.
type ConfigChange struct {
	ID        string
	WebsiteID string
	ChangedBy string
	OldConfig map[string]any
	NewConfig map[string]any
	ChangedAt time.Time
}
