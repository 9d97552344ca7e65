package domain

import (
	"context"
	"time"
)

// Context aliases context.Context; adapters and services pass it
// through unchanged.
type Context = context.Context

// Repositories (ports)

type WebsiteRepository interface {
	Create(ctx Context, w Website) (string, error)
	Get(ctx Context, id string) (Website, error)
	GetByName(ctx Context, name string) (Website, error)
	List(ctx Context, limit, offset int) ([]Website, error)
	Update(ctx Context, w Website) error
	Delete(ctx Context, id string) error
}

type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	List(ctx Context, status JobStatus, limit, offset int) ([]Job, error)
	// UpdateStatus performs a guarded transition: it only succeeds when the
	// current status is one of from. Returns ErrConflict otherwise.
	UpdateStatus(ctx Context, id string, to JobStatus, from ...JobStatus) error
	MarkRunning(ctx Context, id string, at time.Time) error
	MarkCompleted(ctx Context, id string, at time.Time) error
	MarkCancelled(ctx Context, id string, at time.Time, by, reason string) error
	// RequeueForRetry moves a failed attempt's job row back to pending and
	// bumps attempt_count in one statement.
	RequeueForRetry(ctx Context, id string) error
	// SweepStuck marks running jobs older than cutoff as failed and
	// returns their ids.
	SweepStuck(ctx Context, cutoff time.Time) ([]string, error)
}

type ScheduleRepository interface {
	Create(ctx Context, s ScheduledJob) (string, error)
	Get(ctx Context, id string) (ScheduledJob, error)
	ListDue(ctx Context, now time.Time, limit int) ([]ScheduledJob, error)
	List(ctx Context, limit, offset int) ([]ScheduledJob, error)
	Update(ctx Context, s ScheduledJob) error
	// Advance atomically moves next_run_time from prev to next and sets
	// last_run_time, returning ErrConflict when another scheduler already
	// claimed the tick.
	Advance(ctx Context, id string, prev, next, lastRun time.Time) error
	Delete(ctx Context, id string) error
}

type RetryPolicyRepository interface {
	Upsert(ctx Context, p RetryPolicy) error
	GetByCategory(ctx Context, cat ErrorCategory) (RetryPolicy, error)
	List(ctx Context) ([]RetryPolicy, error)
}

type RetryHistoryRepository interface {
	Append(ctx Context, a RetryAttempt) (string, error)
	ListByJob(ctx Context, jobID string) ([]RetryAttempt, error)
}

type DLQRepository interface {
	// Create inserts a quarantine entry; a second unresolved entry for the
	// same job returns ErrConflict.
	Create(ctx Context, e DLQEntry) (string, error)
	Get(ctx Context, id string) (DLQEntry, error)
	GetActiveByJob(ctx Context, jobID string) (DLQEntry, error)
	List(ctx Context, includeResolved bool, limit, offset int) ([]DLQEntry, error)
	MarkRetryAttempted(ctx Context, id string, at time.Time) error
	SetRetrySuccess(ctx Context, id string, success bool) error
	Resolve(ctx Context, id string, at time.Time) error
}

type LogRepository interface {
	Insert(ctx Context, rec LogRecord) error
	// ListAfterID returns records of a job with id > afterID, oldest
	// first. limit <= 0 means no limit.
	ListAfterID(ctx Context, jobID, afterID string, limit int) ([]LogRecord, error)
	// ListRecent returns the newest n records of a job, oldest first.
	ListRecent(ctx Context, jobID string, n int) ([]LogRecord, error)
	// ListAfterTime returns records of a job created after the given
	// instant, oldest first. limit <= 0 means no limit.
	ListAfterTime(ctx Context, jobID string, after time.Time, limit int) ([]LogRecord, error)
}

type ConfigHistoryRepository interface {
	Append(ctx Context, c ConfigChange) (string, error)
	ListByWebsite(ctx Context, websiteID string, limit int) ([]ConfigChange, error)
}

// Broker (port): durable work queue with per-message dedup and
// targeted removal. Publish returns ErrQueueFull when the stream
// rejects the message under its depth or byte limits.

type Delivery interface {
	JobID() string
	Payload() JobMessage
	Ack() error
	Nak() error
}

type BrokerStats struct {
	Depth          uint64
	AckPending     int
	NumRedelivered uint64
}

type Broker interface {
	Publish(ctx Context, msg JobMessage) error
	// Consume blocks, invoking handle for each delivery until ctx is done.
	Consume(ctx Context, handle func(Context, Delivery)) error
	// Remove deletes a not-yet-consumed message by job id; best effort.
	Remove(ctx Context, jobID string) error
	Depth(ctx Context) (uint64, error)
	ConsumerStats(ctx Context) (BrokerStats, error)
}

// LogBus (port): pub/sub fan-out of log records keyed by job id.

type LogSubscription interface {
	// C yields records as they are published; closed on Unsubscribe or
	// bus shutdown.
	C() <-chan LogRecord
	Unsubscribe() error
}

type LogBus interface {
	Publish(ctx Context, rec LogRecord) error
	Subscribe(ctx Context, jobID string) (LogSubscription, error)
	// SubscribeAll yields records of every job; the API process feeds
	// its reconnect buffer from this firehose.
	SubscribeAll(ctx Context) (LogSubscription, error)
	Healthy() bool
}

// RetrySchedule (port): timestamp-scored set of jobs awaiting retry.

type RetrySchedule interface {
	Schedule(ctx Context, jobID string, at time.Time) error
	// PopDue atomically removes and returns up to batch ids whose score
	// is <= now, in ascending score order.
	PopDue(ctx Context, now time.Time, batch int) ([]string, error)
	Remove(ctx Context, jobID string) error
	Len(ctx Context) (int64, error)
}

// CancelFlags (port): fast shared cancellation flags polled by workers
// at suspension points.

type CancelFlags interface {
	Set(ctx Context, jobID string) error
	IsSet(ctx Context, jobID string) (bool, error)
	Clear(ctx Context, jobID string) error
}

// StreamTokens (port): single-use, short-TTL tokens authorizing a log
// stream subscription for one job.

type StreamTokens interface {
	Issue(ctx Context, jobID string) (string, error)
	// Consume validates and atomically invalidates the token, returning
	// the bound job id. A second consume of the same token fails.
	Consume(ctx Context, token string) (string, error)
}

// URLDedup (port): best-effort suppression of re-crawling the same URL
// within a TTL window.

type URLDedup interface {
	// Seen marks the URL and reports whether it was already marked.
	Seen(ctx Context, url string) (bool, error)
}

// Fetcher (port): the external HTML fetcher / browser driver. The
// control plane only needs step execution with a cancellable context.

type StepResult struct {
	Output   map[string]any
	PageInfo map[string]any
}

type Fetcher interface {
	FetchStep(ctx Context, job Job, step JobStep, input map[string]any) (StepResult, error)
}

// Resource (port): an externally visible handle registered by a worker
// for cancellation cleanup.

type Resource interface {
	Name() string
	// CloseGracefully waits up to the context deadline for in-flight work
	// to drain before closing. Returns an error on timeout.
	CloseGracefully(ctx Context) error
	ForceClose() error
	IsActive() bool
}
