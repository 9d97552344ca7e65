// Package cancel implements job cancellation: flag propagation, queue
// removal for not-yet-consumed jobs, and concurrent graceful teardown
// of the resources a running worker registered.
package cancel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seekerhq/crawld/internal/domain"
)

// Outcome classifies how one resource was released.
type Outcome string

const (
	OutcomeGraceful Outcome = "graceful"
	OutcomeForced   Outcome = "forced"
	OutcomeErrored  Outcome = "errored"
)

// ResourceResult records the teardown of one resource.
type ResourceResult struct {
	Name    string        `json:"name"`
	Outcome Outcome       `json:"outcome"`
	Elapsed time.Duration `json:"elapsed"`
	Error   string        `json:"error,omitempty"`
}

// CleanupReport aggregates the teardown of all resources of one job.
type CleanupReport struct {
	Results  []ResourceResult `json:"results"`
	Elapsed  time.Duration    `json:"elapsed"`
	AllClean bool             `json:"all_clean"`
}

// Metadata renders the report as job metadata for the audit trail.
func (r CleanupReport) Metadata() map[string]any {
	per := make([]map[string]any, 0, len(r.Results))
	for _, res := range r.Results {
		entry := map[string]any{
			"name":       res.Name,
			"outcome":    string(res.Outcome),
			"elapsed_ms": res.Elapsed.Milliseconds(),
		}
		if res.Error != "" {
			entry["error"] = res.Error
		}
		per = append(per, entry)
	}
	return map[string]any{
		"cleanup": map[string]any{
			"resources":  per,
			"elapsed_ms": r.Elapsed.Milliseconds(),
			"all_clean":  r.AllClean,
		},
	}
}

// ResourceCoordinator tracks the live resources of jobs running in this
// process and tears them down on cancellation. Each resource gets its
// own graceful deadline and is closed concurrently with the others, so
// total cleanup wall time is bounded by the slowest resource, not the
// sum.
type ResourceCoordinator struct {
	mu       sync.Mutex
	byJob    map[string][]domain.Resource
	graceful time.Duration
}

func NewResourceCoordinator(graceful time.Duration) *ResourceCoordinator {
	return &ResourceCoordinator{
		byJob:    make(map[string][]domain.Resource),
		graceful: graceful,
	}
}

// Register attaches a resource to a job. Workers register connections,
// browser sessions, and temp stores as they open them.
func (c *ResourceCoordinator) Register(jobID string, r domain.Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byJob[jobID] = append(c.byJob[jobID], r)
}

// Release detaches all resources of a job without closing them; used
// after a normal completion where the worker closed them itself.
func (c *ResourceCoordinator) Release(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byJob, jobID)
}

// Active returns how many registered resources of the job still report
// themselves active.
func (c *ResourceCoordinator) Active(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.byJob[jobID] {
		if r.IsActive() {
			n++
		}
	}
	return n
}

// Cleanup closes every registered resource of the job. Each close first
// attempts a graceful drain within the per-resource deadline, then
// force-closes on timeout. Always removes the job's registrations.
func (c *ResourceCoordinator) Cleanup(ctx domain.Context, jobID string) CleanupReport {
	c.mu.Lock()
	resources := c.byJob[jobID]
	delete(c.byJob, jobID)
	c.mu.Unlock()

	start := time.Now()
	results := make([]ResourceResult, len(resources))
	var wg sync.WaitGroup
	for i, r := range resources {
		wg.Add(1)
		go func(i int, r domain.Resource) {
			defer wg.Done()
			results[i] = c.closeOne(ctx, jobID, r)
		}(i, r)
	}
	wg.Wait()

	report := CleanupReport{
		Results:  results,
		Elapsed:  time.Since(start),
		AllClean: true,
	}
	for _, res := range results {
		if res.Outcome != OutcomeGraceful {
			report.AllClean = false
		}
	}
	return report
}

func (c *ResourceCoordinator) closeOne(ctx domain.Context, jobID string, r domain.Resource) ResourceResult {
	begin := time.Now()
	gctx, cancel := context.WithTimeout(ctx, c.graceful)
	defer cancel()
	err := r.CloseGracefully(gctx)
	if err == nil {
		return ResourceResult{Name: r.Name(), Outcome: OutcomeGraceful, Elapsed: time.Since(begin)}
	}
	slog.Warn("graceful close failed, forcing",
		slog.String("job_id", jobID),
		slog.String("resource", r.Name()),
		slog.Any("error", err))
	if ferr := r.ForceClose(); ferr != nil {
		return ResourceResult{
			Name:    r.Name(),
			Outcome: OutcomeErrored,
			Elapsed: time.Since(begin),
			Error:   ferr.Error(),
		}
	}
	return ResourceResult{
		Name:    r.Name(),
		Outcome: OutcomeForced,
		Elapsed: time.Since(begin),
		Error:   err.Error(),
	}
}
