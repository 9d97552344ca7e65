package variables

import (
	"github.com/seekerhq/crawld/internal/domain"
)

// ForJob assembles the standard provider registry for one job
// execution: submission variables, the configured environment map,
// the previous step's output, pagination counters, and job metadata.
func ForJob(job domain.Job, envValues map[string]string, input map[string]any, pagination map[string]any, opts ...Option) *Engine {
	meta := map[string]any{
		"job_id":   job.ID,
		"job_type": string(job.Type),
		"seed_url": job.SeedURL,
		"priority": job.Priority,
	}
	if job.WebsiteID != nil {
		meta["website_id"] = *job.WebsiteID
	}
	for k, v := range job.Metadata {
		meta[k] = v
	}
	return NewEngine([]Provider{
		NewMapProvider(SourceVariables, job.Variables),
		NewEnvProvider(envValues, true),
		NewMapProvider(SourceInput, input),
		NewPaginationProvider(pagination),
		NewMapProvider(SourceMetadata, meta),
	}, opts...)
}
