package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/seekerhq/crawld/internal/domain"
)

// In-memory port fakes shared by the usecase tests.

type memJobRepo struct {
	jobs       map[string]domain.Job
	nextID     int
	createErr  error
	requeued   []string
	statusSets []string // "id:to" for assertions
}

func newMemJobRepo() *memJobRepo { return &memJobRepo{jobs: map[string]domain.Job{}} }

func (r *memJobRepo) Create(_ context.Context, j domain.Job) (string, error) {
	if r.createErr != nil {
		return "", r.createErr
	}
	r.nextID++
	id := fmt.Sprintf("job-%d", r.nextID)
	j.ID = id
	r.jobs[id] = j
	return id, nil
}

func (r *memJobRepo) Get(_ context.Context, id string) (domain.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (r *memJobRepo) List(_ context.Context, status domain.JobStatus, _, _ int) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range r.jobs {
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *memJobRepo) UpdateStatus(_ context.Context, id string, to domain.JobStatus, from ...domain.JobStatus) error {
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	allowed := len(from) == 0
	for _, f := range from {
		if j.Status == f {
			allowed = true
		}
	}
	if !allowed {
		return domain.ErrConflict
	}
	j.Status = to
	r.jobs[id] = j
	r.statusSets = append(r.statusSets, id+":"+string(to))
	return nil
}

func (r *memJobRepo) MarkRunning(_ context.Context, id string, _ time.Time) error {
	j := r.jobs[id]
	j.Status = domain.JobRunning
	r.jobs[id] = j
	return nil
}

func (r *memJobRepo) MarkCompleted(_ context.Context, id string, _ time.Time) error {
	j := r.jobs[id]
	j.Status = domain.JobCompleted
	r.jobs[id] = j
	return nil
}

func (r *memJobRepo) MarkCancelled(_ context.Context, id string, _ time.Time, _, _ string) error {
	j := r.jobs[id]
	j.Status = domain.JobCancelled
	r.jobs[id] = j
	return nil
}

func (r *memJobRepo) RequeueForRetry(_ context.Context, id string) error {
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobPending
	j.AttemptCount++
	r.jobs[id] = j
	r.requeued = append(r.requeued, id)
	return nil
}

func (r *memJobRepo) SweepStuck(context.Context, time.Time) ([]string, error) { return nil, nil }

type memWebsiteRepo struct {
	byID   map[string]domain.Website
	byName map[string]domain.Website
}

func newMemWebsiteRepo(sites ...domain.Website) *memWebsiteRepo {
	r := &memWebsiteRepo{byID: map[string]domain.Website{}, byName: map[string]domain.Website{}}
	for _, s := range sites {
		r.byID[s.ID] = s
		r.byName[s.Name] = s
	}
	return r
}

func (r *memWebsiteRepo) Create(_ context.Context, w domain.Website) (string, error) {
	r.byID[w.ID] = w
	r.byName[w.Name] = w
	return w.ID, nil
}

func (r *memWebsiteRepo) Get(_ context.Context, id string) (domain.Website, error) {
	w, ok := r.byID[id]
	if !ok {
		return domain.Website{}, domain.ErrNotFound
	}
	return w, nil
}

func (r *memWebsiteRepo) GetByName(_ context.Context, name string) (domain.Website, error) {
	w, ok := r.byName[name]
	if !ok {
		return domain.Website{}, domain.ErrNotFound
	}
	return w, nil
}

func (r *memWebsiteRepo) List(context.Context, int, int) ([]domain.Website, error) { return nil, nil }
func (r *memWebsiteRepo) Update(_ context.Context, w domain.Website) error {
	r.byID[w.ID] = w
	r.byName[w.Name] = w
	return nil
}
func (r *memWebsiteRepo) Delete(context.Context, string) error { return nil }

type memBroker struct {
	published []domain.JobMessage
	pubErr    error
	removed   []string
}

func (b *memBroker) Publish(_ context.Context, msg domain.JobMessage) error {
	if b.pubErr != nil {
		return b.pubErr
	}
	b.published = append(b.published, msg)
	return nil
}
func (b *memBroker) Consume(context.Context, func(domain.Context, domain.Delivery)) error {
	return nil
}
func (b *memBroker) Remove(_ context.Context, jobID string) error {
	b.removed = append(b.removed, jobID)
	return nil
}
func (b *memBroker) Depth(context.Context) (uint64, error) { return 0, nil }
func (b *memBroker) ConsumerStats(context.Context) (domain.BrokerStats, error) {
	return domain.BrokerStats{}, nil
}

type memDedup struct {
	seen map[string]bool
}

func (d *memDedup) Seen(_ context.Context, url string) (bool, error) {
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	was := d.seen[url]
	d.seen[url] = true
	return was, nil
}

type memPolicyRepo struct {
	policies map[domain.ErrorCategory]domain.RetryPolicy
}

func (r *memPolicyRepo) Upsert(_ context.Context, p domain.RetryPolicy) error {
	if r.policies == nil {
		r.policies = map[domain.ErrorCategory]domain.RetryPolicy{}
	}
	r.policies[p.ErrorCategory] = p
	return nil
}
func (r *memPolicyRepo) GetByCategory(_ context.Context, cat domain.ErrorCategory) (domain.RetryPolicy, error) {
	p, ok := r.policies[cat]
	if !ok {
		return domain.RetryPolicy{}, domain.ErrNotFound
	}
	return p, nil
}
func (r *memPolicyRepo) List(context.Context) ([]domain.RetryPolicy, error) {
	var out []domain.RetryPolicy
	for _, p := range r.policies {
		out = append(out, p)
	}
	return out, nil
}

type memHistoryRepo struct {
	attempts []domain.RetryAttempt
}

func (r *memHistoryRepo) Append(_ context.Context, a domain.RetryAttempt) (string, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	r.attempts = append(r.attempts, a)
	return fmt.Sprintf("attempt-%d", len(r.attempts)), nil
}
func (r *memHistoryRepo) ListByJob(_ context.Context, jobID string) ([]domain.RetryAttempt, error) {
	var out []domain.RetryAttempt
	for _, a := range r.attempts {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}

type memDLQRepo struct {
	entries map[string]domain.DLQEntry
	nextID  int
}

func newMemDLQRepo() *memDLQRepo { return &memDLQRepo{entries: map[string]domain.DLQEntry{}} }

func (r *memDLQRepo) Create(_ context.Context, e domain.DLQEntry) (string, error) {
	for _, existing := range r.entries {
		if existing.JobID == e.JobID && existing.ResolvedAt == nil {
			return "", domain.ErrConflict
		}
	}
	r.nextID++
	id := fmt.Sprintf("dlq-%d", r.nextID)
	e.ID = id
	r.entries[id] = e
	return id, nil
}

func (r *memDLQRepo) Get(_ context.Context, id string) (domain.DLQEntry, error) {
	e, ok := r.entries[id]
	if !ok {
		return domain.DLQEntry{}, domain.ErrNotFound
	}
	return e, nil
}

func (r *memDLQRepo) GetActiveByJob(_ context.Context, jobID string) (domain.DLQEntry, error) {
	for _, e := range r.entries {
		if e.JobID == jobID && e.ResolvedAt == nil {
			return e, nil
		}
	}
	return domain.DLQEntry{}, domain.ErrNotFound
}

func (r *memDLQRepo) List(_ context.Context, includeResolved bool, _, _ int) ([]domain.DLQEntry, error) {
	var out []domain.DLQEntry
	for _, e := range r.entries {
		if includeResolved || e.ResolvedAt == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memDLQRepo) MarkRetryAttempted(_ context.Context, id string, at time.Time) error {
	e, ok := r.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.RetryAttempted = true
	e.RetryAttemptedAt = &at
	r.entries[id] = e
	return nil
}

func (r *memDLQRepo) SetRetrySuccess(_ context.Context, id string, success bool) error {
	e, ok := r.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.RetrySuccess = &success
	r.entries[id] = e
	return nil
}

func (r *memDLQRepo) Resolve(_ context.Context, id string, at time.Time) error {
	e, ok := r.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.ResolvedAt = &at
	r.entries[id] = e
	return nil
}

type memSchedule struct {
	scheduled map[string]time.Time
	removed   []string
}

func newMemSchedule() *memSchedule { return &memSchedule{scheduled: map[string]time.Time{}} }

func (s *memSchedule) Schedule(_ context.Context, jobID string, at time.Time) error {
	s.scheduled[jobID] = at
	return nil
}
func (s *memSchedule) PopDue(_ context.Context, now time.Time, batch int) ([]string, error) {
	var out []string
	for id, at := range s.scheduled {
		if !at.After(now) && len(out) < batch {
			out = append(out, id)
			delete(s.scheduled, id)
		}
	}
	return out, nil
}
func (s *memSchedule) Remove(_ context.Context, jobID string) error {
	delete(s.scheduled, jobID)
	s.removed = append(s.removed, jobID)
	return nil
}
func (s *memSchedule) Len(context.Context) (int64, error) {
	return int64(len(s.scheduled)), nil
}
