// Package logstream ingests crawl log records (store write, in-memory
// reconnect buffer, bus fan-out) and serves live streams with replay
// and a polling fallback when the bus is down.
package logstream

import (
	"sync"

	"github.com/seekerhq/crawld/internal/domain"
)

// DefaultBufferSize is how many recent records per job the reconnect
// buffer retains.
const DefaultBufferSize = 1000

// Buffer keeps a bounded ring of recent records per job so a client
// reconnecting with a resume cursor replays the gap without a store
// round trip. ULID ids compare lexicographically in time order, which
// Since relies on.
type Buffer struct {
	mu   sync.RWMutex
	size int
	jobs map[string]*ring
}

type ring struct {
	recs  []domain.LogRecord
	start int // index of oldest
	count int
}

func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{size: size, jobs: make(map[string]*ring)}
}

// Append adds a record to its job's ring, evicting the oldest when
// full.
func (b *Buffer) Append(rec domain.LogRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.jobs[rec.JobID]
	if r == nil {
		r = &ring{recs: make([]domain.LogRecord, b.size)}
		b.jobs[rec.JobID] = r
	}
	idx := (r.start + r.count) % len(r.recs)
	r.recs[idx] = rec
	if r.count < len(r.recs) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.recs)
	}
}

// Since returns the job's buffered records with id > afterID, oldest
// first. ok is false when the buffer cannot prove completeness: the
// cursor predates the oldest buffered record (or the job has no
// buffer), so the caller must fall back to the store.
func (b *Buffer) Since(jobID, afterID string) (recs []domain.LogRecord, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r := b.jobs[jobID]
	if r == nil || r.count == 0 {
		return nil, false
	}
	oldest := r.recs[r.start]
	if afterID < oldest.ID {
		// The gap may extend past what we retained.
		return nil, false
	}
	for i := 0; i < r.count; i++ {
		rec := r.recs[(r.start+i)%len(r.recs)]
		if rec.ID > afterID {
			recs = append(recs, rec)
		}
	}
	return recs, true
}

// Snapshot returns up to n newest buffered records, oldest first.
func (b *Buffer) Snapshot(jobID string, n int) []domain.LogRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r := b.jobs[jobID]
	if r == nil || r.count == 0 {
		return nil
	}
	count := r.count
	if n > 0 && n < count {
		count = n
	}
	out := make([]domain.LogRecord, 0, count)
	for i := r.count - count; i < r.count; i++ {
		out = append(out, r.recs[(r.start+i)%len(r.recs)])
	}
	return out
}

// Drop releases a job's ring once the job is terminal and its streams
// have closed.
func (b *Buffer) Drop(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobs, jobID)
}
