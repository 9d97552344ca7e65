package logstream

import (
	"log/slog"
	"time"

	"github.com/seekerhq/crawld/internal/domain"
)

// snapshotSize is how many trailing records a stream without a resume
// cursor starts from.
const snapshotSize = 50

// Streamer serves one live log stream per call: replay of the missed
// window, then live batches from the bus, degrading to store polling
// while the bus is down. Transport-agnostic; the websocket handler
// drains the batch channel.
type Streamer struct {
	store       domain.LogRepository
	buffer      *Buffer
	bus         domain.LogBus
	batchWindow time.Duration
	pollEvery   time.Duration
}

func NewStreamer(store domain.LogRepository, buffer *Buffer, bus domain.LogBus, batchWindow, pollEvery time.Duration) *Streamer {
	return &Streamer{
		store:       store,
		buffer:      buffer,
		bus:         bus,
		batchWindow: batchWindow,
		pollEvery:   pollEvery,
	}
}

// Stream starts a stream for jobID. resumeAfter is the id of the last
// record the client saw, or empty for a fresh stream (which replays the
// trailing snapshot). The returned channel yields ordered,
// gap-free-after-replay batches and closes when ctx is done.
func (s *Streamer) Stream(ctx domain.Context, jobID, resumeAfter string) (<-chan []domain.LogRecord, error) {
	replay, err := s.replay(ctx, jobID, resumeAfter)
	if err != nil {
		return nil, err
	}
	out := make(chan []domain.LogRecord, 8)
	go s.run(ctx, jobID, replay, out)
	return out, nil
}

// replay resolves the catch-up window: buffer when it provably covers
// the gap, store otherwise.
func (s *Streamer) replay(ctx domain.Context, jobID, resumeAfter string) ([]domain.LogRecord, error) {
	if resumeAfter == "" {
		if recs := s.buffer.Snapshot(jobID, snapshotSize); len(recs) > 0 {
			return recs, nil
		}
		return s.store.ListRecent(ctx, jobID, snapshotSize)
	}
	if recs, ok := s.buffer.Since(jobID, resumeAfter); ok {
		return recs, nil
	}
	return s.store.ListAfterID(ctx, jobID, resumeAfter, 0)
}

func (s *Streamer) run(ctx domain.Context, jobID string, replay []domain.LogRecord, out chan<- []domain.LogRecord) {
	defer close(out)

	lastID := ""
	if len(replay) > 0 {
		lastID = replay[len(replay)-1].ID
		select {
		case out <- replay:
		case <-ctx.Done():
			return
		}
	}

	for ctx.Err() == nil {
		var err error
		if s.bus.Healthy() {
			lastID, err = s.live(ctx, jobID, lastID, out)
			if err == nil {
				return // clean teardown
			}
			slog.Warn("live log stream degraded to polling",
				slog.String("job_id", jobID),
				slog.Any("error", err))
		}
		var done bool
		lastID, done = s.poll(ctx, jobID, lastID, out)
		if done {
			return
		}
	}
}

// live batches bus records within the batch window. Returns with a nil
// error only on ctx cancellation; any bus failure returns an error so
// the caller falls back to polling.
func (s *Streamer) live(ctx domain.Context, jobID, lastID string, out chan<- []domain.LogRecord) (string, error) {
	sub, err := s.bus.Subscribe(ctx, jobID)
	if err != nil {
		return lastID, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	var pending []domain.LogRecord
	var window <-chan time.Time

	flush := func() bool {
		if len(pending) == 0 {
			return true
		}
		select {
		case out <- pending:
			pending = nil
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return lastID, nil
		case <-window:
			window = nil
			if !flush() {
				return lastID, nil
			}
		case rec, open := <-sub.C():
			if !open {
				flush()
				return lastID, domain.E("logstream.live", domain.ErrInternal, "bus subscription closed")
			}
			if rec.ID <= lastID {
				continue // already replayed
			}
			lastID = rec.ID
			pending = append(pending, rec)
			if window == nil {
				window = time.After(s.batchWindow)
			}
		}
	}
}

// poll tails the store until the bus recovers or ctx is done. done is
// true only on ctx cancellation.
func (s *Streamer) poll(ctx domain.Context, jobID, lastID string, out chan<- []domain.LogRecord) (string, bool) {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return lastID, true
		case <-ticker.C:
			recs, err := s.store.ListAfterID(ctx, jobID, lastID, 0)
			if err != nil {
				slog.Warn("log poll failed", slog.String("job_id", jobID), slog.Any("error", err))
				continue
			}
			if len(recs) > 0 {
				lastID = recs[len(recs)-1].ID
				select {
				case out <- recs:
				case <-ctx.Done():
					return lastID, true
				}
			}
			if s.bus.Healthy() {
				return lastID, false
			}
		}
	}
}
