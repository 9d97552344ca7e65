package logstream

import (
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/seekerhq/crawld/internal/domain"
)

// Ingestor is the single write path for crawl logs. The store insert is
// authoritative; the reconnect buffer and bus fan-out are best effort,
// so a bus outage degrades live streaming without losing records.
// buffer may be nil: worker processes publish to the bus and let the
// API process feed its own buffer through RunBufferTap.
type Ingestor struct {
	store  domain.LogRepository
	buffer *Buffer
	bus    domain.LogBus

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewIngestor(store domain.LogRepository, buffer *Buffer, bus domain.LogBus) *Ingestor {
	return &Ingestor{
		store:   store,
		buffer:  buffer,
		bus:     bus,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// nextID mints a ULID; monotonic entropy keeps ids strictly increasing
// within this process even at sub-millisecond rates.
func (i *Ingestor) nextID(at time.Time) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), i.entropy).String()
}

// Write persists one record, assigning id and timestamp when unset,
// then feeds the buffer and publishes to the bus.
func (i *Ingestor) Write(ctx domain.Context, rec domain.LogRecord) (domain.LogRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = i.nextID(rec.CreatedAt)
	}
	if rec.Level == "" {
		rec.Level = domain.LogInfo
	}
	if err := i.store.Insert(ctx, rec); err != nil {
		return domain.LogRecord{}, err
	}
	if i.buffer != nil {
		i.buffer.Append(rec)
	}
	if err := i.bus.Publish(ctx, rec); err != nil {
		slog.Warn("log bus publish failed",
			slog.String("job_id", rec.JobID),
			slog.Any("error", err))
	}
	return rec, nil
}
