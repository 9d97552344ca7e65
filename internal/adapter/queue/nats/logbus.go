package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/seekerhq/crawld/internal/domain"
)

// subscriptionBuffer bounds the per-subscriber channel; a slow
// subscriber drops bus messages and recovers missed records through
// the reconnect buffer or the store.
const subscriptionBuffer = 256

// LogBus implements domain.LogBus over core NATS subjects logs.{job_id}
// with a compact JSON encoding.
type LogBus struct {
	nc *nats.Conn
}

// NewLogBus wraps an existing NATS connection.
func NewLogBus(nc *nats.Conn) *LogBus { return &LogBus{nc: nc} }

// Publish fans a record out to every subscriber of the job's subject.
func (b *LogBus) Publish(_ domain.Context, rec domain.LogRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=logbus.publish: marshal: %w", err)
	}
	if err := b.nc.Publish("logs."+rec.JobID, payload); err != nil {
		return fmt.Errorf("op=logbus.publish: job_id=%s: %w", rec.JobID, err)
	}
	return nil
}

type logSubscription struct {
	sub *nats.Subscription
	ch  chan domain.LogRecord

	mu     sync.Mutex
	closed bool
}

func (s *logSubscription) C() <-chan domain.LogRecord { return s.ch }

// deliver hands a record to the channel unless the subscription is
// closed. NATS may still be dispatching handler callbacks while
// Unsubscribe runs, so the closed check and the send share a lock:
// sending on a closed channel panics even under select/default.
func (s *logSubscription) deliver(rec domain.LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- rec:
	default:
		// Slow subscriber: drop; the stream endpoint replays from
		// the buffer or store on reconnect.
	}
}

func (s *logSubscription) Unsubscribe() error {
	var err error
	if s.sub != nil {
		err = s.sub.Unsubscribe()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return err
}

func (b *LogBus) subscribe(subject string) (domain.LogSubscription, error) {
	ls := &logSubscription{ch: make(chan domain.LogRecord, subscriptionBuffer)}
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var rec domain.LogRecord
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			slog.Warn("undecodable log record on bus", slog.String("subject", subject), slog.Any("error", err))
			return
		}
		ls.deliver(rec)
	})
	if err != nil {
		return nil, fmt.Errorf("op=logbus.subscribe: subject=%s: %w", subject, err)
	}
	ls.sub = sub
	return ls, nil
}

// Subscribe delivers records published for jobID on a buffered channel.
func (b *LogBus) Subscribe(_ domain.Context, jobID string) (domain.LogSubscription, error) {
	return b.subscribe("logs." + jobID)
}

// SubscribeAll delivers records of every job; the API process taps this
// into its reconnect buffer.
func (b *LogBus) SubscribeAll(_ domain.Context) (domain.LogSubscription, error) {
	return b.subscribe("logs.>")
}

// Healthy reports whether the underlying connection is up; the stream
// endpoint falls back to store polling when it is not.
func (b *LogBus) Healthy() bool { return b.nc != nil && b.nc.IsConnected() }
