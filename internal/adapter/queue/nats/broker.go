// Package nats provides the durable work-queue broker and the log bus
// over a NATS server with JetStream.
//
// Jobs are published on per-job subjects <stream>.jobs.<job_id> under a
// work-queue retention stream: a message is deleted on consumer ACK,
// duplicates within the dedup window collapse by Nats-Msg-Id, and the
// per-job subject allows targeted removal of a still-queued message on
// cancellation.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/seekerhq/crawld/internal/domain"
)

// BrokerConfig carries the stream and consumer limits.
type BrokerConfig struct {
	StreamName    string
	ConsumerName  string
	MaxMsgs       int64
	DedupWindow   time.Duration
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

// Broker implements domain.Broker over a JetStream work-queue stream.
type Broker struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    BrokerConfig
}

// Connect dials the NATS server with exponential backoff and returns a
// shared connection used by both the broker and the log bus.
func Connect(ctx context.Context, url string) (*nats.Conn, error) {
	var nc *nats.Conn
	op := func() error {
		var err error
		nc, err = nats.Connect(url,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.Name("crawld"),
		)
		return err
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("op=broker.connect: %w", err)
	}
	return nc, nil
}

// NewBroker provisions the stream and durable pull consumer
// (idempotent) and returns the broker.
func NewBroker(ctx context.Context, nc *nats.Conn, cfg BrokerConfig) (*Broker, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("op=broker.new: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{cfg.StreamName + ".jobs.>"},
		Retention:  jetstream.WorkQueuePolicy,
		Discard:    jetstream.DiscardNew, // reject publishes when full, never drop silently
		MaxMsgs:    cfg.MaxMsgs,
		Duplicates: cfg.DedupWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("op=broker.new: create stream: %w", err)
	}
	_, err = stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		FilterSubject: cfg.StreamName + ".jobs.>",
	})
	if err != nil {
		return nil, fmt.Errorf("op=broker.new: create consumer: %w", err)
	}
	slog.Info("broker ready",
		slog.String("stream", cfg.StreamName),
		slog.String("consumer", cfg.ConsumerName),
		slog.Int64("max_msgs", cfg.MaxMsgs),
		slog.Duration("dedup_window", cfg.DedupWindow))
	return &Broker{nc: nc, js: js, stream: stream, cfg: cfg}, nil
}

func (b *Broker) subject(jobID string) string {
	return b.cfg.StreamName + ".jobs." + jobID
}

// Publish enqueues a job message with the job id as the dedup key.
// A duplicate publish within the dedup window is a no-op; a full stream
// returns ErrQueueFull.
func (b *Broker) Publish(ctx domain.Context, msg domain.JobMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=broker.publish: marshal: %w", err)
	}
	ack, err := b.js.Publish(ctx, b.subject(msg.JobID), payload, jetstream.WithMsgID(msg.JobID))
	if err != nil {
		if isStreamFull(err) {
			return domain.E("broker.publish", domain.ErrQueueFull, msg.JobID)
		}
		return fmt.Errorf("op=broker.publish: job_id=%s: %w", msg.JobID, err)
	}
	if ack.Duplicate {
		slog.Debug("duplicate publish collapsed", slog.String("job_id", msg.JobID))
	}
	return nil
}

// jsErrCodeStreamStoreFailed is the JetStream API error code the server
// returns when storing a message fails (e.g. the stream is at its limit);
// the nats.go client does not export a constant for it.
const jsErrCodeStreamStoreFailed jetstream.ErrorCode = 10077

func isStreamFull(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jsErrCodeStreamStoreFailed
	}
	return false
}

// delivery wraps one JetStream message.
type delivery struct {
	msg     jetstream.Msg
	payload domain.JobMessage
}

func (d *delivery) JobID() string              { return d.payload.JobID }
func (d *delivery) Payload() domain.JobMessage { return d.payload }
func (d *delivery) Ack() error                 { return d.msg.Ack() }
func (d *delivery) Nak() error                 { return d.msg.Nak() }

// Consume pulls deliveries from the durable consumer and invokes handle
// for each until ctx is cancelled. Messages that fail to decode are
// terminated so they do not redeliver forever.
func (b *Broker) Consume(ctx domain.Context, handle func(domain.Context, domain.Delivery)) error {
	cons, err := b.stream.Consumer(ctx, b.cfg.ConsumerName)
	if err != nil {
		return fmt.Errorf("op=broker.consume: %w", err)
	}
	iter, err := cons.Messages(jetstream.PullMaxMessages(b.cfg.MaxAckPending))
	if err != nil {
		return fmt.Errorf("op=broker.consume: %w", err)
	}
	go func() {
		<-ctx.Done()
		iter.Stop()
	}()
	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}
			return fmt.Errorf("op=broker.consume: next: %w", err)
		}
		var payload domain.JobMessage
		if err := json.Unmarshal(msg.Data(), &payload); err != nil {
			slog.Error("undecodable job message dropped",
				slog.String("subject", msg.Subject()),
				slog.Any("error", err))
			_ = msg.Term()
			continue
		}
		handle(ctx, &delivery{msg: msg, payload: payload})
	}
}

// Remove deletes a not-yet-consumed message by job id. Returns
// ErrNotFound when no message for the job is queued (already consumed
// or never published).
func (b *Broker) Remove(ctx domain.Context, jobID string) error {
	raw, err := b.stream.GetLastMsgForSubject(ctx, b.subject(jobID))
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return domain.E("broker.remove", domain.ErrNotFound, jobID)
		}
		return fmt.Errorf("op=broker.remove: job_id=%s: %w", jobID, err)
	}
	if err := b.stream.DeleteMsg(ctx, raw.Sequence); err != nil {
		if errors.Is(err, jetstream.ErrMsgDeleteUnsuccessful) || errors.Is(err, jetstream.ErrMsgNotFound) {
			return domain.E("broker.remove", domain.ErrNotFound, jobID)
		}
		return fmt.Errorf("op=broker.remove: job_id=%s: %w", jobID, err)
	}
	slog.Info("queued message removed", slog.String("job_id", jobID))
	return nil
}

// Depth returns the number of messages currently in the stream.
func (b *Broker) Depth(ctx domain.Context) (uint64, error) {
	info, err := b.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=broker.depth: %w", err)
	}
	return info.State.Msgs, nil
}

// ConsumerStats reports in-flight and redelivery counters.
func (b *Broker) ConsumerStats(ctx domain.Context) (domain.BrokerStats, error) {
	cons, err := b.stream.Consumer(ctx, b.cfg.ConsumerName)
	if err != nil {
		return domain.BrokerStats{}, fmt.Errorf("op=broker.stats: %w", err)
	}
	info, err := cons.Info(ctx)
	if err != nil {
		return domain.BrokerStats{}, fmt.Errorf("op=broker.stats: %w", err)
	}
	return domain.BrokerStats{
		Depth:          info.NumPending,
		AckPending:     info.NumAckPending,
		NumRedelivered: uint64(info.NumRedelivered),
	}, nil
}
