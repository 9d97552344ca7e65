package logstream

import (
	"log/slog"
	"time"

	"github.com/seekerhq/crawld/internal/domain"
)

// tapRetryDelay spaces resubscribe attempts after a bus failure.
const tapRetryDelay = time.Second

// RunBufferTap feeds every record published on the bus into the
// reconnect buffer until ctx is done. Workers ingest logs in their own
// processes, so the API process must tap the bus for its buffer to hold
// anything replayable; without the tap every resume would fall through
// to the store.
func RunBufferTap(ctx domain.Context, bus domain.LogBus, buffer *Buffer) {
	for ctx.Err() == nil {
		sub, err := bus.SubscribeAll(ctx)
		if err != nil {
			slog.Warn("log buffer tap subscribe failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(tapRetryDelay):
			}
			continue
		}
		if !drainTap(ctx, sub, buffer) {
			return
		}
		slog.Warn("log buffer tap subscription closed, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(tapRetryDelay):
		}
	}
}

// drainTap consumes the subscription into the buffer. Returns false on
// ctx cancellation, true when the subscription closed and the caller
// should resubscribe.
func drainTap(ctx domain.Context, sub domain.LogSubscription, buffer *Buffer) bool {
	defer func() { _ = sub.Unsubscribe() }()
	for {
		select {
		case <-ctx.Done():
			return false
		case rec, open := <-sub.C():
			if !open {
				return true
			}
			buffer.Append(rec)
		}
	}
}
