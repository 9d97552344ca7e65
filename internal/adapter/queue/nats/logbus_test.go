package nats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerhq/crawld/internal/domain"
)

func TestSubscriptionDeliverAfterUnsubscribe(t *testing.T) {
	s := &logSubscription{ch: make(chan domain.LogRecord, 4)}
	s.deliver(domain.LogRecord{ID: "a", JobID: "j1"})
	require.NoError(t, s.Unsubscribe())

	// Delivery racing the unsubscribe must be dropped, not panic.
	s.deliver(domain.LogRecord{ID: "b", JobID: "j1"})

	rec, open := <-s.C()
	assert.True(t, open)
	assert.Equal(t, "a", rec.ID)
	_, open = <-s.C()
	assert.False(t, open, "channel closed after drain")
}

func TestSubscriptionConcurrentDeliverAndUnsubscribe(t *testing.T) {
	s := &logSubscription{ch: make(chan domain.LogRecord, 1)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				s.deliver(domain.LogRecord{ID: "x", JobID: "j1"})
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Unsubscribe()
	}()
	wg.Wait()

	// Unsubscribe twice is safe.
	require.NoError(t, s.Unsubscribe())
}

func TestSubscriptionDropsWhenFull(t *testing.T) {
	s := &logSubscription{ch: make(chan domain.LogRecord, 1)}
	s.deliver(domain.LogRecord{ID: "a"})
	s.deliver(domain.LogRecord{ID: "b"}) // dropped, channel full

	rec := <-s.C()
	assert.Equal(t, "a", rec.ID)
	select {
	case rec = <-s.C():
		t.Fatalf("unexpected record %s", rec.ID)
	default:
	}
}
