package cancel

import (
	"sync"
	"sync/atomic"

	"github.com/seekerhq/crawld/internal/domain"
)

// HTTPResource wraps an HTTP connection pool (or any client with a
// close hook) as a cancellable resource. It counts in-flight requests;
// graceful close waits for them to drain before invoking the hook.
type HTTPResource struct {
	name      string
	inflight  atomic.Int64
	closed    atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	onClose   func()
}

// NewHTTPResource wraps a close hook. onClose runs exactly once, on
// whichever of graceful or forced close happens first.
func NewHTTPResource(name string, onClose func()) *HTTPResource {
	return &HTTPResource{
		name:    name,
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (r *HTTPResource) Name() string { return r.name }

// Acquire marks one request in flight. It fails once the resource is
// closing so no new work starts during teardown.
func (r *HTTPResource) Acquire() (release func(), err error) {
	if r.closed.Load() {
		return nil, domain.E("resource.acquire", domain.ErrConflict, r.name+" is closing")
	}
	r.inflight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			if r.inflight.Add(-1) == 0 && r.closed.Load() {
				r.signalDrained()
			}
		})
	}, nil
}

func (r *HTTPResource) signalDrained() {
	r.doneOnce.Do(func() { close(r.done) })
}

// CloseGracefully stops admitting new requests and waits for in-flight
// ones to finish or the context deadline, whichever is first.
func (r *HTTPResource) CloseGracefully(ctx domain.Context) error {
	r.closed.Store(true)
	if r.inflight.Load() == 0 {
		r.signalDrained()
	}
	select {
	case <-r.done:
		r.close()
		return nil
	case <-ctx.Done():
		return domain.E("resource.close", domain.ErrInternal,
			r.name+" drain timed out with in-flight requests")
	}
}

// ForceClose abandons in-flight requests and closes immediately.
func (r *HTTPResource) ForceClose() error {
	r.closed.Store(true)
	r.inflight.Store(0)
	r.signalDrained()
	r.close()
	return nil
}

func (r *HTTPResource) close() {
	r.closeOnce.Do(func() {
		if r.onClose != nil {
			r.onClose()
		}
	})
}

func (r *HTTPResource) IsActive() bool {
	return !r.closed.Load() || r.inflight.Load() > 0
}
