package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeNetErr struct{ timeout bool }

func (e fakeNetErr) Error() string   { return "net failure" }
func (e fakeNetErr) Timeout() bool   { return e.timeout }
func (e fakeNetErr) Temporary() bool { return true }

var _ net.Error = fakeNetErr{}

func TestClassifyExplicitCategory(t *testing.T) {
	err := &CrawlError{Category: CategoryBrowserCrash, Message: "tab crashed"}
	assert.Equal(t, CategoryBrowserCrash, Classify(err))

	wrapped := fmt.Errorf("step failed: %w", err)
	assert.Equal(t, CategoryBrowserCrash, Classify(wrapped))
}

func TestClassifyByInspection(t *testing.T) {
	assert.Equal(t, CategoryTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, CategoryTimeout, Classify(fakeNetErr{timeout: true}))
	assert.Equal(t, CategoryNetwork, Classify(fakeNetErr{timeout: false}))
	assert.Equal(t, CategoryRateLimit, Classify(fmt.Errorf("fetch: %w", ErrRateLimited)))
	assert.Equal(t, CategoryNotFound, Classify(ErrNotFound))
	assert.Equal(t, CategoryValidationError, Classify(ErrInvalidArgument))
}

func TestClassifyByMessage(t *testing.T) {
	assert.Equal(t, CategoryNetwork, Classify(errors.New("dial tcp: connection refused")))
	assert.Equal(t, CategoryTimeout, Classify(errors.New("operation timeout after 30s")))
	assert.Equal(t, CategoryBrowserCrash, Classify(errors.New("chrome session lost")))
	assert.Equal(t, CategoryUnknown, Classify(errors.New("something odd")))
	assert.Equal(t, CategoryUnknown, Classify(nil))
}

func TestEWrapsSentinel(t *testing.T) {
	err := E("jobs.get", ErrNotFound, "job abc")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "op=jobs.get")
	assert.Contains(t, err.Error(), "job abc")

	bare := E("jobs.get", ErrNotFound, "")
	assert.True(t, errors.Is(bare, ErrNotFound))
}

func TestCrawlErrorUnwrap(t *testing.T) {
	cause := errors.New("root")
	ce := &CrawlError{Category: CategoryServerError, Message: "boom", Err: cause}
	assert.True(t, errors.Is(ce, cause))
	assert.Contains(t, ce.Error(), "server_error")
	assert.Contains(t, ce.Error(), "boom")
}
