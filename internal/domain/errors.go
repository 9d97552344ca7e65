package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrAlreadyTerminal   = errors.New("job already terminal")
	ErrWebsiteInactive   = errors.New("website inactive")
	ErrQueueFull         = errors.New("queue full")
	ErrVariableNotFound  = errors.New("variable not found")
	ErrCircularReference = errors.New("circular variable reference")
	ErrVariableDepth     = errors.New("variable recursion depth exceeded")
	ErrInternal          = errors.New("internal error")
)

// E wraps a sentinel with an operation tag and detail message.
func E(op string, sentinel error, detail string) error {
	if detail == "" {
		return fmt.Errorf("op=%s: %w", op, sentinel)
	}
	return fmt.Errorf("op=%s: %w: %s", op, sentinel, detail)
}

// ErrorCategory classifies a per-job failure for retry-policy lookup.
type ErrorCategory string

const (
	CategoryNetwork             ErrorCategory = "network"
	CategoryRateLimit           ErrorCategory = "rate_limit"
	CategoryServerError         ErrorCategory = "server_error"
	CategoryBrowserCrash        ErrorCategory = "browser_crash"
	CategoryResourceUnavailable ErrorCategory = "resource_unavailable"
	CategoryTimeout             ErrorCategory = "timeout"
	CategoryClientError         ErrorCategory = "client_error"
	CategoryAuthError           ErrorCategory = "auth_error"
	CategoryNotFound            ErrorCategory = "not_found"
	CategoryValidationError     ErrorCategory = "validation_error"
	CategoryBusinessLogicError  ErrorCategory = "business_logic_error"
	CategoryUnknown             ErrorCategory = "unknown"
)

// CrawlError carries an explicit category from the fetcher layer, plus
// optional HTTP status and stack for the retry history.
type CrawlError struct {
	Category   ErrorCategory
	Message    string
	HTTPStatus int
	Stack      string
	Err        error
}

func (e *CrawlError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Category, e.Message)
	}
	return string(e.Category)
}

func (e *CrawlError) Unwrap() error { return e.Err }

// Classify maps an arbitrary error to a category. Fetchers should
// return *CrawlError with an explicit category; everything else is
// classified by inspection, defaulting to unknown.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	var ce *CrawlError
	if errors.As(err, &ce) {
		return ce.Category
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CategoryTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	if errors.Is(err, ErrRateLimited) {
		return CategoryRateLimit
	}
	if errors.Is(err, ErrNotFound) {
		return CategoryNotFound
	}
	if errors.Is(err, ErrInvalidArgument) {
		return CategoryValidationError
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return CategoryNetwork
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return CategoryTimeout
	case strings.Contains(msg, "browser"), strings.Contains(msg, "chrome"):
		return CategoryBrowserCrash
	}
	return CategoryUnknown
}
