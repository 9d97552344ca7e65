// Retry and DLQ entities for resilient job processing.
package domain

import (
	"math"
	"time"
)

// RetryStrategy selects the delay curve for retries of a category.
type RetryStrategy string

const (
	StrategyExponential RetryStrategy = "exponential"
	StrategyLinear      RetryStrategy = "linear"
	StrategyFixed       RetryStrategy = "fixed"
)

// RetryPolicy is the per-error-category retry rule. ErrorCategory is
// unique across policies; MaxAttempts is bounded to [0..10] and
// Multiplier to [1.0..10.0].
type RetryPolicy struct {
	ID            string
	ErrorCategory ErrorCategory
	IsRetryable   bool
	MaxAttempts   int
	Strategy      RetryStrategy
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate bounds-checks the policy fields.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 || p.MaxAttempts > 10 {
		return E("retry_policy.validate", ErrInvalidArgument, "max_attempts must be within [0..10]")
	}
	if p.IsRetryable && (p.Multiplier < 1.0 || p.Multiplier > 10.0) {
		return E("retry_policy.validate", ErrInvalidArgument, "multiplier must be within [1.0..10.0]")
	}
	switch p.Strategy {
	case StrategyExponential, StrategyLinear, StrategyFixed:
	default:
		if p.IsRetryable {
			return E("retry_policy.validate", ErrInvalidArgument, "unknown strategy")
		}
	}
	return nil
}

// DelayFor computes the delay before retry attempt n (n >= 1):
// delay = clamp(initial * f(n), 0, max) with f depending on the
// strategy. Exponential: multiplier^(n-1). Linear: 1+(n-1)*(mult-1).
// Fixed: 1.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var factor float64
	switch p.Strategy {
	case StrategyExponential:
		factor = math.Pow(p.Multiplier, float64(attempt-1))
	case StrategyLinear:
		factor = 1 + float64(attempt-1)*(p.Multiplier-1)
	default:
		factor = 1
	}
	d := time.Duration(float64(p.InitialDelay) * factor)
	if d < 0 {
		d = 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// DefaultRetryPolicies returns the built-in decision table, applied
// when no operator override exists for a category.
func DefaultRetryPolicies() []RetryPolicy {
	exp := func(cat ErrorCategory, max int, initial, cap time.Duration, mult float64) RetryPolicy {
		return RetryPolicy{ErrorCategory: cat, IsRetryable: true, MaxAttempts: max, Strategy: StrategyExponential, InitialDelay: initial, MaxDelay: cap, Multiplier: mult}
	}
	lin := func(cat ErrorCategory, max int, initial, cap time.Duration, mult float64) RetryPolicy {
		return RetryPolicy{ErrorCategory: cat, IsRetryable: true, MaxAttempts: max, Strategy: StrategyLinear, InitialDelay: initial, MaxDelay: cap, Multiplier: mult}
	}
	no := func(cat ErrorCategory) RetryPolicy {
		return RetryPolicy{ErrorCategory: cat, IsRetryable: false, MaxAttempts: 0}
	}
	return []RetryPolicy{
		exp(CategoryNetwork, 3, time.Second, 300*time.Second, 2.0),
		exp(CategoryRateLimit, 5, 2*time.Second, 600*time.Second, 2.0),
		exp(CategoryServerError, 3, time.Second, 300*time.Second, 2.0),
		exp(CategoryBrowserCrash, 3, 2*time.Second, 300*time.Second, 2.0),
		lin(CategoryResourceUnavailable, 3, 5*time.Second, 60*time.Second, 1.5),
		lin(CategoryTimeout, 2, 5*time.Second, 60*time.Second, 1.5),
		no(CategoryClientError),
		no(CategoryAuthError),
		no(CategoryNotFound),
		no(CategoryValidationError),
		no(CategoryBusinessLogicError),
		{ErrorCategory: CategoryUnknown, IsRetryable: true, MaxAttempts: 1, Strategy: StrategyFixed, InitialDelay: 10 * time.Second, MaxDelay: 10 * time.Second, Multiplier: 1.0},
	}
}

// RetryAttempt is one append-only row of the retry history.
type RetryAttempt struct {
	ID            string
	JobID         string
	AttemptNumber int
	ErrorCategory ErrorCategory
	Message       string
	Stack         string
	DelayApplied  time.Duration
	CreatedAt     time.Time
}

// DLQEntry quarantines a terminally failed job with a snapshot of what
// ran and why it died. RetryAttempted is true iff RetryAttemptedAt is
// set; at most one unresolved entry exists per job.
type DLQEntry struct {
	ID               string
	JobID            string
	SeedURL          string
	WebsiteID        *string
	JobType          JobType
	Priority         int
	ErrorCategory    ErrorCategory
	ErrorMessage     string
	ErrorStack       string
	HTTPStatus       int
	TotalAttempts    int
	FirstAttemptAt   *time.Time
	LastAttemptAt    *time.Time
	AddedToDLQAt     time.Time
	RetryAttempted   bool
	RetryAttemptedAt *time.Time
	RetrySuccess     *bool
	ResolvedAt       *time.Time
}
