package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayForExponential(t *testing.T) {
	p := RetryPolicy{
		Strategy:     StrategyExponential,
		InitialDelay: time.Second,
		MaxDelay:     300 * time.Second,
		Multiplier:   2.0,
	}
	assert.Equal(t, time.Second, p.DelayFor(1))
	assert.Equal(t, 2*time.Second, p.DelayFor(2))
	assert.Equal(t, 4*time.Second, p.DelayFor(3))
	assert.Equal(t, 8*time.Second, p.DelayFor(4))
}

func TestDelayForExponentialClamped(t *testing.T) {
	p := RetryPolicy{
		Strategy:     StrategyExponential,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
	assert.Equal(t, 32*time.Second, p.DelayFor(5))
	assert.Equal(t, 60*time.Second, p.DelayFor(6)) // 64s clamped
	assert.Equal(t, 60*time.Second, p.DelayFor(10))
}

func TestDelayForLinear(t *testing.T) {
	p := RetryPolicy{
		Strategy:     StrategyLinear,
		InitialDelay: 5 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   1.5,
	}
	assert.Equal(t, 5*time.Second, p.DelayFor(1))
	assert.Equal(t, 7500*time.Millisecond, p.DelayFor(2))
	assert.Equal(t, 10*time.Second, p.DelayFor(3))
}

func TestDelayForFixed(t *testing.T) {
	p := RetryPolicy{
		Strategy:     StrategyFixed,
		InitialDelay: 10 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   1.0,
	}
	for n := 1; n <= 5; n++ {
		assert.Equal(t, 10*time.Second, p.DelayFor(n))
	}
}

func TestDelayForClampsAttempt(t *testing.T) {
	p := RetryPolicy{Strategy: StrategyExponential, InitialDelay: time.Second, Multiplier: 2}
	assert.Equal(t, p.DelayFor(1), p.DelayFor(0))
	assert.Equal(t, p.DelayFor(1), p.DelayFor(-3))
}

func TestRetryPolicyValidate(t *testing.T) {
	ok := RetryPolicy{IsRetryable: true, MaxAttempts: 3, Strategy: StrategyExponential, Multiplier: 2}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.MaxAttempts = 11
	require.Error(t, bad.Validate())

	bad = ok
	bad.Multiplier = 0.5
	require.Error(t, bad.Validate())

	bad = ok
	bad.Strategy = "quadratic"
	require.Error(t, bad.Validate())

	// Non-retryable policies skip strategy/multiplier checks.
	noRetry := RetryPolicy{IsRetryable: false, MaxAttempts: 0}
	require.NoError(t, noRetry.Validate())
}

func TestDefaultRetryPoliciesCoverAllCategories(t *testing.T) {
	policies := DefaultRetryPolicies()
	byCat := map[ErrorCategory]RetryPolicy{}
	for _, p := range policies {
		byCat[p.ErrorCategory] = p
	}
	for _, cat := range []ErrorCategory{
		CategoryNetwork, CategoryRateLimit, CategoryServerError, CategoryBrowserCrash,
		CategoryResourceUnavailable, CategoryTimeout, CategoryClientError, CategoryAuthError,
		CategoryNotFound, CategoryValidationError, CategoryBusinessLogicError, CategoryUnknown,
	} {
		p, ok := byCat[cat]
		require.True(t, ok, "missing policy for %s", cat)
		require.NoError(t, p.Validate())
	}
	assert.False(t, byCat[CategoryClientError].IsRetryable)
	assert.False(t, byCat[CategoryValidationError].IsRetryable)
	assert.True(t, byCat[CategoryNetwork].IsRetryable)
	assert.Equal(t, 5, byCat[CategoryRateLimit].MaxAttempts)
	assert.Equal(t, 1, byCat[CategoryUnknown].MaxAttempts)
}
