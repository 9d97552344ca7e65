package usecase

import (
	"fmt"
	"log/slog"

	"github.com/seekerhq/crawld/internal/domain"
)

// RetryPolicyService administers the per-category retry policies.
type RetryPolicyService struct {
	Policies domain.RetryPolicyRepository
}

func NewRetryPolicyService(policies domain.RetryPolicyRepository) RetryPolicyService {
	return RetryPolicyService{Policies: policies}
}

func (s RetryPolicyService) List(ctx domain.Context) ([]domain.RetryPolicy, error) {
	return s.Policies.List(ctx)
}

func (s RetryPolicyService) Get(ctx domain.Context, cat domain.ErrorCategory) (domain.RetryPolicy, error) {
	return s.Policies.GetByCategory(ctx, cat)
}

// Upsert validates and stores a policy override for its category.
func (s RetryPolicyService) Upsert(ctx domain.Context, p domain.RetryPolicy) error {
	if !knownCategory(p.ErrorCategory) {
		return fmt.Errorf("%w: unknown error category %q", domain.ErrInvalidArgument, p.ErrorCategory)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.Policies.Upsert(ctx, p); err != nil {
		return err
	}
	slog.Info("retry policy updated",
		slog.String("category", string(p.ErrorCategory)),
		slog.Bool("retryable", p.IsRetryable),
		slog.Int("max_attempts", p.MaxAttempts))
	return nil
}

// Seed upserts the given policies; used at startup to install defaults
// merged with operator file overrides.
func (s RetryPolicyService) Seed(ctx domain.Context, policies []domain.RetryPolicy) error {
	for _, p := range policies {
		if err := s.Upsert(ctx, p); err != nil {
			return fmt.Errorf("op=policies.seed: %s: %w", p.ErrorCategory, err)
		}
	}
	return nil
}

func knownCategory(cat domain.ErrorCategory) bool {
	switch cat {
	case domain.CategoryNetwork, domain.CategoryRateLimit, domain.CategoryServerError,
		domain.CategoryBrowserCrash, domain.CategoryResourceUnavailable, domain.CategoryTimeout,
		domain.CategoryClientError, domain.CategoryAuthError, domain.CategoryNotFound,
		domain.CategoryValidationError, domain.CategoryBusinessLogicError, domain.CategoryUnknown:
		return true
	}
	return false
}
