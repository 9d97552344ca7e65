package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seekerhq/crawld/internal/domain"
)

// retryOverride is the YAML shape of one operator-supplied policy row.
type retryOverride struct {
	Category     string  `yaml:"category"`
	Retryable    *bool   `yaml:"retryable"`
	MaxAttempts  *int    `yaml:"max_attempts"`
	Strategy     string  `yaml:"strategy"`
	InitialDelay string  `yaml:"initial_delay"`
	MaxDelay     string  `yaml:"max_delay"`
	Multiplier   float64 `yaml:"multiplier"`
}

type retryOverrideFile struct {
	Policies []retryOverride `yaml:"policies"`
}

// LoadRetryPolicies returns the built-in decision table merged with
// operator overrides from path, when set. Unknown categories in the
// file are rejected.
func LoadRetryPolicies(path string) ([]domain.RetryPolicy, error) {
	policies := domain.DefaultRetryPolicies()
	if path == "" {
		return policies, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadRetryPolicies: %w", err)
	}
	var file retryOverrideFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("op=config.LoadRetryPolicies: parse %s: %w", path, err)
	}
	byCat := make(map[domain.ErrorCategory]int, len(policies))
	for i, p := range policies {
		byCat[p.ErrorCategory] = i
	}
	for _, ov := range file.Policies {
		idx, ok := byCat[domain.ErrorCategory(ov.Category)]
		if !ok {
			return nil, fmt.Errorf("op=config.LoadRetryPolicies: unknown category %q", ov.Category)
		}
		p := &policies[idx]
		if ov.Retryable != nil {
			p.IsRetryable = *ov.Retryable
		}
		if ov.MaxAttempts != nil {
			p.MaxAttempts = *ov.MaxAttempts
		}
		if ov.Strategy != "" {
			p.Strategy = domain.RetryStrategy(ov.Strategy)
		}
		if ov.InitialDelay != "" {
			d, err := time.ParseDuration(ov.InitialDelay)
			if err != nil {
				return nil, fmt.Errorf("op=config.LoadRetryPolicies: initial_delay for %s: %w", ov.Category, err)
			}
			p.InitialDelay = d
		}
		if ov.MaxDelay != "" {
			d, err := time.ParseDuration(ov.MaxDelay)
			if err != nil {
				return nil, fmt.Errorf("op=config.LoadRetryPolicies: max_delay for %s: %w", ov.Category, err)
			}
			p.MaxDelay = d
		}
		if ov.Multiplier != 0 {
			p.Multiplier = ov.Multiplier
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("op=config.LoadRetryPolicies: category %s: %w", ov.Category, err)
		}
	}
	return policies, nil
}
