package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zapguard/guardrail/pkg/admission"
	"github.com/zapguard/guardrail/pkg/engine"
	"github.com/zapguard/guardrail/pkg/followup"
	"github.com/zapguard/guardrail/pkg/health"
	"github.com/zapguard/guardrail/pkg/intent"
	"github.com/zapguard/guardrail/pkg/jobs"
)

// Policy is the tunable guardrail behavior. Sections omitted from the file
// keep their defaults.
type Policy struct {
	Health    health.Policy    `yaml:"health"`
	Intent    intent.Config    `yaml:"intent"`
	Jobs      jobs.Config      `yaml:"jobs"`
	Admission admission.Policy `yaml:"admission"`
	FollowUp  followup.Policy  `yaml:"followup"`
	Schedule  engine.Config    `yaml:"schedule"`
	WarmUp    WarmUpPolicy     `yaml:"warm_up"`
}

// WarmUpPolicy lists fallback warm-up recipients used when an instance has
// no configured targets.
type WarmUpPolicy struct {
	Targets []string `yaml:"targets"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Health:    health.DefaultPolicy(),
		Intent:    intent.DefaultConfig(),
		Jobs:      jobs.DefaultConfig(),
		Admission: admission.DefaultPolicy(),
		FollowUp:  followup.DefaultPolicy(),
		Schedule:  engine.DefaultConfig(),
	}
}

// LoadPolicy reads a policy file over the defaults. An empty path returns the
// defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("load policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes YAML over the defaults and validates the result.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks cross-section consistency.
func (p Policy) Validate() error {
	if err := p.Health.Validate(); err != nil {
		return err
	}
	if _, err := health.NewRuleSet(p.Health.AlertRules); err != nil {
		return fmt.Errorf("health policy: %w", err)
	}
	if p.Admission.PerMinute <= 0 || p.Admission.Burst <= 0 {
		return errors.New("admission policy: per_minute and burst must be positive")
	}
	if p.Jobs.Backoff.Base <= 0 || p.Jobs.Backoff.Max < p.Jobs.Backoff.Base {
		return errors.New("jobs policy: backoff requires 0 < base <= max")
	}
	if p.FollowUp.SLA <= 0 || p.FollowUp.NoResponse <= 0 {
		return errors.New("followup policy: sla and no_response must be positive")
	}
	if p.Intent.MaxRequeues < 0 {
		return errors.New("intent policy: max_requeues must not be negative")
	}
	return nil
}
