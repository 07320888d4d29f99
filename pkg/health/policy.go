package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/zapguard/guardrail/pkg/instance"
)

// Phase is a warm-up stage. An instance is in the first phase whose Until
// exceeds its warm-up age; a zero Until marks the open-ended final phase.
type Phase struct {
	Name          string        `yaml:"name" json:"name"`
	Until         time.Duration `yaml:"until" json:"until"`
	MaxDailySends int           `yaml:"max_daily_sends" json:"max_daily_sends"`
}

// Weights are the per-signal score penalties.
type Weights struct {
	FailureRate    float64 `yaml:"failure_rate"`    // points at a 100% failure rate
	BlockReport    float64 `yaml:"block_report"`    // points per report
	ConnectionFlap float64 `yaml:"connection_flap"` // points per flap
	OverVolume     float64 `yaml:"over_volume"`     // max points for exceeding the phase limit
}

// AlertRule raises an alert when its CEL expression evaluates to true.
// Expressions see `signals` (send_volume, failure_rate, block_reports,
// connection_flaps, warm_up_elapsed_hours) and `phase` (name, max_daily_sends).
type AlertRule struct {
	Code     string            `yaml:"code"`
	Severity instance.Severity `yaml:"severity"`
	Expr     string            `yaml:"expr"`
	Message  string            `yaml:"message"`
}

// Policy holds the health thresholds.
type Policy struct {
	// CooldownFloor: an ACTIVE instance scoring below it enters COOLDOWN.
	CooldownFloor int `yaml:"cooldown_floor"`
	// RecoveryScore: a COOLDOWN instance scoring at or above it, with risk
	// not HIGH, returns to ACTIVE.
	RecoveryScore    int           `yaml:"recovery_score"`
	CooldownDuration time.Duration `yaml:"cooldown_duration"`
	Weights          Weights       `yaml:"weights"`
	Phases           []Phase       `yaml:"phases"`
	AlertRules       []AlertRule   `yaml:"alert_rules"`
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	return Policy{
		CooldownFloor:    instance.MediumRiskFloor,
		RecoveryScore:    instance.MediumRiskFloor,
		CooldownDuration: 30 * time.Minute,
		Weights: Weights{
			FailureRate:    60,
			BlockReport:    15,
			ConnectionFlap: 4,
			OverVolume:     30,
		},
		Phases: []Phase{
			{Name: "NEW", Until: 72 * time.Hour, MaxDailySends: 20},
			{Name: "RAMP_UP", Until: 14 * 24 * time.Hour, MaxDailySends: 200},
			{Name: "MATURE", Until: 0, MaxDailySends: 0},
		},
		AlertRules: DefaultAlertRules(),
	}
}

// DefaultAlertRules returns the built-in alert rules.
func DefaultAlertRules() []AlertRule {
	return []AlertRule{
		{
			Code:     "BLOCK_REPORTS",
			Severity: instance.SeverityCritical,
			Expr:     `signals.block_reports >= 3`,
			Message:  "recipients reported or blocked this number",
		},
		{
			Code:     "HIGH_FAILURE_RATE",
			Severity: instance.SeverityWarning,
			Expr:     `signals.failure_rate > 0.25`,
			Message:  "more than a quarter of recent sends failed",
		},
		{
			Code:     "CONNECTION_FLAPPING",
			Severity: instance.SeverityWarning,
			Expr:     `signals.connection_flaps >= 5`,
			Message:  "session dropped repeatedly",
		},
		{
			Code:     "WARMUP_VOLUME_EXCEEDED",
			Severity: instance.SeverityWarning,
			Expr:     `phase.max_daily_sends > 0 && signals.send_volume > phase.max_daily_sends`,
			Message:  "send volume above the warm-up phase limit",
		},
	}
}

// Validate checks the policy for internal consistency.
func (p Policy) Validate() error {
	if p.CooldownFloor < 0 || p.CooldownFloor > 100 {
		return fmt.Errorf("health policy: cooldown_floor %d outside [0,100]", p.CooldownFloor)
	}
	if p.RecoveryScore < p.CooldownFloor || p.RecoveryScore > 100 {
		return fmt.Errorf("health policy: recovery_score %d must be in [cooldown_floor,100]", p.RecoveryScore)
	}
	if p.CooldownDuration <= 0 {
		return errors.New("health policy: cooldown_duration must be positive")
	}
	if len(p.Phases) == 0 {
		return errors.New("health policy: at least one warm-up phase is required")
	}
	var prev time.Duration
	for i, ph := range p.Phases {
		if ph.Name == "" {
			return fmt.Errorf("health policy: phase %d has no name", i)
		}
		last := i == len(p.Phases)-1
		if ph.Until == 0 && !last {
			return fmt.Errorf("health policy: only the last phase may be open-ended (%s)", ph.Name)
		}
		if ph.Until != 0 && ph.Until <= prev {
			return fmt.Errorf("health policy: phase %s must end after the previous one", ph.Name)
		}
		prev = ph.Until
	}
	return nil
}

// PhaseFor returns the warm-up phase for an instance of the given age.
func (p Policy) PhaseFor(elapsed time.Duration) Phase {
	for _, ph := range p.Phases {
		if ph.Until == 0 || elapsed < ph.Until {
			return ph
		}
	}
	return p.Phases[len(p.Phases)-1]
}
