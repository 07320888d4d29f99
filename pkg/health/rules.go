package health

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/zapguard/guardrail/pkg/instance"
)

type compiledRule struct {
	rule AlertRule
	prg  cel.Program
}

// RuleSet evaluates alert rules. Programs are compiled once at construction
// so a bad policy fails at startup rather than during a sweep.
type RuleSet struct {
	rules []compiledRule
}

// NewRuleSet compiles rules into a RuleSet.
func NewRuleSet(rules []AlertRule) (*RuleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("signals", cel.DynType),
		cel.Variable("phase", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	rs := &RuleSet{}
	for _, r := range rules {
		if r.Code == "" {
			return nil, fmt.Errorf("alert rule %q: code is required", r.Expr)
		}
		switch r.Severity {
		case instance.SeverityWarning, instance.SeverityCritical:
		default:
			return nil, fmt.Errorf("alert rule %s: unknown severity %q", r.Code, r.Severity)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("alert rule %s: compile: %w", r.Code, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("alert rule %s: program: %w", r.Code, err)
		}
		rs.rules = append(rs.rules, compiledRule{rule: r, prg: prg})
	}
	return rs, nil
}

// Alerts returns the alerts raised for signals in phase, in rule order.
func (rs *RuleSet) Alerts(s Signals, phase Phase) ([]instance.Alert, error) {
	input := map[string]any{
		"signals": map[string]any{
			"send_volume":           int64(s.SendVolume),
			"failure_rate":          s.FailureRate,
			"block_reports":         int64(s.BlockReports),
			"connection_flaps":      int64(s.ConnectionFlaps),
			"warm_up_elapsed_hours": s.WarmUpElapsed.Hours(),
		},
		"phase": map[string]any{
			"name":            phase.Name,
			"max_daily_sends": int64(phase.MaxDailySends),
		},
	}

	var alerts []instance.Alert
	for _, cr := range rs.rules {
		out, _, err := cr.prg.Eval(input)
		if err != nil {
			return nil, fmt.Errorf("alert rule %s: eval: %w", cr.rule.Code, err)
		}
		fired, ok := out.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("alert rule %s: result not bool", cr.rule.Code)
		}
		if fired {
			alerts = append(alerts, instance.Alert{
				Code:     cr.rule.Code,
				Severity: cr.rule.Severity,
				Message:  cr.rule.Message,
			})
		}
	}
	return alerts, nil
}
