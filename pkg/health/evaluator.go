package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zapguard/guardrail/pkg/instance"
	"github.com/zapguard/guardrail/pkg/observability"
)

// Assessment is the outcome of an evaluation, or the last-known state when
// read back with Evaluator.Assessment.
type Assessment struct {
	InstanceID       string                    `json:"instance_id"`
	Score            int                       `json:"score"`
	RiskLevel        instance.RiskLevel        `json:"risk_level"`
	Alerts           []instance.Alert          `json:"alerts"`
	Actions          []instance.Action         `json:"actions"`
	WarmUpPhase      string                    `json:"warm_up_phase"`
	CooldownReason   string                    `json:"cooldown_reason,omitempty"`
	CooldownUntil    *time.Time                `json:"cooldown_until,omitempty"`
	LifecycleStatus  instance.LifecycleStatus  `json:"lifecycle_status"`
	ConnectionStatus instance.ConnectionStatus `json:"connection_status"`
	EvaluatedAt      *time.Time                `json:"evaluated_at,omitempty"`
}

// AssessmentOf projects an instance record into an Assessment.
func AssessmentOf(inst *instance.Instance) *Assessment {
	return &Assessment{
		InstanceID:       inst.ID,
		Score:            inst.ReputationScore,
		RiskLevel:        inst.RiskLevel(),
		Alerts:           inst.Alerts,
		Actions:          inst.AllowedActions(),
		WarmUpPhase:      inst.WarmUpPhase,
		CooldownReason:   inst.CooldownReason,
		CooldownUntil:    inst.CooldownUntil,
		LifecycleStatus:  inst.LifecycleStatus,
		ConnectionStatus: inst.ConnectionStatus,
		EvaluatedAt:      inst.LastEvaluatedAt,
	}
}

// SignalSource supplies windowed signals for an instance.
type SignalSource interface {
	Signals(instanceID string) Signals
}

// Evaluator scores instances and applies the health-driven lifecycle rules.
type Evaluator struct {
	instances *instance.Service
	policy    Policy
	rules     *RuleSet
	source    SignalSource
	telemetry *observability.Provider
	clock     func() time.Time
	logger    *slog.Logger
}

// NewEvaluator creates an evaluator. source may be nil when only explicit
// evaluations are used.
func NewEvaluator(instances *instance.Service, policy Policy, source SignalSource) (*Evaluator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	rules, err := NewRuleSet(policy.AlertRules)
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		instances: instances,
		policy:    policy,
		rules:     rules,
		source:    source,
		clock:     time.Now,
		logger:    slog.Default().With("component", "health"),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// WithTelemetry attaches an observability provider.
func (e *Evaluator) WithTelemetry(p *observability.Provider) *Evaluator {
	e.telemetry = p
	return e
}

// Evaluate scores signals, writes the result onto the instance and applies
// cooldown entry/exit. Invalid signals are rejected before anything is read
// or written.
func (e *Evaluator) Evaluate(ctx context.Context, instanceID string, s Signals) (a *Assessment, err error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	ctx, done := e.telemetry.TrackOperation(ctx, "health.evaluate", attribute.String("instance_id", instanceID))
	defer func() { done(err) }()

	phase := e.policy.PhaseFor(s.WarmUpElapsed)
	score := Score(s, phase, e.policy.Weights)
	alerts, err := e.rules.Alerts(s, phase)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	var transition string
	inst, err := e.instances.Update(ctx, instanceID, func(i *instance.Instance) error {
		i.ReputationScore = score
		i.Alerts = alerts
		i.WarmUpPhase = phase.Name
		evaluated := now
		i.LastEvaluatedAt = &evaluated

		risk := i.RiskLevel()
		switch i.LifecycleStatus {
		case instance.LifecycleActive:
			if score < e.policy.CooldownFloor || risk == instance.RiskHigh {
				transition = "cooldown_entered"
				return i.EnterCooldown(cooldownReason(score, e.policy.CooldownFloor, alerts), now.Add(e.policy.CooldownDuration))
			}
		case instance.LifecycleCooldown:
			if score >= e.policy.RecoveryScore && risk != instance.RiskHigh {
				transition = "cooldown_cleared"
				return i.ExitCooldown()
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("health: evaluate %s: %w", instanceID, err)
	}

	a = AssessmentOf(inst)
	e.telemetry.RecordHealthEvaluation(ctx, string(a.RiskLevel))
	e.logger.InfoContext(ctx, "instance evaluated",
		"instance_id", instanceID, "score", score, "risk_level", a.RiskLevel,
		"alerts", len(alerts), "phase", phase.Name)
	if transition != "" {
		e.logger.WarnContext(ctx, "health lifecycle transition",
			"instance_id", instanceID, "transition", transition, "lifecycle_status", inst.LifecycleStatus)
	}
	return a, nil
}

func cooldownReason(score, floor int, alerts []instance.Alert) string {
	for _, a := range alerts {
		if a.Severity == instance.SeverityCritical {
			return fmt.Sprintf("critical alert %s: %s", a.Code, a.Message)
		}
	}
	return fmt.Sprintf("reputation score %d below cooldown floor %d", score, floor)
}

// Assessment returns the last-known assessment without re-evaluating.
func (e *Evaluator) Assessment(ctx context.Context, instanceID string) (*Assessment, error) {
	inst, err := e.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return AssessmentOf(inst), nil
}

// SignalsFor assembles signals for an instance from the source and its age.
func (e *Evaluator) SignalsFor(inst *instance.Instance) Signals {
	var s Signals
	if e.source != nil {
		s = e.source.Signals(inst.ID)
	}
	if elapsed := e.clock().Sub(inst.WarmUpStartedAt); elapsed > 0 {
		s.WarmUpElapsed = elapsed
	}
	return s
}

// Sweep re-evaluates every active instance from collected signals. A failure
// on one instance does not stop the others; all failures are returned joined.
func (e *Evaluator) Sweep(ctx context.Context) (int, error) {
	ids, err := e.instances.ListActiveIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("health: list active instances: %w", err)
	}

	var (
		evaluated int
		errs      []error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		inst, err := e.instances.Get(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := e.Evaluate(ctx, id, e.SignalsFor(inst)); err != nil {
			e.logger.ErrorContext(ctx, "sweep evaluation failed", "instance_id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		evaluated++
	}
	return evaluated, errors.Join(errs...)
}
