package warmup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zapguard/guardrail/pkg/health"
	"github.com/zapguard/guardrail/pkg/instance"
	"github.com/zapguard/guardrail/pkg/intent"
	"github.com/zapguard/guardrail/pkg/transport"
)

// InstanceLister lists an organization's instances; "" lists all.
type InstanceLister interface {
	List(ctx context.Context, orgID string) ([]*instance.Instance, error)
}

// Submitter accepts intents. *intent.Pipeline implements it.
type Submitter interface {
	Decide(ctx context.Context, req intent.Request) (*intent.MessageIntent, error)
}

// VolumeSource reports an instance's windowed signals including its warm-up
// age. *health.Evaluator implements it.
type VolumeSource interface {
	SignalsFor(inst *instance.Instance) health.Signals
}

// Driver submits one warm-up intent per eligible instance per tick.
type Driver struct {
	instances InstanceLister
	submitter Submitter
	content   *ContentProvider
	targets   TargetProvider

	volume VolumeSource
	policy health.Policy

	mu      sync.Mutex
	cursors map[string]int

	logger *slog.Logger
}

func NewDriver(instances InstanceLister, submitter Submitter, content *ContentProvider, targets TargetProvider) *Driver {
	if content == nil {
		content = NewContentProvider(nil)
	}
	return &Driver{
		instances: instances,
		submitter: submitter,
		content:   content,
		targets:   targets,
		cursors:   make(map[string]int),
		logger:    slog.Default().With("component", "warmup"),
	}
}

// WithPhaseLimit makes Tick skip instances whose send volume has reached the
// daily limit of their warm-up phase.
func (d *Driver) WithPhaseLimit(source VolumeSource, policy health.Policy) *Driver {
	d.volume = source
	d.policy = policy
	return d
}

// atPhaseLimit reports whether inst has used up its phase's daily sends.
func (d *Driver) atPhaseLimit(inst *instance.Instance) (bool, health.Signals, health.Phase) {
	if d.volume == nil || len(d.policy.Phases) == 0 {
		return false, health.Signals{}, health.Phase{}
	}
	s := d.volume.SignalsFor(inst)
	phase := d.policy.PhaseFor(s.WarmUpElapsed)
	return phase.MaxDailySends > 0 && s.SendVolume >= phase.MaxDailySends, s, phase
}

// Tick submits a WARMUP TEXT intent, pinned to the instance, for every ACTIVE
// WARMUP or MIXED instance of orgID that has targets and is under its phase
// limit. It returns the number
// of intents submitted; their decisions are left to the pipeline.
func (d *Driver) Tick(ctx context.Context, orgID string) (int, error) {
	all, err := d.instances.List(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("list instances: %w", err)
	}
	var (
		submitted int
		errs      []error
	)
	for _, inst := range all {
		if !inst.Purpose.SupportsWarmUp() || inst.LifecycleStatus != instance.LifecycleActive {
			continue
		}
		if full, s, phase := d.atPhaseLimit(inst); full {
			d.logger.DebugContext(ctx, "warm-up skipped, phase limit reached",
				"instance_id", inst.ID, "phase", phase.Name, "send_volume", s.SendVolume, "max_daily_sends", phase.MaxDailySends)
			continue
		}
		target, ok, err := d.nextTarget(ctx, inst.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		payload, err := json.Marshal(map[string]string{"text": d.content.RandomText()})
		if err != nil {
			return submitted, err
		}
		m, err := d.submitter.Decide(ctx, intent.Request{
			OrganizationID: inst.OrganizationID,
			Purpose:        intent.PurposeWarmUp,
			Type:           transport.TypeText,
			Target:         transport.Target{Kind: transport.TargetPhone, Value: target},
			Payload:        payload,
			InstanceID:     inst.ID,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("warm-up for %s: %w", inst.ID, err))
			continue
		}
		submitted++
		d.logger.DebugContext(ctx, "warm-up submitted", "instance_id", inst.ID, "intent_id", m.ID, "status", m.Status)
	}
	return submitted, errors.Join(errs...)
}

// nextTarget rotates over the instance's targets.
func (d *Driver) nextTarget(ctx context.Context, instanceID string) (string, bool, error) {
	targets, err := d.targets.ListTargets(ctx, instanceID)
	if err != nil {
		return "", false, fmt.Errorf("list targets for %s: %w", instanceID, err)
	}
	if len(targets) == 0 {
		return "", false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.cursors[instanceID] % len(targets)
	d.cursors[instanceID] = i + 1
	return targets[i], true, nil
}
