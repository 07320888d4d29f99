package health

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapguard/guardrail/pkg/instance"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, source SignalSource) (*Evaluator, *instance.Service, *instance.Instance) {
	t.Helper()
	clock := func() time.Time { return testNow }
	svc := instance.NewService(instance.NewMemoryStore()).WithClock(clock)
	ctx := context.Background()

	inst, err := svc.Provision(ctx, instance.ProvisionRequest{
		OrganizationID: "org-1", DisplayName: "Sales", Phone: "+5511999998888",
		Engine: instance.EngineTurboZap, Purpose: instance.PurposeDispatch,
	})
	require.NoError(t, err)
	_, err = svc.ApplyConnectionEvent(ctx, inst.ID, instance.EventConnect)
	require.NoError(t, err)
	inst, err = svc.ApplyConnectionEvent(ctx, inst.ID, instance.EventConnected)
	require.NoError(t, err)

	ev, err := NewEvaluator(svc, DefaultPolicy(), source)
	require.NoError(t, err)
	return ev.WithClock(clock), svc, inst
}

func TestEvaluate_HealthyInstance(t *testing.T) {
	ev, _, inst := setup(t, nil)

	a, err := ev.Evaluate(context.Background(), inst.ID, Signals{SendVolume: 10, FailureRate: 0.1})
	require.NoError(t, err)
	assert.Equal(t, 94, a.Score)
	assert.Equal(t, instance.RiskLow, a.RiskLevel)
	assert.Equal(t, "NEW", a.WarmUpPhase)
	assert.Contains(t, a.Actions, instance.ActionAllowDispatch)
	assert.Empty(t, a.Alerts)
	require.NotNil(t, a.EvaluatedAt)
}

func TestEvaluate_IdenticalSignalsAreStable(t *testing.T) {
	ev, _, inst := setup(t, nil)
	ctx := context.Background()
	s := Signals{SendVolume: 12, FailureRate: 0.3, ConnectionFlaps: 2}

	first, err := ev.Evaluate(ctx, inst.ID, s)
	require.NoError(t, err)
	second, err := ev.Evaluate(ctx, inst.ID, s)
	require.NoError(t, err)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.RiskLevel, second.RiskLevel)
	assert.Equal(t, first.Alerts, second.Alerts)
}

func TestEvaluate_InvalidSignalDoesNotMutate(t *testing.T) {
	ev, svc, inst := setup(t, nil)
	ctx := context.Background()

	_, err := ev.Evaluate(ctx, inst.ID, Signals{FailureRate: math.NaN()})
	assert.ErrorIs(t, err, ErrInvalidSignal)

	after, err := svc.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.Version, after.Version)
	assert.Equal(t, inst.ReputationScore, after.ReputationScore)
	assert.Nil(t, after.LastEvaluatedAt)
}

func TestEvaluate_CooldownEntryAndRecovery(t *testing.T) {
	ev, _, inst := setup(t, nil)
	ctx := context.Background()

	a, err := ev.Evaluate(ctx, inst.ID, Signals{SendVolume: 10, FailureRate: 1})
	require.NoError(t, err)
	assert.Equal(t, 40, a.Score)
	assert.Equal(t, instance.LifecycleCooldown, a.LifecycleStatus)
	assert.Contains(t, a.CooldownReason, "below cooldown floor 45")
	require.NotNil(t, a.CooldownUntil)
	assert.Equal(t, testNow.Add(30*time.Minute), *a.CooldownUntil)
	assert.Contains(t, a.Actions, instance.ActionBlockDispatch)
	assert.NotContains(t, a.Actions, instance.ActionAllowDispatch)

	// Still below recovery: stays in cooldown.
	a, err = ev.Evaluate(ctx, inst.ID, Signals{FailureRate: 0.95})
	require.NoError(t, err)
	assert.Equal(t, instance.LifecycleCooldown, a.LifecycleStatus)

	a, err = ev.Evaluate(ctx, inst.ID, Signals{SendVolume: 10})
	require.NoError(t, err)
	assert.Equal(t, instance.LifecycleActive, a.LifecycleStatus)
	assert.Empty(t, a.CooldownReason)
	assert.Contains(t, a.Actions, instance.ActionAllowDispatch)
}

func TestEvaluate_CriticalAlertForcesCooldown(t *testing.T) {
	ev, _, inst := setup(t, nil)

	a, err := ev.Evaluate(context.Background(), inst.ID, Signals{BlockReports: 3})
	require.NoError(t, err)
	assert.Equal(t, 55, a.Score)
	assert.Equal(t, instance.RiskHigh, a.RiskLevel)
	assert.Equal(t, instance.LifecycleCooldown, a.LifecycleStatus)
	assert.Contains(t, a.CooldownReason, "BLOCK_REPORTS")
	assert.Contains(t, a.Actions, instance.ActionAlert)
}

func TestEvaluate_BannedStaysBanned(t *testing.T) {
	ev, svc, inst := setup(t, nil)
	ctx := context.Background()
	_, err := svc.Ban(ctx, inst.ID, "reported")
	require.NoError(t, err)

	a, err := ev.Evaluate(ctx, inst.ID, Signals{})
	require.NoError(t, err)
	assert.Equal(t, 100, a.Score)
	assert.Equal(t, instance.LifecycleBanned, a.LifecycleStatus)
	assert.NotContains(t, a.Actions, instance.ActionAllowDispatch)
}

func TestAssessment_ReadsWithoutEvaluating(t *testing.T) {
	ev, _, inst := setup(t, nil)
	ctx := context.Background()

	a, err := ev.Assessment(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, a.Score)
	assert.Nil(t, a.EvaluatedAt)

	_, err = ev.Assessment(ctx, "missing")
	assert.ErrorIs(t, err, instance.ErrNotFound)
}

func TestSweep_UsesCollectedSignals(t *testing.T) {
	collector := NewSignalCollector(time.Hour, 0).WithClock(func() time.Time { return testNow })
	ev, svc, inst := setup(t, collector)
	ctx := context.Background()

	for n := 0; n < 4; n++ {
		collector.RecordSend(inst.ID, n%2 == 0)
	}

	// A CREATED instance is not part of the sweep.
	_, err := svc.Provision(ctx, instance.ProvisionRequest{
		OrganizationID: "org-1", Engine: instance.EngineEvolution, Purpose: instance.PurposeWarmUp,
	})
	require.NoError(t, err)

	n, err := ev.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := ev.Assessment(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, a.Score) // 50% failures
	require.Len(t, a.Alerts, 1)
	assert.Equal(t, "HIGH_FAILURE_RATE", a.Alerts[0].Code)
}
