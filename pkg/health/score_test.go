package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapguard/guardrail/pkg/instance"
)

func TestScore_DefaultWeights(t *testing.T) {
	p := DefaultPolicy()
	newPhase := p.PhaseFor(0)

	cases := []struct {
		name string
		s    Signals
		want int
	}{
		{"clean", Signals{}, 100},
		{"some failures", Signals{SendVolume: 10, FailureRate: 0.1}, 94},
		{"block reports", Signals{BlockReports: 3}, 55},
		{"failures and flaps", Signals{FailureRate: 0.5, ConnectionFlaps: 5}, 50},
		{"clamped at zero", Signals{BlockReports: 20}, 0},
		{"double volume in NEW", Signals{SendVolume: 40}, 70},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Score(tc.s, newPhase, p.Weights))
		})
	}
}

func TestScore_TieRoundsToLowerBand(t *testing.T) {
	w := Weights{OverVolume: 51}
	phase := Phase{Name: "TINY", MaxDailySends: 2}

	score := Score(Signals{SendVolume: 3}, phase, w) // 100 - 25.5 = 74.5
	assert.Equal(t, 74, score)
	assert.Equal(t, instance.RiskMedium, instance.RiskLevelFor(score, nil))
}

func TestPolicy_PhaseFor(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, "NEW", p.PhaseFor(time.Hour).Name)
	assert.Equal(t, "RAMP_UP", p.PhaseFor(72*time.Hour).Name)
	assert.Equal(t, "MATURE", p.PhaseFor(365*24*time.Hour).Name)
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.RecoveryScore = p.CooldownFloor - 1
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.Phases = []Phase{{Name: "OPEN"}, {Name: "LATER", Until: time.Hour}}
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.Phases = nil
	assert.Error(t, p.Validate())
}

func TestSignals_Validate(t *testing.T) {
	assert.NoError(t, Signals{SendVolume: 5, FailureRate: 0.2}.Validate())

	bad := []Signals{
		{SendVolume: -1},
		{FailureRate: -0.1},
		{FailureRate: 1.5},
		{BlockReports: -2},
		{ConnectionFlaps: -1},
		{WarmUpElapsed: -time.Second},
	}
	for _, s := range bad {
		assert.ErrorIs(t, s.Validate(), ErrInvalidSignal, "%+v", s)
	}
}
