//go:build property

package health

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/zapguard/guardrail/pkg/instance"
)

func TestScoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)
	p := DefaultPolicy()

	signals := gopter.CombineGens(
		gen.IntRange(0, 1000),
		gen.Float64Range(0, 1),
		gen.IntRange(0, 20),
		gen.IntRange(0, 50),
	).Map(func(v []interface{}) Signals {
		return Signals{
			SendVolume:      v[0].(int),
			FailureRate:     v[1].(float64),
			BlockReports:    v[2].(int),
			ConnectionFlaps: v[3].(int),
		}
	})

	properties.Property("score stays within [0,100]", prop.ForAll(
		func(s Signals) bool {
			score := Score(s, p.PhaseFor(0), p.Weights)
			return score >= 0 && score <= 100
		},
		signals,
	))

	properties.Property("score is deterministic and so is the risk level", prop.ForAll(
		func(s Signals) bool {
			a := Score(s, p.PhaseFor(0), p.Weights)
			b := Score(s, p.PhaseFor(0), p.Weights)
			return a == b && instance.RiskLevelFor(a, nil) == instance.RiskLevelFor(b, nil)
		},
		signals,
	))

	properties.Property("more block reports never raise the score", prop.ForAll(
		func(s Signals) bool {
			worse := s
			worse.BlockReports++
			return Score(worse, p.PhaseFor(0), p.Weights) <= Score(s, p.PhaseFor(0), p.Weights)
		},
		signals,
	))

	properties.TestingRun(t)
}
