package health

import "math"

// Score computes the reputation score for signals in phase. It is a pure
// function: identical inputs always yield the identical score.
//
// Penalties are subtracted from 100 and the result is clamped to [0,100] and
// rounded half-down, so a fractional tie lands in the lower risk band.
func Score(s Signals, phase Phase, w Weights) int {
	score := 100.0
	score -= s.FailureRate * w.FailureRate
	score -= float64(s.BlockReports) * w.BlockReport
	score -= float64(s.ConnectionFlaps) * w.ConnectionFlap

	if phase.MaxDailySends > 0 && s.SendVolume > phase.MaxDailySends {
		over := float64(s.SendVolume-phase.MaxDailySends) / float64(phase.MaxDailySends)
		score -= math.Min(over, 1) * w.OverVolume
	}

	score = math.Max(0, math.Min(100, score))
	return int(math.Ceil(score - 0.5))
}
