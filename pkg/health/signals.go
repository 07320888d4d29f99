// Package health scores WhatsApp instances from raw delivery signals and
// drives the health side of the lifecycle (ACTIVE <-> COOLDOWN).
package health

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidSignal is returned for negative, NaN or infinite signal values.
var ErrInvalidSignal = errors.New("health: invalid signal")

// Signals are the raw inputs to a health evaluation, observed over the
// collector window.
type Signals struct {
	SendVolume      int           `json:"send_volume"`
	FailureRate     float64       `json:"failure_rate"`
	BlockReports    int           `json:"block_reports"`
	ConnectionFlaps int           `json:"connection_flaps"`
	WarmUpElapsed   time.Duration `json:"warm_up_elapsed"`
}

// Validate rejects out-of-domain values.
func (s Signals) Validate() error {
	switch {
	case s.SendVolume < 0:
		return fmt.Errorf("%w: send_volume %d", ErrInvalidSignal, s.SendVolume)
	case math.IsNaN(s.FailureRate) || math.IsInf(s.FailureRate, 0):
		return fmt.Errorf("%w: failure_rate is not a number", ErrInvalidSignal)
	case s.FailureRate < 0 || s.FailureRate > 1:
		return fmt.Errorf("%w: failure_rate %v outside [0,1]", ErrInvalidSignal, s.FailureRate)
	case s.BlockReports < 0:
		return fmt.Errorf("%w: block_reports %d", ErrInvalidSignal, s.BlockReports)
	case s.ConnectionFlaps < 0:
		return fmt.Errorf("%w: connection_flaps %d", ErrInvalidSignal, s.ConnectionFlaps)
	case s.WarmUpElapsed < 0:
		return fmt.Errorf("%w: warm_up_elapsed %s", ErrInvalidSignal, s.WarmUpElapsed)
	}
	return nil
}
