package jobs

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy configures retry delays.
type BackoffPolicy struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
	// MaxJitter adds a deterministic jitter in [0, MaxJitter). Zero disables it.
	MaxJitter   time.Duration `yaml:"max_jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DefaultBackoffPolicy doubles from one second up to five minutes, three attempts.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        time.Second,
		Max:         5 * time.Minute,
		MaxAttempts: 3,
	}
}

// Delay returns the wait before the next attempt once a job has entered
// RETRY for the attempts-th time: Base * 2^(attempts-1), capped at Max, plus
// jitter derived from the job id so that replays compute the same schedule.
func (p BackoffPolicy) Delay(jobID string, attempts int) time.Duration {
	exp := attempts - 1
	if exp < 0 {
		exp = 0
	}
	delay := p.Max
	if exp < 62 && p.Base <= p.Max>>uint(exp) {
		delay = p.Base << uint(exp)
	}
	return delay + p.jitter(jobID, attempts)
}

func (p BackoffPolicy) jitter(jobID string, attempts int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", jobID, attempts)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
