package health

import (
	"sync"
	"time"

	"github.com/zapguard/guardrail/pkg/instance"
)

// window counts timestamped events over a rolling duration.
type window struct {
	size       time.Duration
	maxSamples int
	samples    []time.Time
}

func (w *window) add(ts time.Time) {
	w.samples = append(w.samples, ts)
	w.prune(ts)
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.size)
	start := len(w.samples)
	for i, ts := range w.samples {
		if ts.After(cutoff) {
			start = i
			break
		}
	}
	w.samples = w.samples[start:]
	if len(w.samples) > w.maxSamples {
		w.samples = w.samples[len(w.samples)-w.maxSamples:]
	}
}

func (w *window) count(now time.Time) int {
	w.prune(now)
	return len(w.samples)
}

type instanceWindows struct {
	sends, failures, blocks, flaps window
}

// SignalCollector keeps rolling per-instance counters fed by the job runner
// and connection management, and turns them into Signals for sweeps.
type SignalCollector struct {
	mu         sync.Mutex
	windowSize time.Duration
	maxSamples int
	instances  map[string]*instanceWindows
	clock      func() time.Time
}

// NewSignalCollector creates a collector over windowSize. maxSamples bounds
// memory per counter.
func NewSignalCollector(windowSize time.Duration, maxSamples int) *SignalCollector {
	if maxSamples <= 0 {
		maxSamples = 10000
	}
	return &SignalCollector{
		windowSize: windowSize,
		maxSamples: maxSamples,
		instances:  make(map[string]*instanceWindows),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *SignalCollector) WithClock(clock func() time.Time) *SignalCollector {
	c.clock = clock
	return c
}

func (c *SignalCollector) get(id string) *instanceWindows {
	w, ok := c.instances[id]
	if !ok {
		mk := func() window { return window{size: c.windowSize, maxSamples: c.maxSamples} }
		w = &instanceWindows{sends: mk(), failures: mk(), blocks: mk(), flaps: mk()}
		c.instances[id] = w
	}
	return w
}

// RecordSend records a dispatch attempt outcome.
func (c *SignalCollector) RecordSend(instanceID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	w := c.get(instanceID)
	w.sends.add(now)
	if !ok {
		w.failures.add(now)
	}
}

// RecordBlockReport records a recipient block or spam report.
func (c *SignalCollector) RecordBlockReport(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(instanceID).blocks.add(c.clock())
}

// ObserveConnection counts session drops as flaps. It has the
// instance.ConnectionObserver signature.
func (c *SignalCollector) ObserveConnection(instanceID string, event instance.ConnectionEvent) {
	if event != instance.EventDisconnected && event != instance.EventError {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(instanceID).flaps.add(c.clock())
}

// Signals returns the windowed signals for an instance. WarmUpElapsed is
// left zero; the caller knows the instance age.
func (c *SignalCollector) Signals(instanceID string) Signals {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.instances[instanceID]
	if !ok {
		return Signals{}
	}
	now := c.clock()
	sends := w.sends.count(now)
	s := Signals{
		SendVolume:      sends,
		BlockReports:    w.blocks.count(now),
		ConnectionFlaps: w.flaps.count(now),
	}
	if sends > 0 {
		s.FailureRate = float64(w.failures.count(now)) / float64(sends)
		if s.FailureRate > 1 {
			s.FailureRate = 1
		}
	}
	return s
}
