// Package engine runs the background workers: health sweep, queued intent
// re-decision, job runner, follow-up escalation and warm-up traffic. Each
// worker is an independent ticker loop; per-entity consistency comes from the
// owning service or store compare-and-set, not from the scheduler.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zapguard/guardrail/pkg/followup"
	"github.com/zapguard/guardrail/pkg/health"
	"github.com/zapguard/guardrail/pkg/intent"
	"github.com/zapguard/guardrail/pkg/jobs"
	"github.com/zapguard/guardrail/pkg/observability"
	"github.com/zapguard/guardrail/pkg/warmup"
)

// Config holds the loop intervals. A zero interval disables the loop.
type Config struct {
	HealthSweep   time.Duration `yaml:"health_sweep"`
	IntentSweep   time.Duration `yaml:"intent_sweep"`
	JobRunner     time.Duration `yaml:"job_runner"`
	FollowUpSweep time.Duration `yaml:"followup_sweep"`
	WarmUp        time.Duration `yaml:"warm_up"`
}

func DefaultConfig() Config {
	return Config{
		HealthSweep:   time.Minute,
		IntentSweep:   30 * time.Second,
		JobRunner:     2 * time.Second,
		FollowUpSweep: time.Minute,
		WarmUp:        10 * time.Minute,
	}
}

// Workers are the components driven by the scheduler. Nil workers are skipped.
type Workers struct {
	Health   *health.Evaluator
	Intents  *intent.Sweeper
	Jobs     *jobs.Runner
	FollowUp *followup.Escalator
	WarmUp   *warmup.Driver
}

// TaskFunc performs one pass and reports how many entities it touched.
type TaskFunc func(ctx context.Context) (int, error)

type task struct {
	name     string
	interval time.Duration
	run      TaskFunc
}

// Scheduler owns the worker goroutines.
type Scheduler struct {
	tasks     []task
	telemetry *observability.Provider
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a scheduler with one loop per configured worker.
func New(cfg Config, w Workers) *Scheduler {
	s := &Scheduler{logger: slog.Default().With("component", "engine")}
	if w.Health != nil {
		s.Add("health_sweep", cfg.HealthSweep, w.Health.Sweep)
	}
	if w.Intents != nil {
		s.Add("intent_sweep", cfg.IntentSweep, w.Intents.Run)
	}
	if w.Jobs != nil {
		s.Add("job_runner", cfg.JobRunner, w.Jobs.RunOnce)
	}
	if w.FollowUp != nil {
		s.Add("followup_sweep", cfg.FollowUpSweep, w.FollowUp.Sweep)
	}
	if w.WarmUp != nil {
		driver := w.WarmUp
		s.Add("warm_up", cfg.WarmUp, func(ctx context.Context) (int, error) {
			return driver.Tick(ctx, "")
		})
	}
	return s
}

// WithTelemetry wraps every pass in a span.
func (s *Scheduler) WithTelemetry(p *observability.Provider) *Scheduler {
	s.telemetry = p
	return s
}

// Add registers a loop. Intervals <= 0 are ignored. Must be called before Start.
func (s *Scheduler) Add(name string, interval time.Duration, fn TaskFunc) {
	if interval <= 0 || fn == nil {
		s.logger.Info("loop disabled", "task", name)
		return
	}
	s.tasks = append(s.tasks, task{name: name, interval: interval, run: fn})
}

// Tasks returns the registered loop names in registration order.
func (s *Scheduler) Tasks() []string {
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.name
	}
	return names
}

// Start launches every loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.logger.Info("scheduler started", "loops", len(s.tasks))
}

// Stop cancels every loop and waits for in-flight passes to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RunOnce executes one pass of every loop in order, for CLI sweeps and tests.
func (s *Scheduler) RunOnce(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(s.tasks))
	var errs []error
	for _, t := range s.tasks {
		n, err := s.pass(ctx, t)
		counts[t.name] = n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return counts, errors.Join(errs...)
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.pass(ctx, t)
		}
	}
}

func (s *Scheduler) pass(ctx context.Context, t task) (n int, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "engine."+t.name, attribute.String("task", t.name))
	defer func() { done(err) }()

	n, err = t.run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.ErrorContext(ctx, "pass failed", "task", t.name, "processed", n, "error", err)
	} else if n > 0 {
		s.logger.DebugContext(ctx, "pass complete", "task", t.name, "processed", n)
	}
	return n, err
}
