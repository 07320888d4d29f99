package intent

import (
	"context"
	"errors"
	"fmt"

	"github.com/zapguard/guardrail/pkg/instance"
	"github.com/zapguard/guardrail/pkg/timeline"
)

// Sweeper re-decides QUEUED intents whose deadline has elapsed.
type Sweeper struct {
	pipeline *Pipeline
}

// NewSweeper creates a sweeper over p.
func NewSweeper(p *Pipeline) *Sweeper {
	return &Sweeper{pipeline: p}
}

// Run re-decides every due intent once and returns how many it moved.
// An intent another sweeper re-decided first is skipped.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	p := s.pipeline
	due, err := p.store.ListDueQueued(ctx, p.clock(), p.config.SweepBatch)
	if err != nil {
		return 0, err
	}
	var (
		moved int
		errs  []error
	)
	for _, m := range due {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		_, err := s.Redecide(ctx, m)
		switch {
		case err == nil:
			moved++
		case errors.Is(err, ErrConflict):
			p.logger.DebugContext(ctx, "intent re-decided elsewhere", "intent_id", m.ID)
		default:
			errs = append(errs, fmt.Errorf("redecide %s: %w", m.ID, err))
		}
	}
	return moved, errors.Join(errs...)
}

// Redecide re-runs the health decision for one due QUEUED intent against the
// instance that queued it. Requeues past MaxRequeues become BLOCKED.
func (s *Sweeper) Redecide(ctx context.Context, m *MessageIntent) (*MessageIntent, error) {
	p := s.pipeline
	now := p.clock()
	if m.Status != StatusQueued || m.QueuedUntil == nil || m.QueuedUntil.After(now) {
		return m, nil
	}

	var d decision
	inst, err := p.instances.Get(ctx, m.DecidedByInstanceID)
	switch {
	case errors.Is(err, instance.ErrNotFound):
		d = blocked(nil, "deciding instance no longer exists")
	case err != nil:
		return nil, err
	default:
		d = p.assess(ctx, inst, now)
	}
	if d.status == StatusQueued && m.RequeueCount >= p.config.MaxRequeues {
		d = blocked(d.instance, fmt.Sprintf("requeue limit reached after %d attempts: %s", m.RequeueCount, d.reason))
	}
	return p.apply(ctx, m, d, timeline.KindIntentRedecided)
}
