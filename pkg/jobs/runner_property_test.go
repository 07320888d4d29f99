//go:build property

package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/zapguard/guardrail/pkg/transport"
)

// A job that keeps failing enters RETRY with attempts growing by exactly one
// and a strictly later NextAttemptAt each time, then fails at MaxAttempts.
func TestRetryScheduleProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("retry schedule is monotone and bounded", prop.ForAll(
		func(baseMs, maxAttempts, jitterMs int) bool {
			now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			dry := transport.NewDryRun()
			dry.Fail("i-1", transport.Result{Error: "down"})
			cfg := DefaultConfig()
			cfg.Backoff = BackoffPolicy{
				Base:        time.Duration(baseMs) * time.Millisecond,
				Max:         time.Minute,
				MaxJitter:   time.Duration(jitterMs) * time.Millisecond,
				MaxAttempts: maxAttempts,
			}
			store := NewMemoryStore()
			r := NewRunner(store, dry, cfg).WithClock(func() time.Time { return now })
			ctx := context.Background()
			job, err := r.Create(ctx, NewJob{IntentID: "in", InstanceID: "i-1", OrganizationID: "org"})
			if err != nil {
				return false
			}

			var prev time.Time
			for attempt := 1; attempt <= maxAttempts; attempt++ {
				if _, err := r.RunOnce(ctx); err != nil {
					return false
				}
				got, _ := store.Get(ctx, job.ID)
				if got.Status != StatusRetry || got.Attempts != attempt || got.NextAttemptAt == nil {
					return false
				}
				if !got.NextAttemptAt.After(prev) {
					return false
				}
				prev = *got.NextAttemptAt
				now = prev
			}
			if _, err := r.RunOnce(ctx); err != nil {
				return false
			}
			got, _ := store.Get(ctx, job.ID)
			return got.Status == StatusFailed && got.Attempts == maxAttempts && got.ExecutedAt == nil
		},
		gen.IntRange(1, 5000),
		gen.IntRange(1, 8),
		gen.IntRange(0, 1000),
	))

	properties.Property("delay never exceeds max plus jitter", prop.ForAll(
		func(attempts int) bool {
			p := DefaultBackoffPolicy()
			d := p.Delay(fmt.Sprintf("job-%d", attempts), attempts)
			return d > 0 && d <= p.Max
		},
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}
