package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zapguard/guardrail/pkg/instance"
	"github.com/zapguard/guardrail/pkg/metering"
	"github.com/zapguard/guardrail/pkg/observability"
	"github.com/zapguard/guardrail/pkg/timeline"
	"github.com/zapguard/guardrail/pkg/transport"
)

// IntentSink is told when a job's intent has been delivered.
type IntentSink interface {
	MarkSent(ctx context.Context, intentID string) error
}

// Banner applies a ban signal to an instance.
type Banner interface {
	Ban(ctx context.Context, instanceID, reason string) (*instance.Instance, error)
}

// SendRecorder receives every dispatch outcome as a health signal.
type SendRecorder interface {
	RecordSend(instanceID string, ok bool)
}

// Config configures the runner.
type Config struct {
	Backoff         BackoffPolicy `yaml:"backoff"`
	BatchSize       int           `yaml:"batch_size"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		Backoff:         DefaultBackoffPolicy(),
		BatchSize:       50,
		DispatchTimeout: 30 * time.Second,
	}
}

// Runner is the only writer of jobs after creation.
type Runner struct {
	store     Store
	transport transport.Transport
	config    Config

	intents   IntentSink
	banner    Banner
	signals   SendRecorder
	meter     metering.Meter
	events    timeline.Log
	telemetry *observability.Provider

	clock  func() time.Time
	logger *slog.Logger
}

// NewRunner creates a runner over store and t.
func NewRunner(store Store, t transport.Transport, cfg Config) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = DefaultBackoffPolicy().MaxAttempts
	}
	return &Runner{
		store:     store,
		transport: t,
		config:    cfg,
		clock:     time.Now,
		logger:    slog.Default().With("component", "jobs"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// WithIntentSink sets the collaborator notified on SENT.
func (r *Runner) WithIntentSink(s IntentSink) *Runner { r.intents = s; return r }

// WithBanner sets the collaborator applying transport ban signals.
func (r *Runner) WithBanner(b Banner) *Runner { r.banner = b; return r }

// WithSignals sets the health signal recorder.
func (r *Runner) WithSignals(s SendRecorder) *Runner { r.signals = s; return r }

// WithMeter sets the execution metrics sink.
func (r *Runner) WithMeter(m metering.Meter) *Runner { r.meter = m; return r }

// WithTimeline sets the event log.
func (r *Runner) WithTimeline(l timeline.Log) *Runner { r.events = l; return r }

// WithTelemetry attaches an observability provider.
func (r *Runner) WithTelemetry(p *observability.Provider) *Runner { r.telemetry = p; return r }

// Store exposes the job store for read paths.
func (r *Runner) Store() Store { return r.store }

// Create opens a PENDING job for an approved intent.
func (r *Runner) Create(ctx context.Context, nj NewJob) (*Job, error) {
	if nj.IntentID == "" || nj.InstanceID == "" {
		return nil, errors.New("jobs: intent_id and instance_id are required")
	}
	now := r.clock()
	job := &Job{
		ID:             uuid.NewString(),
		IntentID:       nj.IntentID,
		OrganizationID: nj.OrganizationID,
		InstanceID:     nj.InstanceID,
		Provider:       nj.Provider,
		Target:         nj.Target,
		Type:           nj.Type,
		Payload:        nj.Payload,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if err := r.store.Create(ctx, job); err != nil {
		return nil, err
	}
	r.transitioned(ctx, job, metering.KindJobCreated, timeline.KindJobCreated, "job created")
	return job, nil
}

// RunOnce dispatches every due job once and returns how many it processed.
// Jobs claimed by another runner in the meantime are skipped.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	due, err := r.store.ListDue(ctx, r.clock(), r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("jobs: list due: %w", err)
	}
	processed := 0
	for _, job := range due {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		ok, err := r.process(ctx, job)
		if err != nil {
			r.logger.ErrorContext(ctx, "job processing failed", "job_id", job.ID, "error", err)
			continue
		}
		if ok {
			processed++
		}
	}
	return processed, nil
}

func (r *Runner) process(ctx context.Context, job *Job) (bool, error) {
	claimed := job.Clone()
	claimed.Status = StatusProcessing
	claimed.NextAttemptAt = nil
	claimed.UpdatedAt = r.clock()
	claimed.Version = job.Version + 1
	if err := r.store.Update(ctx, claimed, job.Status, job.Version); err != nil {
		if errors.Is(err, ErrConflict) {
			return false, nil
		}
		return false, err
	}
	r.record(ctx, claimed, timeline.KindJobAttempt, "dispatch attempt", nil)

	res, sendErr := r.send(ctx, claimed)
	ok := sendErr == nil && res.Success
	if r.signals != nil {
		r.signals.RecordSend(claimed.InstanceID, ok)
	}

	next := claimed.Clone()
	next.UpdatedAt = r.clock()
	next.Version = claimed.Version + 1

	if ok {
		executed := next.UpdatedAt
		next.Status = StatusSent
		next.ExecutedAt = &executed
		next.ProviderMessageID = res.ProviderMessageID
		if err := r.store.Update(ctx, next, StatusProcessing, claimed.Version); err != nil {
			return false, err
		}
		r.transitioned(ctx, next, metering.KindMessageSent, timeline.KindJobSent, "message sent")
		if r.intents != nil {
			if err := r.intents.MarkSent(ctx, next.IntentID); err != nil {
				r.logger.ErrorContext(ctx, "failed to mark intent sent", "intent_id", next.IntentID, "error", err)
			}
		}
		return true, nil
	}

	next.LastError = failureReason(res, sendErr)
	switch {
	case res.Banned:
		next.Status = StatusFailed
		if r.banner != nil {
			if _, err := r.banner.Ban(ctx, next.InstanceID, "transport reported ban: "+next.LastError); err != nil && !errors.Is(err, instance.ErrIllegalTransition) {
				r.logger.ErrorContext(ctx, "failed to apply ban signal", "instance_id", next.InstanceID, "error", err)
			}
		}
	case next.Attempts < r.config.Backoff.MaxAttempts:
		next.Status = StatusRetry
		next.Attempts++
		at := next.UpdatedAt.Add(r.config.Backoff.Delay(next.ID, next.Attempts))
		next.NextAttemptAt = &at
	default:
		next.Status = StatusFailed
	}
	if err := r.store.Update(ctx, next, StatusProcessing, claimed.Version); err != nil {
		return false, err
	}

	if next.Status == StatusRetry {
		r.transitioned(ctx, next, metering.KindRetry, timeline.KindJobRetry, "retry scheduled")
	} else {
		r.transitioned(ctx, next, metering.KindFailedJob, timeline.KindJobFailed, "job failed")
		r.logger.ErrorContext(ctx, "ALERT: job failed terminally",
			"job_id", next.ID, "intent_id", next.IntentID, "instance_id", next.InstanceID,
			"attempts", next.Attempts, "last_error", next.LastError)
	}
	return true, nil
}

// send calls the transport with a per-dispatch timeout. Errors are returned,
// never propagated past process.
func (r *Runner) send(ctx context.Context, job *Job) (res transport.Result, err error) {
	ctx, done := r.telemetry.TrackOperation(ctx, "job.dispatch",
		attribute.String("instance_id", job.InstanceID), attribute.String("provider", job.Provider))
	defer func() { done(err) }()

	if r.config.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.DispatchTimeout)
		defer cancel()
	}
	return r.transport.Send(ctx, transport.Message{
		InstanceID: job.InstanceID,
		Engine:     job.Provider,
		JobID:      job.ID,
		Target:     job.Target,
		Type:       job.Type,
		Payload:    job.Payload,
	})
}

func failureReason(res transport.Result, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case res.Error != "":
		return res.Error
	default:
		return "send failed"
	}
}

// Cancel fails a PENDING or RETRY job out-of-band. A pending retry of a
// cancelled job is never dispatched because ListDue skips FAILED jobs and the
// claim compare-and-set rejects the stale status.
func (r *Runner) Cancel(ctx context.Context, jobID, reason string) (*Job, error) {
	cur, err := r.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusPending && cur.Status != StatusRetry {
		return nil, fmt.Errorf("%w: status %s", ErrNotCancellable, cur.Status)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	next := cur.Clone()
	next.Status = StatusFailed
	next.LastError = "cancelled: " + reason
	next.NextAttemptAt = nil
	next.UpdatedAt = r.clock()
	next.Version = cur.Version + 1
	if err := r.store.Update(ctx, next, cur.Status, cur.Version); err != nil {
		return nil, err
	}
	r.transitioned(ctx, next, metering.KindFailedJob, timeline.KindJobFailed, "job cancelled")
	return next, nil
}

// transitioned records metrics, telemetry and timeline for a state entry.
func (r *Runner) transitioned(ctx context.Context, job *Job, kind metering.Kind, tk timeline.Kind, summary string) {
	r.telemetry.RecordJobTransition(ctx, string(job.Status))
	if r.meter != nil {
		if err := r.meter.Record(ctx, metering.Event{
			Kind: kind, OrganizationID: job.OrganizationID, InstanceID: job.InstanceID, JobID: job.ID, Timestamp: job.UpdatedAt,
		}); err != nil {
			r.logger.WarnContext(ctx, "failed to meter job event", "job_id", job.ID, "kind", kind, "error", err)
		}
	}
	details := map[string]any{"status": string(job.Status), "attempts": job.Attempts}
	if job.LastError != "" {
		details["last_error"] = job.LastError
	}
	if job.NextAttemptAt != nil {
		details["next_attempt_at"] = job.NextAttemptAt.Format(time.RFC3339Nano)
	}
	r.record(ctx, job, tk, summary, details)
	r.logger.InfoContext(ctx, summary, "job_id", job.ID, "intent_id", job.IntentID, "status", job.Status, "attempts", job.Attempts)
}

func (r *Runner) record(ctx context.Context, job *Job, kind timeline.Kind, summary string, details map[string]any) {
	if r.events == nil {
		return
	}
	if err := r.events.Record(ctx, timeline.Event{
		Kind:           kind,
		OrganizationID: job.OrganizationID,
		IntentID:       job.IntentID,
		JobID:          job.ID,
		InstanceID:     job.InstanceID,
		Summary:        summary,
		Details:        details,
		Timestamp:      r.clock(),
	}); err != nil {
		r.logger.WarnContext(ctx, "failed to record timeline event", "job_id", job.ID, "error", err)
	}
}
