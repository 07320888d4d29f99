package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zapguard/guardrail/pkg/admission"
	"github.com/zapguard/guardrail/pkg/instance"
	"github.com/zapguard/guardrail/pkg/jobs"
	"github.com/zapguard/guardrail/pkg/observability"
	"github.com/zapguard/guardrail/pkg/timeline"
)

// InstanceReader is the read side of the instance service.
type InstanceReader interface {
	Get(ctx context.Context, id string) (*instance.Instance, error)
	List(ctx context.Context, orgID string) ([]*instance.Instance, error)
}

// JobCreator opens the execution job of an approved intent.
type JobCreator interface {
	Create(ctx context.Context, nj jobs.NewJob) (*jobs.Job, error)
}

// JobLookup reads jobs for candidate ordering and timelines.
type JobLookup interface {
	GetByIntent(ctx context.Context, intentID string) (*jobs.Job, error)
	OpenLoad(ctx context.Context, instanceID string) (int, error)
}

// MediaChecker reports whether a media reference resolves.
type MediaChecker interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

// Config tunes queueing.
type Config struct {
	// QueueBackoff is the re-decision delay when no better deadline is known.
	QueueBackoff time.Duration `yaml:"queue_backoff"`
	// RateLimitBackoff is the re-decision delay after an admission denial.
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff"`
	// MaxRequeues bounds QUEUED -> QUEUED re-decisions before BLOCKED.
	MaxRequeues int `yaml:"max_requeues"`
	SweepBatch  int `yaml:"sweep_batch"`
}

// DefaultConfig returns the default queueing configuration.
func DefaultConfig() Config {
	return Config{
		QueueBackoff:     15 * time.Minute,
		RateLimitBackoff: time.Minute,
		MaxRequeues:      8,
		SweepBatch:       100,
	}
}

// Pipeline turns requests into decided intents.
type Pipeline struct {
	store     Store
	instances InstanceReader
	jobs      JobCreator
	lookup    JobLookup
	validator *PayloadValidator
	config    Config

	admission *admission.Controller
	media     MediaChecker
	events    timeline.Log
	telemetry *observability.Provider

	clock  func() time.Time
	logger *slog.Logger
}

// NewPipeline creates a pipeline. lookup may be nil, in which case every
// candidate has zero open load and timelines carry no job.
func NewPipeline(store Store, instances InstanceReader, jc JobCreator, lookup JobLookup, cfg Config) (*Pipeline, error) {
	v, err := NewPayloadValidator()
	if err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.QueueBackoff <= 0 {
		cfg.QueueBackoff = def.QueueBackoff
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = def.RateLimitBackoff
	}
	if cfg.MaxRequeues <= 0 {
		cfg.MaxRequeues = def.MaxRequeues
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	return &Pipeline{
		store:     store,
		instances: instances,
		jobs:      jc,
		lookup:    lookup,
		validator: v,
		config:    cfg,
		clock:     time.Now,
		logger:    slog.Default().With("component", "intent"),
	}, nil
}

// WithClock overrides clock for testing.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// WithAdmission sets the per-instance admission controller.
func (p *Pipeline) WithAdmission(c *admission.Controller) *Pipeline { p.admission = c; return p }

// WithMedia sets the media existence check.
func (p *Pipeline) WithMedia(m MediaChecker) *Pipeline { p.media = m; return p }

// WithTimeline sets the event log.
func (p *Pipeline) WithTimeline(l timeline.Log) *Pipeline { p.events = l; return p }

// WithTelemetry sets the observability provider.
func (p *Pipeline) WithTelemetry(t *observability.Provider) *Pipeline { p.telemetry = t; return p }

// decision is the outcome of judging an intent.
type decision struct {
	status   Status
	instance *instance.Instance
	reason   string
	until    time.Time
}

func blocked(inst *instance.Instance, reason string) decision {
	return decision{status: StatusBlocked, instance: inst, reason: reason}
}

func queued(inst *instance.Instance, until time.Time, reason string) decision {
	return decision{status: StatusQueued, instance: inst, until: until, reason: reason}
}

// Decide records req as a PENDING intent and decides it. A request nobody
// can carry is DROPPED, which is not an error.
func (p *Pipeline) Decide(ctx context.Context, req Request) (_ *MessageIntent, err error) {
	ctx, done := p.telemetry.TrackOperation(ctx, "intent.decide",
		attribute.String("purpose", string(req.Purpose)),
		attribute.String("type", string(req.Type)),
	)
	defer func() { done(err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := p.clock()
	m := &MessageIntent{
		ID:               uuid.NewString(),
		OrganizationID:   req.OrganizationID,
		Purpose:          req.Purpose,
		Type:             req.Type,
		Target:           req.Target,
		Payload:          req.Payload,
		PayloadHash:      payloadHashOrRaw(req.Payload),
		Status:           StatusPending,
		PinnedInstanceID: req.InstanceID,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}
	if err := p.store.Create(ctx, m); err != nil {
		return nil, err
	}
	p.record(ctx, m, timeline.KindIntentCreated, "intent created", map[string]any{
		"purpose": string(m.Purpose), "type": string(m.Type), "payload_hash": m.PayloadHash,
	})

	d, err := p.judge(ctx, m, now)
	if err != nil {
		return nil, err
	}
	return p.apply(ctx, m, d, timeline.KindIntentDecided)
}

// payloadHashOrRaw falls back to hashing the raw bytes of a payload that is
// not valid JSON. Such payloads are blocked anyway.
func payloadHashOrRaw(payload []byte) string {
	if h, err := PayloadHash(payload); err == nil {
		return h
	}
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// judge runs payload checks, candidate selection and the health decision.
func (p *Pipeline) judge(ctx context.Context, m *MessageIntent, now time.Time) (decision, error) {
	doc, err := p.validator.Validate(m.Type, m.Payload)
	if err != nil {
		return blocked(nil, "payload rejected: "+err.Error()), nil
	}
	if ref := MediaRef(doc); ref != "" && p.media != nil {
		ok, err := p.media.Exists(ctx, ref)
		switch {
		case err != nil:
			p.logger.WarnContext(ctx, "media lookup failed", "intent_id", m.ID, "media_ref", ref, "error", err)
			return blocked(nil, "media lookup failed: "+ref), nil
		case !ok:
			return blocked(nil, "media not found: "+ref), nil
		}
	}

	candidates, err := p.candidates(ctx, m)
	if err != nil {
		return decision{}, err
	}
	if len(candidates) == 0 {
		return decision{status: StatusDropped, reason: "no eligible instance"}, nil
	}
	return p.assess(ctx, candidates[0], now), nil
}

// eligible reports whether inst may carry traffic of purpose.
func eligible(purpose Purpose, inst *instance.Instance) bool {
	if purpose == PurposeWarmUp {
		return inst.Purpose.SupportsWarmUp()
	}
	return inst.Purpose.SupportsDispatch()
}

// candidates returns the eligible instances, best first: dispatchable, then
// higher score, then lower open-job load, then id.
func (p *Pipeline) candidates(ctx context.Context, m *MessageIntent) ([]*instance.Instance, error) {
	var pool []*instance.Instance
	if m.PinnedInstanceID != "" {
		inst, err := p.instances.Get(ctx, m.PinnedInstanceID)
		switch {
		case errors.Is(err, instance.ErrNotFound):
			return nil, nil
		case err != nil:
			return nil, fmt.Errorf("load pinned instance: %w", err)
		}
		if inst.OrganizationID == m.OrganizationID {
			pool = append(pool, inst)
		}
	} else {
		all, err := p.instances.List(ctx, m.OrganizationID)
		if err != nil {
			return nil, fmt.Errorf("list instances: %w", err)
		}
		pool = all
	}

	type ranked struct {
		inst     *instance.Instance
		dispatch bool
		load     int
	}
	var rs []ranked
	for _, inst := range pool {
		if !eligible(m.Purpose, inst) {
			continue
		}
		load := 0
		if p.lookup != nil {
			n, err := p.lookup.OpenLoad(ctx, inst.ID)
			if err != nil {
				return nil, fmt.Errorf("open load for %s: %w", inst.ID, err)
			}
			load = n
		}
		rs = append(rs, ranked{inst: inst, dispatch: inst.CanDispatch(), load: load})
	}
	sort.Slice(rs, func(a, b int) bool {
		ra, rb := rs[a], rs[b]
		if ra.dispatch != rb.dispatch {
			return ra.dispatch
		}
		if ra.inst.ReputationScore != rb.inst.ReputationScore {
			return ra.inst.ReputationScore > rb.inst.ReputationScore
		}
		if ra.load != rb.load {
			return ra.load < rb.load
		}
		return ra.inst.ID < rb.inst.ID
	})
	out := make([]*instance.Instance, len(rs))
	for i, r := range rs {
		out[i] = r.inst
	}
	return out, nil
}

// assess maps the chosen instance's health to a decision.
func (p *Pipeline) assess(ctx context.Context, inst *instance.Instance, now time.Time) decision {
	risk := inst.RiskLevel()
	switch {
	case inst.HasAction(instance.ActionAllowDispatch):
		ok, err := p.admission.Admit(ctx, inst.ID)
		if err != nil {
			p.logger.WarnContext(ctx, "admission unavailable, queueing", "instance_id", inst.ID, "error", err)
		}
		if !ok {
			return queued(inst, now.Add(p.config.RateLimitBackoff), "rate limited")
		}
		return decision{status: StatusApproved, instance: inst}
	case inst.LifecycleStatus == instance.LifecycleBanned:
		reason := "instance banned"
		if inst.BanReason != "" {
			reason += ": " + inst.BanReason
		}
		return blocked(inst, reason)
	case inst.LifecycleStatus == instance.LifecycleCooldown && inst.CooldownUntil != nil && risk != instance.RiskHigh:
		// A HIGH-risk cooldown has no bounded recovery and blocks below.
		until := *inst.CooldownUntil
		if !until.After(now) {
			until = now.Add(p.config.QueueBackoff)
		}
		return queued(inst, until, "instance cooling down: "+inst.CooldownReason)
	case risk == instance.RiskMedium:
		return queued(inst, now.Add(p.config.QueueBackoff), fmt.Sprintf("instance at medium risk (score %d)", inst.ReputationScore))
	case risk == instance.RiskLow:
		return queued(inst, now.Add(p.config.QueueBackoff), "instance not ready: "+string(inst.LifecycleStatus)+"/"+string(inst.ConnectionStatus))
	default:
		return blocked(inst, highRiskReason(inst))
	}
}

func highRiskReason(inst *instance.Instance) string {
	reason := fmt.Sprintf("instance at high risk (score %d)", inst.ReputationScore)
	if len(inst.Alerts) > 0 {
		codes := make([]string, len(inst.Alerts))
		for i, a := range inst.Alerts {
			codes[i] = a.Code
		}
		reason += ": " + strings.Join(codes, ", ")
	}
	return reason
}

// apply commits d onto m with a compare-and-set and runs the side effects.
func (p *Pipeline) apply(ctx context.Context, m *MessageIntent, d decision, kind timeline.Kind) (*MessageIntent, error) {
	now := p.clock()
	next := m.Clone()
	next.Status = d.status
	next.UpdatedAt = now
	next.DecidedAt = &now
	next.Version++
	if d.instance != nil {
		next.DecidedByInstanceID = d.instance.ID
	}
	next.BlockedReason = ""
	next.QueuedUntil = nil
	next.QueuedReason = ""
	switch d.status {
	case StatusBlocked:
		next.BlockedReason = d.reason
	case StatusQueued:
		until := d.until
		next.QueuedUntil = &until
		next.QueuedReason = d.reason
		if m.Status == StatusQueued {
			next.RequeueCount++
		}
	}

	if err := p.store.Update(ctx, next, m.Status, m.Version); err != nil {
		return nil, err
	}

	p.telemetry.RecordIntentDecision(ctx, string(next.Purpose), string(next.Status))
	details := map[string]any{"status": string(next.Status)}
	if next.DecidedByInstanceID != "" {
		details["instance_id"] = next.DecidedByInstanceID
	}
	if d.reason != "" {
		details["reason"] = d.reason
	}
	if next.QueuedUntil != nil {
		details["queued_until"] = next.QueuedUntil.Format(time.RFC3339Nano)
	}
	p.record(ctx, next, kind, "intent "+strings.ToLower(string(next.Status)), details)
	p.logger.InfoContext(ctx, "intent decided",
		"intent_id", next.ID, "status", next.Status, "instance_id", next.DecidedByInstanceID, "reason", d.reason)

	if next.Status == StatusApproved {
		_, err := p.jobs.Create(ctx, jobs.NewJob{
			IntentID:       next.ID,
			OrganizationID: next.OrganizationID,
			InstanceID:     next.DecidedByInstanceID,
			Provider:       string(d.instance.Engine),
			Target:         next.Target,
			Type:           next.Type,
			Payload:        next.Payload,
		})
		if err != nil && !errors.Is(err, jobs.ErrDuplicateIntent) {
			p.logger.ErrorContext(ctx, "ALERT: approved intent has no job", "intent_id", next.ID, "error", err)
			return next, fmt.Errorf("create job for intent %s: %w", next.ID, err)
		}
	}
	return next, nil
}

// MarkSent moves an APPROVED intent to SENT. It is idempotent.
func (p *Pipeline) MarkSent(ctx context.Context, intentID string) error {
	m, err := p.store.Get(ctx, intentID)
	if err != nil {
		return err
	}
	if m.Status == StatusSent {
		return nil
	}
	next := m.Clone()
	next.Status = StatusSent
	next.UpdatedAt = p.clock()
	next.Version++
	if err := p.store.Update(ctx, next, m.Status, m.Version); err != nil {
		return err
	}
	p.telemetry.RecordIntentDecision(ctx, string(next.Purpose), string(next.Status))
	p.record(ctx, next, timeline.KindIntentSent, "intent sent", nil)
	return nil
}

// Cancel blocks a PENDING or QUEUED intent by operator override.
func (p *Pipeline) Cancel(ctx context.Context, id, reason string) (*MessageIntent, error) {
	m, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != StatusPending && m.Status != StatusQueued {
		return nil, fmt.Errorf("%w: cannot cancel a %s intent", ErrIllegalTransition, m.Status)
	}
	if reason == "" {
		reason = "by operator"
	}
	d := blocked(nil, "cancelled: "+reason)
	return p.apply(ctx, m, d, timeline.KindIntentCancelled)
}

// Get returns one intent.
func (p *Pipeline) Get(ctx context.Context, id string) (*MessageIntent, error) {
	return p.store.Get(ctx, id)
}

// List returns intents matching f, newest first.
func (p *Pipeline) List(ctx context.Context, f Filter) ([]*MessageIntent, error) {
	return p.store.List(ctx, f)
}

// TimelineView joins an intent with its job and history.
type TimelineView struct {
	Intent *MessageIntent   `json:"intent"`
	Job    *jobs.Job        `json:"job,omitempty"`
	Events []timeline.Event `json:"events"`
}

// Timeline returns the full history of one intent.
func (p *Pipeline) Timeline(ctx context.Context, id string) (*TimelineView, error) {
	m, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &TimelineView{Intent: m, Events: []timeline.Event{}}
	if p.lookup != nil {
		job, err := p.lookup.GetByIntent(ctx, id)
		switch {
		case err == nil:
			view.Job = job
		case !errors.Is(err, jobs.ErrNotFound):
			return nil, err
		}
	}
	if p.events != nil {
		events, err := p.events.ForIntent(ctx, id)
		if err != nil {
			return nil, err
		}
		if events != nil {
			view.Events = events
		}
	}
	return view, nil
}

func (p *Pipeline) record(ctx context.Context, m *MessageIntent, kind timeline.Kind, summary string, details map[string]any) {
	if p.events == nil {
		return
	}
	if err := p.events.Record(ctx, timeline.Event{
		Kind:           kind,
		OrganizationID: m.OrganizationID,
		IntentID:       m.ID,
		InstanceID:     m.DecidedByInstanceID,
		Summary:        summary,
		Details:        details,
		Timestamp:      p.clock(),
	}); err != nil {
		p.logger.WarnContext(ctx, "failed to record timeline event", "intent_id", m.ID, "error", err)
	}
}
