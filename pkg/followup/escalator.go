package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zapguard/guardrail/pkg/intent"
	"github.com/zapguard/guardrail/pkg/observability"
	"github.com/zapguard/guardrail/pkg/operators"
	"github.com/zapguard/guardrail/pkg/timeline"
	"github.com/zapguard/guardrail/pkg/transport"
)

// ConversationSource lists conversations and records escalations.
// *operators.Queue implements it.
type ConversationSource interface {
	Conversations(ctx context.Context, f operators.ConversationFilter) ([]*operators.Conversation, error)
	MarkEscalated(ctx context.Context, conversationID, reason string, anchor time.Time) (bool, error)
}

// Submitter accepts intents. *intent.Pipeline implements it.
type Submitter interface {
	Decide(ctx context.Context, req intent.Request) (*intent.MessageIntent, error)
}

// Requeuer force-releases a conversation. *operators.Queue implements it.
type Requeuer interface {
	Requeue(ctx context.Context, conversationID string) (string, error)
}

// Handler consumes follow-ups.
type Handler struct {
	submitter Submitter
	requeuer  Requeuer
	policy    Policy
	events    timeline.Log
	telemetry *observability.Provider
	logger    *slog.Logger
}

// NewHandler creates a handler. requeuer may be nil to never requeue.
func NewHandler(submitter Submitter, requeuer Requeuer, policy Policy) *Handler {
	return &Handler{
		submitter: submitter,
		requeuer:  requeuer,
		policy:    policy,
		logger:    slog.Default().With("component", "followup"),
	}
}

// WithTimeline sets the event log.
func (h *Handler) WithTimeline(l timeline.Log) *Handler { h.events = l; return h }

// WithTelemetry sets the observability provider.
func (h *Handler) WithTelemetry(t *observability.Provider) *Handler { h.telemetry = t; return h }

// Handle acts on fu: TEXT submits a DISPATCH intent pinned to the
// conversation's instance, NO_RESPONSE may requeue the conversation, and
// NONE only alerts.
func (h *Handler) Handle(ctx context.Context, fu *FollowUpIntent) error {
	h.telemetry.RecordEscalation(ctx, string(fu.Reason), string(fu.Type))
	details := map[string]any{
		"conversation_id": fu.ConversationID,
		"reason":          string(fu.Reason),
		"type":            string(fu.Type),
		"anchor":          fu.Anchor.Format(time.RFC3339Nano),
	}
	var (
		intentID string
		errs     []error
	)

	if fu.Type == KindText && fu.Payload != nil {
		payload, err := json.Marshal(map[string]string{"text": fu.Payload.Text})
		if err != nil {
			return err
		}
		m, err := h.submitter.Decide(ctx, intent.Request{
			OrganizationID: fu.OrganizationID,
			Purpose:        intent.PurposeDispatch,
			Type:           transport.TypeText,
			Target:         transport.Target{Kind: transport.TargetPhone, Value: fu.Payload.To},
			Payload:        payload,
			InstanceID:     fu.InstanceID,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("submit nudge: %w", err))
		} else {
			intentID = m.ID
			details["intent_status"] = string(m.Status)
		}
	} else {
		h.logger.WarnContext(ctx, "ALERT: conversation escalated",
			"conversation_id", fu.ConversationID, "instance_id", fu.InstanceID, "reason", fu.Reason, "operator_id", fu.OperatorID)
	}

	if fu.Reason == ReasonNoResponse && h.policy.RequeueOnNoResponse && h.requeuer != nil {
		prev, err := h.requeuer.Requeue(ctx, fu.ConversationID)
		if err != nil {
			errs = append(errs, fmt.Errorf("requeue: %w", err))
		} else if prev != "" {
			details["requeued_from"] = prev
		}
	}

	if h.events != nil {
		if err := h.events.Record(ctx, timeline.Event{
			Kind:           timeline.KindFollowUp,
			OrganizationID: fu.OrganizationID,
			IntentID:       intentID,
			InstanceID:     fu.InstanceID,
			Summary:        "follow-up " + string(fu.Reason),
			Details:        details,
		}); err != nil {
			h.logger.WarnContext(ctx, "failed to record timeline event", "conversation_id", fu.ConversationID, "error", err)
		}
	}
	return errors.Join(errs...)
}

// Escalator evaluates open conversations and hands follow-ups to a Handler.
type Escalator struct {
	source  ConversationSource
	handler *Handler
	policy  Policy
	clock   func() time.Time
	logger  *slog.Logger
}

func NewEscalator(source ConversationSource, handler *Handler, policy Policy) *Escalator {
	return &Escalator{
		source:  source,
		handler: handler,
		policy:  policy,
		clock:   time.Now,
		logger:  slog.Default().With("component", "followup"),
	}
}

// WithClock overrides clock for testing.
func (e *Escalator) WithClock(clock func() time.Time) *Escalator {
	e.clock = clock
	return e
}

// Evaluate returns the follow-up due for conv at now, or nil.
func (e *Escalator) Evaluate(conv *operators.Conversation, now time.Time) *FollowUpIntent {
	return e.policy.Escalate(conv, now)
}

// Sweep evaluates every open conversation and handles each new escalation
// once. The escalation mark is recorded before handling, so a concurrent
// sweep cannot raise the same follow-up twice.
func (e *Escalator) Sweep(ctx context.Context) (int, error) {
	convs, err := e.source.Conversations(ctx, operators.ConversationFilter{OpenOnly: true})
	if err != nil {
		return 0, err
	}
	now := e.clock()
	var (
		raised int
		errs   []error
	)
	for _, conv := range convs {
		fu := e.Evaluate(conv, now)
		if fu == nil {
			continue
		}
		fresh, err := e.source.MarkEscalated(ctx, conv.ID, string(fu.Reason), fu.Anchor)
		if err != nil {
			errs = append(errs, fmt.Errorf("mark %s: %w", conv.ID, err))
			continue
		}
		if !fresh {
			continue
		}
		raised++
		if err := e.handler.Handle(ctx, fu); err != nil {
			e.logger.ErrorContext(ctx, "follow-up handling failed", "conversation_id", conv.ID, "reason", fu.Reason, "error", err)
			errs = append(errs, fmt.Errorf("handle %s: %w", conv.ID, err))
		}
	}
	return raised, errors.Join(errs...)
}
