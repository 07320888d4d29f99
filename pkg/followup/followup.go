// Package followup raises escalations for conversations that breach their
// response SLA or that an operator claimed and never answered.
package followup

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/zapguard/guardrail/pkg/operators"
)

// Reason is why a conversation escalated.
type Reason string

const (
	ReasonSLABreach  Reason = "SLA_BREACH"
	ReasonNoResponse Reason = "NO_RESPONSE"
)

// Kind is the automated action of a follow-up.
type Kind string

const (
	// KindText sends a nudge message.
	KindText Kind = "TEXT"
	// KindNone raises an alert only.
	KindNone Kind = "NONE"
)

// TextPayload is the nudge sent for a TEXT follow-up.
type TextPayload struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// FollowUpIntent is an escalation produced by evaluation and consumed at
// once by a Handler. It is not persisted.
type FollowUpIntent struct {
	ConversationID string       `json:"conversation_id"`
	OrganizationID string       `json:"organization_id"`
	InstanceID     string       `json:"instance_id"`
	OperatorID     string       `json:"operator_id,omitempty"`
	Reason         Reason       `json:"reason"`
	Type           Kind         `json:"type"`
	Payload        *TextPayload `json:"payload,omitempty"`
	// Anchor identifies the breach window; one actionable follow-up is
	// raised per (conversation, reason, anchor).
	Anchor time.Time `json:"anchor"`
}

// Policy holds escalation thresholds and actions.
type Policy struct {
	// SLA is the longest a waiting or queued conversation may stay silent.
	SLA time.Duration `yaml:"sla"`
	// NoResponse is the longest a claimed conversation may go without a reply.
	NoResponse time.Duration `yaml:"no_response"`

	NudgeOnSLABreach    bool   `yaml:"nudge_on_sla_breach"`
	NudgeOnNoResponse   bool   `yaml:"nudge_on_no_response"`
	RequeueOnNoResponse bool   `yaml:"requeue_on_no_response"`
	SLAText             string `yaml:"sla_text"`
	NoResponseText      string `yaml:"no_response_text"`
}

// DefaultPolicy returns the default escalation policy.
func DefaultPolicy() Policy {
	return Policy{
		SLA:                 15 * time.Minute,
		NoResponse:          5 * time.Minute,
		NudgeOnSLABreach:    true,
		NudgeOnNoResponse:   false,
		RequeueOnNoResponse: true,
		SLAText:             "Oi! Recebemos sua mensagem e já vamos te responder.",
		NoResponseText:      "Oi! Um atendente vai falar com você em instantes.",
	}
}

// Escalate evaluates a conversation at now and returns nil when nothing is
// due or when the same escalation was already raised for this window.
//
// SLA_BREACH: the conversation is queued, or a contact message is waiting,
// and nothing happened for longer than SLA. NO_RESPONSE: an operator holds
// the conversation and has not replied since claiming it for longer than
// NoResponse.
func (p Policy) Escalate(conv *operators.Conversation, now time.Time) *FollowUpIntent {
	if conv.Status != operators.ConversationOpen {
		return nil
	}
	var (
		reason Reason
		anchor time.Time
	)
	switch {
	case (!conv.Assigned() || awaitingReply(conv)) && now.Sub(conv.LastMessageAt) >= p.SLA:
		reason, anchor = ReasonSLABreach, conv.LastMessageAt
	case conv.Assigned() && conv.AssignedAt != nil && !repliedSince(conv, *conv.AssignedAt) &&
		now.Sub(*conv.AssignedAt) >= p.NoResponse:
		reason, anchor = ReasonNoResponse, *conv.AssignedAt
	default:
		return nil
	}
	if conv.EscalationReason == string(reason) && conv.EscalationAnchor != nil && conv.EscalationAnchor.Equal(anchor) {
		return nil
	}

	fu := &FollowUpIntent{
		ConversationID: conv.ID,
		OrganizationID: conv.OrganizationID,
		InstanceID:     conv.InstanceID,
		OperatorID:     conv.AssignedOperatorID,
		Reason:         reason,
		Type:           KindNone,
		Anchor:         anchor,
	}
	text := ""
	switch {
	case reason == ReasonSLABreach && p.NudgeOnSLABreach:
		text = p.SLAText
	case reason == ReasonNoResponse && p.NudgeOnNoResponse:
		text = p.NoResponseText
	}
	if text = strings.TrimSpace(norm.NFC.String(text)); text != "" {
		fu.Type = KindText
		fu.Payload = &TextPayload{To: conv.ContactID, Text: text}
	}
	return fu
}

// awaitingReply reports whether the last contact message is unanswered.
func awaitingReply(c *operators.Conversation) bool {
	return c.LastInboundAt != nil && !repliedSince(c, *c.LastInboundAt)
}

func repliedSince(c *operators.Conversation, t time.Time) bool {
	return c.LastReplyAt != nil && !c.LastReplyAt.Before(t)
}
