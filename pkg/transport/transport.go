// Package transport defines the engine adapter used by the job runner to
// actually send a message, plus an HTTP bridge adapter and a dry-run adapter.
// The WhatsApp wire protocol itself lives behind the bridge.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoRoute is returned when no adapter is registered for an engine.
var ErrNoRoute = errors.New("transport: no adapter for engine")

// TargetKind is the kind of recipient.
type TargetKind string

const (
	TargetPhone TargetKind = "PHONE"
	TargetGroup TargetKind = "GROUP"
)

// Target identifies a message recipient.
type Target struct {
	Kind  TargetKind `json:"kind"`
	Value string     `json:"value"`
}

// MessageType is the content type of a message.
type MessageType string

const (
	TypeText     MessageType = "TEXT"
	TypeAudio    MessageType = "AUDIO"
	TypeMedia    MessageType = "MEDIA"
	TypeReaction MessageType = "REACTION"
)

// Message is one send request.
type Message struct {
	InstanceID string          `json:"instance_id"`
	Engine     string          `json:"engine"`
	JobID      string          `json:"job_id"`
	Target     Target          `json:"target"`
	Type       MessageType     `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// Result is the adapter's verdict on one send.
type Result struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Error             string `json:"error,omitempty"`
	// Banned reports that the engine observed the number being banned.
	Banned bool `json:"banned,omitempty"`
}

// Transport sends messages. A returned error is a transport-level failure
// and is treated like an unsuccessful Result.
type Transport interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// Router dispatches to an adapter by engine, falling back to a default.
type Router struct {
	routes   map[string]Transport
	fallback Transport
}

// NewRouter creates a router. fallback may be nil.
func NewRouter(fallback Transport) *Router {
	return &Router{routes: make(map[string]Transport), fallback: fallback}
}

// Handle registers t for engine.
func (r *Router) Handle(engine string, t Transport) *Router {
	r.routes[engine] = t
	return r
}

func (r *Router) Send(ctx context.Context, msg Message) (Result, error) {
	t, ok := r.routes[msg.Engine]
	if !ok {
		t = r.fallback
	}
	if t == nil {
		return Result{}, fmt.Errorf("%w %q", ErrNoRoute, msg.Engine)
	}
	return t.Send(ctx, msg)
}
