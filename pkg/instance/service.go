package instance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConnectionEvent is a signal from connection management.
type ConnectionEvent string

const (
	EventConnect      ConnectionEvent = "CONNECT"
	EventQRCode       ConnectionEvent = "QRCODE"
	EventConnected    ConnectionEvent = "CONNECTED"
	EventDisconnected ConnectionEvent = "DISCONNECTED"
	EventError        ConnectionEvent = "ERROR"
)

// ConnectionObserver is notified after a connection event was applied.
type ConnectionObserver func(instanceID string, event ConnectionEvent)

// ProvisionRequest describes a new instance.
type ProvisionRequest struct {
	OrganizationID string  `json:"organization_id"`
	DisplayName    string  `json:"display_name"`
	Phone          string  `json:"phone"`
	Engine         Engine  `json:"engine"`
	Purpose        Purpose `json:"purpose"`
}

// Service owns every mutation of instance records. Mutations of one instance
// are serialized in-process and guarded by a version compare-and-set in the
// store, so concurrent writers in other processes lose with ErrVersionConflict
// instead of overwriting each other.
type Service struct {
	store     Store
	locks     *keyedMutex
	clock     func() time.Time
	logger    *slog.Logger
	observers []ConnectionObserver
}

// NewService creates an instance service over store.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		locks:  newKeyedMutex(),
		clock:  time.Now,
		logger: slog.Default().With("component", "instance"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// OnConnectionEvent registers an observer for applied connection events.
func (s *Service) OnConnectionEvent(fn ConnectionObserver) {
	s.observers = append(s.observers, fn)
}

// Provision creates an instance in CREATED / DISCONNECTED with a neutral score.
func (s *Service) Provision(ctx context.Context, req ProvisionRequest) (*Instance, error) {
	if req.OrganizationID == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidRequest)
	}
	switch req.Engine {
	case EngineTurboZap, EngineEvolution:
	default:
		return nil, fmt.Errorf("%w: unknown engine %q", ErrInvalidRequest, req.Engine)
	}
	switch req.Purpose {
	case PurposeWarmUp, PurposeDispatch, PurposeMixed:
	default:
		return nil, fmt.Errorf("%w: unknown purpose %q", ErrInvalidRequest, req.Purpose)
	}

	now := s.clock()
	inst := &Instance{
		ID:               uuid.New().String(),
		OrganizationID:   req.OrganizationID,
		DisplayName:      req.DisplayName,
		MaskedPhone:      MaskPhone(req.Phone),
		Engine:           req.Engine,
		Purpose:          req.Purpose,
		LifecycleStatus:  LifecycleCreated,
		ConnectionStatus: ConnectionDisconnected,
		ReputationScore:  50,
		WarmUpStartedAt:  now,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, inst); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "instance provisioned",
		"instance_id", inst.ID, "organization_id", inst.OrganizationID, "purpose", inst.Purpose)
	return inst, nil
}

// Get returns the current record.
func (s *Service) Get(ctx context.Context, id string) (*Instance, error) {
	return s.store.Get(ctx, id)
}

// List returns an organization's instances.
func (s *Service) List(ctx context.Context, orgID string) ([]*Instance, error) {
	return s.store.List(ctx, orgID)
}

// ListActiveIDs is the active-instance discovery used by health sweeps.
func (s *Service) ListActiveIDs(ctx context.Context) ([]string, error) {
	return s.store.ListActiveIDs(ctx)
}

// Update applies fn to a copy of the instance and commits it only when fn
// succeeds. A failing fn leaves the stored record untouched.
func (s *Service) Update(ctx context.Context, id string, fn func(*Instance) error) (*Instance, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = s.clock()
	if err := s.store.Update(ctx, next, cur.Version); err != nil {
		return nil, err
	}
	return next, nil
}

// ApplyConnectionEvent drives the connection state machine.
func (s *Service) ApplyConnectionEvent(ctx context.Context, id string, event ConnectionEvent) (*Instance, error) {
	inst, err := s.Update(ctx, id, func(i *Instance) error {
		switch event {
		case EventConnect:
			return i.BeginConnect()
		case EventQRCode:
			return i.RequireQRCode()
		case EventConnected:
			return i.MarkConnected()
		case EventDisconnected:
			return i.MarkDisconnected()
		case EventError:
			return i.MarkError()
		default:
			return fmt.Errorf("%w: unknown connection event %q", ErrInvalidRequest, event)
		}
	})
	if err != nil {
		return nil, err
	}
	for _, fn := range s.observers {
		fn(id, event)
	}
	s.logger.InfoContext(ctx, "connection event applied",
		"instance_id", id, "event", event, "connection_status", inst.ConnectionStatus,
		"lifecycle_status", inst.LifecycleStatus)
	return inst, nil
}

// Ban applies an explicit ban signal.
func (s *Service) Ban(ctx context.Context, id, reason string) (*Instance, error) {
	if reason == "" {
		reason = "banned by operator"
	}
	inst, err := s.Update(ctx, id, func(i *Instance) error { return i.Ban(reason) })
	if err != nil {
		return nil, err
	}
	s.logger.WarnContext(ctx, "instance banned", "instance_id", id, "reason", reason)
	return inst, nil
}

// Reactivate explicitly lifts a ban.
func (s *Service) Reactivate(ctx context.Context, id string) (*Instance, error) {
	inst, err := s.Update(ctx, id, func(i *Instance) error { return i.Reactivate() })
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "instance reactivated", "instance_id", id)
	return inst, nil
}

// Gate returns the readiness gate for an organization.
func (s *Service) Gate(ctx context.Context, orgID string) (GateStatus, error) {
	list, err := s.store.List(ctx, orgID)
	if err != nil {
		return "", err
	}
	return GateFor(list), nil
}

// MaskPhone keeps the country prefix and the last four digits.
func MaskPhone(phone string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) <= 6 {
		return strings.Repeat("*", len(d))
	}
	return "+" + d[:2] + strings.Repeat("*", len(d)-6) + d[len(d)-4:]
}
