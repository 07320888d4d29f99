// Package instance holds the WhatsApp instance state model: lifecycle and
// connection state machines, reputation score, and the derived risk level and
// allowed actions.
//
// Risk level and allowed actions are projections. They are recomputed from the
// stored score, alerts, lifecycle and connection fields and have no setters.
package instance

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an instance does not exist.
	ErrNotFound = errors.New("instance: not found")
	// ErrIllegalTransition is returned when a state machine guard rejects a transition.
	ErrIllegalTransition = errors.New("instance: illegal transition")
	// ErrVersionConflict is returned when a compare-and-set update lost a race.
	ErrVersionConflict = errors.New("instance: version conflict")
	// ErrInvalidRequest is returned when a provisioning request is malformed.
	ErrInvalidRequest = errors.New("instance: invalid request")
)

// Engine identifies the WhatsApp engine adapter behind an instance.
type Engine string

const (
	EngineTurboZap  Engine = "TURBOZAP"
	EngineEvolution Engine = "EVOLUTION"
)

// Purpose is what an instance is provisioned for.
type Purpose string

const (
	PurposeWarmUp   Purpose = "WARMUP"
	PurposeDispatch Purpose = "DISPATCH"
	PurposeMixed    Purpose = "MIXED"
)

// SupportsDispatch reports whether the instance may carry dispatch traffic.
func (p Purpose) SupportsDispatch() bool {
	return p == PurposeDispatch || p == PurposeMixed
}

// SupportsWarmUp reports whether the instance may carry warm-up traffic.
func (p Purpose) SupportsWarmUp() bool {
	return p == PurposeWarmUp || p == PurposeMixed
}

// LifecycleStatus is the coarse lifecycle of an instance.
type LifecycleStatus string

const (
	LifecycleCreated  LifecycleStatus = "CREATED"
	LifecycleActive   LifecycleStatus = "ACTIVE"
	LifecycleCooldown LifecycleStatus = "COOLDOWN"
	LifecycleBanned   LifecycleStatus = "BANNED"
)

// ConnectionStatus is the session state reported by connection management.
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
	ConnectionConnecting   ConnectionStatus = "CONNECTING"
	ConnectionQRCode       ConnectionStatus = "QRCODE"
	ConnectionConnected    ConnectionStatus = "CONNECTED"
	ConnectionError        ConnectionStatus = "ERROR"
)

// RiskLevel is derived from the reputation score and current alerts.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Action is an operation the platform currently permits on an instance.
type Action string

const (
	ActionViewHealth    Action = "VIEW_HEALTH"
	ActionConnect       Action = "CONNECT"
	ActionReconnect     Action = "RECONNECT"
	ActionAllowDispatch Action = "ALLOW_DISPATCH"
	ActionBlockDispatch Action = "BLOCK_DISPATCH"
	ActionAlert         Action = "ALERT"
)

// Severity grades an alert. A CRITICAL alert forces HIGH risk.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is a health finding attached to an instance by the last evaluation.
type Alert struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Instance is a single WhatsApp sending identity owned by an organization.
type Instance struct {
	ID             string  `json:"id"`
	OrganizationID string  `json:"organization_id"`
	DisplayName    string  `json:"display_name"`
	MaskedPhone    string  `json:"masked_phone"`
	Engine         Engine  `json:"engine"`
	Purpose        Purpose `json:"purpose"`

	LifecycleStatus  LifecycleStatus  `json:"lifecycle_status"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	ReputationScore  int              `json:"reputation_score"`
	Alerts           []Alert          `json:"alerts,omitempty"`

	WarmUpPhase     string    `json:"warm_up_phase,omitempty"`
	WarmUpStartedAt time.Time `json:"warm_up_started_at"`

	// CooldownReason is non-empty iff LifecycleStatus is COOLDOWN.
	CooldownReason string     `json:"cooldown_reason,omitempty"`
	CooldownUntil  *time.Time `json:"cooldown_until,omitempty"`
	BanReason      string     `json:"ban_reason,omitempty"`

	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Clone returns a deep copy safe to mutate.
func (i *Instance) Clone() *Instance {
	c := *i
	if i.Alerts != nil {
		c.Alerts = append([]Alert(nil), i.Alerts...)
	}
	if i.CooldownUntil != nil {
		t := *i.CooldownUntil
		c.CooldownUntil = &t
	}
	if i.LastEvaluatedAt != nil {
		t := *i.LastEvaluatedAt
		c.LastEvaluatedAt = &t
	}
	return &c
}

// View is the read model returned to collaborators, with projections filled in.
type View struct {
	*Instance
	RiskLevel      RiskLevel `json:"risk_level"`
	AllowedActions []Action  `json:"allowed_actions"`
}

// NewView builds the read model for an instance.
func NewView(inst *Instance) View {
	return View{
		Instance:       inst,
		RiskLevel:      inst.RiskLevel(),
		AllowedActions: inst.AllowedActions(),
	}
}
