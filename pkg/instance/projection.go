package instance

// Score bands. A score exactly on a floor belongs to the band above it.
const (
	LowRiskFloor    = 75
	MediumRiskFloor = 45
)

// RiskLevelFor maps a reputation score and the current alerts to a risk level.
// Any CRITICAL alert forces HIGH regardless of the score.
func RiskLevelFor(score int, alerts []Alert) RiskLevel {
	for _, a := range alerts {
		if a.Severity == SeverityCritical {
			return RiskHigh
		}
	}
	switch {
	case score >= LowRiskFloor:
		return RiskLow
	case score >= MediumRiskFloor:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// RiskLevel returns the risk level derived from the stored score and alerts.
func (i *Instance) RiskLevel() RiskLevel {
	return RiskLevelFor(i.ReputationScore, i.Alerts)
}

// AllowedActions recomputes the permitted actions. VIEW_HEALTH is always present.
func (i *Instance) AllowedActions() []Action {
	actions := []Action{ActionViewHealth}
	risk := i.RiskLevel()

	if i.ConnectionStatus == ConnectionDisconnected || i.ConnectionStatus == ConnectionError {
		actions = append(actions, ActionConnect, ActionReconnect)
	}
	if i.CanDispatch() {
		actions = append(actions, ActionAllowDispatch)
	}
	if risk == RiskHigh || i.LifecycleStatus == LifecycleCooldown || i.LifecycleStatus == LifecycleBanned {
		actions = append(actions, ActionBlockDispatch)
	}
	if len(i.Alerts) > 0 {
		actions = append(actions, ActionAlert)
	}
	return actions
}

// CanDispatch reports whether ALLOW_DISPATCH is currently granted.
// CONNECTED alone is not sufficient: the lifecycle must be ACTIVE and risk not HIGH.
func (i *Instance) CanDispatch() bool {
	return i.LifecycleStatus == LifecycleActive &&
		i.ConnectionStatus == ConnectionConnected &&
		i.RiskLevel() != RiskHigh
}

// HasAction reports whether action is in the current allowed set.
func (i *Instance) HasAction(action Action) bool {
	for _, a := range i.AllowedActions() {
		if a == action {
			return true
		}
	}
	return false
}

// GateStatus summarizes whether an organization can dispatch right now.
type GateStatus string

const (
	GateReady      GateStatus = "READY"
	GateNoInstance GateStatus = "NO_INSTANCE"
	GateNotHealthy GateStatus = "NOT_HEALTHY"
)

// GateFor computes the readiness gate over an organization's instances.
// Only dispatch-capable instances count.
func GateFor(instances []*Instance) GateStatus {
	seen := false
	for _, inst := range instances {
		if !inst.Purpose.SupportsDispatch() {
			continue
		}
		seen = true
		if inst.CanDispatch() {
			return GateReady
		}
	}
	if !seen {
		return GateNoInstance
	}
	return GateNotHealthy
}
