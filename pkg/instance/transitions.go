package instance

import (
	"fmt"
	"time"
)

func illegal(machine string, from, to any) error {
	return fmt.Errorf("%w: %s %v -> %v", ErrIllegalTransition, machine, from, to)
}

// BeginConnect moves DISCONNECTED or ERROR to CONNECTING.
func (i *Instance) BeginConnect() error {
	if i.LifecycleStatus == LifecycleBanned {
		return illegal("connection", i.ConnectionStatus, ConnectionConnecting)
	}
	switch i.ConnectionStatus {
	case ConnectionDisconnected, ConnectionError:
		i.ConnectionStatus = ConnectionConnecting
		return nil
	}
	return illegal("connection", i.ConnectionStatus, ConnectionConnecting)
}

// RequireQRCode records that pairing is required while connecting.
func (i *Instance) RequireQRCode() error {
	if i.ConnectionStatus != ConnectionConnecting {
		return illegal("connection", i.ConnectionStatus, ConnectionQRCode)
	}
	i.ConnectionStatus = ConnectionQRCode
	return nil
}

// MarkConnected completes a connection attempt. The first successful
// connection of a CREATED instance activates it.
func (i *Instance) MarkConnected() error {
	switch i.ConnectionStatus {
	case ConnectionConnecting, ConnectionQRCode:
	default:
		return illegal("connection", i.ConnectionStatus, ConnectionConnected)
	}
	i.ConnectionStatus = ConnectionConnected
	if i.LifecycleStatus == LifecycleCreated {
		i.LifecycleStatus = LifecycleActive
	}
	return nil
}

// MarkDisconnected records session loss on a connected instance.
func (i *Instance) MarkDisconnected() error {
	if i.ConnectionStatus != ConnectionConnected {
		return illegal("connection", i.ConnectionStatus, ConnectionDisconnected)
	}
	i.ConnectionStatus = ConnectionDisconnected
	return nil
}

// MarkError records a transport failure. Allowed from any connection state.
func (i *Instance) MarkError() error {
	i.ConnectionStatus = ConnectionError
	return nil
}

// EnterCooldown restricts dispatch on an ACTIVE instance.
func (i *Instance) EnterCooldown(reason string, until time.Time) error {
	if i.LifecycleStatus != LifecycleActive {
		return illegal("lifecycle", i.LifecycleStatus, LifecycleCooldown)
	}
	if reason == "" {
		return fmt.Errorf("%w: cooldown requires a reason", ErrIllegalTransition)
	}
	i.LifecycleStatus = LifecycleCooldown
	i.CooldownReason = reason
	i.CooldownUntil = &until
	return nil
}

// ExitCooldown returns a cooling-down instance to ACTIVE.
func (i *Instance) ExitCooldown() error {
	if i.LifecycleStatus != LifecycleCooldown {
		return illegal("lifecycle", i.LifecycleStatus, LifecycleActive)
	}
	i.LifecycleStatus = LifecycleActive
	i.CooldownReason = ""
	i.CooldownUntil = nil
	return nil
}

// Ban marks the instance BANNED. BANNED is terminal except for Reactivate.
func (i *Instance) Ban(reason string) error {
	if i.LifecycleStatus == LifecycleBanned {
		return illegal("lifecycle", i.LifecycleStatus, LifecycleBanned)
	}
	i.LifecycleStatus = LifecycleBanned
	i.BanReason = reason
	i.CooldownReason = ""
	i.CooldownUntil = nil
	return nil
}

// Reactivate is the only way out of BANNED.
func (i *Instance) Reactivate() error {
	if i.LifecycleStatus != LifecycleBanned {
		return illegal("lifecycle", i.LifecycleStatus, LifecycleActive)
	}
	i.LifecycleStatus = LifecycleActive
	i.BanReason = ""
	return nil
}
