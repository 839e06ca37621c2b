package types

import "time"

// EnforcementAction is a control action against a device or destination.
type EnforcementAction string

const (
	ActionQuarantine         EnforcementAction = "quarantine"
	ActionUnquarantine       EnforcementAction = "unquarantine"
	ActionBlockDestination   EnforcementAction = "block_destination"
	ActionUnblockDestination EnforcementAction = "unblock_destination"
	ActionMonitorOnly        EnforcementAction = "monitor_only"
)

// ValidEnforcementAction reports whether a is a recognized action.
func ValidEnforcementAction(a EnforcementAction) bool {
	switch a {
	case ActionQuarantine, ActionUnquarantine, ActionBlockDestination,
		ActionUnblockDestination, ActionMonitorOnly:
		return true
	}
	return false
}

// EnforcementFamily groups actions with their inverses. State transitions
// are tracked per device-family (and per target for destination blocks).
type EnforcementFamily string

const (
	FamilyQuarantine  EnforcementFamily = "quarantine"
	FamilyDestination EnforcementFamily = "destination"
	FamilyMonitor     EnforcementFamily = "monitor"
)

// Family returns the enforcement family an action belongs to.
func (a EnforcementAction) Family() EnforcementFamily {
	switch a {
	case ActionQuarantine, ActionUnquarantine:
		return FamilyQuarantine
	case ActionBlockDestination, ActionUnblockDestination:
		return FamilyDestination
	}
	return FamilyMonitor
}

// IsReversal reports whether a undoes a prior action in its family.
func (a EnforcementAction) IsReversal() bool {
	return a == ActionUnquarantine || a == ActionUnblockDestination
}

// Inverse returns the action that undoes a, or "" if a has no inverse
// (monitor_only changes nothing, so there is nothing to undo).
func (a EnforcementAction) Inverse() EnforcementAction {
	switch a {
	case ActionQuarantine:
		return ActionUnquarantine
	case ActionUnquarantine:
		return ActionQuarantine
	case ActionBlockDestination:
		return ActionUnblockDestination
	case ActionUnblockDestination:
		return ActionBlockDestination
	}
	return ""
}

// Initiator identifies who requested an enforcement action.
type Initiator string

const (
	InitiatorSystem Initiator = "system"
	InitiatorUser   Initiator = "user"
)

// EnforcementStatus is the terminal-state tracking of an enforcement record.
// applied may later become rolled_back; failed is terminal.
type EnforcementStatus string

const (
	EnforcementApplied    EnforcementStatus = "applied"
	EnforcementRolledBack EnforcementStatus = "rolled_back"
	EnforcementFailed     EnforcementStatus = "failed"
)

// EnforcementRecord is the append-only audit entry for an applied or
// attempted control action. History is never rewritten: reversal marks the
// record rolled_back and stamps RolledBackAt rather than deleting it.
type EnforcementRecord struct {
	ID           string            `json:"id"`
	DeviceID     string            `json:"device_id"`
	Action       EnforcementAction `json:"action"`
	Reason       string            `json:"reason"`
	Initiator    Initiator         `json:"initiator"`
	AlertID      string            `json:"alert_id,omitempty"`
	Target       string            `json:"target,omitempty"`
	Status       EnforcementStatus `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	RolledBackAt *time.Time        `json:"rolled_back_at,omitempty"`
}
