package types

import (
	"errors"
	"fmt"
)

// ErrDuplicateEvent marks re-delivery of an already-committed event id.
// Callers treat it as success: the telemetry transport is at-least-once and
// retries are expected.
var ErrDuplicateEvent = errors.New("duplicate event")

// ValidationError rejects a malformed event or payload. The event is not
// persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: field %q: %s", e.Field, e.Reason)
}

// InvalidTransitionError rejects an enforcement request that is illegal in
// the current state. No state is changed.
type InvalidTransitionError struct {
	Action EnforcementAction
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s: %s", e.Action, e.Reason)
}

// ExternalControlError reports that the external enforcement mechanism
// failed or timed out. The attempt is recorded as failed; the device is
// left unchanged.
type ExternalControlError struct {
	Action EnforcementAction
	Target string
	Err    error
}

func (e *ExternalControlError) Error() string {
	return fmt.Sprintf("external control %s (%s): %v", e.Action, e.Target, e.Err)
}

func (e *ExternalControlError) Unwrap() error { return e.Err }

// PersistenceError reports a failed transaction commit. The whole event's
// effects are rolled back and the event is safe to retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
