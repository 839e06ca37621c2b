// Package enforce implements the enforcement state machine: applying and
// rolling back control actions against devices with idempotency, full
// reversibility, and an append-only audit trail. The actual network-layer
// mechanism is an external collaborator behind the Controller interface.
package enforce

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bastion-xolot/gateway/internal/keymutex"
	"github.com/bastion-xolot/gateway/internal/registry"
	"github.com/bastion-xolot/gateway/internal/store"
	"github.com/bastion-xolot/gateway/internal/types"
)

// Controller is the external enforcement mechanism. It is a black box with
// possible transient failure; calls are bounded by the machine's timeout
// and a timeout is always treated as failure, never as success.
type Controller interface {
	ApplyControl(ctx context.Context, action types.EnforcementAction, target string) error
	RevertControl(ctx context.Context, action types.EnforcementAction, target string) error
}

// Request describes an enforcement action to apply.
type Request struct {
	DeviceID  string
	Action    types.EnforcementAction
	Reason    string
	Initiator types.Initiator
	AlertID   string
	Target    string
}

// Machine applies and reverses enforcement actions. External control calls
// run outside the ingest pipeline's per-device lock; a per device+family
// lock here only serializes competing enforcement for the same device.
type Machine struct {
	store   *store.Store
	ctrl    Controller
	log     *logrus.Logger
	timeout time.Duration
	// allowed mirrors the fail-closed config gate. When false the machine
	// runs in monitor mode: requests are audited as monitor_only records
	// and nothing is enforced.
	allowed bool
	locks   *keymutex.KeyMutex
}

// New creates an enforcement machine. timeout bounds every external control
// call.
func New(st *store.Store, ctrl Controller, log *logrus.Logger, timeout time.Duration, allowed bool) *Machine {
	return &Machine{
		store:   st,
		ctrl:    ctrl,
		log:     log,
		timeout: timeout,
		allowed: allowed,
		locks:   keymutex.New(),
	}
}

func familyKey(mac string, family types.EnforcementFamily, target string) string {
	return mac + "/" + string(family) + "/" + target
}

// Apply requests an enforcement action. Guarantees:
//   - re-applying the current applied state returns the existing record;
//   - a reversal with no prior applied record fails with
//     *types.InvalidTransitionError and changes nothing;
//   - external failure or timeout writes a failed record and leaves the
//     device untouched, returning *types.ExternalControlError.
func (m *Machine) Apply(ctx context.Context, req Request) (*types.EnforcementRecord, error) {
	if !types.ValidEnforcementAction(req.Action) {
		return nil, &types.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", req.Action)}
	}
	if req.Action.Family() == types.FamilyDestination && req.Target == "" {
		return nil, &types.ValidationError{Field: "target", Reason: "destination actions require a target"}
	}
	if req.Initiator == "" {
		req.Initiator = types.InitiatorSystem
	}
	mac := types.NormalizeMAC(req.DeviceID)
	if !types.ValidMAC(mac) {
		return nil, &types.ValidationError{Field: "device_id", Reason: fmt.Sprintf("malformed MAC %q", req.DeviceID)}
	}
	req.DeviceID = mac

	unlock := m.locks.Lock(familyKey(mac, req.Action.Family(), req.Target))
	defer unlock()

	// Validate against current state before touching the external
	// mechanism.
	view := m.store.View(ctx)
	dev, err := view.GetDevice(mac)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, &types.ValidationError{Field: "device_id", Reason: fmt.Sprintf("unknown device %q", mac)}
	}
	latest, err := view.LatestEnforcement(mac, req.Action.Family(), req.Target)
	if err != nil {
		return nil, err
	}

	if req.Action != types.ActionMonitorOnly {
		if existing := idempotentHit(latest, req.Action); existing != nil {
			m.log.WithFields(logrus.Fields{
				"device": mac, "action": req.Action, "record_id": existing.ID,
			}).Info("Enforcement already applied, returning existing record")
			return existing, nil
		}
		if req.Action.IsReversal() {
			if latest == nil || latest.Status != types.EnforcementApplied || latest.Action.IsReversal() {
				return nil, &types.InvalidTransitionError{
					Action: req.Action,
					Reason: "no applied record to reverse",
				}
			}
		}
	}

	now := time.Now().UTC()

	// Monitor mode and explicit monitor_only requests are audit-only.
	if req.Action == types.ActionMonitorOnly || !m.allowed {
		return m.recordMonitorOnly(ctx, req, now)
	}

	// External call, bounded. Issued outside any lock shared with event
	// processing.
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err = m.ctrl.ApplyControl(callCtx, req.Action, controlTarget(req.Action, mac, req.Target))
	cancel()
	if err != nil {
		rec := m.newRecord(req, types.EnforcementFailed, now)
		if werr := m.store.WithTx(ctx, func(tx *store.Tx) error {
			return tx.InsertEnforcement(rec)
		}); werr != nil {
			m.log.WithError(werr).Error("Failed to record failed enforcement attempt")
		}
		m.log.WithError(err).WithFields(logrus.Fields{
			"device": mac, "action": req.Action, "target": req.Target,
		}).Error("External control call failed")
		return rec, &types.ExternalControlError{Action: req.Action, Target: req.Target, Err: err}
	}

	rec := m.newRecord(req, types.EnforcementApplied, now)
	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		// Re-check under the transaction: state must not have moved while
		// the external call was in flight.
		cur, err := tx.LatestEnforcement(mac, req.Action.Family(), req.Target)
		if err != nil {
			return err
		}
		if !sameRecordState(cur, latest) {
			return &types.InvalidTransitionError{Action: req.Action, Reason: "state changed during external call"}
		}
		if req.Action.IsReversal() && latest != nil {
			if err := tx.MarkEnforcementRolledBack(latest.ID, now); err != nil {
				return err
			}
		}
		if err := tx.InsertEnforcement(rec); err != nil {
			return err
		}
		return m.applyDeviceEffect(tx, mac, req.Action)
	})
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"device": mac, "action": req.Action, "target": req.Target,
		"initiator": req.Initiator, "record_id": rec.ID,
	}).Warn("ENFORCEMENT APPLIED")
	return rec, nil
}

// Rollback reverses an applied enforcement record: reverts the external
// control, marks the record rolled_back, and restores the device status.
// Only applied, non-reversal records can be rolled back; undoing a reversal
// is a fresh Apply of the original action, so the latest applied record
// always reflects the device's real state.
func (m *Machine) Rollback(ctx context.Context, recordID string) (*types.EnforcementRecord, error) {
	view := m.store.View(ctx)
	rec, err := view.GetEnforcement(recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &types.ValidationError{Field: "record_id", Reason: fmt.Sprintf("unknown record %q", recordID)}
	}

	unlock := m.locks.Lock(familyKey(rec.DeviceID, rec.Action.Family(), rec.Target))
	defer unlock()

	// Re-read under the lock.
	rec, err = view.GetEnforcement(recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status != types.EnforcementApplied {
		return nil, &types.InvalidTransitionError{
			Action: rec.Action,
			Reason: fmt.Sprintf("record is %s, only applied records can be rolled back", rec.Status),
		}
	}
	if rec.Action.IsReversal() {
		return nil, &types.InvalidTransitionError{
			Action: rec.Action,
			Reason: fmt.Sprintf("%s cannot be rolled back, apply %s instead", rec.Action, rec.Action.Inverse()),
		}
	}

	now := time.Now().UTC()

	if rec.Action != types.ActionMonitorOnly && m.allowed {
		callCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err = m.ctrl.RevertControl(callCtx, rec.Action, controlTarget(rec.Action, rec.DeviceID, rec.Target))
		cancel()
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"record_id": rec.ID, "action": rec.Action,
			}).Error("External revert call failed")
			return nil, &types.ExternalControlError{Action: rec.Action, Target: rec.Target, Err: err}
		}
	}

	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.MarkEnforcementRolledBack(rec.ID, now); err != nil {
			return err
		}
		// Rolling back an action restores the inverse device effect.
		if inverse := rec.Action.Inverse(); inverse != "" {
			return m.applyDeviceEffect(tx, rec.DeviceID, inverse)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec.Status = types.EnforcementRolledBack
	rec.RolledBackAt = &now
	m.log.WithFields(logrus.Fields{
		"record_id": rec.ID, "device": rec.DeviceID, "action": rec.Action,
	}).Warn("ENFORCEMENT ROLLED BACK")
	return rec, nil
}

func (m *Machine) recordMonitorOnly(ctx context.Context, req Request, now time.Time) (*types.EnforcementRecord, error) {
	reason := req.Reason
	if req.Action != types.ActionMonitorOnly {
		reason = fmt.Sprintf("monitor mode: would %s: %s", req.Action, req.Reason)
		m.log.WithFields(logrus.Fields{
			"device": req.DeviceID, "requested_action": req.Action,
		}).Info("Enforcement disabled, recording monitor_only")
	}
	rec := m.newRecord(Request{
		DeviceID:  req.DeviceID,
		Action:    types.ActionMonitorOnly,
		Reason:    reason,
		Initiator: req.Initiator,
		AlertID:   req.AlertID,
		Target:    req.Target,
	}, types.EnforcementApplied, now)
	if err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertEnforcement(rec)
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Machine) newRecord(req Request, status types.EnforcementStatus, now time.Time) *types.EnforcementRecord {
	return &types.EnforcementRecord{
		ID:        uuid.NewString(),
		DeviceID:  req.DeviceID,
		Action:    req.Action,
		Reason:    req.Reason,
		Initiator: req.Initiator,
		AlertID:   req.AlertID,
		Target:    req.Target,
		Status:    status,
		CreatedAt: now,
	}
}

// applyDeviceEffect sets the device status implied by a successful action.
// Destination blocks and monitor_only do not change device status.
func (m *Machine) applyDeviceEffect(tx *store.Tx, mac string, action types.EnforcementAction) error {
	dev, err := tx.GetDevice(mac)
	if err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("device %s disappeared during enforcement", mac)
	}
	switch action {
	case types.ActionQuarantine:
		return registry.SetStatus(tx, dev, types.DeviceQuarantined)
	case types.ActionUnquarantine:
		if dev.Status == types.DeviceQuarantined {
			return registry.SetStatus(tx, dev, types.DeviceNormal)
		}
	}
	return nil
}

// controlTarget picks what the external mechanism acts on: the destination
// for destination blocks, otherwise the device itself.
func controlTarget(action types.EnforcementAction, mac, target string) string {
	if action.Family() == types.FamilyDestination {
		return target
	}
	return mac
}

// idempotentHit returns latest when the requested action is already the
// current applied state for its family.
func idempotentHit(latest *types.EnforcementRecord, action types.EnforcementAction) *types.EnforcementRecord {
	if latest == nil || latest.Status != types.EnforcementApplied {
		return nil
	}
	if latest.Action == action {
		return latest
	}
	return nil
}

func sameRecordState(a, b *types.EnforcementRecord) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID && a.Status == b.Status
}
