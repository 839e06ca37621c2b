package enforce

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-xolot/gateway/internal/store"
	"github.com/bastion-xolot/gateway/internal/types"
)

const testMAC = "aa:bb:cc:dd:ee:ff"

// fakeController records calls and fails on demand.
type fakeController struct {
	mu       sync.Mutex
	applied  []string
	reverted []string
	err      error
	block    bool
}

func (f *fakeController) ApplyControl(ctx context.Context, action types.EnforcementAction, target string) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, string(action)+"/"+target)
	return nil
}

func (f *fakeController) RevertControl(ctx context.Context, action types.EnforcementAction, target string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverted = append(f.reverted, string(action)+"/"+target)
	return nil
}

func newTestMachine(t *testing.T, ctrl Controller, allowed bool) (*Machine, *store.Store) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.WithTx(context.Background(), func(tx *store.Tx) error {
		now := time.Now().UTC()
		return tx.InsertDevice(&types.Device{
			MACAddress: testMAC,
			IPAddress:  "192.168.1.50",
			FirstSeen:  now,
			LastSeen:   now,
			Status:     types.DeviceNormal,
		})
	}))

	return New(st, ctrl, log, 200*time.Millisecond, allowed), st
}

func deviceStatus(t *testing.T, st *store.Store) types.DeviceStatus {
	t.Helper()
	dev, err := st.View(context.Background()).GetDevice(testMAC)
	require.NoError(t, err)
	require.NotNil(t, dev)
	return dev.Status
}

func TestApply_Quarantine(t *testing.T) {
	ctrl := &fakeController{}
	m, st := newTestMachine(t, ctrl, true)

	rec, err := m.Apply(context.Background(), Request{
		DeviceID: testMAC,
		Action:   types.ActionQuarantine,
		Reason:   "suspicious traffic",
	})
	require.NoError(t, err)
	assert.Equal(t, types.EnforcementApplied, rec.Status)
	assert.Equal(t, types.InitiatorSystem, rec.Initiator, "initiator defaults to system")
	assert.Equal(t, types.DeviceQuarantined, deviceStatus(t, st))
	assert.Equal(t, []string{"quarantine/" + testMAC}, ctrl.applied)
}

func TestApply_Idempotent(t *testing.T) {
	ctrl := &fakeController{}
	m, _ := newTestMachine(t, ctrl, true)
	ctx := context.Background()

	first, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionQuarantine})
	require.NoError(t, err)
	second, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionQuarantine})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "re-apply must return the existing record")
	assert.Len(t, ctrl.applied, 1, "no second external call")
}

func TestApply_ReversalWithoutPriorFails(t *testing.T) {
	ctrl := &fakeController{}
	m, st := newTestMachine(t, ctrl, true)

	_, err := m.Apply(context.Background(), Request{DeviceID: testMAC, Action: types.ActionUnquarantine})
	var terr *types.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Empty(t, ctrl.applied, "invalid transitions never reach the external mechanism")
	assert.Equal(t, types.DeviceNormal, deviceStatus(t, st))

	records, err := st.View(context.Background()).ListEnforcement(testMAC, 10)
	require.NoError(t, err)
	assert.Empty(t, records, "invalid transitions leave no record")
}

func TestApply_UnquarantineAfterQuarantine(t *testing.T) {
	ctrl := &fakeController{}
	m, st := newTestMachine(t, ctrl, true)
	ctx := context.Background()

	first, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionQuarantine})
	require.NoError(t, err)
	rec, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionUnquarantine})
	require.NoError(t, err)

	assert.Equal(t, types.EnforcementApplied, rec.Status)
	assert.Equal(t, types.DeviceNormal, deviceStatus(t, st))

	// The quarantine record survives, marked rolled_back.
	prior, err := st.View(ctx).GetEnforcement(first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnforcementRolledBack, prior.Status)
	require.NotNil(t, prior.RolledBackAt)
}

func TestApply_ExternalFailure(t *testing.T) {
	ctrl := &fakeController{err: context.DeadlineExceeded}
	m, st := newTestMachine(t, ctrl, true)
	ctx := context.Background()

	rec, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionQuarantine})
	var cerr *types.ExternalControlError
	require.ErrorAs(t, err, &cerr)
	require.NotNil(t, rec)
	assert.Equal(t, types.EnforcementFailed, rec.Status)
	assert.Equal(t, types.DeviceNormal, deviceStatus(t, st), "failed enforcement leaves the device untouched")

	// The failed attempt is on the audit trail.
	records, err := st.View(ctx).ListEnforcement(testMAC, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.EnforcementFailed, records[0].Status)
}

func TestApply_TimeoutIsFailure(t *testing.T) {
	ctrl := &fakeController{block: true}
	m, st := newTestMachine(t, ctrl, true)

	rec, err := m.Apply(context.Background(), Request{DeviceID: testMAC, Action: types.ActionQuarantine})
	var cerr *types.ExternalControlError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, types.EnforcementFailed, rec.Status)
	assert.Equal(t, types.DeviceNormal, deviceStatus(t, st))
}

func TestApply_FailedAttemptDoesNotBlockRetry(t *testing.T) {
	ctrl := &fakeController{err: context.DeadlineExceeded}
	m, st := newTestMachine(t, ctrl, true)
	ctx := context.Background()

	_, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionQuarantine})
	require.Error(t, err)

	ctrl.err = nil
	rec, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionQuarantine})
	require.NoError(t, err)
	assert.Equal(t, types.EnforcementApplied, rec.Status)
	assert.Equal(t, types.DeviceQuarantined, deviceStatus(t, st))
}

func TestApply_DestinationBlock(t *testing.T) {
	ctrl := &fakeController{}
	m, st := newTestMachine(t, ctrl, true)
	ctx := context.Background()

	t.Run("requires target", func(t *testing.T) {
		_, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionBlockDestination})
		var verr *types.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "target", verr.Field)
	})

	t.Run("blocks are independent per target", func(t *testing.T) {
		_, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionBlockDestination, Target: "bad.example.com"})
		require.NoError(t, err)
		_, err = m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionBlockDestination, Target: "worse.example.com"})
		require.NoError(t, err)
		assert.Len(t, ctrl.applied, 2)
	})

	t.Run("does not change device status", func(t *testing.T) {
		assert.Equal(t, types.DeviceNormal, deviceStatus(t, st))
	})

	t.Run("unblock only for blocked target", func(t *testing.T) {
		_, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionUnblockDestination, Target: "never-blocked.example.com"})
		var terr *types.InvalidTransitionError
		require.ErrorAs(t, err, &terr)

		_, err = m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionUnblockDestination, Target: "bad.example.com"})
		require.NoError(t, err)
	})
}

func TestApply_UnknownDevice(t *testing.T) {
	m, _ := newTestMachine(t, &fakeController{}, true)
	_, err := m.Apply(context.Background(), Request{DeviceID: "11:22:33:44:55:66", Action: types.ActionQuarantine})
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "device_id", verr.Field)
}

func TestApply_MonitorMode(t *testing.T) {
	ctrl := &fakeController{}
	m, st := newTestMachine(t, ctrl, false)
	ctx := context.Background()

	rec, err := m.Apply(ctx, Request{
		DeviceID: testMAC,
		Action:   types.ActionQuarantine,
		Reason:   "suspicious traffic",
	})
	require.NoError(t, err)
	assert.Equal(t, types.ActionMonitorOnly, rec.Action)
	assert.Equal(t, types.EnforcementApplied, rec.Status)
	assert.True(t, strings.HasPrefix(rec.Reason, "monitor mode: would quarantine"), "reason = %q", rec.Reason)
	assert.Empty(t, ctrl.applied, "monitor mode never calls the external mechanism")
	assert.Equal(t, types.DeviceNormal, deviceStatus(t, st))

	t.Run("reversal validation still applies", func(t *testing.T) {
		_, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionUnquarantine})
		var terr *types.InvalidTransitionError
		require.ErrorAs(t, err, &terr)
	})
}

func TestRollback(t *testing.T) {
	ctrl := &fakeController{}
	m, st := newTestMachine(t, ctrl, true)
	ctx := context.Background()

	applied, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionQuarantine})
	require.NoError(t, err)

	rec, err := m.Rollback(ctx, applied.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnforcementRolledBack, rec.Status)
	require.NotNil(t, rec.RolledBackAt)
	assert.Equal(t, types.DeviceNormal, deviceStatus(t, st))
	assert.Equal(t, []string{"quarantine/" + testMAC}, ctrl.reverted)

	t.Run("second rollback fails", func(t *testing.T) {
		_, err := m.Rollback(ctx, applied.ID)
		var terr *types.InvalidTransitionError
		require.ErrorAs(t, err, &terr)
	})

	t.Run("unknown record", func(t *testing.T) {
		_, err := m.Rollback(ctx, "nope")
		var verr *types.ValidationError
		require.ErrorAs(t, err, &verr)
	})
}

func TestRollback_ReversalRecordRejected(t *testing.T) {
	ctrl := &fakeController{}
	m, st := newTestMachine(t, ctrl, true)
	ctx := context.Background()

	_, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionQuarantine})
	require.NoError(t, err)
	rev, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionUnquarantine})
	require.NoError(t, err)

	_, err = m.Rollback(ctx, rev.ID)
	var terr *types.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Empty(t, ctrl.reverted, "rejected rollback never reaches the external mechanism")
	assert.Equal(t, types.DeviceNormal, deviceStatus(t, st))

	rec, err := st.View(ctx).GetEnforcement(rev.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnforcementApplied, rec.Status, "the reversal record stays applied")

	// Undoing the reversal is a fresh apply of the original action, which
	// must go through the external mechanism again.
	applied := len(ctrl.applied)
	_, err = m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionQuarantine})
	require.NoError(t, err)
	assert.Equal(t, types.DeviceQuarantined, deviceStatus(t, st))
	assert.Len(t, ctrl.applied, applied+1)
}

func TestRollback_ExternalFailureLeavesRecordApplied(t *testing.T) {
	ctrl := &fakeController{}
	m, st := newTestMachine(t, ctrl, true)
	ctx := context.Background()

	applied, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: types.ActionQuarantine})
	require.NoError(t, err)

	ctrl.err = context.DeadlineExceeded
	_, err = m.Rollback(ctx, applied.ID)
	var cerr *types.ExternalControlError
	require.ErrorAs(t, err, &cerr)

	rec, err := st.View(ctx).GetEnforcement(applied.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnforcementApplied, rec.Status, "failed revert must not mark the record rolled back")
	assert.Equal(t, types.DeviceQuarantined, deviceStatus(t, st))
}

func TestApply_QuarantineMatchesLatestApplied(t *testing.T) {
	// Over an arbitrary valid action sequence, device status quarantined
	// must hold exactly when the latest applied quarantine-family record
	// is a quarantine.
	ctrl := &fakeController{}
	m, st := newTestMachine(t, ctrl, true)
	ctx := context.Background()

	var lastRecord string
	apply := func(action types.EnforcementAction) error {
		rec, err := m.Apply(ctx, Request{DeviceID: testMAC, Action: action})
		if err == nil {
			lastRecord = rec.ID
		}
		return err
	}
	rollback := func() error {
		_, err := m.Rollback(ctx, lastRecord)
		return err
	}

	steps := []struct {
		name    string
		run     func() error
		wantErr bool
	}{
		{"quarantine", func() error { return apply(types.ActionQuarantine) }, false},
		{"quarantine idempotent", func() error { return apply(types.ActionQuarantine) }, false},
		{"unquarantine", func() error { return apply(types.ActionUnquarantine) }, false},
		{"rollback of reversal rejected", rollback, true},
		{"quarantine again", func() error { return apply(types.ActionQuarantine) }, false},
		{"rollback quarantine", rollback, false},
		{"quarantine after rollback", func() error { return apply(types.ActionQuarantine) }, false},
		{"unquarantine again", func() error { return apply(types.ActionUnquarantine) }, false},
	}
	for i, step := range steps {
		err := step.run()
		if step.wantErr {
			require.Error(t, err, "step %d (%s)", i, step.name)
		} else {
			require.NoError(t, err, "step %d (%s)", i, step.name)
		}

		latest, err := st.View(ctx).LatestEnforcement(testMAC, types.FamilyQuarantine, "")
		require.NoError(t, err)
		require.NotNil(t, latest)
		wantQuarantined := latest.Action == types.ActionQuarantine && latest.Status == types.EnforcementApplied
		gotQuarantined := deviceStatus(t, st) == types.DeviceQuarantined
		assert.Equal(t, wantQuarantined, gotQuarantined, "step %d (%s)", i, step.name)
	}
}
