package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bastion-xolot/gateway/internal/types"
)

// InsertEnforcement appends an enforcement record. Records are written with
// their outcome already resolved (applied or failed); only rollback mutates
// them afterward.
func (t *Tx) InsertEnforcement(r *types.EnforcementRecord) error {
	var rolledBack any
	if r.RolledBackAt != nil {
		rolledBack = r.RolledBackAt.UTC()
	}
	_, err := t.q.ExecContext(t.ctx, `
		INSERT INTO enforcement_actions (id, device_id, action, reason, initiator,
		                                 alert_id, target, status, created_at, rolled_back_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.DeviceID, string(r.Action), r.Reason, string(r.Initiator),
		r.AlertID, r.Target, string(r.Status), r.CreatedAt.UTC(), rolledBack)
	if err != nil {
		return fmt.Errorf("insert enforcement %s: %w", r.ID, err)
	}
	return nil
}

// MarkEnforcementRolledBack transitions an applied record to rolled_back and
// stamps the rollback time. It refuses to touch records in any other state.
func (t *Tx) MarkEnforcementRolledBack(id string, now time.Time) error {
	res, err := t.q.ExecContext(t.ctx, `
		UPDATE enforcement_actions
		SET status = ?, rolled_back_at = ?
		WHERE id = ? AND status = ?
	`, string(types.EnforcementRolledBack), now.UTC(), id, string(types.EnforcementApplied))
	if err != nil {
		return fmt.Errorf("mark rolled back %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark rolled back %s: record not in applied state", id)
	}
	return nil
}

// GetEnforcement returns the record for id, or (nil, nil) if unknown.
func (t *Tx) GetEnforcement(id string) (*types.EnforcementRecord, error) {
	row := t.q.QueryRowContext(t.ctx, enforcementSelect+` WHERE id = ?`, id)
	r, err := scanEnforcement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// LatestEnforcement returns the most recent record for a device in the given
// action family (matching target for destination blocks), or (nil, nil).
// Failed attempts are not part of the state machine's history.
func (t *Tx) LatestEnforcement(mac string, family types.EnforcementFamily, target string) (*types.EnforcementRecord, error) {
	query := enforcementSelect + ` WHERE device_id = ? AND status != 'failed'`
	args := []any{mac}
	switch family {
	case types.FamilyQuarantine:
		query += ` AND action IN ('quarantine', 'unquarantine')`
	case types.FamilyDestination:
		query += ` AND action IN ('block_destination', 'unblock_destination') AND target = ?`
		args = append(args, target)
	default:
		query += ` AND action = 'monitor_only'`
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT 1`

	row := t.q.QueryRowContext(t.ctx, query, args...)
	r, err := scanEnforcement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ListEnforcement returns enforcement history, optionally filtered by
// device, newest first.
func (t *Tx) ListEnforcement(device string, limit int) ([]*types.EnforcementRecord, error) {
	query := enforcementSelect
	var args []any
	if device != "" {
		query += ` WHERE device_id = ?`
		args = append(args, device)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := t.q.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list enforcement: %w", err)
	}
	defer rows.Close()

	var out []*types.EnforcementRecord
	for rows.Next() {
		r, err := scanEnforcement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list enforcement: %w", err)
	}
	return out, nil
}

// RecentEnforcementForDevice returns the device's records since the cutoff,
// oldest first. Used by the risk scorer.
func (t *Tx) RecentEnforcementForDevice(mac string, since time.Time) ([]*types.EnforcementRecord, error) {
	rows, err := t.q.QueryContext(t.ctx, enforcementSelect+`
		WHERE device_id = ? AND created_at >= ?
		ORDER BY created_at ASC
	`, mac, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("recent enforcement for %s: %w", mac, err)
	}
	defer rows.Close()

	var out []*types.EnforcementRecord
	for rows.Next() {
		r, err := scanEnforcement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent enforcement for %s: %w", mac, err)
	}
	return out, nil
}

const enforcementSelect = `
	SELECT id, device_id, action, reason, initiator, alert_id, target, status,
	       created_at, rolled_back_at
	FROM enforcement_actions`

func scanEnforcement(r rowScanner) (*types.EnforcementRecord, error) {
	var rec types.EnforcementRecord
	var action, initiator, status string
	var rolledBack sql.NullTime
	if err := r.Scan(&rec.ID, &rec.DeviceID, &action, &rec.Reason, &initiator,
		&rec.AlertID, &rec.Target, &status, &rec.CreatedAt, &rolledBack); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan enforcement: %w", err)
	}
	rec.Action = types.EnforcementAction(action)
	rec.Initiator = types.Initiator(initiator)
	rec.Status = types.EnforcementStatus(status)
	if rolledBack.Valid {
		t := rolledBack.Time
		rec.RolledBackAt = &t
	}
	return &rec, nil
}
