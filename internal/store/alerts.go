package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bastion-xolot/gateway/internal/types"
)

// InsertAlert creates a new alert row.
func (t *Tx) InsertAlert(a *types.Alert) error {
	evidence, err := json.Marshal(a.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	related, err := json.Marshal(a.RelatedEventIDs)
	if err != nil {
		return fmt.Errorf("marshal related event ids: %w", err)
	}
	_, err = t.q.ExecContext(t.ctx, `
		INSERT INTO alerts (id, device_id, detector_id, severity, title, explanation,
		                    evidence, confidence, recommended_action, status,
		                    related_event_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.DeviceID, a.DetectorID, string(a.Severity), a.Title, a.Explanation,
		string(evidence), a.Confidence, a.RecommendedAction, string(a.Status),
		string(related), a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

// MergeAlert updates an existing alert in place with new evidence from a
// repeat detection. Status, title, and creation time are untouched.
func (t *Tx) MergeAlert(id string, severity types.Severity, confidence float64,
	evidence types.Evidence, relatedEventIDs []string, now time.Time) error {

	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	related, err := json.Marshal(relatedEventIDs)
	if err != nil {
		return fmt.Errorf("marshal related event ids: %w", err)
	}
	res, err := t.q.ExecContext(t.ctx, `
		UPDATE alerts
		SET severity = ?, confidence = ?, evidence = ?, related_event_ids = ?, updated_at = ?
		WHERE id = ?
	`, string(severity), confidence, string(evidenceJSON), string(related), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("merge alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("merge alert %s: not found", id)
	}
	return nil
}

// SetAlertStatus transitions an alert's user-visible status (acknowledge or
// resolve).
func (t *Tx) SetAlertStatus(id string, status types.AlertStatus, now time.Time) error {
	res, err := t.q.ExecContext(t.ctx, `
		UPDATE alerts SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("set alert status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set alert status %s: not found", id)
	}
	return nil
}

// GetAlert returns the alert for id, or (nil, nil) if it does not exist.
func (t *Tx) GetAlert(id string) (*types.Alert, error) {
	row := t.q.QueryRowContext(t.ctx, alertSelect+` WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ActiveAlertsForDevice returns the device's alerts with status=active,
// oldest first.
func (t *Tx) ActiveAlertsForDevice(mac string) ([]*types.Alert, error) {
	return t.queryAlerts(alertSelect+` WHERE device_id = ? AND status = 'active' ORDER BY created_at ASC`, mac)
}

// UnresolvedAlertsForDevice returns the device's alerts that are still open
// (active or acknowledged), oldest first. Repeat detections merge into these;
// acknowledging an alert must not cause a duplicate on the next hit.
func (t *Tx) UnresolvedAlertsForDevice(mac string) ([]*types.Alert, error) {
	return t.queryAlerts(alertSelect+` WHERE device_id = ? AND status != 'resolved' ORDER BY created_at ASC`, mac)
}

// ListAlerts returns alerts filtered by optional device and status, newest
// first, capped at limit.
func (t *Tx) ListAlerts(device string, status types.AlertStatus, limit int) ([]*types.Alert, error) {
	query := alertSelect + ` WHERE 1=1`
	var args []any
	if device != "" {
		query += ` AND device_id = ?`
		args = append(args, device)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return t.queryAlerts(query, args...)
}

const alertSelect = `
	SELECT id, device_id, detector_id, severity, title, explanation, evidence,
	       confidence, recommended_action, status, related_event_ids,
	       created_at, updated_at
	FROM alerts`

func (t *Tx) queryAlerts(query string, args ...any) ([]*types.Alert, error) {
	rows, err := t.q.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*types.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	return out, nil
}

func scanAlert(r rowScanner) (*types.Alert, error) {
	var a types.Alert
	var severity, status, evidenceJSON, relatedJSON string
	if err := r.Scan(&a.ID, &a.DeviceID, &a.DetectorID, &severity, &a.Title,
		&a.Explanation, &evidenceJSON, &a.Confidence, &a.RecommendedAction,
		&status, &relatedJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.Severity = types.Severity(severity)
	a.Status = types.AlertStatus(status)
	if err := json.Unmarshal([]byte(evidenceJSON), &a.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshal evidence for alert %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(relatedJSON), &a.RelatedEventIDs); err != nil {
		return nil, fmt.Errorf("unmarshal related ids for alert %s: %w", a.ID, err)
	}
	return &a, nil
}
