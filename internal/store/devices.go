package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bastion-xolot/gateway/internal/types"
)

// GetDevice returns the device for mac, or (nil, nil) if it is unknown.
func (t *Tx) GetDevice(mac string) (*types.Device, error) {
	row := t.q.QueryRowContext(t.ctx, `
		SELECT mac_address, ip_address, hostname, vendor, first_seen, last_seen,
		       status, risk_score, user_label
		FROM devices WHERE mac_address = ?
	`, mac)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// InsertDevice creates a device row. The caller owns identity rules (see
// the registry package).
func (t *Tx) InsertDevice(d *types.Device) error {
	_, err := t.q.ExecContext(t.ctx, `
		INSERT INTO devices (mac_address, ip_address, hostname, vendor, first_seen,
		                     last_seen, status, risk_score, user_label)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.MACAddress, d.IPAddress, d.Hostname, d.Vendor, d.FirstSeen.UTC(),
		d.LastSeen.UTC(), string(d.Status), d.RiskScore, d.UserLabel)
	if err != nil {
		return fmt.Errorf("insert device %s: %w", d.MACAddress, err)
	}
	return nil
}

// UpdateDeviceSighting records a new observation of the device: current IP,
// optional hostname, and last_seen.
func (t *Tx) UpdateDeviceSighting(mac, ip, hostname string, seen time.Time) error {
	_, err := t.q.ExecContext(t.ctx, `
		UPDATE devices
		SET ip_address = CASE WHEN ? != '' THEN ? ELSE ip_address END,
		    hostname   = CASE WHEN ? != '' THEN ? ELSE hostname END,
		    last_seen  = ?
		WHERE mac_address = ?
	`, ip, ip, hostname, hostname, seen.UTC(), mac)
	if err != nil {
		return fmt.Errorf("update device sighting %s: %w", mac, err)
	}
	return nil
}

// UpdateDeviceStatus sets the device lifecycle status.
func (t *Tx) UpdateDeviceStatus(mac string, status types.DeviceStatus) error {
	_, err := t.q.ExecContext(t.ctx, `UPDATE devices SET status = ? WHERE mac_address = ?`,
		string(status), mac)
	if err != nil {
		return fmt.Errorf("update device status %s: %w", mac, err)
	}
	return nil
}

// UpdateDeviceRisk sets the device risk score.
func (t *Tx) UpdateDeviceRisk(mac string, score float64) error {
	_, err := t.q.ExecContext(t.ctx, `UPDATE devices SET risk_score = ? WHERE mac_address = ?`,
		score, mac)
	if err != nil {
		return fmt.Errorf("update device risk %s: %w", mac, err)
	}
	return nil
}

// UpdateDeviceLabel sets the user-assigned label. Labels never change status
// or risk.
func (t *Tx) UpdateDeviceLabel(mac, label string) error {
	_, err := t.q.ExecContext(t.ctx, `UPDATE devices SET user_label = ? WHERE mac_address = ?`,
		label, mac)
	if err != nil {
		return fmt.Errorf("update device label %s: %w", mac, err)
	}
	return nil
}

// ListDevices returns all known devices, most recently seen first.
func (t *Tx) ListDevices() ([]*types.Device, error) {
	rows, err := t.q.QueryContext(t.ctx, `
		SELECT mac_address, ip_address, hostname, vendor, first_seen, last_seen,
		       status, risk_score, user_label
		FROM devices ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []*types.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return out, nil
}

func scanDevice(r rowScanner) (*types.Device, error) {
	var d types.Device
	var status string
	if err := r.Scan(&d.MACAddress, &d.IPAddress, &d.Hostname, &d.Vendor,
		&d.FirstSeen, &d.LastSeen, &status, &d.RiskScore, &d.UserLabel); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan device: %w", err)
	}
	d.Status = types.DeviceStatus(status)
	return &d, nil
}
