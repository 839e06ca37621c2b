// Package registry owns device identity and lifecycle rules. All mutations
// run inside the caller's transaction; the registry holds no state of its
// own.
package registry

import (
	"fmt"
	"time"

	"github.com/bastion-xolot/gateway/internal/store"
	"github.com/bastion-xolot/gateway/internal/types"
)

// Upsert records a sighting of a device. First sighting creates the device
// with status normal and zero risk; later sightings update the IP address,
// hostname, and last_seen. Timestamps older than the stored last_seen leave
// the row untouched: delivery may be out of order and last_seen is
// monotonic.
func Upsert(tx *store.Tx, mac, ip, hostname string, now time.Time) (*types.Device, error) {
	mac = types.NormalizeMAC(mac)
	if !types.ValidMAC(mac) {
		return nil, &types.ValidationError{Field: "mac_address", Reason: fmt.Sprintf("malformed MAC %q", mac)}
	}

	dev, err := tx.GetDevice(mac)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		dev = &types.Device{
			MACAddress: mac,
			IPAddress:  ip,
			Hostname:   hostname,
			FirstSeen:  now,
			LastSeen:   now,
			Status:     types.DeviceNormal,
			RiskScore:  0,
		}
		if err := tx.InsertDevice(dev); err != nil {
			return nil, err
		}
		return dev, nil
	}

	if !now.After(dev.LastSeen) {
		return dev, nil
	}
	if err := tx.UpdateDeviceSighting(mac, ip, hostname, now); err != nil {
		return nil, err
	}
	if ip != "" {
		dev.IPAddress = ip
	}
	if hostname != "" {
		dev.Hostname = hostname
	}
	dev.LastSeen = now
	return dev, nil
}

// SetStatus is the only mutator for device status. Callers are the risk
// scorer (normal <-> suspicious) and the enforcement machine (quarantined,
// trusted, and release back to normal).
func SetStatus(tx *store.Tx, dev *types.Device, status types.DeviceStatus) error {
	if !types.ValidDeviceStatus(status) {
		return &types.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	if dev.Status == status {
		return nil
	}
	if err := tx.UpdateDeviceStatus(dev.MACAddress, status); err != nil {
		return err
	}
	dev.Status = status
	return nil
}

// SetRisk records a recomputed risk score.
func SetRisk(tx *store.Tx, dev *types.Device, score float64) error {
	if dev.RiskScore == score {
		return nil
	}
	if err := tx.UpdateDeviceRisk(dev.MACAddress, score); err != nil {
		return err
	}
	dev.RiskScore = score
	return nil
}

// SetLabel assigns a user label. Labels never alter status or risk.
func SetLabel(tx *store.Tx, mac, label string) error {
	mac = types.NormalizeMAC(mac)
	dev, err := tx.GetDevice(mac)
	if err != nil {
		return err
	}
	if dev == nil {
		return &types.ValidationError{Field: "mac_address", Reason: fmt.Sprintf("unknown device %q", mac)}
	}
	return tx.UpdateDeviceLabel(mac, label)
}
