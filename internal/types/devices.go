// Package types defines shared domain types for devices, events, alerts,
// and enforcement used by the gateway HTTP API and internal processing.
package types

import (
	"regexp"
	"strings"
	"time"
)

// DeviceStatus is the lifecycle state of a device on the network.
type DeviceStatus string

const (
	DeviceNormal      DeviceStatus = "normal"
	DeviceSuspicious  DeviceStatus = "suspicious"
	DeviceQuarantined DeviceStatus = "quarantined"
	DeviceTrusted     DeviceStatus = "trusted"
)

// ValidDeviceStatus reports whether s is a recognized device status.
func ValidDeviceStatus(s DeviceStatus) bool {
	switch s {
	case DeviceNormal, DeviceSuspicious, DeviceQuarantined, DeviceTrusted:
		return true
	}
	return false
}

// Device is a host observed on the local network, keyed by MAC address.
// Devices are never deleted; they are retained for audit history.
type Device struct {
	MACAddress string       `json:"mac_address"`
	IPAddress  string       `json:"ip_address"`
	Hostname   string       `json:"hostname,omitempty"`
	Vendor     string       `json:"vendor,omitempty"`
	FirstSeen  time.Time    `json:"first_seen"`
	LastSeen   time.Time    `json:"last_seen"`
	Status     DeviceStatus `json:"status"`
	RiskScore  float64      `json:"risk_score"`
	UserLabel  string       `json:"user_label,omitempty"`
}

var macRE = regexp.MustCompile(`^([0-9a-f]{2}:){5}[0-9a-f]{2}$`)

// NormalizeMAC lowercases a MAC address and converts dash separators to
// colons: "AA-BB-CC-DD-EE-FF" -> "aa:bb:cc:dd:ee:ff".
func NormalizeMAC(mac string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(mac)), "-", ":")
}

// ValidMAC reports whether mac is a normalized colon-separated MAC address.
func ValidMAC(mac string) bool {
	return macRE.MatchString(mac)
}
