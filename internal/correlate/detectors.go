package correlate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bastion-xolot/gateway/internal/types"
)

// AnomalyPassthrough turns every anomaly_detected event into exactly one
// alert at the severity and confidence carried in the payload. The upstream
// detector already made the call; this detector only translates it for the
// user.
type AnomalyPassthrough struct{}

func (AnomalyPassthrough) ID() string            { return "anomaly" }
func (AnomalyPassthrough) Window() time.Duration { return 0 }

func (AnomalyPassthrough) Detect(ev *types.Event, _ []*types.Event, _ time.Time) ([]*types.Alert, error) {
	if ev.Type != types.EventAnomalyDetected {
		return nil, nil
	}
	if ev.Anomaly == nil {
		return nil, fmt.Errorf("anomaly_detected event %s has no payload", ev.ID)
	}
	return []*types.Alert{{
		DeviceID:    ev.DeviceID,
		Severity:    ev.Anomaly.Severity,
		Title:       "Unusual behavior detected",
		Explanation: ev.Anomaly.Explanation,
		Evidence: types.Evidence{
			Source: ev.Source,
			Details: map[string]any{
				"anomaly_type": ev.Anomaly.AnomalyType,
			},
		},
		Confidence:        ev.Anomaly.Confidence,
		RecommendedAction: "Review this device's recent activity",
		RelatedEventIDs:   []string{ev.ID},
	}}, nil
}

// BlockRate flags a device whose DNS lookups keep hitting the blocklist:
// Count or more dns_blocked events inside WindowSize produce one medium
// alert aggregating the distinct blocked domains.
type BlockRate struct {
	Count      int
	WindowSize time.Duration
}

func (BlockRate) ID() string              { return "dns_block_rate" }
func (d BlockRate) Window() time.Duration { return d.WindowSize }

func (d BlockRate) Detect(ev *types.Event, window []*types.Event, _ time.Time) ([]*types.Alert, error) {
	if ev.Type != types.EventDNSBlocked {
		return nil, nil
	}
	if ev.DNSBlocked == nil {
		return nil, fmt.Errorf("dns_blocked event %s has no payload", ev.ID)
	}

	cutoff := ev.Timestamp.Add(-d.WindowSize)
	domains := make(map[string]bool)
	var related []string
	count := 0
	for _, prior := range append(window, ev) {
		if prior.Type != types.EventDNSBlocked || prior.DNSBlocked == nil {
			continue
		}
		if prior.Timestamp.Before(cutoff) || prior.Timestamp.After(ev.Timestamp) {
			continue
		}
		count++
		domains[prior.DNSBlocked.Domain] = true
		related = append(related, prior.ID)
	}
	if count < d.Count {
		return nil, nil
	}

	sorted := make([]string, 0, len(domains))
	for dom := range domains {
		sorted = append(sorted, dom)
	}
	sort.Strings(sorted)

	confidence := 0.4 + 0.1*float64(count)
	if confidence > 0.95 {
		confidence = 0.95
	}

	return []*types.Alert{{
		DeviceID: ev.DeviceID,
		Severity: types.SeverityMedium,
		Title:    "Device repeatedly contacting blocked sites",
		Explanation: fmt.Sprintf(
			"This device tried to reach %d blocked destinations (%s) in the last %s. "+
				"That can mean malware, aggressive tracking, or a misbehaving app.",
			count, strings.Join(sorted, ", "), d.WindowSize),
		Evidence: types.Evidence{
			Source: ev.Source,
			Details: map[string]any{
				"blocked_count":   count,
				"blocked_domains": sorted,
				"window":          d.WindowSize.String(),
			},
		},
		Confidence:        confidence,
		RecommendedAction: "Quarantine this device if you don't recognize the activity",
		RelatedEventIDs:   related,
	}}, nil
}

// NewDevice raises a low informational alert the first time a device joins
// the network, so the user can label or quarantine it.
type NewDevice struct{}

func (NewDevice) ID() string            { return "new_device" }
func (NewDevice) Window() time.Duration { return 0 }

func (NewDevice) Detect(ev *types.Event, _ []*types.Event, _ time.Time) ([]*types.Alert, error) {
	if ev.Type != types.EventDeviceSeen {
		return nil, nil
	}
	if ev.DeviceSeen == nil {
		return nil, fmt.Errorf("device_seen event %s has no payload", ev.ID)
	}
	if !ev.DeviceSeen.IsNew {
		return nil, nil
	}
	name := ev.DeviceSeen.Hostname
	if name == "" {
		name = ev.DeviceSeen.MACAddress
	}
	return []*types.Alert{{
		DeviceID: ev.DeviceID,
		Severity: types.SeverityLow,
		Title:    "New device joined your network",
		Explanation: fmt.Sprintf(
			"A device (%s, IP %s) connected to your network for the first time. "+
				"If you don't recognize it, you can quarantine it.",
			name, ev.DeviceSeen.IPAddress),
		Evidence: types.Evidence{
			Source: ev.Source,
			Details: map[string]any{
				"mac_address": ev.DeviceSeen.MACAddress,
				"ip_address":  ev.DeviceSeen.IPAddress,
				"hostname":    ev.DeviceSeen.Hostname,
			},
		},
		Confidence:        0.9,
		RecommendedAction: "Label this device, or quarantine it if unknown",
		RelatedEventIDs:   []string{ev.ID},
	}}, nil
}
