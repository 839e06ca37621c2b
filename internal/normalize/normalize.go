// Package normalize validates raw telemetry events against the payload
// shape registered for each event type and produces typed, immutable events.
// It performs no persistence; deduplication against committed event ids
// happens downstream inside the ingest transaction.
package normalize

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bastion-xolot/gateway/internal/types"
)

// Normalize validates raw and returns the typed event. Required fields
// missing or malformed yield *types.ValidationError; unknown payload fields
// are tolerated and preserved in Extra.
func Normalize(raw types.RawEvent, now time.Time) (*types.Event, error) {
	evType := types.EventType(raw.Type)
	if !types.ValidEventType(evType) {
		return nil, &types.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", raw.Type)}
	}

	ev := &types.Event{
		ID:        raw.ID,
		Type:      evType,
		Timestamp: raw.Timestamp,
		Source:    raw.Source,
		DeviceID:  types.NormalizeMAC(raw.DeviceID),
		Metadata:  raw.Metadata,
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	if ev.DeviceID != "" && !types.ValidMAC(ev.DeviceID) {
		return nil, &types.ValidationError{Field: "device_id", Reason: fmt.Sprintf("malformed MAC %q", raw.DeviceID)}
	}

	p := payload{data: raw.Data}
	switch evType {
	case types.EventDeviceSeen:
		mac := types.NormalizeMAC(p.str("mac_address"))
		if !types.ValidMAC(mac) {
			return nil, &types.ValidationError{Field: "mac_address", Reason: "required, must be a MAC address"}
		}
		ev.DeviceSeen = &types.DeviceSeenData{
			MACAddress: mac,
			IPAddress:  p.str("ip_address"),
			Hostname:   p.str("hostname"),
			IsNew:      p.boolVal("is_new"),
		}
		if ev.DeviceSeen.IPAddress == "" {
			return nil, &types.ValidationError{Field: "ip_address", Reason: "required"}
		}
		if !p.has("is_new") {
			return nil, &types.ValidationError{Field: "is_new", Reason: "required"}
		}
		// The payload MAC is authoritative for device identity.
		ev.DeviceID = mac
		p.consume("mac_address", "ip_address", "hostname", "is_new")

	case types.EventDNSBlocked:
		ev.DNSBlocked = &types.DNSBlockedData{
			Domain:      p.str("domain"),
			ClientIP:    p.str("client_ip"),
			BlockReason: p.str("block_reason"),
			ListSource:  p.str("list_source"),
		}
		if ev.DNSBlocked.Domain == "" {
			return nil, &types.ValidationError{Field: "domain", Reason: "required"}
		}
		if ev.DNSBlocked.ClientIP == "" {
			return nil, &types.ValidationError{Field: "client_ip", Reason: "required"}
		}
		p.consume("domain", "client_ip", "block_reason", "list_source")

	case types.EventDNSQuery:
		ev.DNSQuery = &types.DNSQueryData{
			Domain:    p.str("domain"),
			ClientIP:  p.str("client_ip"),
			QueryType: p.str("query_type"),
		}
		if ev.DNSQuery.Domain == "" {
			return nil, &types.ValidationError{Field: "domain", Reason: "required"}
		}
		if ev.DNSQuery.ClientIP == "" {
			return nil, &types.ValidationError{Field: "client_ip", Reason: "required"}
		}
		p.consume("domain", "client_ip", "query_type")

	case types.EventFlowSummary:
		if ev.DeviceID == "" {
			return nil, &types.ValidationError{Field: "device_id", Reason: "required for flow_summary"}
		}
		for _, field := range []string{"bytes_in", "bytes_out", "connections"} {
			if !p.has(field) {
				return nil, &types.ValidationError{Field: field, Reason: "required"}
			}
		}
		ev.FlowSummary = &types.FlowSummaryData{
			BytesIn:       p.intVal("bytes_in"),
			BytesOut:      p.intVal("bytes_out"),
			Connections:   int(p.intVal("connections")),
			UniqueDsts:    int(p.intVal("unique_destinations")),
			WindowSeconds: int(p.intVal("window_seconds")),
		}
		p.consume("bytes_in", "bytes_out", "connections", "unique_destinations", "window_seconds")

	case types.EventAnomalyDetected:
		if ev.DeviceID == "" {
			return nil, &types.ValidationError{Field: "device_id", Reason: "required for anomaly_detected"}
		}
		sev := types.Severity(p.str("severity"))
		if !types.ValidSeverity(sev) {
			return nil, &types.ValidationError{Field: "severity", Reason: fmt.Sprintf("required, one of low/medium/high, got %q", p.str("severity"))}
		}
		if !p.has("confidence") {
			return nil, &types.ValidationError{Field: "confidence", Reason: "required"}
		}
		conf := p.floatVal("confidence")
		if conf < 0 || conf > 1 {
			return nil, &types.ValidationError{Field: "confidence", Reason: "must be in [0,1]"}
		}
		ev.Anomaly = &types.AnomalyData{
			AnomalyType: p.str("anomaly_type"),
			Severity:    sev,
			Confidence:  conf,
			Explanation: p.str("explanation"),
		}
		if ev.Anomaly.AnomalyType == "" {
			return nil, &types.ValidationError{Field: "anomaly_type", Reason: "required"}
		}
		if ev.Anomaly.Explanation == "" {
			return nil, &types.ValidationError{Field: "explanation", Reason: "required"}
		}
		p.consume("anomaly_type", "severity", "confidence", "explanation")

	case types.EventEnforcementAction:
		// Audit echo from an agent; carried as-is with no typed payload.
	}

	ev.Extra = p.remaining()
	return ev, nil
}

// payload wraps the open JSON data map with typed accessors. Keys the
// normalizer consumed are excluded from the forward-compatibility Extra map.
type payload struct {
	data     map[string]any
	consumed map[string]bool
}

func (p *payload) has(key string) bool {
	_, ok := p.data[key]
	return ok
}

func (p *payload) str(key string) string {
	if v, ok := p.data[key].(string); ok {
		return v
	}
	return ""
}

func (p *payload) boolVal(key string) bool {
	if v, ok := p.data[key].(bool); ok {
		return v
	}
	return false
}

func (p *payload) intVal(key string) int64 {
	switch v := p.data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func (p *payload) floatVal(key string) float64 {
	switch v := p.data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func (p *payload) consume(keys ...string) {
	if p.consumed == nil {
		p.consumed = make(map[string]bool, len(keys))
	}
	for _, k := range keys {
		p.consumed[k] = true
	}
}

func (p *payload) remaining() map[string]any {
	var extra map[string]any
	for k, v := range p.data {
		if p.consumed[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra
}
