package types

import "time"

// EventType is the closed set of telemetry event types the gateway accepts.
type EventType string

const (
	EventDeviceSeen        EventType = "device_seen"
	EventDNSBlocked        EventType = "dns_blocked"
	EventDNSQuery          EventType = "dns_query"
	EventFlowSummary       EventType = "flow_summary"
	EventAnomalyDetected   EventType = "anomaly_detected"
	EventEnforcementAction EventType = "enforcement_action"
)

// ValidEventType reports whether t is a recognized event type.
func ValidEventType(t EventType) bool {
	switch t {
	case EventDeviceSeen, EventDNSBlocked, EventDNSQuery, EventFlowSummary,
		EventAnomalyDetected, EventEnforcementAction:
		return true
	}
	return false
}

// RawEvent is the wire representation of a telemetry event as delivered by
// agents. Data is type-specific and validated by the normalizer.
type RawEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	DeviceID  string         `json:"device_id,omitempty"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Event is an immutable, normalized telemetry fact. Exactly one typed
// payload is set according to Type; payload fields the normalizer does not
// recognize are preserved in Extra so newer agents can ship data older
// gateways ignore.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	DeviceID  string    `json:"device_id,omitempty"`

	DeviceSeen  *DeviceSeenData  `json:"device_seen,omitempty"`
	DNSBlocked  *DNSBlockedData  `json:"dns_blocked,omitempty"`
	DNSQuery    *DNSQueryData    `json:"dns_query,omitempty"`
	FlowSummary *FlowSummaryData `json:"flow_summary,omitempty"`
	Anomaly     *AnomalyData     `json:"anomaly,omitempty"`

	Extra    map[string]any `json:"extra,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DeviceSeenData is the payload of a device_seen event from discovery.
type DeviceSeenData struct {
	MACAddress string `json:"mac_address"`
	IPAddress  string `json:"ip_address"`
	Hostname   string `json:"hostname,omitempty"`
	IsNew      bool   `json:"is_new"`
}

// DNSBlockedData is the payload of a dns_blocked event from the DNS sinkhole.
type DNSBlockedData struct {
	Domain      string `json:"domain"`
	ClientIP    string `json:"client_ip"`
	BlockReason string `json:"block_reason,omitempty"`
	ListSource  string `json:"list_source,omitempty"`
}

// DNSQueryData is the payload of an informational dns_query event.
type DNSQueryData struct {
	Domain    string `json:"domain"`
	ClientIP  string `json:"client_ip"`
	QueryType string `json:"query_type,omitempty"`
}

// FlowSummaryData is the payload of a flow_summary event: per-device traffic
// counters over a sampling window.
type FlowSummaryData struct {
	BytesIn       int64 `json:"bytes_in"`
	BytesOut      int64 `json:"bytes_out"`
	Connections   int   `json:"connections"`
	UniqueDsts    int   `json:"unique_destinations"`
	WindowSeconds int   `json:"window_seconds"`
}

// AnomalyData is the payload of an anomaly_detected event produced by an
// upstream detector. Severity and confidence are carried through unchanged.
type AnomalyData struct {
	AnomalyType string   `json:"anomaly_type"`
	Severity    Severity `json:"severity"`
	Confidence  float64  `json:"confidence"`
	Explanation string   `json:"explanation"`
}
