package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bastion-xolot/gateway/internal/types"
)

// eventPayload is the JSON envelope stored in the events.payload column.
type eventPayload struct {
	DeviceSeen  *types.DeviceSeenData  `json:"device_seen,omitempty"`
	DNSBlocked  *types.DNSBlockedData  `json:"dns_blocked,omitempty"`
	DNSQuery    *types.DNSQueryData    `json:"dns_query,omitempty"`
	FlowSummary *types.FlowSummaryData `json:"flow_summary,omitempty"`
	Anomaly     *types.AnomalyData     `json:"anomaly,omitempty"`
	Extra       map[string]any         `json:"extra,omitempty"`
}

// InsertEvent appends an immutable event row.
func (t *Tx) InsertEvent(ev *types.Event) error {
	payload, err := json.Marshal(eventPayload{
		DeviceSeen:  ev.DeviceSeen,
		DNSBlocked:  ev.DNSBlocked,
		DNSQuery:    ev.DNSQuery,
		FlowSummary: ev.FlowSummary,
		Anomaly:     ev.Anomaly,
		Extra:       ev.Extra,
	})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	metadata, err := marshalMap(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = t.q.ExecContext(t.ctx, `
		INSERT INTO events (id, type, timestamp, source, device_id, payload, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, string(ev.Type), ev.Timestamp.UTC(), ev.Source, ev.DeviceID, string(payload), string(metadata))
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

// EventExists reports whether an event id has already been committed.
func (t *Tx) EventExists(id string) (bool, error) {
	var n int
	err := t.q.QueryRowContext(t.ctx, `SELECT COUNT(1) FROM events WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("event exists %s: %w", id, err)
	}
	return n > 0, nil
}

// RecentDeviceEvents returns the device's events since the cutoff, oldest
// first, capped at limit most recent rows.
func (t *Tx) RecentDeviceEvents(mac string, since time.Time, limit int) ([]*types.Event, error) {
	rows, err := t.q.QueryContext(t.ctx, `
		SELECT id, type, timestamp, source, device_id, payload, metadata
		FROM events
		WHERE device_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, mac, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("recent events for %s: %w", mac, err)
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent events for %s: %w", mac, err)
	}
	// Reverse to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*types.Event, error) {
	var ev types.Event
	var typ, payloadJSON, metadataJSON string
	if err := r.Scan(&ev.ID, &typ, &ev.Timestamp, &ev.Source, &ev.DeviceID, &payloadJSON, &metadataJSON); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	ev.Type = types.EventType(typ)

	var payload eventPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload for event %s: %w", ev.ID, err)
	}
	ev.DeviceSeen = payload.DeviceSeen
	ev.DNSBlocked = payload.DNSBlocked
	ev.DNSQuery = payload.DNSQuery
	ev.FlowSummary = payload.FlowSummary
	ev.Anomaly = payload.Anomaly
	ev.Extra = payload.Extra

	if err := unmarshalMap(metadataJSON, &ev.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata for event %s: %w", ev.ID, err)
	}
	return &ev, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(s string, dst *map[string]any) error {
	if s == "" || s == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}
