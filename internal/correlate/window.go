package correlate

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bastion-xolot/gateway/internal/types"
)

// WindowCache keeps a bounded per-device window of recent events in memory
// so correlation does not re-query the events table on every ingest. It is
// a cache over committed state: entries are filled from the store on miss
// and appended to only after the event's transaction commits.
type WindowCache struct {
	cache  *lru.Cache[string, []*types.Event]
	maxAge time.Duration
	maxLen int
}

// NewWindowCache creates a cache holding up to size devices, each with at
// most maxLen events no older than maxAge.
func NewWindowCache(size int, maxAge time.Duration, maxLen int) (*WindowCache, error) {
	cache, err := lru.New[string, []*types.Event](size)
	if err != nil {
		return nil, err
	}
	return &WindowCache{cache: cache, maxAge: maxAge, maxLen: maxLen}, nil
}

// Get returns the cached window for a device, trimmed to maxAge as of now.
func (w *WindowCache) Get(mac string, now time.Time) ([]*types.Event, bool) {
	events, ok := w.cache.Get(mac)
	if !ok {
		return nil, false
	}
	trimmed := w.trim(events, now)
	if len(trimmed) != len(events) {
		w.cache.Add(mac, trimmed)
	}
	return trimmed, true
}

// Put replaces the cached window for a device.
func (w *WindowCache) Put(mac string, events []*types.Event, now time.Time) {
	w.cache.Add(mac, w.trim(events, now))
}

// Append adds a committed event to the device's window if one is cached.
// Without a cached window the next Get misses and reloads from the store,
// so skipping here is safe.
func (w *WindowCache) Append(mac string, ev *types.Event, now time.Time) {
	events, ok := w.cache.Get(mac)
	if !ok {
		return
	}
	w.cache.Add(mac, w.trim(append(events, ev), now))
}

func (w *WindowCache) trim(events []*types.Event, now time.Time) []*types.Event {
	cutoff := now.Add(-w.maxAge)
	start := 0
	for start < len(events) && events[start].Timestamp.Before(cutoff) {
		start++
	}
	events = events[start:]
	if len(events) > w.maxLen {
		events = events[len(events)-w.maxLen:]
	}
	return events
}
