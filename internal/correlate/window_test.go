package correlate

import (
	"fmt"
	"testing"
	"time"

	"github.com/bastion-xolot/gateway/internal/types"
)

func windowEvent(id string, at time.Time) *types.Event {
	return &types.Event{ID: id, Type: types.EventDNSBlocked, Timestamp: at}
}

func TestWindowCache_MissThenHit(t *testing.T) {
	w, err := NewWindowCache(8, 30*time.Minute, 100)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := w.Get("aa:bb:cc:dd:ee:ff", detectNow); ok {
		t.Fatal("empty cache reported a hit")
	}

	events := []*types.Event{windowEvent("ev-1", detectNow.Add(-time.Minute))}
	w.Put("aa:bb:cc:dd:ee:ff", events, detectNow)

	got, ok := w.Get("aa:bb:cc:dd:ee:ff", detectNow)
	if !ok || len(got) != 1 {
		t.Fatalf("Get after Put: ok=%v len=%d", ok, len(got))
	}
}

func TestWindowCache_AgeTrim(t *testing.T) {
	w, err := NewWindowCache(8, 10*time.Minute, 100)
	if err != nil {
		t.Fatal(err)
	}
	events := []*types.Event{
		windowEvent("old", detectNow.Add(-20*time.Minute)),
		windowEvent("fresh", detectNow.Add(-time.Minute)),
	}
	w.Put("aa:bb:cc:dd:ee:ff", events, detectNow)

	got, ok := w.Get("aa:bb:cc:dd:ee:ff", detectNow)
	if !ok {
		t.Fatal("expected hit")
	}
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Errorf("trimmed window = %d events, want only the fresh one", len(got))
	}
}

func TestWindowCache_LengthTrimKeepsNewest(t *testing.T) {
	w, err := NewWindowCache(8, time.Hour, 3)
	if err != nil {
		t.Fatal(err)
	}
	var events []*types.Event
	for i := 0; i < 5; i++ {
		events = append(events, windowEvent(fmt.Sprintf("ev-%d", i), detectNow.Add(time.Duration(i)*time.Second)))
	}
	w.Put("aa:bb:cc:dd:ee:ff", events, detectNow)

	got, _ := w.Get("aa:bb:cc:dd:ee:ff", detectNow)
	if len(got) != 3 {
		t.Fatalf("window length = %d, want 3", len(got))
	}
	if got[0].ID != "ev-2" || got[2].ID != "ev-4" {
		t.Errorf("window kept %s..%s, want the newest tail", got[0].ID, got[2].ID)
	}
}

func TestWindowCache_AppendOnlyWhenCached(t *testing.T) {
	w, err := NewWindowCache(8, time.Hour, 100)
	if err != nil {
		t.Fatal(err)
	}

	// Append without a cached entry is a no-op; the next Get must miss so
	// the caller reloads from the store.
	w.Append("aa:bb:cc:dd:ee:ff", windowEvent("ev-1", detectNow), detectNow)
	if _, ok := w.Get("aa:bb:cc:dd:ee:ff", detectNow); ok {
		t.Fatal("Append created a cache entry from nothing")
	}

	w.Put("aa:bb:cc:dd:ee:ff", nil, detectNow)
	w.Append("aa:bb:cc:dd:ee:ff", windowEvent("ev-1", detectNow), detectNow)
	got, ok := w.Get("aa:bb:cc:dd:ee:ff", detectNow)
	if !ok || len(got) != 1 {
		t.Errorf("Append to cached entry: ok=%v len=%d", ok, len(got))
	}
}
