package dnstail

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bastion-xolot/gateway/internal/types"
)

var tailNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func collector() (*[]types.RawEvent, Sink) {
	var events []types.RawEvent
	return &events, func(raw types.RawEvent) {
		events = append(events, raw)
	}
}

func TestHandleLine_BlockedAfterQuery(t *testing.T) {
	events, sink := collector()
	tl := New(Config{Path: "/dev/null"}, sink, testLogger())

	tl.handleLine("Feb 10 12:00:00 dnsmasq[123]: query[A] ads.example.com from 192.168.1.50", tailNow)
	tl.handleLine("Feb 10 12:00:00 dnsmasq[123]: config ads.example.com is 0.0.0.0", tailNow)

	if len(*events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(*events))
	}
	ev := (*events)[0]
	if ev.Type != "dns_blocked" {
		t.Errorf("Type = %q", ev.Type)
	}
	if ev.Data["domain"] != "ads.example.com" || ev.Data["client_ip"] != "192.168.1.50" {
		t.Errorf("Data = %v", ev.Data)
	}
}

func TestHandleLine_SinkholeVariants(t *testing.T) {
	for _, answer := range []string{"0.0.0.0", "::", "NXDOMAIN", "127.0.0.1"} {
		events, sink := collector()
		tl := New(Config{Path: "/dev/null"}, sink, testLogger())
		tl.handleLine("dnsmasq: query[AAAA] bad.example.com from 192.168.1.50", tailNow)
		tl.handleLine("dnsmasq: config bad.example.com is "+answer, tailNow)
		if len(*events) != 1 {
			t.Errorf("answer %q: expected 1 event, got %d", answer, len(*events))
		}
	}
}

func TestHandleLine_RealAnswerNotBlocked(t *testing.T) {
	events, sink := collector()
	tl := New(Config{Path: "/dev/null"}, sink, testLogger())
	tl.handleLine("dnsmasq: query[A] ok.example.com from 192.168.1.50", tailNow)
	tl.handleLine("dnsmasq: config ok.example.com is 93.184.216.34", tailNow)
	if len(*events) != 0 {
		t.Errorf("expected 0 events for a real answer, got %d", len(*events))
	}
}

func TestHandleLine_NoAttributableClient(t *testing.T) {
	events, sink := collector()
	tl := New(Config{Path: "/dev/null"}, sink, testLogger())

	// No query line at all.
	tl.handleLine("dnsmasq: config ads.example.com is 0.0.0.0", tailNow)
	if len(*events) != 0 {
		t.Fatalf("expected 0 events without a query, got %d", len(*events))
	}

	// Query too old to attribute.
	tl.handleLine("dnsmasq: query[A] ads.example.com from 192.168.1.50", tailNow.Add(-2*time.Minute))
	tl.handleLine("dnsmasq: config ads.example.com is 0.0.0.0", tailNow)
	if len(*events) != 0 {
		t.Errorf("expected 0 events for a stale query, got %d", len(*events))
	}
}

func TestHandleLine_ResolveMAC(t *testing.T) {
	events, sink := collector()
	tl := New(Config{
		Path: "/dev/null",
		ResolveMAC: func(ip string) string {
			if ip == "192.168.1.50" {
				return "aa:bb:cc:dd:ee:ff"
			}
			return ""
		},
	}, sink, testLogger())

	tl.handleLine("dnsmasq: query[A] ads.example.com from 192.168.1.50", tailNow)
	tl.handleLine("dnsmasq: config ads.example.com is 0.0.0.0", tailNow)

	if len(*events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(*events))
	}
	if (*events)[0].DeviceID != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("DeviceID = %q", (*events)[0].DeviceID)
	}
}

func TestARPResolver_Lookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arp")
	table := "IP address       HW type     Flags       HW address            Mask     Device\n" +
		"192.168.1.50     0x1         0x2         AA:BB:CC:DD:EE:FF     *        br0\n" +
		"192.168.1.60     0x1         0x0         00:00:00:00:00:00     *        br0\n"
	if err := os.WriteFile(path, []byte(table), 0o600); err != nil {
		t.Fatal(err)
	}
	r := &ARPResolver{path: path}

	if got := r.Lookup("192.168.1.50"); got != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("Lookup(192.168.1.50) = %q, want normalized MAC", got)
	}
	if got := r.Lookup("192.168.1.60"); got != "" {
		t.Errorf("Lookup(192.168.1.60) = %q, want empty for incomplete entry", got)
	}
	if got := r.Lookup("192.168.1.99"); got != "" {
		t.Errorf("Lookup(192.168.1.99) = %q, want empty for unknown IP", got)
	}
}

func TestARPResolver_MissingTable(t *testing.T) {
	r := &ARPResolver{path: filepath.Join(t.TempDir(), "nope")}
	if got := r.Lookup("192.168.1.50"); got != "" {
		t.Errorf("Lookup = %q, want empty when the table is unreadable", got)
	}
}

func TestDrain_ReadsAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnsmasq.log")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	events, sink := collector()
	tl := New(Config{Path: path}, sink, testLogger())
	if err := tl.open(io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	defer tl.close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	f.WriteString("dnsmasq: query[A] ads.example.com from 192.168.1.50\n")
	f.WriteString("dnsmasq: config ads.example.com is 0.0.0.0\n")

	tl.drain(tailNow)
	if len(*events) != 1 {
		t.Errorf("expected 1 event after drain, got %d", len(*events))
	}
}

func TestDrain_PartialLineHeldUntilComplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnsmasq.log")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	events, sink := collector()
	tl := New(Config{Path: path}, sink, testLogger())
	if err := tl.open(io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	defer tl.close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	f.WriteString("dnsmasq: query[A] ads.example.com from 192.168.1.50\n")
	f.WriteString("dnsmasq: config ads.example.com") // no newline yet
	tl.drain(tailNow)
	if len(*events) != 0 {
		t.Fatalf("partial line must not be processed, got %d events", len(*events))
	}

	f.WriteString(" is 0.0.0.0\n")
	tl.drain(tailNow)
	if len(*events) != 1 {
		t.Errorf("expected 1 event after line completion, got %d", len(*events))
	}
}

func TestDrain_TruncationRestartsFromTop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnsmasq.log")
	original := "dnsmasq: query[A] one.example.com from 192.168.1.50\n" +
		"dnsmasq: config one.example.com is 0.0.0.0\n"
	if err := os.WriteFile(path, []byte(original), 0o600); err != nil {
		t.Fatal(err)
	}
	events, sink := collector()
	tl := New(Config{Path: path}, sink, testLogger())
	if err := tl.open(io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	defer tl.close()

	// Log rotated in place: smaller file, fresh content.
	rotated := "dnsmasq: query[A] two.io from 192.168.1.60\n" +
		"dnsmasq: config two.io is NXDOMAIN\n"
	if err := os.WriteFile(path, []byte(rotated), 0o600); err != nil {
		t.Fatal(err)
	}

	tl.drain(tailNow)
	if len(*events) != 1 {
		t.Fatalf("expected 1 event from rotated file, got %d", len(*events))
	}
	if (*events)[0].Data["domain"] != "two.io" {
		t.Errorf("domain = %v", (*events)[0].Data["domain"])
	}
}
