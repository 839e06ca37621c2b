// Package dnstail tails the dnsmasq query log and turns sinkholed lookups
// into dns_blocked telemetry events. It is a telemetry source adapter: it
// only emits raw events; validation and correlation happen in the gateway
// pipeline.
//
// Expected dnsmasq log lines (--log-queries enabled):
//
//	query[A] example.com from 192.168.1.100
//	config example.com is 0.0.0.0
//	config example.com is NXDOMAIN
package dnstail

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/bastion-xolot/gateway/internal/types"
)

var (
	queryRE   = regexp.MustCompile(`query\[([A-Z]+)\]\s+(\S+)\s+from\s+(\S+)`)
	blockedRE = regexp.MustCompile(`config\s+(\S+)\s+is\s+(\S+)`)

	// Answers dnsmasq gives for sinkholed domains.
	sinkholeAnswers = map[string]bool{
		"0.0.0.0":   true,
		"::":        true,
		"NXDOMAIN":  true,
		"127.0.0.1": true,
	}
)

// Sink receives raw events as the tailer produces them.
type Sink func(types.RawEvent)

// Config for the tailer.
type Config struct {
	Path         string
	PollInterval time.Duration
	// ResolveMAC maps a client IP to a MAC address (e.g. from the ARP
	// table). Optional; without it events carry only the client IP.
	ResolveMAC func(ip string) string
}

// Tailer follows the dnsmasq log, surviving truncation and rotation.
type Tailer struct {
	cfg  Config
	sink Sink
	log  *logrus.Logger

	file    *os.File
	reader  *bufio.Reader
	offset  int64
	pending string

	// Blocked "config" lines carry no client; the preceding query line
	// for the same domain does. lastClient remembers it briefly.
	lastClient map[string]clientSighting
}

type clientSighting struct {
	ip   string
	seen time.Time
}

// New creates a tailer for the log at cfg.Path.
func New(cfg Config, sink Sink, log *logrus.Logger) *Tailer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Tailer{cfg: cfg, sink: sink, log: log, lastClient: make(map[string]clientSighting)}
}

// Run follows the log until ctx is cancelled. New data is picked up via
// fsnotify, with a poll ticker as fallback for filesystems without reliable
// notification.
func (t *Tailer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Watch the directory: rotation replaces the file, and watches on the
	// old inode die with it.
	if err := watcher.Add(filepath.Dir(t.cfg.Path)); err != nil {
		return err
	}

	if err := t.open(io.SeekEnd); err != nil {
		t.log.WithError(err).WithField("path", t.cfg.Path).Warn("DNS log not readable yet, waiting")
	}

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.close()
			return ctx.Err()
		case ev := <-watcher.Events:
			if filepath.Clean(ev.Name) != filepath.Clean(t.cfg.Path) {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				t.close()
				continue
			}
			t.drain(time.Now())
		case err := <-watcher.Errors:
			t.log.WithError(err).Warn("DNS log watcher error")
		case <-ticker.C:
			t.drain(time.Now())
		}
	}
}

func (t *Tailer) open(whence int) error {
	f, err := os.Open(t.cfg.Path)
	if err != nil {
		return err
	}
	offset, err := f.Seek(0, whence)
	if err != nil {
		f.Close()
		return err
	}
	t.file = f
	t.reader = bufio.NewReader(f)
	t.offset = offset
	return nil
}

func (t *Tailer) close() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
		t.reader = nil
		t.offset = 0
		t.pending = ""
	}
}

// drain reads all complete new lines from the log.
func (t *Tailer) drain(now time.Time) {
	if t.file == nil {
		// New file after rotation: read from the start.
		if err := t.open(io.SeekStart); err != nil {
			return
		}
	}

	// Truncation in place: start over.
	if info, err := t.file.Stat(); err == nil && info.Size() < t.offset {
		t.close()
		if err := t.open(io.SeekStart); err != nil {
			return
		}
	}

	for {
		line, err := t.reader.ReadString('\n')
		t.offset += int64(len(line))
		if err != nil {
			// Partial line: hold it until the rest arrives.
			t.pending += line
			return
		}
		full := t.pending + line
		t.pending = ""
		t.handleLine(strings.TrimRight(full, "\n"), now)
	}
}

func (t *Tailer) handleLine(line string, now time.Time) {
	if m := queryRE.FindStringSubmatch(line); m != nil {
		t.lastClient[m[2]] = clientSighting{ip: m[3], seen: now}
		return
	}
	m := blockedRE.FindStringSubmatch(line)
	if m == nil || !sinkholeAnswers[m[2]] {
		return
	}
	domain := m[1]

	sighting, ok := t.lastClient[domain]
	if !ok || now.Sub(sighting.seen) > time.Minute {
		// No recent query to attribute the block to; nothing useful to emit.
		t.log.WithField("domain", domain).Debug("Blocked domain with no attributable client")
		return
	}

	raw := types.RawEvent{
		Type:      string(types.EventDNSBlocked),
		Timestamp: now,
		Source:    "dns_monitor",
		Data: map[string]any{
			"domain":       domain,
			"client_ip":    sighting.ip,
			"block_reason": "blocklist",
		},
	}
	if t.cfg.ResolveMAC != nil {
		if mac := t.cfg.ResolveMAC(sighting.ip); mac != "" {
			raw.DeviceID = mac
		}
	}
	t.sink(raw)
}
