// Package pipeline wires the ingest path: normalize, device upsert,
// correlation, risk scoring, all committed as one transaction per event.
// Events for the same device are processed strictly in order; events for
// different devices run in parallel.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/bastion-xolot/gateway/internal/config"
	"github.com/bastion-xolot/gateway/internal/correlate"
	"github.com/bastion-xolot/gateway/internal/keymutex"
	"github.com/bastion-xolot/gateway/internal/normalize"
	"github.com/bastion-xolot/gateway/internal/registry"
	"github.com/bastion-xolot/gateway/internal/risk"
	"github.com/bastion-xolot/gateway/internal/store"
	"github.com/bastion-xolot/gateway/internal/types"
)

// Prometheus metrics (registered once).
var (
	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_events_received_total",
			Help: "Total telemetry events received",
		},
		[]string{"type", "outcome"},
	)
	alertsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_alerts_generated_total",
			Help: "Total alerts created or merged",
		},
		[]string{"detector", "severity", "action"},
	)
	riskScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_device_risk_score",
			Help: "Current risk score per device",
		},
		[]string{"device"},
	)
)

func init() {
	prometheus.MustRegister(eventsReceived)
	prometheus.MustRegister(alertsGenerated)
	prometheus.MustRegister(riskScore)
}

// Pipeline processes telemetry events end to end.
type Pipeline struct {
	cfg     config.GatewayConfig
	log     *logrus.Logger
	store   *store.Store
	engine  *correlate.Engine
	scorer  risk.Scorer
	windows *correlate.WindowCache
	locks   *keymutex.KeyMutex
}

// New creates a pipeline over the given store and correlation engine.
func New(cfg config.GatewayConfig, st *store.Store, engine *correlate.Engine, scorer risk.Scorer, log *logrus.Logger) (*Pipeline, error) {
	windows, err := correlate.NewWindowCache(cfg.WindowCacheSize, cfg.EventWindow, cfg.EventWindowSize)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:     cfg,
		log:     log,
		store:   st,
		engine:  engine,
		scorer:  scorer,
		windows: windows,
		locks:   keymutex.New(),
	}, nil
}

// Ingest validates, persists, and correlates one raw event. Duplicate
// delivery of an already-committed event id is a no-op success. The
// returned event is the normalized form.
func (p *Pipeline) Ingest(ctx context.Context, raw types.RawEvent) (*types.Event, error) {
	now := time.Now().UTC()
	ev, err := normalize.Normalize(raw, now)
	if err != nil {
		eventsReceived.WithLabelValues(raw.Type, "rejected").Inc()
		p.log.WithError(err).WithField("event_id", raw.ID).Warn("Rejected malformed event")
		return nil, err
	}

	// Serialize all processing for one device; other devices proceed.
	unlock := p.locks.Lock(ev.DeviceID)
	defer unlock()

	var result ingestResult
	err = p.store.WithTx(ctx, func(tx *store.Tx) error {
		return p.process(tx, ev, now, &result)
	})
	if err != nil {
		if errors.Is(err, types.ErrDuplicateEvent) {
			eventsReceived.WithLabelValues(string(ev.Type), "duplicate").Inc()
			return ev, nil
		}
		eventsReceived.WithLabelValues(string(ev.Type), "error").Inc()
		return nil, err
	}

	eventsReceived.WithLabelValues(string(ev.Type), "ok").Inc()
	if ev.DeviceID != "" {
		p.windows.Append(ev.DeviceID, ev, now)
		riskScore.WithLabelValues(ev.DeviceID).Set(result.score)
	}
	p.report(ev, result)
	return ev, nil
}

type ingestResult struct {
	created []*types.Alert
	merged  []*correlate.MergeUpdate
	score   float64
	status  types.DeviceStatus
}

// process runs the transactional part of ingestion. Any returned error
// aborts the whole write set.
func (p *Pipeline) process(tx *store.Tx, ev *types.Event, now time.Time, result *ingestResult) error {
	exists, err := tx.EventExists(ev.ID)
	if err != nil {
		return err
	}
	if exists {
		return types.ErrDuplicateEvent
	}
	if err := tx.InsertEvent(ev); err != nil {
		return err
	}
	if ev.DeviceID == "" {
		// Events without a device identity are stored for audit but have
		// no device to correlate against.
		return nil
	}

	dev, err := p.upsertDevice(tx, ev, now)
	if err != nil {
		return err
	}

	window, ok := p.windows.Get(ev.DeviceID, now)
	if !ok {
		window, err = tx.RecentDeviceEvents(ev.DeviceID, now.Add(-p.cfg.EventWindow), p.cfg.EventWindowSize)
		if err != nil {
			return err
		}
		// Exclude the event inserted above; detectors get it separately.
		window = dropEvent(window, ev.ID)
		p.windows.Put(ev.DeviceID, window, now)
	}

	// Merge candidates include acknowledged alerts; only resolved ones are
	// closed to new evidence.
	open, err := tx.UnresolvedAlertsForDevice(ev.DeviceID)
	if err != nil {
		return err
	}

	for _, outcome := range p.engine.Correlate(ev, window, open, now) {
		switch {
		case outcome.Create != nil:
			if err := tx.InsertAlert(outcome.Create); err != nil {
				return err
			}
			result.created = append(result.created, outcome.Create)
		case outcome.Merge != nil:
			mu := outcome.Merge
			if err := tx.MergeAlert(mu.AlertID, mu.Severity, mu.Confidence, mu.Evidence, mu.RelatedEventIDs, now); err != nil {
				return err
			}
			result.merged = append(result.merged, mu)
		}
	}

	// Risk is recomputed from the post-correlation state, never carried
	// over as a side effect.
	active, err := tx.ActiveAlertsForDevice(ev.DeviceID)
	if err != nil {
		return err
	}
	recent, err := tx.RecentEnforcementForDevice(ev.DeviceID, now.Add(-p.scorer.HalfLife))
	if err != nil {
		return err
	}
	score := p.scorer.Recompute(active, recent, now)
	if err := registry.SetRisk(tx, dev, score); err != nil {
		return err
	}
	if next := p.scorer.NextStatus(dev.Status, score); next != dev.Status {
		if err := registry.SetStatus(tx, dev, next); err != nil {
			return err
		}
	}
	result.score = score
	result.status = dev.Status
	return nil
}

func (p *Pipeline) upsertDevice(tx *store.Tx, ev *types.Event, now time.Time) (*types.Device, error) {
	ip, hostname := "", ""
	seen := ev.Timestamp
	if ev.DeviceSeen != nil {
		ip = ev.DeviceSeen.IPAddress
		hostname = ev.DeviceSeen.Hostname
	} else if ev.DNSBlocked != nil {
		ip = ev.DNSBlocked.ClientIP
	} else if ev.DNSQuery != nil {
		ip = ev.DNSQuery.ClientIP
	}
	if seen.IsZero() {
		seen = now
	}
	return registry.Upsert(tx, ev.DeviceID, ip, hostname, seen)
}

func (p *Pipeline) report(ev *types.Event, result ingestResult) {
	for _, a := range result.created {
		alertsGenerated.WithLabelValues(a.DetectorID, string(a.Severity), "created").Inc()
		p.log.WithFields(logrus.Fields{
			"alert_id": a.ID, "detector": a.DetectorID, "severity": a.Severity,
			"device": a.DeviceID, "title": a.Title, "confidence": a.Confidence,
		}).Warn("SECURITY ALERT")
	}
	for _, mu := range result.merged {
		alertsGenerated.WithLabelValues(mu.DetectorID, string(mu.Severity), "merged").Inc()
		p.log.WithFields(logrus.Fields{
			"alert_id": mu.AlertID, "severity": mu.Severity,
			"device": ev.DeviceID, "confidence": mu.Confidence,
		}).Info("Alert updated with new evidence")
	}
}

func dropEvent(events []*types.Event, id string) []*types.Event {
	for i, ev := range events {
		if ev.ID == id {
			return append(events[:i:i], events[i+1:]...)
		}
	}
	return events
}
