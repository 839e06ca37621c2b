// Package correlate provides the correlation engine: per-device windowed
// detectors that turn normalized events into alert decisions.
package correlate

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bastion-xolot/gateway/internal/types"
)

// Detector is a pure correlation rule: given the triggering event and a
// bounded window of the device's recent events, it returns zero or more
// alert candidates. Detectors must not hold hidden state.
type Detector interface {
	// ID is the stable detector identifier, used as the alert merge key.
	ID() string
	// Window is the look-back the detector needs. Zero means the detector
	// only inspects the triggering event and its alerts never merge.
	Window() time.Duration
	Detect(ev *types.Event, window []*types.Event, now time.Time) ([]*types.Alert, error)
}

// Outcome is one persistence decision from a correlation pass: either a new
// alert or a merge into an existing unresolved one.
type Outcome struct {
	Create *types.Alert
	Merge  *MergeUpdate
}

// MergeUpdate carries the fields a repeat detection contributes to an
// existing alert.
type MergeUpdate struct {
	AlertID         string
	DetectorID      string
	Severity        types.Severity
	Confidence      float64
	Evidence        types.Evidence
	RelatedEventIDs []string
}

// Engine runs registered detectors in registration order. A detector error
// is a logged skip for that detector only; it never blocks sibling detectors.
type Engine struct {
	detectors []Detector
	log       *logrus.Logger
}

// NewEngine creates an engine with the given detectors. Order is preserved:
// alerts are emitted in registration order.
func NewEngine(log *logrus.Logger, detectors ...Detector) *Engine {
	return &Engine{detectors: detectors, log: log}
}

// Detectors returns the registered detectors (read-only).
func (e *Engine) Detectors() []Detector {
	return e.detectors
}

// Correlate evaluates every detector against the event and resolves each
// candidate against the device's open alerts: a candidate from a detector
// that already has an unresolved alert within the detector's window merges
// into it instead of duplicating it.
func (e *Engine) Correlate(ev *types.Event, window []*types.Event, open []*types.Alert, now time.Time) []Outcome {
	var outcomes []Outcome
	for _, d := range e.detectors {
		candidates, err := d.Detect(ev, window, now)
		if err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"detector": d.ID(),
				"event_id": ev.ID,
			}).Warn("Detector failed, skipping")
			continue
		}
		for _, cand := range candidates {
			outcomes = append(outcomes, e.resolve(d, cand, open, now))
		}
	}
	return outcomes
}

func (e *Engine) resolve(d Detector, cand *types.Alert, open []*types.Alert, now time.Time) Outcome {
	if d.Window() > 0 {
		if existing := findUnresolved(open, d.ID(), now.Add(-d.Window())); existing != nil {
			return Outcome{Merge: mergeInto(existing, cand)}
		}
	}
	cand.ID = uuid.NewString()
	cand.DetectorID = d.ID()
	cand.Status = types.AlertActive
	cand.CreatedAt = now
	cand.UpdatedAt = now
	return Outcome{Create: cand}
}

// findUnresolved returns the device's most recent non-resolved alert from
// the same detector updated since the cutoff, or nil.
func findUnresolved(open []*types.Alert, detectorID string, cutoff time.Time) *types.Alert {
	var found *types.Alert
	for _, a := range open {
		if a.DetectorID != detectorID || a.Status == types.AlertResolved {
			continue
		}
		if a.UpdatedAt.Before(cutoff) {
			continue
		}
		if found == nil || a.UpdatedAt.After(found.UpdatedAt) {
			found = a
		}
	}
	return found
}

// mergeInto folds a repeat detection into an existing alert: evidence and
// related event ids are unioned, confidence keeps the maximum, and severity
// escalates at most one level when the new detection outranks the old.
func mergeInto(existing *types.Alert, cand *types.Alert) *MergeUpdate {
	severity := existing.Severity
	if cand.Severity.Rank() > existing.Severity.Rank() {
		severity = existing.Severity.Escalate()
	}

	confidence := existing.Confidence
	if cand.Confidence > confidence {
		confidence = cand.Confidence
	}

	details := make(map[string]any, len(existing.Evidence.Details)+len(cand.Evidence.Details))
	for k, v := range existing.Evidence.Details {
		details[k] = v
	}
	// The candidate is recomputed from the full current window, so its
	// details supersede the stored ones key by key.
	for k, v := range cand.Evidence.Details {
		details[k] = v
	}
	evidence := types.Evidence{Source: existing.Evidence.Source, Details: details}
	if evidence.Source == "" {
		evidence.Source = cand.Evidence.Source
	}

	seen := make(map[string]bool, len(existing.RelatedEventIDs))
	related := make([]string, 0, len(existing.RelatedEventIDs)+len(cand.RelatedEventIDs))
	for _, id := range existing.RelatedEventIDs {
		seen[id] = true
		related = append(related, id)
	}
	for _, id := range cand.RelatedEventIDs {
		if !seen[id] {
			seen[id] = true
			related = append(related, id)
		}
	}

	return &MergeUpdate{
		AlertID:         existing.ID,
		DetectorID:      existing.DetectorID,
		Severity:        severity,
		Confidence:      confidence,
		Evidence:        evidence,
		RelatedEventIDs: related,
	}
}
