// Package risk computes the decaying, bounded risk score for a device and
// the lifecycle transitions the score drives. Recompute is a pure function
// of its inputs so scoring is deterministic and testable.
package risk

import (
	"math"
	"time"

	"github.com/bastion-xolot/gateway/internal/types"
)

// Scorer holds the scoring calibration. Zero values are not usable; build
// one with New or from config.
type Scorer struct {
	// HalfLife controls time decay: an alert's contribution halves every
	// HalfLife of age.
	HalfLife time.Duration
	// SuspiciousThreshold promotes normal -> suspicious when the score
	// reaches it; ClearThreshold demotes suspicious -> normal when the
	// score falls below it. The gap between them is the hysteresis band
	// that prevents status flapping.
	SuspiciousThreshold float64
	ClearThreshold      float64
	// EnforcementWeight is the score contribution of a recent applied
	// enforcement action, decayed like alerts.
	EnforcementWeight float64
}

// New returns a scorer with the default calibration.
func New(halfLife time.Duration, suspicious, clear float64) Scorer {
	return Scorer{
		HalfLife:            halfLife,
		SuspiciousThreshold: suspicious,
		ClearThreshold:      clear,
		EnforcementWeight:   15,
	}
}

// severityWeight maps alert severity to its base score contribution.
func severityWeight(s types.Severity) float64 {
	switch s {
	case types.SeverityLow:
		return 10
	case types.SeverityMedium:
		return 25
	case types.SeverityHigh:
		return 50
	}
	return 0
}

// Recompute derives the device's risk score from its active alerts and
// recent enforcement history at time now. Each active alert contributes
// severityWeight * confidence, decayed by age; applied (non-reversal)
// enforcement actions add a decayed recency term. The result is clamped to
// [0,100].
func (s Scorer) Recompute(activeAlerts []*types.Alert, recentEnforcement []*types.EnforcementRecord, now time.Time) float64 {
	score := 0.0
	for _, a := range activeAlerts {
		if a.Status != types.AlertActive {
			continue
		}
		score += severityWeight(a.Severity) * a.Confidence * s.decay(now.Sub(a.UpdatedAt))
	}
	for _, r := range recentEnforcement {
		if r.Status != types.EnforcementApplied || r.Action.IsReversal() || r.Action == types.ActionMonitorOnly {
			continue
		}
		score += s.EnforcementWeight * s.decay(now.Sub(r.CreatedAt))
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func (s Scorer) decay(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	if s.HalfLife <= 0 {
		return 1
	}
	return math.Pow(0.5, age.Seconds()/s.HalfLife.Seconds())
}

// NextStatus returns the lifecycle status the score implies. Only the
// normal <-> suspicious transition is score-driven; quarantined and trusted
// are owned by the enforcement machine and the user, and are never changed
// here.
func (s Scorer) NextStatus(current types.DeviceStatus, score float64) types.DeviceStatus {
	switch current {
	case types.DeviceNormal:
		if score >= s.SuspiciousThreshold {
			return types.DeviceSuspicious
		}
	case types.DeviceSuspicious:
		if score < s.ClearThreshold {
			return types.DeviceNormal
		}
	}
	return current
}
