// Package priority scores entities by urgency from signal quality, data freshness and status.
package priority

import (
	"time"

	"github.com/beaconwatch/beaconwatch/internal/entity"
)

// Level is the bucketed urgency of a score
type Level string

const (
	LevelCritical Level = "CRITICAL"
	LevelHigh     Level = "HIGH"
	LevelMedium   Level = "MEDIUM"
	LevelLow      Level = "LOW"
)

// Levels lists levels from most to least urgent
var Levels = []Level{LevelCritical, LevelHigh, LevelMedium, LevelLow}

const (
	signalWeight   = 0.4
	temporalWeight = 0.4
	statusBonus    = 20.0

	temporalFloor = 50.0

	criticalScore = 80.0
	highScore     = 60.0
	mediumScore   = 40.0
)

// Thresholds tune the scorer
type Thresholds struct {
	SignalStrong int     `json:"signal_strong" yaml:"signalstrong"` // dBm at or above which signal scores 100
	SignalWeak   int     `json:"signal_weak" yaml:"signalweak"`     // dBm at or below which signal scores 0
	TimeCritical float64 `json:"time_critical" yaml:"timecritical"` // minutes, freshness window scoring 100
	TimeStale    float64 `json:"time_stale" yaml:"timestale"`       // minutes, beyond which freshness scores 50
}

// DefaultThresholds returns -70/-85 dBm and 15/20 minutes
func DefaultThresholds() Thresholds {
	return Thresholds{
		SignalStrong: -70,
		SignalWeak:   -85,
		TimeCritical: 15,
		TimeStale:    20,
	}
}

// Components are the inputs that produced a score
type Components struct {
	Signal           float64 `json:"signal_component"`
	Temporal         float64 `json:"temporal_component"`
	StatusMultiplier float64 `json:"status_multiplier"`
}

// Score is a derived urgency value
type Score struct {
	ID         int        `json:"id,omitempty"`
	Score      float64    `json:"score"`
	Level      Level      `json:"level"`
	Components Components `json:"components"`
}

// SignalComponent maps an RSSI reading onto 0..100
func SignalComponent(signal int, th Thresholds) float64 {
	switch {
	case signal >= th.SignalStrong:
		return 100
	case signal <= th.SignalWeak:
		return 0
	}
	return float64(signal-th.SignalWeak) / float64(th.SignalStrong-th.SignalWeak) * 100
}

// TemporalComponent maps minutes since last contact onto 50..100
func TemporalComponent(minutes float64, th Thresholds) float64 {
	if minutes < 0 {
		minutes = 0
	}
	switch {
	case minutes < th.TimeCritical:
		return 100
	case minutes >= th.TimeStale:
		return temporalFloor
	}
	span := th.TimeStale - th.TimeCritical
	return 100 - (100-temporalFloor)*(minutes-th.TimeCritical)/span
}

// StatusMultiplier dampens work already underway. Unknown statuses count as active.
func StatusMultiplier(s entity.Status) float64 {
	switch s {
	case entity.StatusResolved:
		return 0
	case entity.StatusInProgress:
		return 0.5
	default:
		return 1
	}
}

// LevelFor buckets a 0..100 score
func LevelFor(score float64) Level {
	switch {
	case score >= criticalScore:
		return LevelCritical
	case score >= highScore:
		return LevelHigh
	case score >= mediumScore:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Compute scores a record as of now. A last_seen in the future counts as zero elapsed.
func Compute(r *entity.Record, th Thresholds, now time.Time) Score {
	elapsed := now.Sub(r.LastSeen).Minutes()
	if elapsed < 0 {
		elapsed = 0
	}

	c := Components{
		Signal:           SignalComponent(r.Signal, th),
		Temporal:         TemporalComponent(elapsed, th),
		StatusMultiplier: StatusMultiplier(r.Status),
	}
	base := signalWeight*c.Signal + temporalWeight*c.Temporal
	score := clamp(base*c.StatusMultiplier+c.StatusMultiplier*statusBonus, 0, 100)

	return Score{
		ID:         r.ID,
		Score:      score,
		Level:      LevelFor(score),
		Components: c,
	}
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
