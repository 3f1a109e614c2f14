package analytics

import (
	"fmt"

	"github.com/beaconwatch/beaconwatch/internal/cluster"
	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/priority"
)

// HotspotSize is the active member count at which a cell needs another team
const HotspotSize = 3

// Recommendation urgencies
const (
	UrgencyHigh   = "high"
	UrgencyMedium = "medium"
)

// Recommendation is an operator hint for one cell
type Recommendation struct {
	Cell    cluster.Key `json:"cell"`
	Urgency string      `json:"urgency"`
	Message string      `json:"message"`
}

// Recommend flags hotspot cells and cells whose unresolved members have weak signal.
// cells must come from cluster.Build with activeOnly set.
func Recommend(cells []cluster.Cell, th priority.Thresholds) []Recommendation {
	out := make([]Recommendation, 0)
	for _, c := range cells {
		waiting := c.CountsByStatus[entity.StatusActive]
		if waiting >= HotspotSize {
			out = append(out, Recommendation{
				Cell:    c.Key,
				Urgency: UrgencyHigh,
				Message: fmt.Sprintf("%d unassigned entities near %.4f,%.4f, dispatch an additional team", waiting, c.CenterLat, c.CenterLon),
			})
		}
		if c.Count > 0 && c.AverageSignal <= float64(th.SignalWeak) {
			out = append(out, Recommendation{
				Cell:    c.Key,
				Urgency: UrgencyMedium,
				Message: fmt.Sprintf("average signal %.1f dBm near %.4f,%.4f, reposition the receiver", c.AverageSignal, c.CenterLat, c.CenterLon),
			})
		}
	}
	return out
}
