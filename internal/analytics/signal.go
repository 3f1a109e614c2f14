package analytics

import (
	"cmp"
	"slices"

	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/priority"
)

// Trend window and the drop that flags a deteriorating signal
const (
	TrendWindow         = 3
	DeteriorationMargin = 5.0 // dBm
)

// SignalTrends summarizes the latest readings of active entities
type SignalTrends struct {
	Count         int     `json:"count"`
	Average       float64 `json:"average"`
	Median        float64 `json:"median"`
	Strong        int     `json:"strong"`
	Medium        int     `json:"medium"`
	Weak          int     `json:"weak"`
	Deteriorating []Trend `json:"deteriorating"`
}

// Trend describes the history of one entity
type Trend struct {
	ID           int     `json:"id"`
	RecentMean   float64 `json:"recent_mean"`
	PreviousMean float64 `json:"previous_mean"`
	Slope        float64 `json:"slope"` // dBm per reading
}

// Trends analyzes active entities. An entity is deteriorating when the mean of its last
// three readings is more than 5 dBm below the mean of the three before.
func Trends(records []*entity.Record, th priority.Thresholds) SignalTrends {
	st := SignalTrends{Deteriorating: make([]Trend, 0)}

	var signals []float64
	for _, r := range records {
		if !r.IsActive() {
			continue
		}
		signals = append(signals, float64(r.Signal))
		switch {
		case r.Signal >= th.SignalStrong:
			st.Strong++
		case r.Signal > th.SignalWeak:
			st.Medium++
		default:
			st.Weak++
		}
		if tr, ok := TrendOf(r); ok && tr.RecentMean < tr.PreviousMean-DeteriorationMargin {
			st.Deteriorating = append(st.Deteriorating, tr)
		}
	}

	st.Count = len(signals)
	st.Average = mean(signals)
	st.Median = median(signals)
	slices.SortFunc(st.Deteriorating, func(a, b Trend) int { return cmp.Compare(a.Slope, b.Slope) })
	return st
}

// TrendOf needs at least six readings of history
func TrendOf(r *entity.Record) (Trend, bool) {
	h := r.SignalHistory
	if len(h) < 2*TrendWindow {
		return Trend{}, false
	}
	values := make([]float64, len(h))
	for i, v := range h {
		values[i] = float64(v)
	}
	n := len(values)
	return Trend{
		ID:           r.ID,
		RecentMean:   mean(values[n-TrendWindow:]),
		PreviousMean: mean(values[n-2*TrendWindow : n-TrendWindow]),
		Slope:        Slope(values),
	}, true
}

// Slope is the least-squares slope of values against their index
func Slope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sx, sy, sxy, sxx float64
	for i, y := range values {
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
