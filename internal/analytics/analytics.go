// Package analytics derives operational summaries from a point-in-time copy of the
// entity records. Every function is pure; callers pass records from store.All().
package analytics

import (
	"cmp"
	"slices"
	"time"

	"github.com/beaconwatch/beaconwatch/internal/cluster"
	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/priority"
)

// DefaultCriticalLimit caps the ranked critical list
const DefaultCriticalLimit = 10

// Options tune a report
type Options struct {
	Thresholds    priority.Thresholds
	CellSize      float64
	Station       *Location // nil skips coverage
	CriticalLimit int
}

// Report is the full analytics document
type Report struct {
	GeneratedAt     time.Time              `json:"generated_at"`
	Resolution      ResolutionStats        `json:"resolution"`
	Signal          SignalTrends           `json:"signal"`
	Time            TimePatterns           `json:"time"`
	Priorities      map[priority.Level]int `json:"priority_distribution"`
	Critical        []priority.Score       `json:"critical"`
	Coverage        *Coverage              `json:"coverage,omitempty"`
	Density         cluster.Density        `json:"density"`
	Recommendations []Recommendation       `json:"recommendations"`
}

// ResolutionStats summarizes how quickly entities get resolved
type ResolutionStats struct {
	Total          int     `json:"total"`
	Resolved       int     `json:"resolved"`
	Rate           float64 `json:"rate"` // percent
	PerHour        float64 `json:"per_hour"`
	AverageMinutes float64 `json:"average_minutes"`
	FastestMinutes float64 `json:"fastest_minutes"`
	SlowestMinutes float64 `json:"slowest_minutes"`
}

// TimePatterns describes the operation timeline
type TimePatterns struct {
	OperationMinutes    float64 `json:"operation_minutes"`
	DetectionsPerHour   float64 `json:"detections_per_hour"`
	Stale               int     `json:"stale"` // active entities silent beyond the stale window
	OldestActiveMinutes float64 `json:"oldest_active_minutes"`
}

// Compute builds a Report as of now
func Compute(records []*entity.Record, now time.Time, opts Options) Report {
	if opts.CellSize <= 0 {
		opts.CellSize = cluster.DefaultCellSize
	}
	if opts.CriticalLimit <= 0 {
		opts.CriticalLimit = DefaultCriticalLimit
	}

	scores := make([]priority.Score, 0, len(records))
	for _, r := range records {
		scores = append(scores, priority.Compute(r, opts.Thresholds, now))
	}

	cells := cluster.Build(records, true, opts.CellSize)

	rep := Report{
		GeneratedAt:     now,
		Resolution:      Resolution(records, now),
		Signal:          Trends(records, opts.Thresholds),
		Time:            Timeline(records, now, opts.Thresholds),
		Priorities:      Distribution(scores),
		Critical:        Critical(scores, opts.CriticalLimit),
		Density:         cluster.Summarize(cells),
		Recommendations: Recommend(cells, opts.Thresholds),
	}
	if opts.Station != nil {
		cov := CoverageFrom(*opts.Station, records)
		rep.Coverage = &cov
	}
	return rep
}

// Resolution computes resolution counts and times. PerHour is measured over the span
// since the earliest first_seen.
func Resolution(records []*entity.Record, now time.Time) ResolutionStats {
	st := ResolutionStats{Total: len(records)}
	if len(records) == 0 {
		return st
	}

	var total float64
	for _, r := range records {
		if r.Status != entity.StatusResolved || r.ResolvedAt == nil {
			continue
		}
		minutes := max(r.ResolvedAt.Sub(r.FirstSeen).Minutes(), 0)
		if st.Resolved == 0 || minutes < st.FastestMinutes {
			st.FastestMinutes = minutes
		}
		if minutes > st.SlowestMinutes {
			st.SlowestMinutes = minutes
		}
		total += minutes
		st.Resolved++
	}

	st.Rate = float64(st.Resolved) / float64(st.Total) * 100
	if st.Resolved > 0 {
		st.AverageMinutes = total / float64(st.Resolved)
	}
	if hours := operationSpan(records, now).Hours(); hours > 0 {
		st.PerHour = float64(st.Resolved) / hours
	}
	return st
}

// Timeline reports operation duration, detection rate and staleness
func Timeline(records []*entity.Record, now time.Time, th priority.Thresholds) TimePatterns {
	var tp TimePatterns
	if len(records) == 0 {
		return tp
	}

	span := operationSpan(records, now)
	tp.OperationMinutes = span.Minutes()
	if span.Hours() > 0 {
		tp.DetectionsPerHour = float64(len(records)) / span.Hours()
	}

	for _, r := range records {
		if !r.IsActive() {
			continue
		}
		if now.Sub(r.LastSeen).Minutes() >= th.TimeStale {
			tp.Stale++
		}
		tp.OldestActiveMinutes = max(tp.OldestActiveMinutes, now.Sub(r.FirstSeen).Minutes())
	}
	return tp
}

// Distribution counts scores per level, every level present
func Distribution(scores []priority.Score) map[priority.Level]int {
	out := make(map[priority.Level]int, len(priority.Levels))
	for _, l := range priority.Levels {
		out[l] = 0
	}
	for _, s := range scores {
		out[s.Level]++
	}
	return out
}

// Critical returns up to limit CRITICAL scores, highest first
func Critical(scores []priority.Score, limit int) []priority.Score {
	out := make([]priority.Score, 0)
	for _, s := range scores {
		if s.Level == priority.LevelCritical {
			out = append(out, s)
		}
	}
	slices.SortStableFunc(out, func(a, b priority.Score) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func operationSpan(records []*entity.Record, now time.Time) time.Duration {
	earliest := now
	for _, r := range records {
		if r.FirstSeen.Before(earliest) {
			earliest = r.FirstSeen
		}
	}
	return now.Sub(earliest)
}
