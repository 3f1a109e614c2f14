// Package cluster buckets entities into a fixed-size latitude/longitude grid.
//
// Cell width is expressed in degrees and is not corrected for latitude, so a cell
// narrows in meters toward the poles.
package cluster

import (
	"cmp"
	"math"
	"slices"

	"github.com/beaconwatch/beaconwatch/internal/entity"
)

// DefaultCellSize is 0.001 degrees, about 111 m at the equator
const DefaultCellSize = 0.001

// Key identifies a grid cell as (floor(lon/size), floor(lat/size))
type Key struct {
	X int64 `json:"grid_x"`
	Y int64 `json:"grid_y"`
}

// KeyFor returns the cell containing a location
func KeyFor(lat, lon, cellSize float64) Key {
	return Key{
		X: int64(math.Floor(lon / cellSize)),
		Y: int64(math.Floor(lat / cellSize)),
	}
}

// Cell is the aggregate of one grid bucket
type Cell struct {
	Key            Key                   `json:"cell_key"`
	CenterLat      float64               `json:"center_lat"`
	CenterLon      float64               `json:"center_lon"`
	MemberIDs      []int                 `json:"member_ids"`
	Count          int                   `json:"count"`
	CountsByStatus map[entity.Status]int `json:"counts_by_status"`
	AverageSignal  float64               `json:"average_signal"`
	ResolutionRate float64               `json:"resolution_rate"` // percent of members RESOLVED
}

// Build groups records into cells. With activeOnly, RESOLVED records are excluded.
// Cells are ordered by member count descending, then by key.
func Build(records []*entity.Record, activeOnly bool, cellSize float64) []Cell {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}

	type acc struct {
		cell      *Cell
		signalSum int
	}
	cells := make(map[Key]*acc)

	for _, r := range records {
		if r == nil || (activeOnly && !r.IsActive()) {
			continue
		}
		k := KeyFor(r.Latitude, r.Longitude, cellSize)
		a, ok := cells[k]
		if !ok {
			a = &acc{cell: &Cell{
				Key:            k,
				CenterLat:      (float64(k.Y) + 0.5) * cellSize,
				CenterLon:      (float64(k.X) + 0.5) * cellSize,
				CountsByStatus: make(map[entity.Status]int, len(entity.Statuses)),
			}}
			cells[k] = a
		}
		a.cell.MemberIDs = append(a.cell.MemberIDs, r.ID)
		a.cell.CountsByStatus[r.Status]++
		a.signalSum += r.Signal
	}

	out := make([]Cell, 0, len(cells))
	for _, a := range cells {
		c := a.cell
		c.Count = len(c.MemberIDs)
		slices.Sort(c.MemberIDs)
		c.AverageSignal = float64(a.signalSum) / float64(c.Count)
		c.ResolutionRate = float64(c.CountsByStatus[entity.StatusResolved]) / float64(c.Count) * 100
		out = append(out, *c)
	}

	slices.SortFunc(out, func(a, b Cell) int {
		return cmp.Or(
			cmp.Compare(b.Count, a.Count),
			cmp.Compare(a.Key.Y, b.Key.Y),
			cmp.Compare(a.Key.X, b.Key.X),
		)
	})
	return out
}

// Density summarizes how entities spread over cells
type Density struct {
	TotalCells     int     `json:"total_cells"`
	TotalMembers   int     `json:"total_members"`
	AveragePerCell float64 `json:"average_per_cell"`
	Highest        *Cell   `json:"highest,omitempty"`
}

// Summarize reports the densest cell of a Build result
func Summarize(cells []Cell) Density {
	d := Density{TotalCells: len(cells)}
	for i := range cells {
		d.TotalMembers += cells[i].Count
		if d.Highest == nil || cells[i].Count > d.Highest.Count {
			d.Highest = &cells[i]
		}
	}
	if d.TotalCells > 0 {
		d.AveragePerCell = float64(d.TotalMembers) / float64(d.TotalCells)
	}
	return d
}
