package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/beaconwatch/beaconwatch/internal/analytics"
	"github.com/beaconwatch/beaconwatch/internal/cluster"
	"github.com/beaconwatch/beaconwatch/internal/notify"
	"github.com/beaconwatch/beaconwatch/internal/store"
	"github.com/beaconwatch/beaconwatch/internal/validate"
)

// DefaultResolutionLimit caps GET /resolutions without a limit parameter
const DefaultResolutionLimit = 100

// StatisticsResponse is the body of GET /statistics
type StatisticsResponse struct {
	store.Statistics
	Signal  store.SignalDistribution `json:"signal"`
	LastSeq uint64                   `json:"last_seq"`
	// Notifier is omitted when the tracker has no change notifier
	Notifier *notify.Stats `json:"notifier,omitempty"`
}

// ClustersResponse is the body of GET /clusters
type ClustersResponse struct {
	CellSize   float64         `json:"cell_size"`
	ActiveOnly bool            `json:"active_only"`
	Cells      []cluster.Cell  `json:"cells"`
	Density    cluster.Density `json:"density"`
}

// getStatistics handles GET /api/v1/statistics
func (s *Server) getStatistics(c echo.Context) error {
	resp := StatisticsResponse{
		Statistics: s.tracker.Statistics(),
		Signal:     s.tracker.SignalDistribution(s.tracker.Thresholds()),
		LastSeq:    s.tracker.LastSeq(),
	}
	if ns, ok := s.tracker.NotifierStats(); ok {
		resp.Notifier = &ns
	}
	return c.JSON(http.StatusOK, resp)
}

// getPriorities handles GET /api/v1/priorities, most urgent first
func (s *Server) getPriorities(c echo.Context) error {
	return c.JSON(http.StatusOK, s.tracker.Priorities(s.tracker.Thresholds()))
}

// getClusters handles GET /api/v1/clusters?active_only=&cell_size=
func (s *Server) getClusters(c echo.Context) error {
	activeOnly := true
	if raw := c.QueryParam("active_only"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return s.fail(c, badRequest("active_only", "active_only %q is not a boolean", raw))
		}
		activeOnly = v
	}

	cellSize := s.tracker.CellSize()
	if raw := c.QueryParam("cell_size"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return s.fail(c, badRequest("cell_size", "cell_size %q is not a number", raw))
		}
		cellSize = v
	}
	if err := validate.CellSize(cellSize); err != nil {
		return s.fail(c, err)
	}

	key := fmt.Sprintf("clusters:%t:%g", activeOnly, cellSize)
	resp := s.cached(key, func() any {
		cells := s.tracker.ClustersOf(activeOnly, cellSize)
		return ClustersResponse{
			CellSize:   cellSize,
			ActiveOnly: activeOnly,
			Cells:      cells,
			Density:    cluster.Summarize(cells),
		}
	})
	return c.JSON(http.StatusOK, resp)
}

// getAnalytics handles GET /api/v1/analytics
func (s *Server) getAnalytics(c echo.Context) error {
	report := s.cached("analytics", func() any {
		return analytics.Compute(s.tracker.All(), s.tracker.Now(), analytics.Options{
			Thresholds: s.tracker.Thresholds(),
			CellSize:   s.tracker.CellSize(),
			Station:    s.station,
		})
	})
	return c.JSON(http.StatusOK, report)
}

// getReader handles GET /api/v1/reader
func (s *Server) getReader(c echo.Context) error {
	if s.reader == nil {
		return s.unavailable(c, "telemetry reader")
	}
	return c.JSON(http.StatusOK, s.reader.Stats())
}

// listResolutions handles GET /api/v1/resolutions?limit=
func (s *Server) listResolutions(c echo.Context) error {
	if s.resolutions == nil {
		return s.unavailable(c, "resolution log")
	}
	limit := DefaultResolutionLimit
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return s.fail(c, badRequest("limit", "limit %q must be a positive integer", raw))
		}
		limit = v
	}
	rows, err := s.resolutions.Resolutions(limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, rows)
}

// entityResolutions handles GET /api/v1/entities/:id/resolutions
func (s *Server) entityResolutions(c echo.Context) error {
	if s.resolutions == nil {
		return s.unavailable(c, "resolution log")
	}
	id, err := entityID(c)
	if err != nil {
		return s.fail(c, err)
	}
	rows, err := s.resolutions.ResolutionsFor(id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, rows)
}
