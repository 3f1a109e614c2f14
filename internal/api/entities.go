package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/ingest"
	"github.com/beaconwatch/beaconwatch/internal/validate"
)

// CommandRequest is the body of the in-progress, resolve and notes commands
type CommandRequest struct {
	Operator string `json:"operator"`
	Note     string `json:"note,omitempty"`
}

// EntityList is the body of GET /entities
type EntityList struct {
	Count    int              `json:"count"`
	Entities []*entity.Record `json:"entities"`
}

// entityID parses and range-checks the :id path parameter
func entityID(c echo.Context) (int, error) {
	raw := c.Param("id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("id", "entity id %q is not a number", raw)
	}
	if err := validate.EntityID(id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Server) bindCommand(c echo.Context) (CommandRequest, error) {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return req, badRequest("body", "invalid command body: %v", err)
	}
	return req, nil
}

// listEntities handles GET /api/v1/entities[?status=]
func (s *Server) listEntities(c echo.Context) error {
	var records []*entity.Record
	if raw := c.QueryParam("status"); raw != "" {
		status, ok := entity.ParseStatus(raw)
		if !ok {
			return s.fail(c, badRequest("status", "unknown status %q", raw))
		}
		records = s.tracker.ByStatus(status)
	} else {
		records = s.tracker.All()
	}
	return c.JSON(http.StatusOK, EntityList{Count: len(records), Entities: records})
}

// getEntity handles GET /api/v1/entities/:id
func (s *Server) getEntity(c echo.Context) error {
	id, err := entityID(c)
	if err != nil {
		return s.fail(c, err)
	}
	r, ok := s.tracker.Get(id)
	if !ok {
		return s.fail(c, notFound(id))
	}
	return c.JSON(http.StatusOK, r)
}

// getPriority handles GET /api/v1/entities/:id/priority
func (s *Server) getPriority(c echo.Context) error {
	id, err := entityID(c)
	if err != nil {
		return s.fail(c, err)
	}
	score, ok := s.tracker.PriorityOf(id, s.tracker.Thresholds())
	if !ok {
		return s.fail(c, notFound(id))
	}
	return c.JSON(http.StatusOK, score)
}

// postTelemetry handles POST /api/v1/telemetry. The body uses the same fields as the
// serial link: {"ID":..,"LAT":..,"LON":..,"RSSI":..}.
func (s *Server) postTelemetry(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.fail(c, badRequest("body", "failed to read body: %v", err))
	}
	t, err := ingest.Decode(body)
	if err != nil {
		return s.fail(c, err)
	}
	if err := validate.Telemetry(&t); err != nil {
		return s.fail(c, err)
	}
	if !s.tracker.Upsert(t) {
		return s.fail(c, badRequest("body", "telemetry for entity %d was rejected", t.ID))
	}
	r, _ := s.tracker.Get(t.ID)
	return c.JSON(http.StatusOK, r)
}

// markInProgress handles POST /api/v1/entities/:id/in-progress
func (s *Server) markInProgress(c echo.Context) error {
	id, err := entityID(c)
	if err != nil {
		return s.fail(c, err)
	}
	req, err := s.bindCommand(c)
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.tracker.InProgress(id, req.Operator); err != nil {
		return s.fail(c, err)
	}
	return s.respondRecord(c, id)
}

// resolve handles POST /api/v1/entities/:id/resolve
func (s *Server) resolve(c echo.Context) error {
	id, err := entityID(c)
	if err != nil {
		return s.fail(c, err)
	}
	req, err := s.bindCommand(c)
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.tracker.Resolve(id, req.Operator, req.Note); err != nil {
		return s.fail(c, err)
	}
	return s.respondRecord(c, id)
}

// addNote handles POST /api/v1/entities/:id/notes
func (s *Server) addNote(c echo.Context) error {
	id, err := entityID(c)
	if err != nil {
		return s.fail(c, err)
	}
	req, err := s.bindCommand(c)
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.tracker.AddNote(id, req.Operator, req.Note); err != nil {
		return s.fail(c, err)
	}
	return s.respondRecord(c, id)
}

func (s *Server) respondRecord(c echo.Context, id int) error {
	r, ok := s.tracker.Get(id)
	if !ok {
		return s.fail(c, notFound(id))
	}
	return c.JSON(http.StatusOK, r)
}

func notFound(id int) error {
	return errors.Newf("entity %d not found", id).
		Component("api").
		Category(errors.CategoryNotFound).
		Context("entity_id", id).
		Build()
}
