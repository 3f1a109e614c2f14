package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/notify"
)

const (
	streamSSE       = "sse"
	streamWebSocket = "websocket"
)

// resumePoint reads the sequence number a reconnecting observer last saw, from the
// Last-Event-ID header or the named query parameter. ok is false for a fresh subscription.
func resumePoint(c echo.Context, query string) (afterSeq uint64, ok bool, err error) {
	raw := c.Request().Header.Get("Last-Event-ID")
	if raw == "" {
		raw = c.QueryParam(query)
	}
	if raw == "" {
		return 0, false, nil
	}
	afterSeq, err = strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, badRequest(query, "event id %q is not a sequence number", raw)
	}
	return afterSeq, true, nil
}

// subscribeStream registers a notifier subscriber feeding a buffered channel. The handler
// blocks while the channel is full, so a slow client only delays its own subscriber.
func (s *Server) subscribeStream(name string, afterSeq uint64, resume bool) (<-chan notify.Event, func(), error) {
	events := make(chan notify.Event, streamBuffer)
	handler := func(ctx context.Context, ev notify.Event) error {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
		return nil
	}

	var (
		unsubscribe func()
		err         error
	)
	if resume {
		unsubscribe, err = s.tracker.SubscribeFrom(name, afterSeq, handler)
	} else {
		unsubscribe, err = s.tracker.Subscribe(name, handler)
	}
	if err != nil {
		return nil, nil, err
	}
	return events, unsubscribe, nil
}

// streamEvents handles GET /api/v1/events, a server-sent event stream of entity changes.
// Each event id is its sequence number so browsers resume with Last-Event-ID.
func (s *Server) streamEvents(c echo.Context) error {
	afterSeq, resume, err := resumePoint(c, "last_event_id")
	if err != nil {
		return s.fail(c, err)
	}

	clientID := uuid.NewString()
	events, unsubscribe, err := s.subscribeStream("sse:"+clientID, afterSeq, resume)
	if err != nil {
		return s.fail(c, err)
	}
	defer unsubscribe()
	defer s.openStream(streamSSE)()

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	if err := s.sendSSE(c, "", "connected", map[string]any{
		"client_id": clientID,
		"last_seq":  s.tracker.LastSeq(),
	}); err != nil {
		return nil
	}

	log := s.log.With(logger.String("client_id", clientID), logger.String("ip", c.RealIP()))
	log.Info("SSE client connected", logger.Bool("resume", resume), logger.Uint64("after_seq", afterSeq))
	defer log.Info("SSE client disconnected")

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			if err := s.sendSSE(c, strconv.FormatUint(ev.Seq, 10), string(ev.Type), ev.Envelope()); err != nil {
				log.Debug("SSE write failed", logger.Error(err))
				return nil
			}
			s.streamMessage(streamSSE)

		case <-ticker.C:
			if err := s.sendSSE(c, "", "heartbeat", map[string]any{
				"timestamp": time.Now().Unix(),
			}); err != nil {
				log.Debug("SSE heartbeat failed, client likely disconnected", logger.Error(err))
				return nil
			}

		case <-c.Request().Context().Done():
			return nil

		case <-s.ctx.Done():
			return nil
		}
	}
}

// sendSSE writes one event and flushes it
func (s *Server) sendSSE(c echo.Context, id, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE data: %w", err)
	}

	// not every writer supports deadlines
	rc := http.NewResponseController(c.Response())
	_ = rc.SetWriteDeadline(time.Now().Add(writeTimeout))

	w := c.Response()
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return fmt.Errorf("failed to write SSE message: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return fmt.Errorf("failed to write SSE message: %w", err)
	}
	w.Flush()
	return nil
}
