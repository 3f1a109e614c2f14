package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/notify"
)

// maxInboundMessage limits what a websocket client may send; the stream is one-way
const maxInboundMessage = 512

// streamWebSocket handles GET /api/v1/ws. Every change is sent as a JSON envelope;
// ?after=<seq> replays buffered changes first.
func (s *Server) streamWebSocket(c echo.Context) error {
	afterSeq, resume, err := resumePoint(c, "after")
	if err != nil {
		return s.fail(c, err)
	}

	clientID := uuid.NewString()
	events, unsubscribe, err := s.subscribeStream("ws:"+clientID, afterSeq, resume)
	if err != nil {
		return s.fail(c, err)
	}
	defer unsubscribe()

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already replied
		s.log.Debug("websocket upgrade failed", logger.Error(err))
		return nil
	}
	defer s.openStream(streamWebSocket)()

	log := s.log.With(logger.String("client_id", clientID), logger.String("ip", c.RealIP()))
	log.Info("websocket client connected", logger.Bool("resume", resume))

	// the read loop only consumes control frames and notices the client going away
	closed := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		defer close(closed)
		ws.SetReadLimit(maxInboundMessage)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	})

	s.writeWebSocket(ws, events, closed, log)

	_ = ws.Close()
	wg.Wait()
	log.Info("websocket client disconnected")
	return nil
}

func (s *Server) writeWebSocket(ws *websocket.Conn, events <-chan notify.Event, closed <-chan struct{}, log logger.Logger) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(ev.Envelope()); err != nil {
				log.Debug("websocket write failed", logger.Error(err))
				return
			}
			s.streamMessage(streamWebSocket)

		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Debug("websocket ping failed", logger.Error(err))
				return
			}

		case <-closed:
			return

		case <-s.ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}
