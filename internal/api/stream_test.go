package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/notify"
)

// sseMessage is one parsed server-sent event
type sseMessage struct {
	id    string
	event string
	data  string
}

// readSSE parses events from the stream onto a channel until the body closes
func readSSE(body *bufio.Reader) <-chan sseMessage {
	out := make(chan sseMessage, 16)
	go func() {
		defer close(out)
		var msg sseMessage
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				out <- msg
				msg = sseMessage{}
			case strings.HasPrefix(line, "id: "):
				msg.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				msg.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				msg.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, ch <-chan sseMessage) sseMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "stream closed")
		return msg
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for SSE event")
		return sseMessage{}
	}
}

func openSSE(t *testing.T, ctx context.Context, url, lastEventID string) <-chan sseMessage {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return readSSE(bufio.NewReader(resp.Body))
}

func TestSSE_StreamsChanges(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	events := openSSE(t, ctx, srv.URL+"/api/v1/events", "")

	hello := nextEvent(t, events)
	assert.Equal(t, "connected", hello.event)
	assert.Empty(t, hello.id)

	require.True(t, f.tracker.Upsert(entity.Telemetry{ID: 8, Latitude: 13.02, Longitude: 77.57, RSSI: -71}))
	require.NoError(t, f.tracker.InProgress(8, "Op-A"))

	created := nextEvent(t, events)
	assert.Equal(t, "1", created.id)
	assert.Equal(t, string(notify.EventCreated), created.event)

	var env notify.Envelope
	require.NoError(t, json.Unmarshal([]byte(created.data), &env))
	assert.Equal(t, notify.EnvelopeType, env.Type)
	assert.Equal(t, 8, env.Data.ID)

	changed := nextEvent(t, events)
	assert.Equal(t, "2", changed.id)
	assert.Equal(t, string(notify.EventStatusChanged), changed.event)
	require.NoError(t, json.Unmarshal([]byte(changed.data), &env))
	assert.Equal(t, entity.StatusInProgress, env.Data.Status)
}

func TestSSE_ResumeFromLastEventID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	for id := 1; id <= 3; id++ {
		require.True(t, f.tracker.Upsert(entity.Telemetry{ID: id, Latitude: 13.02, Longitude: 77.57, RSSI: -75}))
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	events := openSSE(t, ctx, srv.URL+"/api/v1/events", "1")

	assert.Equal(t, "connected", nextEvent(t, events).event)
	assert.Equal(t, "2", nextEvent(t, events).id)
	assert.Equal(t, "3", nextEvent(t, events).id)

	require.True(t, f.tracker.Upsert(entity.Telemetry{ID: 1, Latitude: 13.02, Longitude: 77.57, RSSI: -70}))
	next := nextEvent(t, events)
	assert.Equal(t, "4", next.id)
	assert.Equal(t, string(notify.EventUpdated), next.event)
}

func TestSSE_BadLastEventID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	rec := f.do(t, http.MethodGet, "/api/v1/events?last_event_id=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSE_EndsOnClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	events := openSSE(t, t.Context(), srv.URL+"/api/v1/events", "")
	assert.Equal(t, "connected", nextEvent(t, events).event)

	f.server.Close()
	select {
	case _, ok := <-events:
		assert.False(t, ok, "stream should end after Close")
	case <-time.After(5 * time.Second):
		t.Fatal("stream still open after Close")
	}
}

func TestWebSocket_StreamsEnvelopes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	require.True(t, f.tracker.Upsert(entity.Telemetry{ID: 4, Latitude: 13.02, Longitude: 77.57, RSSI: -75}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?after=0"
	ws, resp, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var replayed notify.Envelope
	require.NoError(t, ws.ReadJSON(&replayed))
	assert.Equal(t, uint64(1), replayed.Seq)
	assert.Equal(t, notify.EventCreated, replayed.Event)

	require.NoError(t, f.tracker.Resolve(4, "Op-A", ""))

	var live notify.Envelope
	require.NoError(t, ws.ReadJSON(&live))
	assert.Equal(t, uint64(2), live.Seq)
	assert.Equal(t, notify.EventStatusChanged, live.Event)
	assert.Equal(t, entity.StatusResolved, live.Data.Status)
}
