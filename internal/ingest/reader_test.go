package ingest

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second

// fakeConn behaves like a serial port with a read timeout
type fakeConn struct {
	data      chan []byte
	fail      chan error
	closed    chan struct{}
	closeOnce sync.Once
	timeout   time.Duration
}

func newFakeConn(timeout time.Duration) *fakeConn {
	return &fakeConn{
		data:    make(chan []byte, 64),
		fail:    make(chan error, 1),
		closed:  make(chan struct{}),
		timeout: timeout,
	}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case b := <-c.data:
		return copy(p, b), nil
	case err := <-c.fail:
		return 0, err
	case <-c.closed:
		return 0, io.ErrClosedPipe
	case <-timer.C:
		return 0, nil
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) send(s string) { c.data <- []byte(s) }

// fakeLink hands out queued connections and fails when none are queued
type fakeLink struct {
	mu    sync.Mutex
	conns []*fakeConn
	opens int
}

func (l *fakeLink) push(c *fakeConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns = append(l.conns, c)
}

func (l *fakeLink) open(endpoint string, _ int, _ time.Duration) (Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opens++
	if len(l.conns) == 0 {
		return nil, transportError(fmt.Errorf("no such device"), "open", endpoint)
	}
	c := l.conns[0]
	l.conns = l.conns[1:]
	return c, nil
}

func (l *fakeLink) openCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens
}

type collector struct {
	mu      sync.Mutex
	records []entity.Telemetry
	errs    []error
}

func (c *collector) onRecord(t entity.Telemetry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, t)
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collector) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records), len(c.errs)
}

func newTestReader(link *fakeLink) *Reader {
	return New(Config{ReadTimeout: 10 * time.Millisecond, ReconnectDelay: 10 * time.Millisecond},
		WithOpener(link.open),
		WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)))
}

func TestStart_OpenFailureReturnsFalse(t *testing.T) {
	t.Parallel()

	link := &fakeLink{}
	r := newTestReader(link)

	assert.False(t, r.Start("/dev/ttyUSB9", 115200, nil, nil))
	assert.False(t, r.Connected())
	assert.False(t, r.Stats().Running)
	assert.Equal(t, uint64(1), r.Stats().TransportErrors)
	r.Stop()
}

func TestReader_DeliversRecordsAndErrors(t *testing.T) {
	t.Parallel()

	link := &fakeLink{}
	conn := newFakeConn(10 * time.Millisecond)
	link.push(conn)
	r := newTestReader(link)

	var c collector
	require.True(t, r.Start("/dev/ttyUSB0", 115200, c.onRecord, c.onError))
	t.Cleanup(r.Stop)
	assert.True(t, r.Connected())

	conn.send(`{"ID":1,"LAT":13.0227,"LON":77.5733,"RSSI":-68}` + "\n")
	conn.send("garbage\n\n   \n")
	conn.send(`{"ID":2,"LAT":0,"LON":0,"RSSI":-70}` + "\n")
	conn.send(`{"ID":3,"LAT":13.1,"LON":77.6,`)
	conn.send(`"RSSI":-72}` + "\r\n")

	require.Eventually(t, func() bool {
		n, e := c.counts()
		return n == 2 && e == 2
	}, waitFor, time.Millisecond)

	c.mu.Lock()
	assert.Equal(t, 1, c.records[0].ID)
	assert.Equal(t, 3, c.records[1].ID)
	assert.True(t, errors.IsCategory(c.errs[0], errors.CategoryDecode))
	assert.True(t, errors.IsValidation(c.errs[1]))
	c.mu.Unlock()

	st := r.Stats()
	assert.Equal(t, "/dev/ttyUSB0", st.Endpoint)
	assert.Equal(t, 115200, st.Speed)
	assert.True(t, st.Running)
	assert.Equal(t, uint64(4), st.LinesRead)
	assert.Equal(t, uint64(2), st.RecordsAccepted)
	assert.Equal(t, uint64(1), st.DecodeErrors)
	assert.Equal(t, uint64(1), st.ValidationErrors)
	assert.False(t, st.LastRecordTime.IsZero())
}

func TestReader_ReconnectsAfterTransportFailure(t *testing.T) {
	t.Parallel()

	link := &fakeLink{}
	first := newFakeConn(10 * time.Millisecond)
	second := newFakeConn(10 * time.Millisecond)
	link.push(first)
	r := newTestReader(link)

	var c collector
	require.True(t, r.Start("/dev/ttyUSB0", 9600, c.onRecord, c.onError))
	t.Cleanup(r.Stop)

	first.fail <- fmt.Errorf("device reports readiness to read but returned no data")
	require.Eventually(t, func() bool { return !r.Connected() }, waitFor, time.Millisecond)
	require.Eventually(t, first.isClosed, waitFor, time.Millisecond)

	// a few failed reopen attempts before the device comes back
	require.Eventually(t, func() bool { return link.openCount() >= 3 }, waitFor, time.Millisecond)
	link.push(second)
	require.Eventually(t, r.Connected, waitFor, time.Millisecond)

	second.send(`{"ID":5,"LAT":1,"LON":2,"RSSI":-60}` + "\n")
	require.Eventually(t, func() bool { n, _ := c.counts(); return n == 1 }, waitFor, time.Millisecond)

	st := r.Stats()
	assert.Equal(t, uint64(1), st.Reconnects)
	assert.GreaterOrEqual(t, st.TransportErrors, uint64(2))
}

func TestReader_StopIsIdempotentAndReleasesLink(t *testing.T) {
	t.Parallel()

	link := &fakeLink{}
	conn := newFakeConn(10 * time.Millisecond)
	link.push(conn)
	r := newTestReader(link)

	require.True(t, r.Start("/dev/ttyUSB0", 115200, nil, nil))
	assert.False(t, r.Start("/dev/ttyUSB0", 115200, nil, nil), "second start while running")

	start := time.Now()
	r.Stop()
	r.Stop()
	assert.Less(t, time.Since(start), StopTimeout)
	assert.True(t, conn.isClosed())
	assert.False(t, r.Connected())
	assert.False(t, r.Stats().Running)

	// restartable after stop
	again := newFakeConn(10 * time.Millisecond)
	link.push(again)
	require.True(t, r.Start("/dev/ttyUSB0", 115200, nil, nil))
	r.Stop()
	assert.True(t, again.isClosed())
}

func TestReader_StopDuringBackoff(t *testing.T) {
	t.Parallel()

	link := &fakeLink{}
	conn := newFakeConn(10 * time.Millisecond)
	link.push(conn)
	r := New(Config{ReadTimeout: 10 * time.Millisecond, ReconnectDelay: time.Hour},
		WithOpener(link.open),
		WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)))

	require.True(t, r.Start("/dev/ttyUSB0", 115200, nil, nil))
	conn.fail <- io.ErrUnexpectedEOF
	require.Eventually(t, func() bool { return !r.Connected() }, waitFor, time.Millisecond)

	start := time.Now()
	r.Stop()
	assert.Less(t, time.Since(start), time.Second)
}

func TestReader_PanickingCallbackDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	link := &fakeLink{}
	conn := newFakeConn(10 * time.Millisecond)
	link.push(conn)
	r := newTestReader(link)

	var mu sync.Mutex
	var seen []int
	require.True(t, r.Start("/dev/ttyUSB0", 115200, func(tel entity.Telemetry) {
		mu.Lock()
		seen = append(seen, tel.ID)
		mu.Unlock()
		if tel.ID == 1 {
			panic("consumer bug")
		}
	}, nil))
	t.Cleanup(r.Stop)

	conn.send(`{"ID":1,"LAT":1,"LON":2,"RSSI":-60}` + "\n" + `{"ID":2,"LAT":1,"LON":2,"RSSI":-60}` + "\n")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, waitFor, time.Millisecond)
}

func TestReader_TCPLink(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	r := New(Config{ReadTimeout: 20 * time.Millisecond, ReconnectDelay: 10 * time.Millisecond},
		WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)))

	var c collector
	require.True(t, r.Start(TCPScheme+ln.Addr().String(), 0, c.onRecord, c.onError))
	defer r.Stop()

	server := <-accepted
	_, err = server.Write([]byte(`{"ID":10,"LAT":13.02,"LON":77.57,"RSSI":-80}` + "\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { n, _ := c.counts(); return n == 1 }, waitFor, time.Millisecond)

	// the simulator drops the connection and the reader dials again
	require.NoError(t, server.Close())
	server = <-accepted
	defer server.Close()
	_, err = server.Write([]byte(`{"ID":11,"LAT":13.02,"LON":77.57,"RSSI":-81}` + "\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { n, _ := c.counts(); return n == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, uint64(1), r.Stats().Reconnects)
}
