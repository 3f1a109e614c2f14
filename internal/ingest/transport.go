package ingest

import (
	"net"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/beaconwatch/beaconwatch/internal/errors"
)

// TCPScheme prefixes endpoints served over a virtual serial link
const TCPScheme = "tcp://"

// Conn is an open telemetry link. Read returns (0, nil) when the read timeout
// elapses without data; any error means the link has failed.
type Conn interface {
	Read(p []byte) (int, error)
	Close() error
}

// Opener opens a link to endpoint at the given speed
type Opener func(endpoint string, speed int, readTimeout time.Duration) (Conn, error)

// Open opens a serial device, or a TCP socket for endpoints of the form tcp://host:port.
// Speed is ignored for TCP.
func Open(endpoint string, speed int, readTimeout time.Duration) (Conn, error) {
	if addr, ok := strings.CutPrefix(endpoint, TCPScheme); ok {
		return openTCP(addr, readTimeout)
	}
	return openSerial(endpoint, speed, readTimeout)
}

func openSerial(device string, speed int, readTimeout time.Duration) (Conn, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: speed})
	if err != nil {
		return nil, transportError(err, "open", device)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, transportError(err, "set_read_timeout", device)
	}
	return port, nil
}

type tcpConn struct {
	net.Conn
	readTimeout time.Duration
}

func openTCP(addr string, readTimeout time.Duration) (Conn, error) {
	c, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, transportError(err, "dial", addr)
	}
	return &tcpConn{Conn: c, readTimeout: readTimeout}, nil
}

// Read maps a deadline expiry to an empty read so TCP links behave like a serial port
func (c *tcpConn) Read(p []byte) (int, error) {
	if err := c.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return 0, err
	}
	n, err := c.Conn.Read(p)
	var ne net.Error
	if err != nil && errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func transportError(err error, op, endpoint string) error {
	return errors.New(err).
		Component("ingest").
		Category(errors.CategoryTransport).
		Context("operation", op).
		Context("endpoint", endpoint).
		Build()
}
