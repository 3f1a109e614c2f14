// Package api serves the tracker over HTTP: JSON commands and queries, a server-sent
// event stream, a websocket stream and the Prometheus scrape endpoint.
package api

import "time"

// Default constants for the HTTP server.
const (
	DefaultListen            = "127.0.0.1:8080"
	DefaultReadTimeout       = 30 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBodyLimit         = "64K"

	// streamBuffer is the per-client event channel size for SSE and websocket streams
	streamBuffer = 64
	// writeTimeout bounds one write to a streaming client
	writeTimeout = 10 * time.Second
)

// Config holds the HTTP server configuration.
type Config struct {
	Listen            string        // host:port
	CacheTTL          time.Duration // lifetime of cached analytics and cluster responses, 0 disables caching
	ReadTimeout       time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	HeartbeatInterval time.Duration // SSE heartbeat and websocket ping period
	BodyLimit         string        // maximum request body, e.g. "64K"
	AllowedOrigins    []string      // CORS allowed origins
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen:            DefaultListen,
		CacheTTL:          5 * time.Second,
		ReadTimeout:       DefaultReadTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		ShutdownTimeout:   DefaultShutdownTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		BodyLimit:         DefaultBodyLimit,
		AllowedOrigins:    []string{"*"},
	}
}

// withDefaults fills zero fields from DefaultConfig. CacheTTL is kept as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.BodyLimit == "" {
		c.BodyLimit = d.BodyLimit
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = d.AllowedOrigins
	}
	return c
}
