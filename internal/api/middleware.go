package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/observability"
)

const metricsPath = "/metrics"

// skipMetricsPath keeps scrapes out of the request log
func skipMetricsPath(c echo.Context) bool {
	return c.Path() == metricsPath
}

// newRequestLogger logs one line per request. Server errors log at warn, the rest at debug.
func newRequestLogger(log logger.Logger, skipper middleware.Skipper) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper:      skipper,
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
				logger.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			if v.Status >= http.StatusInternalServerError {
				log.Warn("request", fields...)
				return nil
			}
			log.Debug("request", fields...)
			return nil
		},
	})
}

// metricsMiddleware records request counts and latency by route template
func metricsMiddleware(m *observability.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == metricsPath {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.HTTP.RecordRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}
