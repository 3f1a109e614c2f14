package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/logger"
)

// ErrorResponse is the body of every failed API request
type ErrorResponse struct {
	Error     string `json:"error"`
	Category  string `json:"category,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps an error category to an HTTP status
func statusFor(err error) int {
	switch errors.CategoryOf(err) {
	case errors.CategoryValidation, errors.CategoryDecode:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryPrecondition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as an ErrorResponse with the status its category maps to
func (s *Server) fail(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			logger.String("path", c.Path()),
			logger.Error(err))
	}
	return c.JSON(status, ErrorResponse{
		Error:     err.Error(),
		Category:  string(errors.CategoryOf(err)),
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	})
}

// badRequest builds a validation error for a malformed request parameter
func badRequest(field, format string, args ...any) error {
	return errors.Newf(format, args...).
		Component("api").
		Category(errors.CategoryValidation).
		Context("field", field).
		Build()
}

// unavailable reports an optional component that is not configured
func (s *Server) unavailable(c echo.Context, what string) error {
	return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error:     what + " is not enabled",
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	})
}
