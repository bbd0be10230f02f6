package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/engine"
	"github.com/samcharles93/strata/internal/scheduler"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrTooManyStreams = errors.New("too many open streams")
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// classify maps an admission or validation error onto a status code and an
// error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, scheduler.ErrQueueFull),
		errors.Is(err, scheduler.ErrRateLimited),
		errors.Is(err, ErrTooManyStreams):
		return http.StatusTooManyRequests, "rate_limit_error"
	case errors.Is(err, scheduler.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "request_too_large"
	case errors.Is(err, scheduler.ErrStopped),
		errors.Is(err, engine.ErrQuarantined),
		errors.Is(err, engine.ErrNotRunning):
		return http.StatusServiceUnavailable, "unavailable_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

// streamStatus maps the message of an errored stream. Only the scheduler's
// capacity rejection and shutdown are distinguishable.
func streamStatus(msg string) (int, string) {
	switch {
	case strings.HasPrefix(msg, scheduler.ErrTooLarge.Error()):
		return http.StatusRequestEntityTooLarge, "request_too_large"
	case strings.HasPrefix(msg, scheduler.ErrStopped.Error()),
		strings.HasPrefix(msg, engine.ErrQuarantined.Error()):
		return http.StatusServiceUnavailable, "unavailable_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{Message: msg, Type: errType},
	})
}

func writeErr(c *echo.Context, err error) error {
	status, errType := classify(err)
	return writeError(c, status, errType, err.Error())
}
