package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/brenonaraujo/tasquest.app/domain"
)

// Error is a gateway-originated failure rendered as an error envelope.
type Error struct {
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Code + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func errorJSON(c echo.Context, status int, code, message string) error {
	return c.JSON(status, domain.NewError(code, message))
}

// HTTPErrorHandler renders errors that escape handlers and middleware as
// error envelopes.
func HTTPErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		code := "INTERNAL_ERROR"
		message := msgInternalError

		var gwErr *Error
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &gwErr):
			status, code, message = gwErr.Status, gwErr.Code, gwErr.Message
		case errors.As(err, &httpErr):
			status = httpErr.Code
			code = codeForStatus(status)
			if m, ok := httpErr.Message.(string); ok && m != "" {
				message = m
			} else {
				message = http.StatusText(status)
			}
		}

		if status >= http.StatusInternalServerError && logger != nil {
			logger.WithFields(log.Fields{
				"path":   c.Request().URL.Path,
				"method": c.Request().Method,
				"error":  err.Error(),
			}).Error("http.unhandled_error")
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = errorJSON(c, status, code, message)
		}
		if writeErr != nil && logger != nil {
			logger.WithError(writeErr).Warn("http.error_response_failed")
		}
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return domain.CodeBadRequest
	case http.StatusUnauthorized:
		return domain.CodeUnauthorized
	case http.StatusTooManyRequests:
		return domain.CodeRateLimited
	case http.StatusRequestEntityTooLarge:
		return domain.CodePayloadTooLarge
	}
	text := http.StatusText(status)
	if text == "" {
		return "HTTP_ERROR"
	}
	return strings.ToUpper(strings.ReplaceAll(text, " ", "_"))
}
