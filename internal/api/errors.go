package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
)

// errorStatus maps session errors to HTTP status codes.
func errorStatus(err error) (int, bool) {
	var (
		connectErr   *device.ConnectError
		transportErr *device.TransportError
		parseErr     *device.ParseError
	)
	switch {
	case errors.Is(err, device.ErrMissingSubject):
		return http.StatusBadRequest, true
	case errors.Is(err, device.ErrSubjectNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, device.ErrAlreadyBound),
		errors.Is(err, device.ErrNotConnected),
		errors.Is(err, device.ErrInvalidState):
		return http.StatusConflict, true
	case errors.As(err, &connectErr):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, device.ErrUnsupported):
		return http.StatusNotImplemented, true
	case errors.As(err, &transportErr),
		errors.As(err, &parseErr),
		errors.Is(err, device.ErrNotAcknowledged):
		return http.StatusBadGateway, true
	}
	return 0, false
}

func appHTTPErrorHandler(err error, ctx echo.Context) {
	var code int
	var message any

	var httpErr *echo.HTTPError
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &httpErr):
		if herr, ok := httpErr.Internal.(*echo.HTTPError); ok {
			httpErr = herr
		}
		code = httpErr.Code
		message = httpErr.Message
	case errors.As(err, &validationErrs):
		fields := make(map[string]string, len(validationErrs))
		for _, vErr := range validationErrs {
			fields[vErr.Field()] = "failed on the '" + vErr.Tag() + "' rule"
		}
		code = http.StatusBadRequest
		message = fields
	default:
		if status, ok := errorStatus(err); ok {
			code = status
			message = err.Error()
			break
		}
		code = http.StatusInternalServerError
		message = http.StatusText(http.StatusInternalServerError)
		logger.ErrorF("[api] Error occured while handling %s %s, details: %v", ctx.Request().Method, ctx.Path(), err)
	}

	if m, ok := message.(string); ok {
		message = echo.Map{"error": m}
	} else if fields, ok := message.(map[string]string); ok {
		message = echo.Map{"error": "validation failed", "fields": fields}
	}

	if !ctx.Response().Committed {
		if ctx.Request().Method == http.MethodHead {
			err = ctx.NoContent(code)
		} else {
			err = ctx.JSON(code, message)
		}
		if err != nil {
			logger.ErrorF("[api] Fail to write error response, details: %v", err)
		}
	}
}
