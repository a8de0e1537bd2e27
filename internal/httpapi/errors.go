package httpapi

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// statusFor maps the category of the outermost categorized error to a status.
func statusFor(err error) int {
	var ee *errors.EnhancedError
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError
	}
	switch ee.Category {
	case errors.CategoryValidation, errors.CategoryModelSwitch, errors.CategoryConfiguration:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryConflict, errors.CategoryState:
		return http.StatusConflict
	case errors.CategorySourceUnavailable:
		return http.StatusServiceUnavailable
	case errors.CategoryDatabase:
		return http.StatusBadGateway
	case errors.CategoryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleError logs err with a correlation id and writes an ErrorResponse.
// A zero code is derived from the error category.
func (s *Server) handleError(c echo.Context, err error, message string, code int) error {
	if code == 0 {
		code = statusFor(err)
	}
	resp := ErrorResponse{
		Message:       message,
		Code:          code,
		CorrelationID: uuid.NewString()[:8],
	}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Error = message
	}

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.Int("code", code),
		logger.String("path", c.Request().URL.Path),
		logger.String("method", c.Request().Method),
		logger.String("ip", c.RealIP()),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("API error", fields...)
	} else {
		s.log.Debug("API error", fields...)
	}
	return c.JSON(code, resp)
}

// httpErrorHandler renders echo errors (unknown route, bad method, body
// limit) in the same shape as handler errors.
func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		_ = s.handleError(c, nil, msg, he.Code)
		return
	}
	_ = s.handleError(c, err, "internal error", 0)
}
