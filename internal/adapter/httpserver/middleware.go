package httpserver

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livepoll/internal/adapter/metrics"
	"github.com/pscheid92/livepoll/internal/domain"
	"github.com/pscheid92/livepoll/internal/platform/correlation"
	apperrors "github.com/pscheid92/livepoll/internal/platform/errors"
)

// domainErrorRules maps domain sentinels to client-facing errors. Empty
// messages pass the domain error text through.
var domainErrorRules = []apperrors.Rule{
	{Target: domain.ErrValidation, Type: apperrors.TypeValidation},
	{Target: domain.ErrInvalidOption, Type: apperrors.TypeConflict, Message: "option no longer exists, reload the poll"},
	{Target: domain.ErrDuplicateVote, Type: apperrors.TypeConflict, Message: "this device has already voted"},
	{Target: domain.ErrNoActivePoll, Type: apperrors.TypeNotFound, Message: "no active poll"},
	{Target: domain.ErrUnauthorized, Type: apperrors.TypeUnauthorized, Message: "unauthorized"},
	{Target: domain.ErrContention, Type: apperrors.TypeUnavailable, Message: "too many concurrent updates, try again"},
}

// correlationMiddleware accepts a caller-supplied correlation ID or mints one,
// and echoes it back.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, id := correlation.Ensure(c.Request().Context(), c.Request().Header.Get(correlation.Header))
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlation.Header, id)
		return next(c)
	}
}

func ErrorHandlingMiddleware(m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}
			return HandleError(c, m, err)
		}
	}
}

func (s *Server) errorHandlingMiddleware() echo.MiddlewareFunc {
	return ErrorHandlingMiddleware(s.httpMetrics)
}

// HTTPErrorHandler renders errors reported through c.Error, as echo's rate
// limiter does, in the same shape as ErrorHandlingMiddleware.
func HTTPErrorHandler(m *metrics.HTTPMetrics) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if werr := HandleError(c, m, err); werr != nil {
			slog.ErrorContext(c.Request().Context(), "Failed to render error", "error", werr)
		}
	}
}

// HandleError writes err as a JSON error response.
func HandleError(c echo.Context, m *metrics.HTTPMetrics, err error) error {
	if err == nil {
		return nil
	}

	structuredErr := toStructured(err)
	logError(c, structuredErr)
	if m != nil {
		m.ErrorsTotal.WithLabelValues(string(structuredErr.Type)).Inc()
	}

	if c.Response().Committed {
		return nil
	}
	if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

func toStructured(err error) *apperrors.Error {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return WrapHTTPError(httpErr)
	}
	return apperrors.Translate(err, domainErrorRules...)
}

func logError(c echo.Context, err *apperrors.Error) {
	ctx := c.Request().Context()
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	switch err.Type {
	case apperrors.TypeValidation, apperrors.TypeNotFound, apperrors.TypeUnauthorized:
		slog.InfoContext(ctx, "Client error", attrs...)
	case apperrors.TypeConflict, apperrors.TypeRateLimited:
		slog.WarnContext(ctx, "Request rejected", attrs...)
	case apperrors.TypeUnavailable:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.WarnContext(ctx, "Service unavailable", attrs...)
	default:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	}
}

// WrapHTTPError converts errors raised by echo itself (unknown route, bad
// method, body binding) into the shared JSON error shape.
func WrapHTTPError(httpErr *echo.HTTPError) *apperrors.Error {
	message, _ := httpErr.Message.(string)
	err := apperrors.FromStatus(httpErr.Code, message)
	if httpErr.Internal != nil {
		err.Cause = httpErr.Internal
	}
	return err
}
