package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type errorBody struct {
	Error         string       `json:"error"`
	Message       string       `json:"message,omitempty"`
	Fields        []FieldError `json:"fields,omitempty"`
	CurrentStatus string       `json:"current_status,omitempty"`
}

// ToHTTP converts a taxonomy error into an echo HTTP error. Errors outside the
// taxonomy are returned unchanged.
func ToHTTP(err error) error {
	if err == nil {
		return nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, errorBody{
			Error:  "validation_failed",
			Fields: ve.Fields,
		})
	}
	var te *TransitionError
	if errors.As(err, &te) {
		return echo.NewHTTPError(http.StatusConflict, errorBody{
			Error:         "invalid_transition",
			Message:       te.Error(),
			CurrentStatus: te.Current,
		})
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
	case errors.Is(err, ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, errorBody{Error: "store_unavailable"})
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, errorBody{Error: "validation_failed", Message: err.Error()})
	}
	return err
}

// HTTPErrorHandler returns an echo error handler that understands the taxonomy
// and logs unexpected errors.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		mapped := ToHTTP(err)
		var he *echo.HTTPError
		if !errors.As(mapped, &he) {
			logger.Error().Err(err).
				Str("method", c.Request().Method).
				Str("path", c.Path()).
				Msg("unhandled error")
			he = echo.NewHTTPError(http.StatusInternalServerError, errorBody{Error: "internal_error"})
		}

		body := he.Message
		if s, ok := body.(string); ok {
			body = errorBody{Error: http.StatusText(he.Code), Message: s}
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(he.Code)
			return
		}
		_ = c.JSON(he.Code, body)
	}
}
