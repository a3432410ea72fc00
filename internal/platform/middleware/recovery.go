package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/auditcore/internal/platform/auth"
)

// Recovery turns a handler panic into a 500. The log line carries the actor,
// route and origin so the interrupted request can be matched against the
// facts it may or may not have recorded.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)

				req := c.Request()
				logger.Error().
					Str("request_id", fmt.Sprintf("%v", c.Get("request_id"))).
					Str("actor_id", auth.UserIDFromContext(req.Context())).
					Str("method", req.Method).
					Str("route", c.Path()).
					Str("path", req.URL.Path).
					Str("origin", c.RealIP()).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(stack[:n])).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
