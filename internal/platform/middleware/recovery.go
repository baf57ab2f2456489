package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// RecoveryConfig configures Recovery. OnPanic, when set, is called once per
// recovered panic with the route pattern that panicked.
type RecoveryConfig struct {
	Logger  zerolog.Logger
	OnPanic func(route string)
}

// Recovery turns a handler panic into a 500 and logs the stack. A panic with
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recovery(cfg RecoveryConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				rid, _ := c.Get("request_id").(string)
				cfg.Logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				if cfg.OnPanic != nil {
					cfg.OnPanic(c.Path())
				}

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
