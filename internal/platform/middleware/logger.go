package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/myclinic/clinic/internal/platform/auth"
	"github.com/myclinic/clinic/internal/platform/db"
)

// Logger writes one structured line per request. 5xx responses and handler
// errors are logged at error level, 4xx at warn.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn()
				if err != nil {
					evt = evt.Err(err)
				}
			default:
				evt = logger.Info()
			}

			rid, _ := c.Get(requestIDKey).(string)
			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", c.Path()).
				Str("uri", req.RequestURI).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())
			// The resolved tenant is set by TenantMiddleware further down the
			// chain; requests that never reach it fall back to the identity.
			tenantID := db.TenantFromContext(c.Request().Context())
			if id, ok := auth.IdentityFromContext(c.Request().Context()); ok {
				if tenantID == "" {
					tenantID = id.TenantID
				}
				evt = evt.Str("user_id", id.UserID)
			}
			if tenantID != "" {
				evt = evt.Str("tenant_id", tenantID)
			}
			evt.Msg("request")

			return err
		}
	}
}
