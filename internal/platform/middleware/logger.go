package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger emits one structured line per request. On FHIR routes the
// resource type and id from the path are logged as their own fields so
// log queries can slice by resource rather than parsing URLs.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}
			rid, _ := c.Get("request_id").(string)
			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())

			if resourceType := c.Param("type"); resourceType != "" {
				evt = evt.Str("resource_type", resourceType)
				if id := c.Param("id"); id != "" {
					evt = evt.Str("resource_id", id)
				}
				if req.URL.RawQuery != "" {
					evt = evt.Str("search", req.URL.RawQuery)
				}
			}

			evt.Msg("request")
			return err
		}
	}
}
