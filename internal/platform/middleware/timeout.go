package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fhird/fhird/internal/platform/fhir"
)

// RequestTimeout puts a deadline on each request's context. Storage
// calls observe the cancellation and roll back in-flight transactions;
// if the handler has not finished by the deadline the client gets 504
// with an OperationOutcome. The WebSocket endpoint is exempt — those
// connections are long-lived by design.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if strings.HasPrefix(c.Request().URL.Path, "/ws") {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() { done <- next(c) }()

			select {
			case err := <-done:
				// A handler that surfaces the expired context still gets
				// the 504 treatment.
				if errors.Is(err, context.DeadlineExceeded) {
					return timedOut(c)
				}
				return err
			case <-ctx.Done():
				if ctx.Err() != context.DeadlineExceeded {
					return ctx.Err()
				}
				return timedOut(c)
			}
		}
	}
}

func timedOut(c echo.Context) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(http.StatusGatewayTimeout, fhir.NewOperationOutcome(
		"error", "timeout", "request processing exceeded the allowed time limit"))
}
