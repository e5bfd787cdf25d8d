package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Pinger is the connectivity probe the health check depends on; the pool
// satisfies it, tests fake it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status is the health endpoint's report: database reachability plus
// whether the fhir schema has been migrated. A reachable database
// without the schema means `migrate up` has not run; the probe surfaces
// that separately so operators can tell the two failure modes apart.
type Status struct {
	Healthy     bool   `json:"healthy"`
	SchemaReady bool   `json:"schema_ready"`
	Error       string `json:"error,omitempty"`
}

// Check probes connectivity and, when the database answers, whether the
// core resource table exists.
func Check(ctx context.Context, pinger Pinger, q Querier) Status {
	if err := pinger.Ping(ctx); err != nil {
		return Status{Error: err.Error()}
	}

	status := Status{Healthy: true}
	var table *string
	if err := q.QueryRow(ctx, `SELECT to_regclass('fhir.resources')::text`).Scan(&table); err != nil {
		status.Error = err.Error()
		return status
	}
	status.SchemaReady = table != nil
	return status
}

// StatusCode maps a Status to the endpoint's HTTP code. Only full
// readiness is 200; a live database without the schema still cannot
// serve FHIR requests.
func StatusCode(s Status) int {
	if s.Healthy && s.SchemaReady {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// HealthHandler serves GET /healthz.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := Check(ctx, pool, pool)
		return c.JSON(StatusCode(status), status)
	}
}
