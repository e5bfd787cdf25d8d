package db

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

// fakeQuerier answers the schema probe with a fixed to_regclass result.
type fakeQuerier struct {
	table *string
	err   error
}

func (f fakeQuerier) Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f fakeQuerier) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	return nil, nil
}

func (f fakeQuerier) QueryRow(context.Context, string, ...interface{}) pgx.Row {
	return fakeRow{table: f.table, err: f.err}
}

type fakeRow struct {
	table *string
	err   error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	if p, ok := dest[0].(**string); ok {
		*p = r.table
	}
	return nil
}

func TestCheck_DatabaseDown(t *testing.T) {
	status := Check(context.Background(), fakePinger{err: errors.New("refused")}, fakeQuerier{})
	if status.Healthy || status.SchemaReady {
		t.Errorf("unreachable database must be unhealthy: %+v", status)
	}
	if status.Error == "" {
		t.Error("expected the ping error surfaced")
	}
	if StatusCode(status) != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", StatusCode(status))
	}
}

func TestCheck_SchemaMissing(t *testing.T) {
	status := Check(context.Background(), fakePinger{}, fakeQuerier{table: nil})
	if !status.Healthy {
		t.Errorf("reachable database is healthy: %+v", status)
	}
	if status.SchemaReady {
		t.Error("missing fhir.resources must read as schema not ready")
	}
	if StatusCode(status) != http.StatusServiceUnavailable {
		t.Errorf("unmigrated server must report 503, got %d", StatusCode(status))
	}
}

func TestCheck_Ready(t *testing.T) {
	table := "fhir.resources"
	status := Check(context.Background(), fakePinger{}, fakeQuerier{table: &table})
	if !status.Healthy || !status.SchemaReady {
		t.Errorf("expected full readiness: %+v", status)
	}
	if StatusCode(status) != http.StatusOK {
		t.Errorf("expected 200, got %d", StatusCode(status))
	}
}

func TestCheck_ProbeError(t *testing.T) {
	status := Check(context.Background(), fakePinger{}, fakeQuerier{err: errors.New("permission denied")})
	if !status.Healthy || status.SchemaReady {
		t.Errorf("probe failure: healthy but not ready: %+v", status)
	}
	if status.Error == "" {
		t.Error("expected the probe error surfaced")
	}
}
