package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/R4/Patient", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequestID()(func(c echo.Context) error {
		if rid, _ := c.Get("request_id").(string); rid == "" {
			t.Error("expected a generated request_id on the context")
		}
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected the id echoed in the response header")
	}
}

func TestRequestID_PreservesClientID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/R4/Patient", nil)
	req.Header.Set(RequestIDHeader, "client-id-1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequestID()(func(c echo.Context) error {
		if rid, _ := c.Get("request_id").(string); rid != "client-id-1" {
			t.Errorf("expected client id kept, got %q", rid)
		}
		return c.NoContent(http.StatusOK)
	})
	h(c)

	if rec.Header().Get(RequestIDHeader) != "client-id-1" {
		t.Errorf("response header: %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_EmitsResourceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/R4/Patient/p1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("type", "id")
	c.SetParamValues("Patient", "p1")

	h := Logger(logger)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, buf.String())
	}
	if line["resource_type"] != "Patient" || line["resource_id"] != "p1" {
		t.Errorf("expected resource fields, got %v", line)
	}
	if line["method"] != "GET" {
		t.Errorf("expected method field, got %v", line)
	}
}

func TestLogger_SearchQueryLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/R4/Observation?code=8867-4", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("type")
	c.SetParamValues("Observation")

	h := Logger(logger)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	h(c)

	if !strings.Contains(buf.String(), `"search":"code=8867-4"`) {
		t.Errorf("expected the search expression logged:\n%s", buf.String())
	}
}

func TestRecovery_RespondsWithOperationOutcome(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/R4/Patient", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := Recovery(zerolog.Nop())(func(c echo.Context) error {
		panic("boom")
	})
	if err := h(c); err != nil {
		t.Fatalf("recovered panic should not propagate an error: %v", err)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var outcome map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if outcome["resourceType"] != "OperationOutcome" {
		t.Errorf("expected an OperationOutcome body, got %v", outcome)
	}
	issue := outcome["issue"].([]interface{})[0].(map[string]interface{})
	if issue["code"] != "exception" || issue["severity"] != "fatal" {
		t.Errorf("unexpected issue %v", issue)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Error("panic value must not leak to the client")
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/R4/Patient", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := Recovery(zerolog.Nop())(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
