package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1K", 1 << 10},
		{"5M", 5 << 20},
		{"1G", 1 << 30},
		{"2048", 2048},
		{" 512k ", 512 << 10},
		{"", 1 << 20},
		{"garbage", 1 << 20},
		{"-5M", 1 << 20},
	}
	for _, tc := range cases {
		if got := parseSize(tc.in); got != tc.want {
			t.Errorf("parseSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func runBodyLimit(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := BodyLimit("1K", "4K")(func(c echo.Context) error {
		if _, err := io.ReadAll(c.Request().Body); err != nil {
			return err
		}
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestBodyLimit_UnderLimit(t *testing.T) {
	rec := runBodyLimit(t, http.MethodPost, "/R4/Patient", strings.Repeat("x", 512))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestBodyLimit_OverResourceLimit(t *testing.T) {
	rec := runBodyLimit(t, http.MethodPost, "/R4/Patient", strings.Repeat("x", 2048))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	var outcome map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err == nil {
		if outcome["resourceType"] != "OperationOutcome" {
			t.Errorf("expected an OperationOutcome body, got %v", outcome)
		}
	}
}

func TestBodyLimit_BundleEndpointGetsLargerLimit(t *testing.T) {
	// 2 KB exceeds the resource limit but fits the bundle limit.
	rec := runBodyLimit(t, http.MethodPost, "/R4", strings.Repeat("x", 2048))
	if rec.Code != http.StatusOK {
		t.Errorf("bundle endpoint should accept 2K, got %d", rec.Code)
	}
	rec = runBodyLimit(t, http.MethodPost, "/R4/", strings.Repeat("x", 2048))
	if rec.Code != http.StatusOK {
		t.Errorf("trailing slash form should accept 2K, got %d", rec.Code)
	}
}

func TestBodyLimit_OverBundleLimit(t *testing.T) {
	rec := runBodyLimit(t, http.MethodPost, "/R4", strings.Repeat("x", 8192))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestBodyLimit_NoBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/R4/Patient", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := BodyLimit("1K", "4K")(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
