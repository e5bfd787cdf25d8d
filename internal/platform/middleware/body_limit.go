package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fhird/fhird/internal/platform/fhir"
)

// BodyLimit caps request body sizes. resourceLimit applies to single
// resource writes; bundleLimit applies to POST /R4, where Synthea-scale
// transaction bundles legitimately run far larger. Sizes are "512K",
// "5M", "1G", or plain bytes. Oversized requests get 413 with an
// OperationOutcome.
func BodyLimit(resourceLimit, bundleLimit string) echo.MiddlewareFunc {
	resourceBytes := parseSize(resourceLimit)
	bundleBytes := parseSize(bundleLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := resourceBytes
			if isBundleEndpoint(req) {
				limit = bundleBytes
			}

			// Reject early on a declared length, and cap the reader for
			// clients that lie or stream chunked.
			if req.ContentLength > limit {
				return tooLarge(c, limit)
			}
			req.Body = &cappedBody{inner: req.Body, remaining: limit}

			err := next(c)
			if err == errBodyTooLarge {
				return tooLarge(c, limit)
			}
			return err
		}
	}
}

func isBundleEndpoint(req *http.Request) bool {
	path := strings.TrimSuffix(req.URL.Path, "/")
	return req.Method == http.MethodPost && path == "/R4"
}

var errBodyTooLarge = echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")

// cappedBody hands out at most remaining bytes, then fails the read.
type cappedBody struct {
	inner     io.ReadCloser
	remaining int64
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, errBodyTooLarge
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.inner.Read(p)
	b.remaining -= int64(n)
	if b.remaining <= 0 && err == nil {
		// Distinguish "exactly at the limit" from overflow with one
		// probe byte.
		var probe [1]byte
		if pn, _ := b.inner.Read(probe[:]); pn > 0 {
			return n, errBodyTooLarge
		}
	}
	return n, err
}

func (b *cappedBody) Close() error { return b.inner.Close() }

func tooLarge(c echo.Context, limit int64) error {
	return c.JSON(http.StatusRequestEntityTooLarge, fhir.NewOperationOutcome(
		"error", "too-costly",
		fmt.Sprintf("request body exceeds the %d byte limit", limit)))
}

// parseSize converts "512K" / "5M" / "1G" / "1048576" to bytes,
// defaulting to 1 MB on anything unparseable.
func parseSize(s string) int64 {
	const fallback = 1 << 20

	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return fallback
	}

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier, s = 1<<30, strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		multiplier, s = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "K"):
		multiplier, s = 1<<10, strings.TrimSuffix(s, "K")
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n * multiplier
}
