// Package pagination extracts FHIR search paging parameters from
// requests.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	// DefaultLimit is the page size when the client sent no usable _count.
	DefaultLimit = 100
	// MaxLimit caps client-requested page sizes.
	MaxLimit = 1000
)

// Params holds paging parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads _count and _offset from the request. Unparseable or
// out-of-range values fall back to defaults; paging problems never fail
// a search.
func FromContext(c echo.Context) Params {
	limit, err := strconv.Atoi(c.QueryParam("_count"))
	if err != nil || limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, err := strconv.Atoi(c.QueryParam("_offset"))
	if err != nil || offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// HasNext reports whether results remain past the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// NextOffset returns the offset of the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}
