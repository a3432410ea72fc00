package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 500
)

// Params holds offset-based pagination expressed as a 1-based page number and
// a page size.
type Params struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// New returns normalized params.
func New(page, pageSize int) Params {
	return Params{Page: page, PageSize: pageSize}.Normalize()
}

// Normalize applies defaults and bounds.
func (p Params) Normalize() Params {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// FromContext extracts pagination parameters from the echo context. Both
// page_size and pageSize are accepted.
func FromContext(c echo.Context) Params {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	size, _ := strconv.Atoi(c.QueryParam("page_size"))
	if size <= 0 {
		size, _ = strconv.Atoi(c.QueryParam("pageSize"))
	}
	return New(page, size)
}

// Offset is the number of items skipped before this page.
func (p Params) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Bounds returns the [start, end) slice bounds of this page within total items.
func (p Params) Bounds(total int) (int, int) {
	start := p.Offset()
	if start > total {
		start = total
	}
	end := start + p.PageSize
	if end > total {
		end = total
	}
	return start, end
}

// TotalPages returns ceil(total / pageSize).
func (p Params) TotalPages(total int) int {
	if total <= 0 || p.PageSize <= 0 {
		return 0
	}
	return (total + p.PageSize - 1) / p.PageSize
}

// Info describes the page that was returned.
type Info struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// InfoFor builds the page description for total matching items.
func (p Params) InfoFor(total int) Info {
	return Info{Page: p.Page, PageSize: p.PageSize, Total: total, TotalPages: p.TotalPages(total)}
}
