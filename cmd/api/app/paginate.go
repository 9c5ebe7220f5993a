package app

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// Page is a parsed page/limit query.
type Page struct {
	Page  int
	Limit int
}

// Offset is the number of rows to skip.
func (p Page) Offset() int { return (p.Page - 1) * p.Limit }

// Paginate reads page and limit from the query string. limit is clamped to max.
func Paginate(c *gin.Context, def, max int) Page {
	p := Page{Page: 1, Limit: def}
	if v, err := strconv.Atoi(c.Query("page")); err == nil && v > 0 {
		p.Page = v
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		p.Limit = v
	}
	if p.Limit > max {
		p.Limit = max
	}
	return p
}

// Pagination describes a page of results.
type Pagination struct {
	Current int `json:"current"`
	Pages   int `json:"pages"`
	Total   int `json:"total"`
	Limit   int `json:"limit"`
}

// Pagination computes page counts for total rows.
func (p Page) Pagination(total int) Pagination {
	pages := 0
	if p.Limit > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Pagination{Current: p.Page, Pages: pages, Total: total, Limit: p.Limit}
}
