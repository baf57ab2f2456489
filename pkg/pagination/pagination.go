// Package pagination reads limit/offset query parameters and shapes list
// responses for the operations API.
package pagination

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// Parse reads limit and offset from the query string. Missing or
// non-positive limits fall back to DefaultLimit and larger ones are clamped
// to MaxLimit. A value that is not an integer is a 400.
func Parse(c echo.Context) (Params, error) {
	limit, err := intParam(c, "limit")
	if err != nil {
		return Params{}, err
	}
	offset, err := intParam(c, "offset")
	if err != nil {
		return Params{}, err
	}
	return Params{Limit: min(max(limit, 0), MaxLimit), Offset: max(offset, 0)}.withDefaults(), nil
}

func (p Params) withDefaults() Params {
	if p.Limit == 0 {
		p.Limit = DefaultLimit
	}
	return p
}

func intParam(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s must be an integer", name))
	}
	return n, nil
}

// Page is one slice of a list result. Data is never null in JSON.
type Page[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

func NewPage[T any](data []T, total int, p Params) Page[T] {
	if data == nil {
		data = []T{}
	}
	return Page[T]{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.Offset+len(data) < total,
	}
}
