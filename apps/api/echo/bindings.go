package echoapi

import (
	"sort"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/tablesync"
)

const (
	orderingParam    = "ordering"
	limitParam       = "limit"
	accessTokenParam = "access_token"
	tableParam       = "table"
	filterParam      = "filter"
)

var reservedParams = map[string]struct{}{
	orderingParam:    {},
	limitParam:       {},
	accessTokenParam: {},
}

// TableQuery is the bound query string of a table read: "?student_id=eq.42&ordering=-created_at&limit=10".
type TableQuery struct {
	Filter    tablesync.Filter
	Orderings []core.DBOrdering
	Limit     int
}

func (q *TableQuery) Bind(ctx echo.Context) error {
	data := ctx.QueryParams()
	for key, values := range data {
		if _, ok := reservedParams[key]; ok {
			continue
		}
		for _, val := range values {
			pred, err := tablesync.ParsePredicate(key + "=" + val)
			if err != nil {
				return err
			}
			q.Filter = append(q.Filter, pred)
		}
	}
	// query params come from a map
	sortFilter(q.Filter)

	if val := data.Get(orderingParam); val != "" {
		q.Orderings = core.ParseOrderings(val)
		for _, ord := range q.Orderings {
			if !core.IsIdentifier(ord.Field) {
				return &tablesync.ConfigurationError{Field: orderingParam, Reason: strconv.Quote(ord.Field)}
			}
		}
	}
	if val := data.Get(limitParam); val != "" {
		limit, err := strconv.Atoi(val)
		if err != nil || limit < 0 {
			return &tablesync.ConfigurationError{Field: limitParam, Reason: strconv.Quote(val)}
		}
		q.Limit = limit
	}
	return nil
}

func sortFilter(f tablesync.Filter) {
	sort.Slice(f, func(i, j int) bool { return f[i].String() < f[j].String() })
}
