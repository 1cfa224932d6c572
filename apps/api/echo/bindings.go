package echoapi

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/academia/core"
)

const orderingParam = "ordering"

// Ordering binds `?ordering=name,-created_at`: a leading "-" sorts descending.
// Unknown fields are dropped later on by the services.
type Ordering struct {
	Orderings []core.DBOrdering
}

func (ord *Ordering) Bind(ctx echo.Context) {
	for _, field := range strings.Split(ctx.QueryParam(orderingParam), ",") {
		field = strings.TrimSpace(field)
		descending := strings.HasPrefix(field, "-")
		field = strings.TrimPrefix(field, "-")
		if field == "" {
			continue
		}
		ord.Orderings = append(ord.Orderings, core.DBOrdering{Field: field, Ascending: !descending})
	}
}
