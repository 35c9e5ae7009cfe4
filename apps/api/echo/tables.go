package echoapi

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/campus/core/identity"
	"github.com/trezcool/campus/core/portal"
	"github.com/trezcool/campus/core/tablesync"
	"github.com/trezcool/campus/storage/database/tables"
)

type tablesApi struct {
	store *tables.Store
}

func registerTablesAPI(g *echo.Group, jwt echo.MiddlewareFunc, _ jwtAuth, store *tables.Store) {
	api := tablesApi{store: store}

	tg := g.Group("/tables/:table", jwt, tablePolicyMiddleware)
	tg.GET("", api.query)
	tg.POST("", api.insert)
	tg.PATCH("/:id", api.update)
	tg.DELETE("/:id", api.destroy)
}

const contextPolicyKey = "policy"

// tablePolicyMiddleware rejects unknown tables and stores the policy of the others in the context.
func tablePolicyMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		tp, err := portal.Lookup(ctx.Param("table"))
		if err != nil {
			return errHttpNotFound
		}
		ctx.Set(contextPolicyKey, tp)
		return next(ctx)
	}
}

func contextPolicy(ctx echo.Context) (portal.TablePolicy, identity.Principal, error) {
	tp, ok := ctx.Get(contextPolicyKey).(portal.TablePolicy)
	if !ok {
		return portal.TablePolicy{}, identity.Principal{}, errHttpNotFound
	}
	p, err := getContextPrincipal(ctx)
	if err != nil {
		return portal.TablePolicy{}, identity.Principal{}, err
	}
	return tp, p, nil
}

// Handlers

func (api *tablesApi) query(ctx echo.Context) error {
	tp, p, err := contextPolicy(ctx)
	if err != nil {
		return err
	}

	q := new(TableQuery)
	if err = q.Bind(ctx); err != nil {
		return err
	}
	filter, err := tp.Constrain(p, q.Filter)
	if err != nil {
		return err
	}
	orderings := q.Orderings
	if len(orderings) == 0 {
		orderings = tp.Ordering
	}

	rows, err := api.store.Query(ctx.Request().Context(), tablesync.Query{
		Table:    tp.Table,
		Filter:   filter,
		Ordering: orderings,
		Limit:    q.Limit,
	})
	if err != nil {
		return errors.Wrapf(err, "querying %s", tp.Table)
	}
	return ctx.JSON(http.StatusOK, rows)
}

// bindRow decodes the JSON body. echo's binder would also copy the path params into the row.
func (api *tablesApi) bindRow(ctx echo.Context) (tablesync.Row, error) {
	row := make(tablesync.Row)
	if err := json.NewDecoder(ctx.Request().Body).Decode(&row); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid JSON row").SetInternal(err)
	}
	return row, nil
}

func (api *tablesApi) insert(ctx echo.Context) error {
	tp, p, err := contextPolicy(ctx)
	if err != nil {
		return err
	}
	row, err := api.bindRow(ctx)
	if err != nil {
		return err
	}
	if err = tp.CanWrite(p, tablesync.OpInsert, row, nil); err != nil {
		return err
	}

	row, err = api.store.Write(ctx.Request().Context(), tp.Table, tablesync.OpInsert, row)
	if err != nil {
		return errors.Wrapf(err, "inserting into %s", tp.Table)
	}
	return ctx.JSON(http.StatusCreated, row)
}

// existing returns the row of the :id param. Rows p cannot read are not found.
func (api *tablesApi) existing(ctx echo.Context, tp portal.TablePolicy, p identity.Principal) (tablesync.Row, error) {
	row, err := api.store.Get(ctx.Request().Context(), tp.Table, ctx.Param("id"))
	if err != nil {
		if errors.Cause(err) == tablesync.ErrRowNotFound {
			return nil, errHttpNotFound
		}
		return nil, errors.Wrapf(err, "getting %s row", tp.Table)
	}
	if !tp.ReadsAll(p) {
		if owner, _ := row[tp.OwnerColumn].(string); owner != p.ID {
			return nil, errHttpNotFound
		}
	}
	return row, nil
}

func (api *tablesApi) update(ctx echo.Context) error {
	tp, p, err := contextPolicy(ctx)
	if err != nil {
		return err
	}
	payload, err := api.bindRow(ctx)
	if err != nil {
		return err
	}
	existing, err := api.existing(ctx, tp, p)
	if err != nil {
		return err
	}
	payload[tablesync.IDColumn] = existing.ID()
	if err = tp.CanWrite(p, tablesync.OpUpdate, payload, existing); err != nil {
		return err
	}

	row, err := api.store.Write(ctx.Request().Context(), tp.Table, tablesync.OpUpdate, payload)
	if err != nil {
		return errors.Wrapf(err, "updating %s", tp.Table)
	}
	return ctx.JSON(http.StatusOK, row)
}

func (api *tablesApi) destroy(ctx echo.Context) error {
	tp, p, err := contextPolicy(ctx)
	if err != nil {
		return err
	}
	existing, err := api.existing(ctx, tp, p)
	if err != nil {
		return err
	}
	if err = tp.CanWrite(p, tablesync.OpDelete, nil, existing); err != nil {
		return err
	}

	row, err := api.store.Write(ctx.Request().Context(), tp.Table, tablesync.OpDelete, tablesync.Row{tablesync.IDColumn: existing.ID()})
	if err != nil {
		return errors.Wrapf(err, "deleting from %s", tp.Table)
	}
	return ctx.JSON(http.StatusOK, row)
}
