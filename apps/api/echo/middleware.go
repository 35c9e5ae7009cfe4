package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/campus/core/identity"
)

// roleMiddleware lets through the principals having one of roles.
func roleMiddleware(roles ...identity.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			p, err := getContextPrincipal(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context principal")
			}
			if identity.RoleIn(p.Role, roles) {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}
