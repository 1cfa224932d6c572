package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/role"
	"github.com/trezcool/academia/core/user"
	metricsvc "github.com/trezcool/academia/services/metrics"
)

var errUsrNotFoundInCtx = errors.New("user object not found in echo.Context")

type roleApi struct {
	roles    *role.Service
	users    *user.Service
	metrics  *metricsvc.Collector
	validate *validator.Validate
}

func registerRoleAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := roleApi{
		roles:    deps.Roles,
		users:    deps.Users,
		metrics:  deps.Metrics,
		validate: deps.Validate,
	}

	g.GET("/roles", api.choices)

	rg := g.Group("/users/:id/roles",
		jwt, sessionMiddleware(deps.Auth), ctxUserOrAdminMiddleware(api.users, api.roles))
	rg.GET("", api.list)
	rg.POST("", api.add)
	rg.DELETE("/:role", api.remove, adminMiddleware(api.roles))
}

// Handlers

func (api *roleApi) choices(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, role.Choices)
}

func (api *roleApi) list(ctx echo.Context) error {
	usr, ok := ctx.Get(contextObjectKey).(user.User)
	if !ok {
		return errors.Wrap(errUsrNotFoundInCtx, "retrieving object from context")
	}
	return api.respond(ctx, http.StatusOK, usr.ID)
}

// add lets a user pick their initial role; admins grant any role up to their own.
func (api *roleApi) add(ctx echo.Context) error {
	usr, ok := ctx.Get(contextObjectKey).(user.User)
	if !ok {
		return errors.Wrap(errUsrNotFoundInCtx, "retrieving object from context")
	}

	var data AddRoleRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to AddRoleRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}
	r, err := role.Parse(data.Role)
	if err != nil {
		return core.NewFieldValidationError("role", role.ErrInvalid)
	}

	ctxRoles, err := getContextRoles(ctx, api.roles)
	if err != nil {
		return errors.Wrap(err, "getting context roles")
	}
	ctxUsr, err := getContextUser(ctx, api.users)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	if role.Contains(ctxRoles, role.Admin) {
		err = api.roles.Grant(ctx.Request().Context(), role.Granter{UserID: ctxUsr.ID, Roles: ctxRoles}, usr.ID, r)
	} else {
		err = api.roles.GrantInitial(ctx.Request().Context(), usr.ID, r)
	}
	if err != nil {
		return errors.Wrap(err, "granting role")
	}
	api.metrics.RecordRoleChange("grant", r.String())

	return api.respond(ctx, http.StatusCreated, usr.ID)
}

func (api *roleApi) remove(ctx echo.Context) error {
	usr, ok := ctx.Get(contextObjectKey).(user.User)
	if !ok {
		return errors.Wrap(errUsrNotFoundInCtx, "retrieving object from context")
	}
	r, err := role.Parse(ctx.Param("role"))
	if err != nil {
		return errHttpNotFound
	}

	ctxRoles, err := getContextRoles(ctx, api.roles)
	if err != nil {
		return errors.Wrap(err, "getting context roles")
	}
	ctxUsr, err := getContextUser(ctx, api.users)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	granter := role.Granter{UserID: ctxUsr.ID, Roles: ctxRoles}
	if err = api.roles.Revoke(ctx.Request().Context(), granter, usr.ID, r); err != nil {
		return errors.Wrap(err, "revoking role")
	}
	api.metrics.RecordRoleChange("revoke", r.String())

	return ctx.NoContent(http.StatusNoContent)
}

func (api *roleApi) respond(ctx echo.Context, code int, userID string) error {
	roles, err := api.roles.List(ctx.Request().Context(), userID)
	if err != nil {
		return errors.Wrap(err, "listing roles")
	}
	return ctx.JSON(code, RolesResponse{Roles: roles})
}

type (
	AddRoleRequest struct {
		Role string `json:"role" validate:"required"`
	}

	RolesResponse struct {
		Roles []role.Role `json:"roles"`
	}
)
