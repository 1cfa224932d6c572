package echoapi

import (
	"net/http"

	"github.com/dgrijalva/jwt-go"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/auth"
	"github.com/trezcool/academia/core/role"
	"github.com/trezcool/academia/core/user"
)

const (
	contextTokenKey   = "userToken"
	contextSessionKey = "session"
	contextUserKey    = "user"
	contextRolesKey   = "roles"
)

func newJWTConfig(svc *auth.Service) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    svc.SigningKey(),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(auth.Claims),
	}
}

func getContextToken(ctx echo.Context) (*jwt.Token, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		return token, nil
	}
	return nil, errUnauthorized
}

func getContextClaims(ctx echo.Context) (auth.Claims, error) {
	if token, err := getContextToken(ctx); err == nil {
		if claims, ok := token.Claims.(*auth.Claims); ok {
			return *claims, nil
		}
	}
	return auth.Claims{}, errUnauthorized
}

// sessionMiddleware rejects tokens whose session was signed out, revoked or has expired.
func sessionMiddleware(svc *auth.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			sess, err := svc.Verify(ctx.Request().Context(), claims)
			if err != nil {
				return errors.Wrap(err, "verifying session")
			}
			ctx.Set(contextSessionKey, sess)
			return next(ctx)
		}
	}
}

func getContextUser(ctx echo.Context, svc *user.Service) (user.User, error) {
	if usr, ok := ctx.Get(contextUserKey).(user.User); ok {
		return usr, nil
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return user.User{}, errors.Wrap(err, "getting context claims")
	}
	usr, err := svc.GetByID(ctx.Request().Context(), claims.Subject)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return user.User{}, errUnauthorized
		}
		return user.User{}, errors.Wrap(err, "finding user by ID")
	}
	ctx.Set(contextUserKey, usr)
	return usr, nil
}

// getContextRoles loads the roles of the context user. Roles are not carried by the token.
func getContextRoles(ctx echo.Context, svc *role.Service) ([]role.Role, error) {
	if roles, ok := ctx.Get(contextRolesKey).([]role.Role); ok {
		return roles, nil
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting context claims")
	}
	roles, err := svc.List(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return nil, errors.Wrap(err, "listing context user roles")
	}
	ctx.Set(contextRolesKey, roles)
	return roles, nil
}

type authApi struct {
	auth     *auth.Service
	users    *user.Service
	validate *validator.Validate
	logger   core.Logger
}

func registerAuthAPI(g *echo.Group, jwt echo.MiddlewareFunc, limiter *ipRateLimiter, deps ServerDeps) {
	api := authApi{
		auth:     deps.Auth,
		users:    deps.Users,
		validate: deps.Validate,
		logger:   deps.Logger,
	}

	ag := g.Group("/auth")
	limit := rateLimitMiddleware(limiter, deps.Metrics)

	// un-authed endpoints
	ag.POST("/signup", api.signup, limit)
	ag.POST("/login", api.login, limit)
	ag.POST("/password-reset", api.resetPassword, limit)
	ag.POST("/password-reset-confirm", api.confirmPasswordReset, limit)

	// authed endpoints
	ag.POST("/token-refresh", api.refreshToken, jwt)
	sg := ag.Group("", jwt, sessionMiddleware(api.auth))
	sg.GET("/session", api.session)
	sg.POST("/logout", api.logout)
}

// Handlers

func (api *authApi) signup(ctx echo.Context) error {
	var data user.NewUser
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewUser")
	}

	res, err := api.auth.SignUp(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "signing up")
	}
	return ctx.JSON(http.StatusCreated, SessionResponse{User: res.User, Session: res.Session})
}

func (api *authApi) login(ctx echo.Context) error {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	tok, usr, err := api.auth.SignIn(ctx.Request().Context(), data.Email, data.Password)
	if err != nil {
		return errors.Wrap(err, "signing in")
	}
	return ctx.JSON(http.StatusOK, SessionResponse{User: usr, Session: tok})
}

func (api *authApi) logout(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	if err = api.auth.SignOut(ctx.Request().Context(), claims.Id); err != nil {
		return errors.Wrap(err, "signing out")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// session returns the live session the request token was issued for.
func (api *authApi) session(ctx echo.Context) error {
	token, err := getContextToken(ctx)
	if err != nil {
		return err
	}
	sess, ok := ctx.Get(contextSessionKey).(auth.Session)
	if !ok {
		return errUnauthorized
	}
	usr, err := getContextUser(ctx, api.users)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	return ctx.JSON(http.StatusOK, SessionResponse{
		User: usr,
		Session: auth.SessionToken{
			Token:     token.Raw,
			SessionID: sess.ID,
			UserID:    sess.UserID,
			Email:     sess.Email,
			ExpiresAt: sess.ExpiresAt,
		},
	})
}

func (api *authApi) refreshToken(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	tok, err := api.auth.Refresh(ctx.Request().Context(), claims)
	if err != nil {
		return errors.Wrap(err, "refreshing token")
	}
	usr, err := getContextUser(ctx, api.users)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	return ctx.JSON(http.StatusOK, SessionResponse{User: usr, Session: tok})
}

func (api *authApi) resetPassword(ctx echo.Context) error {
	var data PasswordResetRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to PasswordResetRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	err := api.users.RequestPasswordReset(ctx.Request().Context(), data.Email)
	if !(err == nil || errors.Cause(err) == user.ErrNotFound) {
		// do not return errors to attackers
		api.logger.Error("requesting password reset", errors.Wrap(err, "requesting password reset"))
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{
		Success: "If the email address supplied is associated with an active account on this system, " +
			"an email will arrive in your inbox shortly with instructions to reset your password.",
	})
}

func (api *authApi) confirmPasswordReset(ctx echo.Context) error {
	var data user.ResetUserPassword
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ResetUserPassword")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	usr, err := api.users.ResetPassword(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "resetting password")
	}
	// sign out everywhere
	if err = api.auth.RevokeAll(ctx.Request().Context(), usr.ID); err != nil {
		return errors.Wrap(err, "revoking sessions")
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "Password has been reset with the new password."})
}

type (
	LoginRequest struct {
		Email    string `json:"email" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	PasswordResetRequest struct {
		Email string `json:"email" validate:"required,email"`
	}

	SessionResponse struct {
		User    user.User         `json:"user"`
		Session auth.SessionToken `json:"session"`
	}

	SuccessResponse struct {
		Success string `json:"success"`
	}
)

func (lr *LoginRequest) Validate(validate *validator.Validate) error {
	lr.Email = core.CleanString(lr.Email, true /* lower */)
	return validate.Struct(lr)
}

func (pr *PasswordResetRequest) Validate(validate *validator.Validate) error {
	pr.Email = core.CleanString(pr.Email, true /* lower */)
	return validate.Struct(pr)
}
