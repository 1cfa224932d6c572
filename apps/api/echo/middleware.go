package echoapi

import (
	"math"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/trezcool/academia/core/role"
	"github.com/trezcool/academia/core/user"
	metricsvc "github.com/trezcool/academia/services/metrics"
)

const contextObjectKey = "object"

func adminMiddleware(svc *role.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			roles, err := getContextRoles(ctx, svc)
			if err != nil {
				return errors.Wrap(err, "getting context roles")
			}
			if role.Contains(roles, role.Admin) {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

// ctxUserOrAdminMiddleware loads the `:id` user into the context, as long as it is the context user
// or the context user is an admin. Anyone else gets a 404.
func ctxUserOrAdminMiddleware(users *user.Service, roles *role.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			ctxUsr, err := getContextUser(ctx, users)
			if err != nil {
				return errors.Wrap(err, "getting context user")
			}

			if id := ctx.Param("id"); id != ctxUsr.ID {
				ctxRoles, err := getContextRoles(ctx, roles)
				if err != nil {
					return errors.Wrap(err, "getting context roles")
				}
				if !role.Contains(ctxRoles, role.Admin) {
					return errHttpNotFound
				}
			}

			usr, err := users.GetByID(ctx.Request().Context(), ctx.Param("id"))
			if err != nil {
				if errors.Cause(err) == user.ErrNotFound {
					return errHttpNotFound
				}
				return errors.Wrap(err, "finding user by ID")
			}
			ctx.Set(contextObjectKey, usr)
			return next(ctx)
		}
	}
}

// ipRateLimiter hands out one token bucket per client IP.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPRateLimiter(perSecond float64, burst int) *ipRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *ipRateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	return lim
}

// rateLimitMiddleware answers 429 with a Retry-After header once the client IP runs out of tokens.
func rateLimitMiddleware(limiter *ipRateLimiter, metrics *metricsvc.Collector) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			rsv := limiter.get(ctx.RealIP()).Reserve()
			if delay := rsv.Delay(); delay > 0 {
				rsv.Cancel()
				metrics.RecordRateLimited(ctx.Path())
				ctx.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				return errTooManyRequests
			}
			return next(ctx)
		}
	}
}
