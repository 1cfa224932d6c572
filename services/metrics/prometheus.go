package metricsvc

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trezcool/academia/core/auth"
)

const namespace = "academia"

// Collector records the auth, role and HTTP metrics.
type Collector struct {
	authEvents   *prometheus.CounterVec
	roleChanges  *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ auth.Metrics = (*Collector)(nil)

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_events_total",
			Help:      "Sign-ups, sign-ins, sign-outs and token refreshes by outcome.",
		}, []string{"event", "outcome"}),
		roleChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_changes_total",
			Help:      "Role assignments granted or revoked.",
		}, []string{"action", "role"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		c.authEvents,
		c.roleChanges,
		c.rateLimited,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

func (c *Collector) RecordSignUp(outcome string) {
	c.authEvents.WithLabelValues("signup", outcome).Inc()
}

func (c *Collector) RecordSignIn(outcome string) {
	c.authEvents.WithLabelValues("signin", outcome).Inc()
}

func (c *Collector) RecordSignOut() {
	c.authEvents.WithLabelValues("signout", auth.OutcomeSuccess).Inc()
}

func (c *Collector) RecordTokenRefresh(outcome string) {
	c.authEvents.WithLabelValues("token_refresh", outcome).Inc()
}

// RecordRoleChange records a granted ("grant") or revoked ("revoke") role.
func (c *Collector) RecordRoleChange(action, role string) {
	c.roleChanges.WithLabelValues(action, role).Inc()
}

func (c *Collector) RecordRateLimited(route string) {
	c.rateLimited.WithLabelValues(route).Inc()
}

func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the metrics gathered by `gatherer`.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
