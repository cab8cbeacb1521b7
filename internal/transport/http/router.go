// Package http assembles the service's HTTP surface: push endpoints,
// operational endpoints and the admin API.
package http

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/ragline/ragline/internal/breaker"
	"github.com/ragline/ragline/internal/dlq"
	"github.com/ragline/ragline/internal/metrics"
	"github.com/ragline/ragline/internal/push"
	"github.com/ragline/ragline/internal/registry"
)

type RouterDeps struct {
	Push     *push.Handlers
	Metrics  *metrics.Metrics
	DLQ      *dlq.Manager
	Registry *registry.Registry
	Breakers *breaker.Registry
	DB       *sql.DB
	Bus      Pinger

	// Handshake rate limit, requests per minute per client IP.
	HandshakeRateLimit int
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Push == nil {
		panic("http.NewRouter: nil push handlers")
	}
	if d.Metrics == nil {
		panic("http.NewRouter: nil metrics")
	}
	if d.HandshakeRateLimit <= 0 {
		d.HandshakeRateLimit = 60
	}

	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(HTTPLogger)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)

	health := &healthHandler{db: d.DB, bus: d.Bus}
	r.Get("/healthz", health.Healthz)
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	// Push handshakes: rate limited per IP; the connections themselves are
	// long-lived so the limit only gates connection churn.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(d.HandshakeRateLimit, time.Minute))

		r.Get("/stream", d.Push.SSE(push.ChannelGeneral))
		r.Get("/stream/orders", d.Push.SSE(push.ChannelOrders))
		r.Get("/stream/notifications", d.Push.SSE(push.ChannelNotifications))

		r.Get("/ws", d.Push.WS(push.ChannelGeneral))
		r.Get("/ws/orders", d.Push.WS(push.ChannelOrders))
	})

	if d.DLQ != nil && d.Registry != nil && d.Breakers != nil {
		admin := NewAdminHandler(d.DLQ, d.Registry, d.Breakers)
		r.Route("/admin/v1", func(r chi.Router) {
			r.Get("/dlq/{topic}", admin.ListDLQ)
			r.Get("/dlq/{topic}/stats", admin.DLQStats)
			r.Post("/dlq/{topic}/reprocess", admin.ReprocessDLQ)
			r.Get("/registry/stats", admin.RegistryStats)
			r.Get("/breakers", admin.BreakerStates)
			r.Post("/breakers/{name}/open", admin.OpenBreaker)
			r.Post("/breakers/{name}/close", admin.CloseBreaker)
		})
	}

	return r
}
