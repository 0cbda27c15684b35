package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"devicelink/internal/cache"
	"devicelink/internal/handler"
	"devicelink/internal/httputil"
	"devicelink/internal/metrics"
	"devicelink/internal/model"
	authmw "devicelink/internal/transport/http/middleware"
)

// RouterConfig holds the dependencies needed to create routes
type RouterConfig struct {
	AuthHandler   *handler.AuthHandler
	DeviceHandler *handler.DeviceHandler
	Resolver      *authmw.AuthResolver
	Limiter       cache.Limiter // nil disables rate limiting
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer // nil hides /metrics
	// TrustProxy takes client addresses from X-Forwarded-For / X-Real-IP.
	TrustProxy    bool
}

// NewRouter creates and configures a new Chi router with all route groups
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(observe(cfg.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	limit := func(scope string) func(http.Handler) http.Handler {
		return authmw.RateLimit(cfg.Limiter, scope, authmw.ClientIP)
	}
	limitBy := func(scope string, key authmw.KeyFunc) func(http.Handler) http.Handler {
		return authmw.RateLimit(cfg.Limiter, scope, key)
	}
	sessionOnly := authmw.RequireSource(model.SourceSession)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// Account routes - no authentication required
	r.Route("/auth", func(r chi.Router) {
		r.With(limit("register_user")).Post("/register", cfg.AuthHandler.Register)
		r.With(limit("login")).Post("/login", cfg.AuthHandler.Login)
		r.Post("/logout", cfg.AuthHandler.Logout)
	})

	r.Route("/devices", func(r chi.Router) {
		// Device side: the device holds no session
		r.With(limit("register")).Post("/register", cfg.DeviceHandler.Register)
		r.With(limitBy("exchange", authmw.JSONField("deviceId"))).Post("/exchange", cfg.DeviceHandler.Exchange)
		r.Post("/refresh", cfg.DeviceHandler.Refresh)
		r.Post("/revoke", cfg.DeviceHandler.Revoke)

		// User side: a signed-in browser session
		r.Group(func(r chi.Router) {
			r.Use(cfg.Resolver.Require, sessionOnly)
			r.With(limitBy("link", authmw.UserOrIP)).Post("/link", cfg.DeviceHandler.Link)
			r.Get("/", cfg.DeviceHandler.List)
			r.Delete("/{deviceId}", cfg.DeviceHandler.Delete)
		})
	})

	// Either credential
	r.With(cfg.Resolver.Require).Get("/me", cfg.AuthHandler.Me)

	return r
}
