package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/clanvaro/unigrc/internal/auth"
	appmiddleware "github.com/clanvaro/unigrc/internal/middleware"
	"github.com/clanvaro/unigrc/internal/oidcclient"
	"github.com/clanvaro/unigrc/internal/session"
)

// RouterOptions controls the construction of the HTTP router.
type RouterOptions struct {
	Service  *auth.Service
	Resolver appmiddleware.IdentityResolver
	// Discovery is nil when SSO is disabled.
	Discovery *oidcclient.Discovery
	Cookies   session.Cookies
	Logger    *slog.Logger

	SessionBackend string
	MetricsHandler http.Handler
	CORSOptions    *cors.Options

	// UserRoutes are mounted behind identity resolution only, for pages a
	// user without a tenant still reaches (onboarding).
	UserRoutes func(chi.Router)
	// TenantRoutes are mounted behind identity resolution and the tenant
	// guard.
	TenantRoutes func(chi.Router)
}

// DefaultCORSOptions returns the shared development CORS policy.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	OIDCEnabled    bool   `json:"oidc_enabled"`
	SessionBackend string `json:"session_backend"`
}

// NewRouter assembles a chi.Router with shared middleware, CORS policy, and
// the auth handlers mounted.
func NewRouter(opts RouterOptions) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	routes := opts.Service.Routes()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appmiddleware.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	corsCfg := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		appmiddleware.WriteJSON(w, http.StatusOK, HealthResponse{
			Status:         "ok",
			OIDCEnabled:    opts.Discovery != nil,
			SessionBackend: opts.SessionBackend,
		})
	})
	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	if opts.Discovery != nil {
		r.Get(routes.Login, HandleSSOLogin(opts.Discovery, logger))
		r.Get("/auth/callback", HandleSSOCallback(opts.Discovery, opts.Service, opts.Cookies, logger))
	} else {
		logger.Info("SSO disabled, skipping login and callback routes")
	}
	r.Post("/auth/login/local", HandleLocalLogin(opts.Service, opts.Cookies, logger))
	r.Post("/auth/logout", HandleLogout(opts.Service, opts.Cookies, logger))
	r.Get("/auth/logout", HandleLogout(opts.Service, opts.Cookies, logger))

	r.Group(func(r chi.Router) {
		r.Use(appmiddleware.NewIdentityMiddleware(opts.Resolver, opts.Cookies, routes.Login, logger))
		r.Get("/api/auth/whoami", HandleWhoAmI(opts.Service))
		r.Post("/api/auth/tenant", HandleSwitchTenant(opts.Service, logger))

		if opts.UserRoutes != nil {
			r.With(appmiddleware.RequireIdentity).Group(opts.UserRoutes)
		}
		if opts.TenantRoutes != nil {
			r.Group(func(r chi.Router) {
				r.Use(appmiddleware.RequireTenant(routes.NoAccess))
				opts.TenantRoutes(r)
			})
		}
	})

	return r
}
