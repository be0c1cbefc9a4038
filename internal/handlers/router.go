package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/freshstl/storefront/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

// routeGroup is one mount point below the API base path.
type routeGroup struct {
	path        string
	registrar   RouteRegistrar
	middlewares []middlewareFunc
}

type routerConfig struct {
	basePath    string
	timeout     time.Duration
	middlewares []middlewareFunc
	health      *HealthHandlers
	groups      map[string]*routeGroup
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix = "/api/v1"
	defaultTimeout   = 60 * time.Second
)

// Mount order matters to chi only for overlapping patterns; none of these overlap.
var groupOrder = []string{"carts", "checkout", "orders", "me", "webhooks", "internal"}

// NewRouter builds the chi router. Groups without a registrar answer 503 so clients can tell an
// unconfigured feature (webhooks without a signing secret, for example) from an unknown route.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		timeout:  defaultTimeout,
		groups:   make(map[string]*routeGroup, len(groupOrder)),
	}
	for _, name := range groupOrder {
		cfg.groups[name] = &routeGroup{path: "/" + name}
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Timeout(cfg.timeout))
	useAll(r, cfg.middlewares)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, name := range groupOrder {
			group := cfg.groups[name]
			api.Route(group.path, func(sub chi.Router) {
				useAll(sub, group.middlewares)
				if group.registrar == nil {
					unavailable(sub, name)
					return
				}
				group.registrar(sub)
			})
		}
	})
	return r
}

func useAll(r chi.Router, mws []middlewareFunc) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func unavailable(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(name+"_unavailable", fmt.Sprintf("%s is not enabled on this deployment", name), http.StatusServiceUnavailable))
	}
	r.HandleFunc("/", handler)
	r.HandleFunc("/*", handler)
}

func withGroup(name string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.groups[name].registrar = reg
	}
}

func withGroupMiddlewares(name string, mw []middlewareFunc) Option {
	return func(cfg *routerConfig) {
		group := cfg.groups[name]
		group.middlewares = append(group.middlewares, mw...)
	}
}

// WithBasePath replaces the /api/v1 prefix.
func WithBasePath(path string) Option {
	return func(cfg *routerConfig) {
		if path != "" {
			cfg.basePath = path
		}
	}
}

// WithRequestTimeout bounds every request. Non-positive values keep the default.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

// WithMiddlewares appends global middleware, run after request id, real IP and timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

func WithCartRoutes(reg RouteRegistrar) Option     { return withGroup("carts", reg) }
func WithCheckoutRoutes(reg RouteRegistrar) Option { return withGroup("checkout", reg) }
func WithOrderRoutes(reg RouteRegistrar) Option    { return withGroup("orders", reg) }
func WithMeRoutes(reg RouteRegistrar) Option       { return withGroup("me", reg) }
func WithWebhookRoutes(reg RouteRegistrar) Option  { return withGroup("webhooks", reg) }
func WithInternalRoutes(reg RouteRegistrar) Option { return withGroup("internal", reg) }

// WithWebhookMiddlewares applies middleware to the /webhooks group only.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares("webhooks", mw)
}

// WithInternalMiddlewares applies middleware to the /internal group only. The OIDC guard goes here.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares("internal", mw)
}
