package handler

import (
	"fmt"
	"net/http"
	"time"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/authz"
	"marketplace-auth/internal/metrics"
	"marketplace-auth/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterConfig carries the server settings the router needs
type RouterConfig struct {
	RequireTLS     bool
	CORSOrigins    []string
	RequestTimeout time.Duration
	// TrustedProxies are IPs or CIDRs allowed to set X-Forwarded-* headers
	TrustedProxies []string
}

// Handlers groups the route handlers mounted under /api/v1
type Handlers struct {
	Auth        *AuthHandler
	Users       *UserHandler
	Artisans    *ArtisanHandler
	Diagnostics *DiagnosticsHandler
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(proxies trustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !proxies.overTLS(r) {
				respondWithError(w, &apperr.Error{
					Kind:       apperr.KindValidation,
					Code:       "HTTPS_REQUIRED",
					Message:    "https required",
					HTTPStatus: http.StatusUpgradeRequired,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRouter creates and configures the Chi router with all middleware and routes.
// It refuses to build a router whose policies the pipeline would reject.
func NewRouter(cfg RouterConfig, h Handlers, pipeline *authz.Pipeline, m *metrics.Metrics, logger *zap.Logger) (chi.Router, error) {
	if pipeline != nil {
		for _, pol := range allPolicies() {
			if err := pipeline.Validate(pol); err != nil {
				return nil, fmt.Errorf("policy %s:%s: %w", pol.Action, pol.Resource, err)
			}
		}
	}
	proxies, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	router := chi.NewRouter()

	if cfg.RequireTLS {
		router.Use(requireHTTPS(proxies))
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(proxies.realIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.RequestTimeout))
	router.Use(m.Middleware)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"https://*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Dev-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": "marketplace-auth",
		})
	})
	if m != nil {
		router.Handle("/metrics", m.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		if h.Auth != nil {
			h.Auth.RegisterRoutes(r)
		}
		if h.Users != nil {
			h.Users.RegisterRoutes(r, pipeline)
		}
		if h.Artisans != nil {
			h.Artisans.RegisterRoutes(r, pipeline)
		}
		if h.Diagnostics != nil {
			h.Diagnostics.RegisterRoutes(r, pipeline)
		}
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, apperr.ErrNotFound.WithDetail("endpoint not found"))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, &apperr.Error{
			Kind:       apperr.KindValidation,
			Code:       "METHOD_NOT_ALLOWED",
			Message:    "method not allowed",
			HTTPStatus: http.StatusMethodNotAllowed,
		})
	})

	return router, nil
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
