// Package httpserver assembles the HTTP surface for whichever role this
// process runs. Common plumbing (health, DID document, A2A inbox, metrics)
// is mounted for every role; the role's own routes are mounted on top.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ap2fed/server/internal/a2a"
	"github.com/ap2fed/server/internal/config"
	"github.com/ap2fed/server/internal/credprovider"
	"github.com/ap2fed/server/internal/did"
	"github.com/ap2fed/server/internal/logger"
	"github.com/ap2fed/server/internal/merchant"
	"github.com/ap2fed/server/internal/metrics"
	"github.com/ap2fed/server/internal/paymentnetwork"
	"github.com/ap2fed/server/internal/ratelimit"
	"github.com/ap2fed/server/internal/shopping"
)

var serverStartTime = time.Now()

// Options carries everything the router needs. Role services are optional;
// only the one matching cfg.Role is mounted.
type Options struct {
	Cfg      *config.Config
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Document *did.Document

	// Receiver handles inbound A2A envelopes. Nil for roles that only
	// speak client-side A2A.
	Receiver *a2a.Receiver

	Shopping       *shopping.Agent
	CredProvider   *credprovider.Service
	Merchant       *merchant.Merchant
	PaymentNetwork *paymentnetwork.Service
}

// Server wraps the configured http.Server.
type Server struct {
	httpServer *http.Server
}

// New builds the HTTP server for the configured role.
func New(opts Options) *Server {
	router := chi.NewRouter()
	ConfigureRouter(router, opts)

	return &Server{
		httpServer: &http.Server{
			Addr:         opts.Cfg.Server.Address,
			ReadTimeout:  opts.Cfg.Server.ReadTimeout.Duration,
			WriteTimeout: opts.Cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  opts.Cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}
}

// ConfigureRouter attaches middleware and routes to an existing router.
func ConfigureRouter(router chi.Router, opts Options) {
	cfg := opts.Cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeaders)
	router.Use(logger.Middleware(opts.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(metricsMiddleware(opts.Metrics))

	if cfg.RateLimit.Enabled {
		router.Use(ratelimit.PerIP(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Metrics:           opts.Metrics,
		}))
	}

	h := handlers{opts: opts}

	// Lightweight endpoints with a short timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", h.health)
		r.Get("/.well-known/did.json", h.didDocument)
		r.With(adminAuth(cfg.Server.AdminMetricsAPIKey)).Handle("/metrics", promhttp.Handler())
	})

	// Protocol endpoints. Mandate verification and peer relays can take a
	// while, so these get the long timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		if opts.Receiver != nil {
			r.Post("/a2a/message", opts.Receiver.ServeHTTP)
		}

		switch cfg.Role {
		case config.RoleShoppingAgent:
			if opts.Shopping != nil {
				opts.Shopping.Routes(r)
			}
		case config.RoleCredentialsProvider:
			if opts.CredProvider != nil {
				opts.CredProvider.Routes(r)
			}
		case config.RoleMerchant:
			if opts.Merchant != nil {
				opts.Merchant.Routes(r)
			}
		case config.RolePaymentNetwork:
			if opts.PaymentNetwork != nil {
				opts.PaymentNetwork.Routes(r)
			}
		}
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
