// Package server exposes the stablecoin engine over an authenticated JSON
// HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stablecoin/crypto"
	nativecommon "stablecoin/native/common"
	"stablecoin/native/stablecoin"
	"stablecoin/services/stabled/custody"
	"stablecoin/services/stabled/oracle"
	"stablecoin/services/stabled/storage"
)

const (
	serviceName     = "stabled"
	maxBodyBytes    = 1 << 16
	defaultPageSize = 100
	maxPageSize     = 1000
)

// AuditLog is the subset of the audit store the API reads from.
type AuditLog interface {
	IdempotencyStore
	Events(ctx context.Context, after uint64, limit int) ([]storage.EventRecord, error)
	Verify(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Config captures the dependencies of the API server.
type Config struct {
	Engine *stablecoin.Engine
	Bank   *custody.Bank
	Oracle *oracle.Registry
	Audit  AuditLog
	Pauses *nativecommon.Pauses

	Auth      AuthConfig
	RateLimit RateLimit
	// Operators may push prices, fund collateral, toggle pauses and
	// initialise the protocol config.
	Operators []crypto.Address
	// Defaults seed InitializeConfig before request overrides apply.
	Defaults []stablecoin.ConfigOption

	Logger *slog.Logger
}

// Server serves the stabled HTTP API.
type Server struct {
	engine    *stablecoin.Engine
	bank      *custody.Bank
	oracle    *oracle.Registry
	audit     AuditLog
	pauses    *nativecommon.Pauses
	auth      *Authenticator
	limiter   *RateLimiter
	operators []crypto.Address
	defaults  []stablecoin.ConfigOption
	logger    *slog.Logger

	router http.Handler
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Bank == nil || cfg.Oracle == nil {
		return nil, errors.New("server: engine, bank and oracle are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Pauses == nil {
		cfg.Pauses = nativecommon.NewPauses()
	}
	logger := cfg.Logger.With("component", "api")
	s := &Server{
		engine:    cfg.Engine,
		bank:      cfg.Bank,
		oracle:    cfg.Oracle,
		audit:     cfg.Audit,
		pauses:    cfg.Pauses,
		auth:      NewAuthenticator(cfg.Auth, logger),
		limiter:   NewRateLimiter(cfg.RateLimit),
		operators: append([]crypto.Address(nil), cfg.Operators...),
		defaults:  append([]stablecoin.ConfigOption(nil), cfg.Defaults...),
		logger:    logger,
	}
	if len(s.auth.secret) == 0 {
		logger.Warn("auth secret not configured, authenticated routes will reject every request")
	}
	s.router = otelhttp.NewHandler(s.buildRouter(), serviceName)
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe(s.logger))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(public chi.Router) {
			public.Use(s.limiter.Middleware)
			public.Get("/config", s.getConfig)
			public.Get("/positions/{owner}", s.getPosition)
			public.Get("/balances/{address}", s.getBalances)
			public.Get("/supply", s.getSupply)
			public.Get("/oracle/*", s.getFeed)
		})

		api.Group(func(protected chi.Router) {
			protected.Use(s.auth.Middleware)
			protected.Use(s.limiter.Middleware)
			protected.Use(withIdempotency(s.audit, s.logger))

			protected.Put("/config", s.updateConfig)
			protected.Post("/positions/deposit", s.depositAndMint)
			protected.Post("/positions/redeem", s.redeemAndBurn)
			protected.Post("/positions/{owner}/liquidate", s.liquidate)

			protected.Group(func(ops chi.Router) {
				ops.Use(requireOperator(s.operators))
				ops.Post("/config/init", s.initializeConfig)
				ops.Post("/oracle/*", s.publishPrice)
				ops.Post("/custody/fund", s.fundCollateral)
				ops.Put("/admin/pauses/{module}", s.setPause)
				ops.Get("/audit/events", s.auditEvents)
				ops.Get("/audit/verify", s.auditVerify)
			})
		})
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.audit != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.audit.Ping(ctx); err != nil {
			s.logger.Warn("audit store unhealthy", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	addr, ok := IdentityFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", errMissingToken)
	}
	return addr, ok
}

func addressParam(r *http.Request, name string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, name))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %s: %v", errInvalidPayload, name, err)
	}
	return addr, nil
}
