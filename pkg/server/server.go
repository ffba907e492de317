// Package server exposes the daget HTTP API: pool management, claim
// creation with idempotency, release/retry, and the operational endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/daget/pkg/daget"
	"github.com/malbeclabs/daget/pkg/eligibility"
	"github.com/malbeclabs/daget/pkg/metrics"
	"github.com/malbeclabs/daget/pkg/settle"
	"github.com/malbeclabs/daget/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	DefaultAddr          = ":8080"
	DefaultClaimBurst    = 3
	DefaultRetryCooldown = 5 * time.Minute

	shutdownTimeout = 10 * time.Second
)

// DefaultClaimRate allows 10 claim-flow requests per minute per caller.
var DefaultClaimRate = rate.Every(time.Minute / 10)

// Store is the slice of the persistence layer the API consumes.
type Store interface {
	CreatePool(ctx context.Context, req daget.CreatePool) (*daget.Pool, error)
	GetPool(ctx context.Context, id uuid.UUID) (*daget.Pool, error)
	ListPoolsByCreator(ctx context.Context, creator string, limit, offset int) ([]daget.Pool, int, error)
	StopPool(ctx context.Context, id uuid.UUID, creator string) (*daget.Pool, error)
	ReserveSlot(ctx context.Context, poolID uuid.UUID, claimant, wallet string, rng *rand.Rand) (*daget.Claim, error)
	GetClaim(ctx context.Context, id uuid.UUID) (*daget.Claim, error)
	ListClaims(ctx context.Context, poolID uuid.UUID, limit, offset int) ([]daget.Claim, int, error)
	Release(ctx context.Context, claimID uuid.UUID, actor string) (*daget.Claim, error)
	Retry(ctx context.Context, claimID uuid.UUID, actor string, cooldown time.Duration) (*daget.Claim, error)
	CheckIdempotency(ctx context.Context, key, caller, endpoint string, body []byte) (*store.IdempotencyCheck, error)
	StoreIdempotency(ctx context.Context, key, caller, endpoint string, body []byte, responseStatus int, responseBody []byte) error
}

// SettlementStatus reports the settlement worker's health snapshot.
type SettlementStatus interface {
	Status() settle.Status
}

// Pinger checks database liveness for readiness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  Store
	Oracle eligibility.Oracle
	Auth   Authenticator
	// Worker and Pinger feed /readyz; both optional.
	Worker SettlementStatus
	Pinger Pinger

	Addr           string
	Version        string
	AllowedOrigins []string
	ClaimRate      rate.Limit
	ClaimBurst     int
	RetryCooldown  time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Oracle == nil {
		return errors.New("eligibility oracle is required")
	}
	if cfg.Auth == nil {
		return errors.New("authenticator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.ClaimRate == 0 {
		cfg.ClaimRate = DefaultClaimRate
	}
	if cfg.ClaimBurst <= 0 {
		cfg.ClaimBurst = DefaultClaimBurst
	}
	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = DefaultRetryCooldown
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	limiter *RateLimiter
	srv     *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		router:  chi.NewRouter(),
		limiter: NewRateLimiter(cfg.ClaimRate, cfg.ClaimBurst),
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// Router returns the HTTP handler, exposed for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)
	if len(s.cfg.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/dagets", s.handleCreatePool)
		r.Get("/dagets", s.handleListPools)
		r.Get("/dagets/{id}", s.handleGetPool)
		r.Get("/dagets/{id}/claims", s.handleListClaims)
		r.Post("/dagets/{id}/stop", s.handleStopPool)
		r.Post("/dagets/{id}/claims", s.handleCreateClaim)
		r.Post("/claims/{id}/release", s.handleReleaseClaim)
		r.Post("/claims/{id}/retry", s.handleRetryClaim)
	})
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "addr", s.cfg.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz fails when the database is unreachable or the settlement
// worker has stopped ticking.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	status := http.StatusOK

	if s.cfg.Pinger != nil {
		if err := s.cfg.Pinger.Ping(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	if s.cfg.Worker != nil {
		ws := s.cfg.Worker.Status()
		resp["worker"] = ws
		if ws.LastTickAt > 0 {
			age := s.cfg.Clock.Now().Unix() - ws.LastTickAt
			if age > int64((5 * time.Minute).Seconds()) {
				resp["status"] = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}
