package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/droverhq/drover/pkg/artifact"
	"github.com/droverhq/drover/pkg/auth"
	"github.com/droverhq/drover/pkg/budget"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/controlplane"
	"github.com/droverhq/drover/pkg/engine"
	"github.com/droverhq/drover/pkg/health"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/state"
	"github.com/droverhq/drover/pkg/tenant"
	"github.com/droverhq/drover/pkg/types"
)

// Deps bundles the subsystems the HTTP surface exposes. Every field
// but Auth is required; the server owns none of them and closes none
// of them. A nil Auth serves the API unauthenticated and leaves the
// token endpoints unmounted.
type Deps struct {
	Engine    *engine.Engine
	State     *state.Manager
	Tenants   *tenant.Registry
	Budget    *budget.Controller
	Artifacts *artifact.Store
	Queue     queue.Queue
	Workers   *controlplane.Registry
	Auth      *auth.Keyring
}

// Server is the REST control surface of a drover control plane. It
// exposes run submission and operator actions, tenant administration,
// budget inspection, the queue snapshot, and worker registration for
// remote workers.
//
// Submission and resume endpoints answer 202 and drive the run on a
// background context owned by the server, so a dropped HTTP connection
// never abandons a run. Shutdown cancels that context; in-flight runs
// park themselves paused at the next stage boundary and can be resumed
// after a restart.
type Server struct {
	cfg     config.APIConfig
	deps    Deps
	logger  zerolog.Logger
	router  chi.Router
	httpSrv *http.Server
	limiter *rate.Limiter
	health  *health.Monitor

	driveCtx    context.Context
	driveCancel context.CancelFunc
	drives      sync.WaitGroup
	ready       atomic.Bool
}

// New builds a server around its dependencies. It does not listen
// until Start.
func New(cfg config.APIConfig, deps Deps) (*Server, error) {
	switch {
	case deps.Engine == nil:
		return nil, fmt.Errorf("api server needs an engine")
	case deps.State == nil:
		return nil, fmt.Errorf("api server needs a state manager")
	case deps.Tenants == nil:
		return nil, fmt.Errorf("api server needs a tenant registry")
	case deps.Budget == nil:
		return nil, fmt.Errorf("api server needs a budget controller")
	case deps.Artifacts == nil:
		return nil, fmt.Errorf("api server needs an artifact store")
	case deps.Queue == nil:
		return nil, fmt.Errorf("api server needs a queue")
	case deps.Workers == nil:
		return nil, fmt.Errorf("api server needs a worker registry")
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 100
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = int(cfg.RatePerSecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		deps:        deps,
		logger:      log.WithComponent("api"),
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		health:      health.NewMonitor(health.DefaultConfig()),
		driveCtx:    ctx,
		driveCancel: cancel,
	}
	s.health.Register("queue", func(ctx context.Context) error {
		_, err := deps.Queue.Snapshot(ctx)
		return err
	})
	s.health.Register("store", func(ctx context.Context) error {
		_, err := deps.Tenants.List()
		return err
	})
	s.router = s.routes()
	s.ready.Store(true)
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.throttle)
		r.Use(s.authenticate)

		r.Route("/runs", func(r chi.Router) {
			r.With(s.requireTenant).Post("/", s.handleSubmitRun)
			r.With(s.requireTenant).Get("/", s.handleListRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Use(s.requireRunAccess)
				r.Get("/", s.handleGetRun)
				r.Get("/history", s.handleRunHistory)
				r.Get("/events", s.handleRunEvents)
				r.Post("/pause", s.handlePauseRun)
				r.Post("/decision", s.handleRunDecision)
				r.Post("/input", s.handleRunInput)
				r.Get("/artifacts", s.handleListArtifacts)
				r.Get("/artifacts/*", s.handleReadArtifact)
				r.Get("/manifest", s.handleRunManifest)
				r.Get("/bundle", s.handleRunBundle)
			})
		})

		r.Route("/tenants", func(r chi.Router) {
			r.With(s.requireAdmin).Post("/", s.handleCreateTenant)
			r.With(s.requireAdmin).Get("/", s.handleListTenants)
			r.Route("/{tenantID}", func(r chi.Router) {
				r.With(s.requireTenantSelf).Get("/", s.handleGetTenant)
				r.With(s.requireTenantSelf).Get("/budget", s.handleBudgetStatus)
				r.With(s.requireTenantSelf).Get("/forecast", s.handleBudgetForecast)
				r.With(s.requireAdmin).Post("/suspend", s.handleSuspendTenant)
				r.With(s.requireAdmin).Post("/resume", s.handleResumeTenant)
				r.With(s.requireAdmin).Put("/budget", s.handleUpdateBudget)
				r.With(s.requireAdmin).Put("/learning", s.handleUpdateLearning)
			})
		})

		r.With(s.requireWorker).Get("/queue", s.handleQueueSnapshot)

		r.Route("/workers", func(r chi.Router) {
			r.Use(s.requireWorker)
			r.Get("/", s.handleListWorkers)
			r.Post("/", s.handleRegisterWorker)
			r.Post("/{workerID}/heartbeat", s.handleWorkerHeartbeat)
			r.Delete("/{workerID}", s.handleDeregisterWorker)
		})

		if s.deps.Auth != nil {
			r.Route("/tokens", func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/", s.handleCreateToken)
				r.Get("/", s.handleListTokens)
				r.Delete("/{credentialID}", s.handleRevokeToken)
			})
		}
	})
	return r
}

// Handler returns the assembled router. Tests and embedders mount it
// directly; production callers use Start.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves until Shutdown.
// It blocks the way http.Server.ListenAndServe does and returns
// http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("listen", s.cfg.Listen).Msg("API listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains the server: it stops accepting connections, cancels
// the drive context so in-flight runs park paused, and waits for every
// background drive to settle or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.driveCancel()

	settled := make(chan struct{})
	go func() {
		s.drives.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// drive executes a run in the background on the server's lifetime
// context. Errors land in the run record and the log, not in an HTTP
// response; the caller already received 202.
func (s *Server) drive(runID string) {
	s.drives.Add(1)
	go func() {
		defer s.drives.Done()
		if _, err := s.deps.Engine.Execute(s.driveCtx, runID); err != nil {
			s.logger.Warn().Err(err).Str("run_id", runID).Msg("Background drive ended with error")
		}
	}()
}

func (s *Server) resume(runID string, decision types.OperatorDecision) {
	s.drives.Add(1)
	go func() {
		defer s.drives.Done()
		if _, err := s.deps.Engine.Resume(s.driveCtx, runID, decision); err != nil {
			s.logger.Warn().Err(err).Str("run_id", runID).Msg("Background resume ended with error")
		}
	}()
}

func (s *Server) patch(runID string, patch map[string]any) {
	s.drives.Add(1)
	go func() {
		defer s.drives.Done()
		if _, err := s.deps.Engine.ApplyPatch(s.driveCtx, runID, patch); err != nil {
			s.logger.Warn().Err(err).Str("run_id", runID).Msg("Background patch ended with error")
		}
	}()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyBody is the readiness report: an overall verdict plus one line
// per probed component.
type readyBody struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// handleReadyz reports whether the server should receive traffic. It
// flips unready during shutdown so load balancers drain, and probes
// the queue and the store because every request path depends on them.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, readyBody{Status: "draining"})
		return
	}

	results := s.health.CheckAll(r.Context())
	components := make(map[string]string, len(results))
	for name, res := range results {
		if res.Healthy {
			components[name] = "ok"
		} else {
			components[name] = res.Message
		}
	}
	if !s.health.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, readyBody{Status: "degraded", Components: components})
		return
	}
	writeJSON(w, http.StatusOK, readyBody{Status: "ready", Components: components})
}
