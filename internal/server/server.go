// Package server provides the HTTP server for the power-state sync control plane.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/openhvx/openhvx/internal/config"
	"github.com/openhvx/openhvx/internal/domain"
	"github.com/openhvx/openhvx/internal/repository/etcd"
	"github.com/openhvx/openhvx/internal/repository/memory"
	"github.com/openhvx/openhvx/internal/repository/postgres"
	redisrepo "github.com/openhvx/openhvx/internal/repository/redis"
	hostservice "github.com/openhvx/openhvx/internal/services/host"
	"github.com/openhvx/openhvx/internal/services/powersync"
)

// InstanceStore is the storage surface the HTTP handlers need on top of the
// reconciler's own interface.
type InstanceStore interface {
	powersync.InstanceRepository
	Create(ctx context.Context, vm *domain.VMInstance) (*domain.VMInstance, error)
	Get(ctx context.Context, id string) (*domain.VMInstance, error)
	Delete(ctx context.Context, id string) error
}

// Server represents the main HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	// Infrastructure
	db       *postgres.DB
	bus      *redisrepo.Bus
	registry *etcd.Registry

	// Repository interfaces (abstracted for swappable backends)
	instanceRepo InstanceStore
	hostRepo     hostservice.Repository

	// Services
	reconciler  *powersync.Reconciler
	hostService *hostservice.Service

	// Leader election (single instance runs the liveness watcher)
	leader *etcd.Leader
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithPostgreSQL enables PostgreSQL as the data store.
func WithPostgreSQL(db *postgres.DB) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis enables the Redis event bus.
func WithRedis(bus *redisrepo.Bus) ServerOption {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithEtcd enables the etcd host liveness registry.
func WithEtcd(registry *etcd.Registry) ServerOption {
	return func(s *Server) {
		s.registry = registry
	}
}

// New creates a new server instance.
func New(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) *Server {
	mux := http.NewServeMux()

	s := &Server{
		config: cfg,
		logger: logger,
		mux:    mux,
	}

	// Apply options
	for _, opt := range opts {
		opt(s)
	}

	// Initialize repositories
	s.initRepositories()

	// Initialize services
	s.initServices()

	// Register routes
	s.registerRoutes()

	// Create HTTP server
	handler := s.setupMiddleware(mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// initRepositories initializes data repositories.
func (s *Server) initRepositories() {
	if s.db != nil {
		s.logger.Info("Initializing PostgreSQL repositories")
		s.instanceRepo = postgres.NewInstanceRepository(s.db, s.logger)
		s.hostRepo = postgres.NewHostRepository(s.db, s.logger)
	} else {
		s.logger.Info("Initializing in-memory repositories")
		s.instanceRepo = memory.NewInstanceRepository()
		s.hostRepo = memory.NewHostRepository()
	}

	s.logger.Info("Repositories initialized",
		zap.Bool("postgres", s.db != nil),
		zap.Bool("redis", s.bus != nil),
		zap.Bool("etcd", s.registry != nil),
	)
}

// initServices initializes business logic services.
func (s *Server) initServices() {
	var publisher powersync.EventPublisher
	if s.bus != nil {
		publisher = s.bus
	}

	s.reconciler = powersync.NewReconciler(s.instanceRepo, publisher, s.config.Sync, s.logger)

	var registry hostservice.LivenessRegistry
	if s.registry != nil {
		registry = s.registry
	}
	s.hostService = hostservice.NewService(s.hostRepo, s.reconciler, registry, s.logger)

	s.logger.Info("Services initialized",
		zap.Duration("report_interval", s.config.Sync.ReportInterval),
		zap.Duration("grace_period", s.config.Sync.GracePeriod()),
	)
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	// Health endpoints
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler) // Kubernetes-style endpoint
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)

	// API info
	s.mux.HandleFunc("/api/v1/info", s.infoHandler)

	// Host report ingest and registration
	s.mux.Handle("/api/hosts/", NewHostRestHandler(s))

	// VM records (operator visibility)
	s.mux.Handle("/api/vms/", NewVMRestHandler(s))

	// Power-state event stream
	s.mux.Handle("/api/events/power-state", NewEventsHandler(s))

	s.logger.Info("All routes registered")
}

// setupMiddleware configures middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400,
	})

	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Skip logging for health checks
		if r.URL.Path == "/health" || r.URL.Path == "/ready" || r.URL.Path == "/live" {
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server",
		zap.String("address", s.config.Server.Address()),
	)

	// Only the leader consumes liveness events; without etcd there is a
	// single instance anyway and the watcher is a no-op.
	if s.registry != nil {
		leader, err := s.registry.CampaignForLeader(ctx, "controlplane", func() {
			s.hostService.WatchLiveness(ctx)
		})
		if err != nil {
			s.logger.Warn("Failed to start leader election", zap.Error(err))
		} else {
			s.leader = leader
		}
	} else {
		s.hostService.WatchLiveness(ctx)
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown
	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	if s.leader != nil {
		if err := s.leader.Resign(shutdownCtx); err != nil {
			s.logger.Warn("Failed to resign leadership", zap.Error(err))
		}
	}

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	s.logger.Info("Server stopped")
	return nil
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"openhvx-controlplane"}`)
}

// readyHandler returns readiness status.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	details := map[string]string{}

	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			ready = false
			details["postgres"] = "unhealthy"
		} else {
			details["postgres"] = "healthy"
		}
	}

	if s.bus != nil {
		if err := s.bus.Health(ctx); err != nil {
			ready = false
			details["redis"] = "unhealthy"
		} else {
			details["redis"] = "healthy"
		}
	}

	if s.registry != nil {
		if err := s.registry.Health(ctx); err != nil {
			ready = false
			details["etcd"] = "unhealthy"
		} else {
			details["etcd"] = "healthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprintf(w, `{"ready":%t,"components":%s}`, ready, toJSON(details))
}

// liveHandler returns liveness status.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"alive":true}`)
}

// infoHandler returns API information.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{
		"name": "OpenHVX Control Plane",
		"version": "0.1.0",
		"api_version": "v1",
		"description": "VM power-state synchronization service",
		"infrastructure": {
			"postgres": %t,
			"redis": %t,
			"etcd": %t
		}
	}`, s.db != nil, s.bus != nil, s.registry != nil)
}
