package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devicekit/backupd/internal/api/middleware"
	"github.com/devicekit/backupd/internal/backup"
	"github.com/devicekit/backupd/internal/backup/operation"
	"github.com/devicekit/backupd/internal/engine/fsengine"
	"github.com/devicekit/backupd/internal/infrastructure/config"
	"github.com/devicekit/backupd/internal/infrastructure/monitoring"
	"github.com/devicekit/backupd/internal/infrastructure/tracing"
	"github.com/devicekit/backupd/internal/logging"
	"github.com/devicekit/backupd/internal/transport/httpx"
	"github.com/devicekit/backupd/internal/ws"
)

// Server wraps the HTTP control plane and its dependencies
type Server struct {
	router    *gin.Engine
	http      *http.Server
	service   *backup.Service
	scheduler *backup.QueueScheduler
	hub       *ws.Hub
	logger    *logging.Logger
	config    *config.Config
	metrics   *monitoring.Metrics
}

// New creates a new server instance
func New(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing backupd",
		zap.String("port", cfg.Server.Port),
		zap.String("transport_addr", cfg.Transport.Address),
		zap.String("data_dir", cfg.Backup.DataDir),
	)

	metrics := monitoring.NewMetrics()

	ops := operation.NewRegistry(logger)
	transport := httpx.New(cfg.Transport, logger)
	engine := fsengine.New(cfg.Backup.DataDir, logger)
	scheduler := backup.NewQueueScheduler(logger)
	hub := ws.NewHub(logger, metrics)

	service := backup.NewService(backup.ServiceParams{
		Config:    cfg.Backup,
		Engine:    engine,
		Transport: transport,
		Eligible:  engine.Eligible,
		Scheduler: scheduler,
		Ops:       ops,
		Metrics:   metrics,
		Observer:  hub,
		Log:       logger,
	})

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	tracer := tracing.New("backupd", logger)

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := NewHandlers(service, engine, scheduler, metrics)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	// Run control
	router.POST("/backup/runs", handlers.StartRun)
	router.GET("/backup/runs", handlers.ListRuns)
	router.GET("/backup/runs/:id", handlers.GetRun)
	router.DELETE("/backup/runs/:id", handlers.CancelRun)

	// Producers and schedule
	router.GET("/producers", handlers.ListProducers)
	router.GET("/schedule", handlers.Schedule)

	// Observability
	router.GET("/stats", handlers.Stats)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		metrics.Registry(), promhttp.HandlerOpts{})))

	// WebSocket event stream
	router.GET("/stream", hub.HandleConnection)

	logger.Info("Server initialized")

	return &Server{
		router:    router,
		service:   service,
		scheduler: scheduler,
		hub:       hub,
		logger:    logger,
		config:    cfg,
		metrics:   metrics,
	}, nil
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the HTTP server and blocks until it stops
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))

	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP shutdown failed", zap.Error(err))
			return err
		}
	}

	// Cancel any run still in flight so pipes and agents wind down.
	for _, snap := range s.service.List() {
		if snap.Status == "running" {
			if err := s.service.Cancel(snap.ID); err == nil {
				s.logger.Info("Cancelled active run", zap.String("run_id", snap.ID))
			}
		}
	}

	s.waitForRuns(ctx)

	s.logger.Sync()
	return nil
}

// waitForRuns blocks until active runs finish or ctx expires.
func (s *Server) waitForRuns(ctx context.Context) {
	deadline := time.NewTicker(50 * time.Millisecond)
	defer deadline.Stop()

	for {
		active := false
		for _, snap := range s.service.List() {
			if snap.Status == "running" {
				active = true
				break
			}
		}
		if !active {
			return
		}

		select {
		case <-ctx.Done():
			s.logger.Warn("Shutdown deadline reached with runs still active")
			return
		case <-deadline.C:
		}
	}
}
