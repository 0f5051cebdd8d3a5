// Package server assembles the workspace daemon: storage, the session
// manager, the upstream probe, and the HTTP/WebSocket surface.
package server

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/paperscope/backend/internal/api/http"
	"github.com/paperscope/backend/internal/api/middleware"
	"github.com/paperscope/backend/internal/api/ws"
	"github.com/paperscope/backend/internal/domain/workspace"
	"github.com/paperscope/backend/internal/infrastructure/config"
	"github.com/paperscope/backend/internal/infrastructure/logging"
	"github.com/paperscope/backend/internal/infrastructure/monitoring"
	"github.com/paperscope/backend/internal/infrastructure/tracing"
	"github.com/paperscope/backend/internal/storage"
	"github.com/paperscope/backend/internal/upstream"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router    *gin.Engine
	manager   *workspace.Manager
	probe     *upstream.Probe
	wsHandler *ws.Handler
	logger    *logging.Logger
	config    *config.Config
	metrics   *monitoring.Metrics
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing Paperscope Workspace",
		zap.String("port", cfg.Server.Port),
		zap.String("upstream", cfg.Upstream.BaseURL),
	)

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("workspace", logger.Logger)

	store, err := newStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	manager := workspace.NewManager(store, workspace.NewHistory(), logger.Logger).
		WithMetrics(metrics).
		WithStreamClient(resty.New())

	probe := upstream.NewProbe(
		cfg.Upstream.BaseURL,
		cfg.Upstream.ProbePath,
		cfg.Upstream.ProbeInterval,
		cfg.Upstream.ProbeRetries,
		logger.Logger,
	).WithMetrics(metrics)

	wsHandler := ws.NewHandler(logger.Logger).WithMetrics(metrics)
	manager.SetObserver(wsHandler.Broadcast)

	manager.Restore()
	if pruned := manager.PruneSnapshots(); pruned > 0 {
		logger.Info("Pruned stale snapshots", zap.Int("count", pruned))
	}
	probe.Start()

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

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

	handlers := apihttp.NewHandlers(manager, probe, metrics, cfg.Upstream.BaseURL)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	// Workspace
	router.GET("/workspace", handlers.GetWorkspace)
	router.PUT("/workspace/sidebar", handlers.SetSidebar)

	// Sessions
	router.POST("/sessions", handlers.CreateSession)
	router.POST("/sessions/:id/activate", handlers.ActivateSession)
	router.DELETE("/sessions/:id", handlers.DeleteSession)

	// Snapshots
	router.GET("/sessions/:id/snapshot", handlers.GetSnapshot)
	router.PUT("/sessions/:id/snapshot", handlers.PutSnapshot)
	router.POST("/snapshots/prune", handlers.PruneSnapshots)

	// Streams
	router.POST("/sessions/:id/stream", handlers.BindStream)
	router.DELETE("/sessions/:id/stream", handlers.StopStream)
	router.GET("/sessions/:id/messages", handlers.GetMessages)

	// WebSocket
	router.GET("/events", wsHandler.HandleConnection)

	// Metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/metrics/json", handlers.MetricsJSON)

	logger.Info("Server initialized successfully")

	return &Server{
		router:    router,
		manager:   manager,
		probe:     probe,
		wsHandler: wsHandler,
		logger:    logger,
		config:    cfg,
		metrics:   metrics,
	}, nil
}

func newStore(cfg *config.Config, logger *logging.Logger) (storage.Store, error) {
	if cfg.Storage.DataDir == "" {
		logger.Info("Using in-memory store")
		return storage.NewMemory(), nil
	}
	logger.Info("Using file store", zap.String("dir", cfg.Storage.DataDir))
	return storage.NewFile(cfg.Storage.DataDir)
}

// Run starts the HTTP server
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close gracefully shuts down the server
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	s.probe.Stop()
	s.manager.Close()
	s.wsHandler.Close()

	s.logger.Sync()
	return nil
}
