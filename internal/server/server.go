package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"agentry/internal/config"
	"agentry/internal/events"
	"agentry/internal/logging"
	"agentry/internal/observability"
	"agentry/internal/registry"
	"agentry/internal/resilience"
)

// APIResponse is the envelope for every JSON endpoint.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server exposes the registry over HTTP: agent management, monitoring,
// diagnostics, and the per-user websocket event stream.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	registry    *registry.AgentRegistry
	bridge      *events.Bridge
	breakers    *resilience.CircuitBreakerManager
	degradation *resilience.DegradationManager
	metrics     *observability.MetricsCollector

	logger    logging.Logger
	startTime time.Time
}

// Deps bundles the components the server fronts.
type Deps struct {
	Registry    *registry.AgentRegistry
	Bridge      *events.Bridge
	Breakers    *resilience.CircuitBreakerManager
	Degradation *resilience.DegradationManager
	Metrics     *observability.MetricsCollector
	Logger      logging.Logger
}

// NewServer builds the gin engine and wires all routes.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		engine:      engine,
		registry:    deps.Registry,
		bridge:      deps.Bridge,
		breakers:    deps.Breakers,
		degradation: deps.Degradation,
		metrics:     deps.Metrics,
		logger:      logging.OrNop(deps.Logger),
		startTime:   time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := s.engine.Group("/api")

	api.GET("/monitor", s.handleMonitor)
	api.GET("/diagnostics/events", s.handleEventDiagnostics)
	api.GET("/diagnostics/breakers", s.handleBreakerStats)
	api.POST("/admin/emergency-cleanup", s.handleEmergencyCleanup)

	users := api.Group("/users/:user_id")
	{
		users.POST("/agents", s.handleCreateAgent)
		users.GET("/agents", s.handleListAgents)
		users.DELETE("/agents/:agent_type", s.handleRemoveAgent)
		users.POST("/reset", s.handleResetAgents)
		users.DELETE("/session", s.handleCleanupSession)
		users.GET("/events/history", s.handleEventHistory)
		users.GET("/stream", s.handleStream)
	}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}
