package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"agentry/internal/errors"
	"agentry/internal/events"
	"agentry/internal/registry"
	"agentry/internal/resilience"
	"agentry/internal/transport"
)

type createAgentRequest struct {
	AgentType string         `json:"agent_type" binding:"required"`
	ThreadID  string         `json:"thread_id"`
	Metadata  map[string]any `json:"metadata"`
}

type healthResponse struct {
	Status        string                           `json:"status"`
	UptimeSeconds float64                          `json:"uptime_seconds"`
	Registry      registry.RegistryHealth          `json:"registry"`
	Degradation   resilience.DegradationStatus     `json:"degradation"`
	Breakers      []resilience.CircuitBreakerStats `json:"breakers"`
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.degradation.GetDegradationStatus()

	response := healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Registry:      s.registry.GetRegistryHealth(),
		Degradation:   status,
		Breakers:      s.breakers.Stats(),
	}
	if status.Level > resilience.LevelNormal {
		response.Status = status.Level.String()
	}

	code := http.StatusOK
	if status.Level >= resilience.LevelMinimal {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, APIResponse{Success: code == http.StatusOK, Data: response})
}

func (s *Server) handleMonitor(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: s.registry.MonitorAllUsers()})
}

func (s *Server) handleEventDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: gin.H{
		"wiring":  s.registry.DiagnoseEventWiring(),
		"bridge":  s.bridge.GetMetrics(),
		"healthy": s.bridge.Healthy(),
	}})
}

func (s *Server) handleBreakerStats(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: s.breakers.Stats()})
}

func (s *Server) handleCreateAgent(c *gin.Context) {
	userID := c.Param("user_id")

	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	execCtx := registry.ExecutionContext{
		UserID:   userID,
		ThreadID: req.ThreadID,
		Metadata: req.Metadata,
	}
	instance, err := s.registry.CreateAgentForUser(c.Request.Context(), userID, req.AgentType, execCtx)
	if err != nil {
		s.writeAgentError(c, err)
		return
	}

	c.JSON(http.StatusCreated, APIResponse{Success: true, Data: gin.H{
		"user_id":    instance.UserID,
		"agent_type": instance.AgentType,
		"created_at": instance.CreatedAt,
	}})
}

func (s *Server) writeAgentError(c *gin.Context, err error) {
	switch {
	case errors.IsContextValidation(err):
		c.JSON(http.StatusBadRequest, APIResponse{Error: err.Error()})
	case errors.IsIsolationViolation(err):
		c.JSON(http.StatusForbidden, APIResponse{Error: err.Error()})
	case errors.IsFactory(err):
		var factoryErr *errors.FactoryError
		if errors.As(err, &factoryErr) && factoryErr.Err == nil {
			c.JSON(http.StatusNotFound, APIResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, APIResponse{Error: err.Error()})
	case errors.IsCircuitOpen(err), errors.IsServiceUnavailable(err):
		c.JSON(http.StatusServiceUnavailable, APIResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusConflict, APIResponse{Error: err.Error()})
	}
}

func (s *Server) handleListAgents(c *gin.Context) {
	userID := c.Param("user_id")
	session, ok := s.registry.GetSession(userID)
	if !ok {
		c.JSON(http.StatusOK, APIResponse{Success: true, Data: gin.H{
			"user_id": userID, "agent_types": []string{},
		}})
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: gin.H{
		"user_id":     userID,
		"agent_types": session.AgentTypes(),
	}})
}

func (s *Server) handleRemoveAgent(c *gin.Context) {
	userID := c.Param("user_id")
	agentType := c.Param("agent_type")
	if !s.registry.RemoveUserAgent(c.Request.Context(), userID, agentType) {
		c.JSON(http.StatusNotFound, APIResponse{Error: "no such agent"})
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true})
}

func (s *Server) handleResetAgents(c *gin.Context) {
	report := s.registry.ResetUserAgents(c.Request.Context(), c.Param("user_id"))
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: report})
}

func (s *Server) handleCleanupSession(c *gin.Context) {
	report := s.registry.CleanupUserSession(c.Request.Context(), c.Param("user_id"))
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: report})
}

func (s *Server) handleEmergencyCleanup(c *gin.Context) {
	report := s.registry.EmergencyCleanupAll(c.Request.Context())
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: report})
}

func (s *Server) handleEventHistory(c *gin.Context) {
	userID := c.Param("user_id")
	history := s.bridge.History(userID)

	if limitParam := c.Query("limit"); limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, APIResponse{Error: "limit must be a non-negative integer"})
			return
		}
		if limit < len(history) {
			history = history[len(history)-limit:]
		}
	}
	if history == nil {
		history = []events.Event{}
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: gin.H{
		"user_id": userID,
		"events":  history,
	}})
}

// handleStream upgrades the connection and attaches it to the event bridge.
// Anything queued for the user while they were offline flushes first, then
// live events follow.
func (s *Server) handleStream(c *gin.Context) {
	userID := c.Param("user_id")

	conn, err := transport.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade for user %s failed: %v", userID, err)
		return
	}

	wsConn := transport.NewWSConn(userID, conn, s.logger, func(userID string) {
		s.bridge.UnregisterConnection(userID)
	})
	s.bridge.RegisterConnection(userID, wsConn)
	s.bridge.FlushUser(c.Request.Context(), userID)

	wsConn.Run()
}
