package registry

import (
	"context"
	"strings"
	"time"

	"agentry/internal/errors"
)

// Agent is the opaque state created by an agent factory. The registry never
// inspects it; it only tracks ownership and lifecycle.
type Agent any

// Releaser is optionally implemented by agents that hold resources needing
// explicit release on removal.
type Releaser interface {
	Release(ctx context.Context) error
}

// AgentFactory builds one agent for an execution context. Factories are
// registered once at startup, one per agent type; the registry never embeds
// agent-specific logic. Factories may perform I/O and must respect ctx.
type AgentFactory func(ctx context.Context, execCtx ExecutionContext) (Agent, error)

// ExecutionContext carries what the auth/collaborator layer already
// validated. The registry trusts it but still rejects structurally invalid
// contexts before any state mutation.
type ExecutionContext struct {
	UserID   string
	ThreadID string
	Metadata map[string]any
}

// Validate rejects contexts missing required fields.
func (c ExecutionContext) Validate() error {
	var missing []string
	if strings.TrimSpace(c.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if len(missing) > 0 {
		return errors.NewContextValidation(missing...)
	}
	return nil
}

// AgentInstance is the handle stored in a session: the factory-built agent
// tagged with its creating user and agent type. An instance is never shared
// between two sessions.
type AgentInstance struct {
	Agent     Agent
	UserID    string
	AgentType string
	CreatedAt time.Time
}

func (a *AgentInstance) release(ctx context.Context) error {
	if releaser, ok := a.Agent.(Releaser); ok {
		return releaser.Release(ctx)
	}
	return nil
}

// HealthLevel classifies a session's resource usage.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthWarning  HealthLevel = "warning"
	HealthCritical HealthLevel = "critical"
)

// CleanupReport describes the outcome of a session cleanup. Cleanup never
// raises; per-agent release failures are collected here instead.
type CleanupReport struct {
	UserID        string   `json:"user_id"`
	SessionFound  bool     `json:"session_found"`
	AgentsCleaned int      `json:"agents_cleaned"`
	Errors        []string `json:"errors,omitempty"`
}

// EmergencyReport aggregates cleanup across every session.
type EmergencyReport struct {
	UsersCleaned  int      `json:"users_cleaned"`
	AgentsCleaned int      `json:"agents_cleaned"`
	Errors        []string `json:"errors,omitempty"`
}

// SessionReport is one session's line in the monitoring output.
type SessionReport struct {
	UserID      string   `json:"user_id"`
	AgentCount  int      `json:"agent_count"`
	AgeSeconds  float64  `json:"age_seconds"`
	IdleSeconds float64  `json:"idle_seconds"`
	Anomalies   []string `json:"anomalies,omitempty"`
}

// MonitorReport is the registry-wide monitoring snapshot. Producing it never
// mutates state.
type MonitorReport struct {
	TotalUsers  int             `json:"total_users"`
	TotalAgents int             `json:"total_agents"`
	Sessions    []SessionReport `json:"sessions"`
	Anomalies   int             `json:"anomalies"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// WiringReport describes how many sessions can reach the event bridge.
type WiringReport struct {
	BridgeConfigured bool `json:"bridge_configured"`
	TotalSessions    int  `json:"total_sessions"`
	WiredSessions    int  `json:"wired_sessions"`
}

// ResourceSummary is the per-user usage estimate tracked by the lifecycle
// manager.
type ResourceSummary struct {
	UserID               string      `json:"user_id"`
	AgentCount           int         `json:"agent_count"`
	EstimatedMemoryBytes int64       `json:"estimated_memory_bytes"`
	Health               HealthLevel `json:"health"`
}

// RegistryHealth is the coarse process-level health report for dashboards.
type RegistryHealth struct {
	SessionCount     int         `json:"session_count"`
	AgentCount       int         `json:"agent_count"`
	Health           HealthLevel `json:"health"`
	DegradationLevel string      `json:"degradation_level,omitempty"`
}
