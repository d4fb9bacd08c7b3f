package registry

import (
	"context"
	"sort"

	"agentry/internal/config"
	"agentry/internal/logging"
)

// sessionStore is the slice of the registry the lifecycle manager needs.
type sessionStore interface {
	GetSession(userID string) (*UserAgentSession, bool)
	SessionCount() int
	CleanupUserSession(ctx context.Context, userID string) CleanupReport
	snapshotSessions() []*UserAgentSession
}

// AgentLifecycleManager watches per-user resource usage and reclaims
// sessions when the registry grows past its ceiling. Memory figures are
// estimates: agent count times a configured per-agent cost, good enough to
// rank users and trip thresholds.
type AgentLifecycleManager struct {
	config config.RegistryConfig
	store  sessionStore
	logger logging.Logger
}

// NewAgentLifecycleManager binds a lifecycle manager to a session store.
func NewAgentLifecycleManager(cfg config.RegistryConfig, store sessionStore, logger logging.Logger) *AgentLifecycleManager {
	return &AgentLifecycleManager{
		config: cfg,
		store:  store,
		logger: logging.OrNop(logger),
	}
}

// ClassifyAgentCount maps a session's agent count onto a health level.
func (m *AgentLifecycleManager) ClassifyAgentCount(count int) HealthLevel {
	switch {
	case m.config.MaxAgentsPerSession > 0 && count >= m.config.MaxAgentsPerSession:
		return HealthCritical
	case m.config.WarningAgentsPerSession > 0 && count >= m.config.WarningAgentsPerSession:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// MonitorMemoryUsage estimates one user's resource footprint.
func (m *AgentLifecycleManager) MonitorMemoryUsage(userID string) (ResourceSummary, bool) {
	session, ok := m.store.GetSession(userID)
	if !ok {
		return ResourceSummary{}, false
	}
	count := session.AgentCount()
	return ResourceSummary{
		UserID:               userID,
		AgentCount:           count,
		EstimatedMemoryBytes: int64(count) * m.config.EstimatedAgentMemoryBytes,
		Health:               m.ClassifyAgentCount(count),
	}, true
}

// EstimateTotalMemory sums the estimated footprint of every session.
func (m *AgentLifecycleManager) EstimateTotalMemory() int64 {
	var total int64
	for _, session := range m.store.snapshotSessions() {
		total += int64(session.AgentCount()) * m.config.EstimatedAgentMemoryBytes
	}
	return total
}

// EnforceSessionCeiling reclaims the longest-idle sessions until the
// registry is back under MaxTotalSessions. Returns one cleanup report per
// reclaimed session; an in-budget registry returns none.
func (m *AgentLifecycleManager) EnforceSessionCeiling(ctx context.Context) []CleanupReport {
	limit := m.config.MaxTotalSessions
	if limit <= 0 {
		return nil
	}
	excess := m.store.SessionCount() - limit
	if excess <= 0 {
		return nil
	}

	sessions := m.store.snapshotSessions()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActive().Before(sessions[j].LastActive())
	})

	reports := make([]CleanupReport, 0, excess)
	for _, session := range sessions {
		if len(reports) >= excess {
			break
		}
		report := m.store.CleanupUserSession(ctx, session.UserID())
		if report.SessionFound {
			reports = append(reports, report)
		}
	}
	if len(reports) > 0 {
		m.logger.Warn("Session ceiling %d exceeded, reclaimed %d idle sessions", limit, len(reports))
	}
	return reports
}
