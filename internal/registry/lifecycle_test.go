package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentry/internal/config"
)

func TestClassifyAgentCount(t *testing.T) {
	cfg := config.Default().Registry
	cfg.WarningAgentsPerSession = 7
	cfg.MaxAgentsPerSession = 10
	manager := NewAgentRegistry(cfg).Lifecycle()

	tests := []struct {
		count int
		want  HealthLevel
	}{
		{0, HealthHealthy},
		{6, HealthHealthy},
		{7, HealthWarning},
		{9, HealthWarning},
		{10, HealthCritical},
		{15, HealthCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, manager.ClassifyAgentCount(tt.count), "count=%d", tt.count)
	}
}

func TestMonitorMemoryUsage(t *testing.T) {
	cfg := config.Default().Registry
	cfg.EstimatedAgentMemoryBytes = 1 << 20
	reg := NewAgentRegistry(cfg)
	reg.RegisterFactory("coder", stubFactory())
	reg.RegisterFactory("writer", stubFactory())

	ctx := context.Background()
	_, err := reg.CreateAgentForUser(ctx, "alice", "coder", ExecutionContext{UserID: "alice"})
	require.NoError(t, err)
	_, err = reg.CreateAgentForUser(ctx, "alice", "writer", ExecutionContext{UserID: "alice"})
	require.NoError(t, err)

	summary, ok := reg.Lifecycle().MonitorMemoryUsage("alice")
	require.True(t, ok)
	assert.Equal(t, 2, summary.AgentCount)
	assert.Equal(t, int64(2<<20), summary.EstimatedMemoryBytes)
	assert.Equal(t, HealthHealthy, summary.Health)

	_, ok = reg.Lifecycle().MonitorMemoryUsage("ghost")
	assert.False(t, ok)
}

func TestEstimateTotalMemory(t *testing.T) {
	cfg := config.Default().Registry
	cfg.EstimatedAgentMemoryBytes = 1 << 20
	reg := NewAgentRegistry(cfg)
	reg.RegisterFactory("coder", stubFactory())

	ctx := context.Background()
	for _, userID := range []string{"alice", "bob", "carol"} {
		_, err := reg.CreateAgentForUser(ctx, userID, "coder", ExecutionContext{UserID: userID})
		require.NoError(t, err)
	}

	assert.Equal(t, int64(3<<20), reg.Lifecycle().EstimateTotalMemory())
}

func TestEnforceSessionCeilingReclaimsIdleFirst(t *testing.T) {
	cfg := config.Default().Registry
	cfg.MaxTotalSessions = 3
	reg := NewAgentRegistry(cfg)
	reg.RegisterFactory("coder", stubFactory())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		userID := fmt.Sprintf("user-%d", i)
		_, err := reg.CreateAgentForUser(ctx, userID, "coder", ExecutionContext{UserID: userID})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	// Touch the two oldest sessions so recency, not creation order, decides.
	_, _ = reg.GetUserAgent("user-0", "coder")
	_, _ = reg.GetUserAgent("user-1", "coder")

	reports := reg.Lifecycle().EnforceSessionCeiling(ctx)
	require.Len(t, reports, 2)
	reclaimed := []string{reports[0].UserID, reports[1].UserID}
	assert.ElementsMatch(t, []string{"user-2", "user-3"}, reclaimed)
	assert.Equal(t, 3, reg.SessionCount())

	_, ok := reg.GetSession("user-0")
	assert.True(t, ok)
	_, ok = reg.GetSession("user-2")
	assert.False(t, ok)
}

func TestEnforceSessionCeilingInBudget(t *testing.T) {
	cfg := config.Default().Registry
	cfg.MaxTotalSessions = 10
	reg := NewAgentRegistry(cfg)
	reg.GetOrCreateSession("alice")

	assert.Empty(t, reg.Lifecycle().EnforceSessionCeiling(context.Background()))
}
