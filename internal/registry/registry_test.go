package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentry/internal/config"
	"agentry/internal/errors"
	"agentry/internal/events"
)

type stubAgent struct {
	owner      string
	released   atomic.Bool
	releaseErr error
}

func (a *stubAgent) Release(ctx context.Context) error {
	a.released.Store(true)
	return a.releaseErr
}

// plainAgent has no release hook.
type plainAgent struct{ owner string }

func stubFactory() AgentFactory {
	return func(ctx context.Context, execCtx ExecutionContext) (Agent, error) {
		return &stubAgent{owner: execCtx.UserID}, nil
	}
}

func testRegistry(t *testing.T, opts ...RegistryOption) *AgentRegistry {
	t.Helper()
	return NewAgentRegistry(config.Default().Registry, opts...)
}

type captureTransport struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureTransport) Deliver(ctx context.Context, event events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureTransport) delivered() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.events...)
}

func TestGetOrCreateSessionIsIdempotent(t *testing.T) {
	reg := testRegistry(t)

	first := reg.GetOrCreateSession("alice")
	second := reg.GetOrCreateSession("alice")
	assert.Same(t, first, second)
	assert.Equal(t, 1, reg.SessionCount())
}

func TestGetOrCreateSessionConcurrent(t *testing.T) {
	reg := testRegistry(t)

	const goroutines = 32
	sessions := make([]*UserAgentSession, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i] = reg.GetOrCreateSession("alice")
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Same(t, sessions[0], sessions[i])
	}
	assert.Equal(t, 1, reg.SessionCount())
}

func TestCreateAgentForUser(t *testing.T) {
	reg := testRegistry(t)
	reg.RegisterFactory("coder", stubFactory())

	instance, err := reg.CreateAgentForUser(context.Background(), "alice", "coder", ExecutionContext{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", instance.UserID)
	assert.Equal(t, "coder", instance.AgentType)
	assert.Equal(t, "alice", instance.Agent.(*stubAgent).owner)

	got, ok := reg.GetUserAgent("alice", "coder")
	require.True(t, ok)
	assert.Same(t, instance, got)
}

func TestCreateAgentRejectsMismatchedContext(t *testing.T) {
	reg := testRegistry(t)
	reg.RegisterFactory("coder", stubFactory())

	_, err := reg.CreateAgentForUser(context.Background(), "alice", "coder", ExecutionContext{UserID: "bob"})
	require.Error(t, err)
	assert.True(t, errors.IsIsolationViolation(err))

	// Nothing was registered for either user.
	_, ok := reg.GetUserAgent("alice", "coder")
	assert.False(t, ok)
	_, ok = reg.GetUserAgent("bob", "coder")
	assert.False(t, ok)
}

func TestCreateAgentRejectsEmptyContext(t *testing.T) {
	reg := testRegistry(t)
	reg.RegisterFactory("coder", stubFactory())

	_, err := reg.CreateAgentForUser(context.Background(), "alice", "coder", ExecutionContext{})
	require.Error(t, err)
	assert.True(t, errors.IsContextValidation(err))
}

func TestCreateAgentUnknownType(t *testing.T) {
	reg := testRegistry(t)

	_, err := reg.CreateAgentForUser(context.Background(), "alice", "ghost", ExecutionContext{UserID: "alice"})
	require.Error(t, err)
	assert.True(t, errors.IsFactory(err))
}

func TestCreateAgentFactoryFailureRegistersNothing(t *testing.T) {
	reg := testRegistry(t)
	reg.RegisterFactory("flaky", func(ctx context.Context, execCtx ExecutionContext) (Agent, error) {
		return nil, fmt.Errorf("backend unavailable")
	})

	_, err := reg.CreateAgentForUser(context.Background(), "alice", "flaky", ExecutionContext{UserID: "alice"})
	require.Error(t, err)
	assert.True(t, errors.IsFactory(err))

	_, ok := reg.GetUserAgent("alice", "flaky")
	assert.False(t, ok)

	// The slot must be reusable after the failure.
	reg.RegisterFactory("flaky", stubFactory())
	_, err = reg.CreateAgentForUser(context.Background(), "alice", "flaky", ExecutionContext{UserID: "alice"})
	assert.NoError(t, err)
}

func TestCreateAgentFactoryFailureEmitsTerminalEvent(t *testing.T) {
	reg := testRegistry(t)
	bridge := events.NewBridge(events.DefaultBridgeConfig())
	transport := &captureTransport{}
	bridge.RegisterConnection("alice", transport)
	reg.SetEventBridge(bridge)

	reg.RegisterFactory("flaky", func(ctx context.Context, execCtx ExecutionContext) (Agent, error) {
		return nil, fmt.Errorf("backend unavailable")
	})
	_, err := reg.CreateAgentForUser(context.Background(), "alice", "flaky", ExecutionContext{UserID: "alice", ThreadID: "t-1"})
	require.Error(t, err)

	delivered := transport.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, events.AgentError, delivered[0].Type)
	assert.Equal(t, "alice", delivered[0].UserID)
	assert.Equal(t, "t-1", delivered[0].ThreadID)
	assert.Equal(t, "flaky", delivered[0].Payload["agent_type"])
}

func TestCreateAgentNoSilentOverwrite(t *testing.T) {
	reg := testRegistry(t)
	reg.RegisterFactory("coder", stubFactory())

	first, err := reg.CreateAgentForUser(context.Background(), "alice", "coder", ExecutionContext{UserID: "alice"})
	require.NoError(t, err)

	_, err = reg.CreateAgentForUser(context.Background(), "alice", "coder", ExecutionContext{UserID: "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	got, ok := reg.GetUserAgent("alice", "coder")
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestCreateAgentHonorsCancellation(t *testing.T) {
	reg := testRegistry(t)
	reg.RegisterFactory("slow", func(ctx context.Context, execCtx ExecutionContext) (Agent, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &stubAgent{owner: execCtx.UserID}, nil
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := reg.CreateAgentForUser(ctx, "alice", "slow", ExecutionContext{UserID: "alice"})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("create did not return after cancellation")
	}
	_, ok := reg.GetUserAgent("alice", "slow")
	assert.False(t, ok)
}

func TestCreateAgentFactoryTimeout(t *testing.T) {
	cfg := config.Default().Registry
	cfg.FactoryTimeout = 20 * time.Millisecond
	reg := NewAgentRegistry(cfg)
	reg.RegisterFactory("slow", func(ctx context.Context, execCtx ExecutionContext) (Agent, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := reg.CreateAgentForUser(context.Background(), "alice", "slow", ExecutionContext{UserID: "alice"})
	require.Error(t, err)
	assert.True(t, errors.IsFactory(err))
	_, ok := reg.GetUserAgent("alice", "slow")
	assert.False(t, ok)
}

func TestCreateAgentEnforcesPerSessionLimit(t *testing.T) {
	cfg := config.Default().Registry
	cfg.MaxAgentsPerSession = 2
	reg := NewAgentRegistry(cfg)
	reg.RegisterFactory("coder", stubFactory())
	reg.RegisterFactory("writer", stubFactory())
	reg.RegisterFactory("critic", stubFactory())

	ctx := context.Background()
	execCtx := ExecutionContext{UserID: "alice"}
	_, err := reg.CreateAgentForUser(ctx, "alice", "coder", execCtx)
	require.NoError(t, err)
	_, err = reg.CreateAgentForUser(ctx, "alice", "writer", execCtx)
	require.NoError(t, err)
	_, err = reg.CreateAgentForUser(ctx, "alice", "critic", execCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent limit")
}

func TestConcurrentCreatesNeverOvershootLimit(t *testing.T) {
	cfg := config.Default().Registry
	cfg.MaxAgentsPerSession = 2
	reg := NewAgentRegistry(cfg)

	agentTypes := []string{"coder", "writer", "critic", "planner"}
	release := make(chan struct{})
	for _, agentType := range agentTypes {
		reg.RegisterFactory(agentType, func(ctx context.Context, execCtx ExecutionContext) (Agent, error) {
			<-release
			return &stubAgent{owner: execCtx.UserID}, nil
		})
	}

	// All four creations claim slots while the factories are still blocked,
	// so the limit must hold against in-flight creations, not just
	// registered agents.
	var wg sync.WaitGroup
	errs := make([]error, len(agentTypes))
	for i, agentType := range agentTypes {
		wg.Add(1)
		go func(slot int, agentType string) {
			defer wg.Done()
			_, errs[slot] = reg.CreateAgentForUser(context.Background(), "alice", agentType, ExecutionContext{UserID: "alice"})
		}(i, agentType)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.Contains(t, err.Error(), "agent limit")
		}
	}
	assert.Equal(t, 2, succeeded)
	session, ok := reg.GetSession("alice")
	require.True(t, ok)
	assert.Equal(t, 2, session.AgentCount())
}

func TestConcurrentUsersStayIsolated(t *testing.T) {
	reg := testRegistry(t)
	reg.RegisterFactory("coder", stubFactory())
	reg.RegisterFactory("writer", stubFactory())

	const users = 20
	var wg sync.WaitGroup
	errs := make([]error, users*2)
	for i := 0; i < users; i++ {
		userID := fmt.Sprintf("user-%02d", i)
		for j, agentType := range []string{"coder", "writer"} {
			wg.Add(1)
			go func(slot int, agentType string) {
				defer wg.Done()
				_, errs[slot] = reg.CreateAgentForUser(context.Background(), userID, agentType, ExecutionContext{UserID: userID})
			}(i*2+j, agentType)
		}
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, users, reg.SessionCount())
	for i := 0; i < users; i++ {
		userID := fmt.Sprintf("user-%02d", i)
		instance, ok := reg.GetUserAgent(userID, "coder")
		require.True(t, ok, userID)
		assert.Equal(t, userID, instance.Agent.(*stubAgent).owner)
	}
}

func TestRemoveUserAgentReleases(t *testing.T) {
	reg := testRegistry(t)
	reg.RegisterFactory("coder", stubFactory())

	instance, err := reg.CreateAgentForUser(context.Background(), "alice", "coder", ExecutionContext{UserID: "alice"})
	require.NoError(t, err)

	assert.True(t, reg.RemoveUserAgent(context.Background(), "alice", "coder"))
	assert.True(t, instance.Agent.(*stubAgent).released.Load())
	assert.False(t, reg.RemoveUserAgent(context.Background(), "alice", "coder"))
	assert.False(t, reg.RemoveUserAgent(context.Background(), "nobody", "coder"))
}

func TestRemoveAgentWithoutReleaseHook(t *testing.T) {
	reg := testRegistry(t)
	reg.RegisterFactory("plain", func(ctx context.Context, execCtx ExecutionContext) (Agent, error) {
		return &plainAgent{owner: execCtx.UserID}, nil
	})

	_, err := reg.CreateAgentForUser(context.Background(), "alice", "plain", ExecutionContext{UserID: "alice"})
	require.NoError(t, err)
	assert.True(t, reg.RemoveUserAgent(context.Background(), "alice", "plain"))
}

func TestCleanupUserSession(t *testing.T) {
	reg := testRegistry(t)
	reg.RegisterFactory("coder", stubFactory())
	reg.RegisterFactory("writer", stubFactory())

	ctx := context.Background()
	execCtx := ExecutionContext{UserID: "alice"}
	coder, _ := reg.CreateAgentForUser(ctx, "alice", "coder", execCtx)
	writer, _ := reg.CreateAgentForUser(ctx, "alice", "writer", execCtx)

	report := reg.CleanupUserSession(ctx, "alice")
	assert.True(t, report.SessionFound)
	assert.Equal(t, 2, report.AgentsCleaned)
	assert.Empty(t, report.Errors)
	assert.True(t, coder.Agent.(*stubAgent).released.Load())
	assert.True(t, writer.Agent.(*stubAgent).released.Load())
	assert.Equal(t, 0, reg.SessionCount())
}

func TestCleanupAbsentSessionIsNoop(t *testing.T) {
	reg := testRegistry(t)

	report := reg.CleanupUserSession(context.Background(), "ghost")
	assert.False(t, report.SessionFound)
	assert.Zero(t, report.AgentsCleaned)
	assert.Empty(t, report.Errors)
}

func TestCleanupCollectsReleaseErrors(t *testing.T) {
	reg := testRegistry(t)
	reg.RegisterFactory("bad", func(ctx context.Context, execCtx ExecutionContext) (Agent, error) {
		return &stubAgent{owner: execCtx.UserID, releaseErr: fmt.Errorf("handle leak")}, nil
	})
	reg.RegisterFactory("good", stubFactory())

	ctx := context.Background()
	execCtx := ExecutionContext{UserID: "alice"}
	_, err := reg.CreateAgentForUser(ctx, "alice", "bad", execCtx)
	require.NoError(t, err)
	good, err := reg.CreateAgentForUser(ctx, "alice", "good", execCtx)
	require.NoError(t, err)

	report := reg.CleanupUserSession(ctx, "alice")
	assert.Equal(t, 2, report.AgentsCleaned)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "handle leak")
	// The failing release did not stop the rest of the sweep.
	assert.True(t, good.Agent.(*stubAgent).released.Load())
}

func TestResetUserAgentsLeavesFreshSession(t *testing.T) {
	reg := testRegistry(t)
	reg.RegisterFactory("coder", stubFactory())

	ctx := context.Background()
	_, err := reg.CreateAgentForUser(ctx, "alice", "coder", ExecutionContext{UserID: "alice"})
	require.NoError(t, err)

	report := reg.ResetUserAgents(ctx, "alice")
	assert.Equal(t, 1, report.AgentsCleaned)

	session, ok := reg.GetSession("alice")
	require.True(t, ok)
	assert.Zero(t, session.AgentCount())

	// The same agent type can be created again immediately.
	_, err = reg.CreateAgentForUser(ctx, "alice", "coder", ExecutionContext{UserID: "alice"})
	assert.NoError(t, err)
}

func TestEmergencyCleanupAll(t *testing.T) {
	reg := testRegistry(t)
	reg.RegisterFactory("coder", stubFactory())

	ctx := context.Background()
	const users = 10
	for i := 0; i < users; i++ {
		userID := fmt.Sprintf("user-%02d", i)
		_, err := reg.CreateAgentForUser(ctx, userID, "coder", ExecutionContext{UserID: userID})
		require.NoError(t, err)
	}

	report := reg.EmergencyCleanupAll(ctx)
	assert.Equal(t, users, report.UsersCleaned)
	assert.Equal(t, users, report.AgentsCleaned)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 0, reg.SessionCount())
}

func TestEmergencyCleanupClearsBridgeState(t *testing.T) {
	reg := testRegistry(t)
	reg.RegisterFactory("coder", stubFactory())
	bridge := events.NewBridge(events.DefaultBridgeConfig())
	reg.SetEventBridge(bridge)

	ctx := context.Background()
	users := []string{"alice", "bob"}
	for _, userID := range users {
		_, err := reg.CreateAgentForUser(ctx, userID, "coder", ExecutionContext{UserID: userID})
		require.NoError(t, err)
		// No connection registered, so the event queues and enters history.
		require.NoError(t, bridge.Emit(ctx, events.New(events.AgentStarted, userID, nil)))
	}
	require.NotEmpty(t, bridge.History("alice"))
	require.Equal(t, 1, bridge.QueueDepth("alice"))

	reg.EmergencyCleanupAll(ctx)

	for _, userID := range users {
		assert.Empty(t, bridge.History(userID), userID)
		assert.Equal(t, 0, bridge.QueueDepth(userID), userID)
	}
}

func TestMonitorAllUsersSnapshot(t *testing.T) {
	cfg := config.Default().Registry
	cfg.WarningAgentsPerSession = 2
	cfg.MaxAgentsPerSession = 3
	reg := NewAgentRegistry(cfg)
	reg.RegisterFactory("coder", stubFactory())
	reg.RegisterFactory("writer", stubFactory())

	ctx := context.Background()
	_, err := reg.CreateAgentForUser(ctx, "alice", "coder", ExecutionContext{UserID: "alice"})
	require.NoError(t, err)
	_, err = reg.CreateAgentForUser(ctx, "bob", "coder", ExecutionContext{UserID: "bob"})
	require.NoError(t, err)
	_, err = reg.CreateAgentForUser(ctx, "bob", "writer", ExecutionContext{UserID: "bob"})
	require.NoError(t, err)

	report := reg.MonitorAllUsers()
	assert.Equal(t, 2, report.TotalUsers)
	assert.Equal(t, 3, report.TotalAgents)
	require.Len(t, report.Sessions, 2)
	assert.Equal(t, "alice", report.Sessions[0].UserID)
	assert.Empty(t, report.Sessions[0].Anomalies)
	assert.Equal(t, "bob", report.Sessions[1].UserID)
	assert.Contains(t, report.Sessions[1].Anomalies, "agent_count_high")

	// Monitoring must not mutate state.
	assert.Equal(t, 2, reg.SessionCount())
	_, ok := reg.GetUserAgent("bob", "writer")
	assert.True(t, ok)
}

func TestDiagnoseEventWiring(t *testing.T) {
	reg := testRegistry(t)
	reg.GetOrCreateSession("alice")

	report := reg.DiagnoseEventWiring()
	assert.False(t, report.BridgeConfigured)
	assert.Equal(t, 1, report.TotalSessions)
	assert.Zero(t, report.WiredSessions)

	reg.SetEventBridge(events.NewBridge(events.DefaultBridgeConfig()))
	reg.GetOrCreateSession("bob")

	report = reg.DiagnoseEventWiring()
	assert.True(t, report.BridgeConfigured)
	assert.Equal(t, 2, report.TotalSessions)
	assert.Equal(t, 2, report.WiredSessions)
}

func TestFactoryTypesSorted(t *testing.T) {
	reg := testRegistry(t)
	reg.RegisterFactory("writer", stubFactory())
	reg.RegisterFactory("coder", stubFactory())

	assert.Equal(t, []string{"coder", "writer"}, reg.FactoryTypes())
}
