package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"agentry/internal/config"
	"agentry/internal/errors"
	"agentry/internal/events"
	"agentry/internal/logging"
	"agentry/internal/observability"
	"agentry/internal/resilience"
)

// AgentRegistry is the multi-tenant session store. Every user gets exactly
// one UserAgentSession; the registry maps user IDs to sessions and enforces
// isolation between them. The top-level lock only guards the session map,
// so operations on different users run concurrently.
type AgentRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*UserAgentSession

	factoryMu sync.RWMutex
	factories map[string]AgentFactory

	bridgeMu sync.RWMutex
	bridge   *events.Bridge

	degradation *resilience.DegradationManager
	metrics     *observability.MetricsCollector

	lifecycle *AgentLifecycleManager
	config    config.RegistryConfig
	logger    logging.Logger
	tracer    trace.Tracer
}

// RegistryOption configures an AgentRegistry at construction time.
type RegistryOption func(*AgentRegistry)

// WithLogger sets the registry logger.
func WithLogger(logger logging.Logger) RegistryOption {
	return func(r *AgentRegistry) { r.logger = logger }
}

// WithDegradationManager lets the registry report the current degradation
// level in its health output and tag newly created agents' users with a
// degraded-mode marker event.
func WithDegradationManager(dm *resilience.DegradationManager) RegistryOption {
	return func(r *AgentRegistry) { r.degradation = dm }
}

// WithMetrics attaches the metrics collector so registry operations are
// counted.
func WithMetrics(metrics *observability.MetricsCollector) RegistryOption {
	return func(r *AgentRegistry) { r.metrics = metrics }
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry(cfg config.RegistryConfig, opts ...RegistryOption) *AgentRegistry {
	r := &AgentRegistry{
		sessions:  make(map[string]*UserAgentSession),
		factories: make(map[string]AgentFactory),
		config:    cfg,
		logger:    logging.Nop(),
		tracer:    otel.Tracer("agentry/registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics, _ = observability.NewMetricsCollector(false)
	}
	r.lifecycle = NewAgentLifecycleManager(cfg, r, logging.OrNop(r.logger))
	return r
}

// RegisterFactory registers the factory for an agent type. Factories are
// registered once at startup; re-registering replaces the previous factory.
func (r *AgentRegistry) RegisterFactory(agentType string, factory AgentFactory) {
	r.factoryMu.Lock()
	defer r.factoryMu.Unlock()
	r.factories[agentType] = factory
}

// FactoryTypes returns the sorted registered agent types.
func (r *AgentRegistry) FactoryTypes() []string {
	r.factoryMu.RLock()
	defer r.factoryMu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for agentType := range r.factories {
		types = append(types, agentType)
	}
	sort.Strings(types)
	return types
}

func (r *AgentRegistry) factory(agentType string) (AgentFactory, bool) {
	r.factoryMu.RLock()
	defer r.factoryMu.RUnlock()
	factory, ok := r.factories[agentType]
	return factory, ok
}

// GetOrCreateSession returns the user's session, creating it on first use.
// Creation is idempotent: concurrent callers for the same user all get the
// same session.
func (r *AgentRegistry) GetOrCreateSession(userID string) *UserAgentSession {
	r.mu.RLock()
	session, ok := r.sessions[userID]
	r.mu.RUnlock()
	if ok {
		return session
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok = r.sessions[userID]; ok {
		return session
	}
	session = newUserAgentSession(userID)
	r.bridgeMu.RLock()
	if r.bridge != nil {
		session.setBridge(r.bridge)
	}
	r.bridgeMu.RUnlock()
	r.sessions[userID] = session
	r.metrics.IncrementActiveSessions(context.Background())
	r.logger.Debug("Created session for user %s (total sessions: %d)", userID, len(r.sessions))
	return session
}

// GetSession returns the user's session without creating one.
func (r *AgentRegistry) GetSession(userID string) (*UserAgentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[userID]
	return session, ok
}

// SessionCount returns the number of live sessions.
func (r *AgentRegistry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CreateAgentForUser builds an agent through the registered factory and
// stores it in the user's session. The slot is claimed before the factory
// runs and registration is all or nothing: on factory failure or context
// cancellation nothing is left behind.
func (r *AgentRegistry) CreateAgentForUser(ctx context.Context, userID, agentType string, execCtx ExecutionContext) (*AgentInstance, error) {
	ctx, span := r.tracer.Start(ctx, observability.SpanAgentCreate,
		trace.WithAttributes(observability.AgentAttrs(userID, agentType)...))
	defer span.End()

	if err := execCtx.Validate(); err != nil {
		return nil, err
	}
	if execCtx.UserID != userID {
		r.logger.Warn("Isolation violation: context user %s attempted create for user %s", execCtx.UserID, userID)
		return nil, errors.NewIsolationViolation("create_agent", userID, execCtx.UserID)
	}

	factory, ok := r.factory(agentType)
	if !ok {
		return nil, errors.NewFactoryError(agentType, nil)
	}

	session := r.GetOrCreateSession(userID)
	if err := session.beginCreate(agentType, r.config.MaxAgentsPerSession); err != nil {
		return nil, err
	}

	factoryCtx := ctx
	var cancel context.CancelFunc
	if r.config.FactoryTimeout > 0 {
		factoryCtx, cancel = context.WithTimeout(ctx, r.config.FactoryTimeout)
		defer cancel()
	}

	factoryStart := time.Now()
	agent, err := factory(factoryCtx, execCtx)
	if err != nil {
		session.abortCreate(agentType)
		r.metrics.RecordFactoryFailure(ctx, agentType)
		span.SetAttributes(observability.ErrorAttrs(err)...)
		factoryErr := errors.NewFactoryError(agentType, err)
		r.logger.Error("Factory for %s failed for user %s: %v", agentType, userID, err)
		r.emitEvent(ctx, events.New(events.AgentError, userID, map[string]any{
			"agent_type": agentType,
			"error":      factoryErr.Error(),
		}).WithThread(execCtx.ThreadID))
		return nil, factoryErr
	}
	if err := factoryCtx.Err(); err != nil {
		// The factory returned after the deadline; release whatever it
		// built and register nothing.
		instance := &AgentInstance{Agent: agent, UserID: userID, AgentType: agentType, CreatedAt: time.Now()}
		_ = instance.release(context.WithoutCancel(ctx))
		session.abortCreate(agentType)
		return nil, errors.NewFactoryError(agentType, err)
	}

	instance := &AgentInstance{
		Agent:     agent,
		UserID:    userID,
		AgentType: agentType,
		CreatedAt: time.Now(),
	}
	session.commitCreate(agentType, instance)
	r.metrics.RecordAgentCreated(ctx, agentType, time.Since(factoryStart))
	r.logger.Info("Created %s agent for user %s (session agents: %d)", agentType, userID, session.AgentCount())

	if warn := r.config.WarningAgentsPerSession; warn > 0 && session.AgentCount() >= warn {
		r.logger.Warn("User %s holds %d agents, above the warning threshold %d", userID, session.AgentCount(), warn)
	}
	r.emitDegradedMarker(ctx, userID)
	return instance, nil
}

// GetUserAgent returns the user's agent of the given type, if one exists.
func (r *AgentRegistry) GetUserAgent(userID, agentType string) (*AgentInstance, bool) {
	session, ok := r.GetSession(userID)
	if !ok {
		return nil, false
	}
	return session.Get(agentType)
}

// RemoveUserAgent unregisters one agent and runs its release hook. Returns
// false when no such agent exists.
func (r *AgentRegistry) RemoveUserAgent(ctx context.Context, userID, agentType string) bool {
	session, ok := r.GetSession(userID)
	if !ok {
		return false
	}
	instance, ok := session.remove(agentType)
	if !ok {
		return false
	}
	if err := instance.release(ctx); err != nil {
		r.logger.Warn("Release of %s/%s reported: %v", userID, agentType, err)
	}
	r.metrics.RecordAgentRemoved(ctx, agentType)
	r.logger.Info("Removed %s agent for user %s", agentType, userID)
	return true
}

// CleanupUserSession releases every agent in the user's session and drops
// the session. Cleanup never raises: release failures are collected in the
// report. Cleaning an absent session is a no-op with a zeroed report.
func (r *AgentRegistry) CleanupUserSession(ctx context.Context, userID string) CleanupReport {
	ctx, span := r.tracer.Start(ctx, observability.SpanSessionCleanup,
		trace.WithAttributes(observability.UserAttrs(userID)...))
	defer span.End()

	report := CleanupReport{UserID: userID}

	r.mu.Lock()
	session, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()
	if !ok {
		return report
	}

	report.SessionFound = true
	report.AgentsCleaned, report.Errors = session.drain(ctx)
	if bridge := r.EventBridge(); bridge != nil {
		bridge.ClearUser(userID)
	}
	r.metrics.DecrementActiveSessions(ctx)
	r.metrics.RecordCleanup(ctx, "user", report.AgentsCleaned)
	r.logger.Info("Cleaned up session for user %s (%d agents, %d errors)", userID, report.AgentsCleaned, len(report.Errors))
	return report
}

// ResetUserAgents clears the user's agents and leaves them with a fresh
// empty session, ready for new creations.
func (r *AgentRegistry) ResetUserAgents(ctx context.Context, userID string) CleanupReport {
	report := r.CleanupUserSession(ctx, userID)
	r.GetOrCreateSession(userID)
	return report
}

// EmergencyCleanupAll drains every session with bounded parallelism. One
// session's release failures never stop the sweep; everything lands in the
// aggregate report.
func (r *AgentRegistry) EmergencyCleanupAll(ctx context.Context) EmergencyReport {
	ctx, span := r.tracer.Start(ctx, observability.SpanEmergencyCleanup)
	defer span.End()

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*UserAgentSession)
	r.mu.Unlock()

	var (
		reportMu sync.Mutex
		report   EmergencyReport
	)
	group, ctx := errgroup.WithContext(ctx)
	parallelism := r.config.CleanupParallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	group.SetLimit(parallelism)

	bridge := r.EventBridge()
	for _, session := range sessions {
		group.Go(func() error {
			cleaned, errs := session.drain(ctx)
			if bridge != nil {
				bridge.ClearUser(session.UserID())
			}
			r.metrics.DecrementActiveSessions(ctx)
			reportMu.Lock()
			report.UsersCleaned++
			report.AgentsCleaned += cleaned
			report.Errors = append(report.Errors, errs...)
			reportMu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	r.metrics.RecordCleanup(ctx, "emergency", report.AgentsCleaned)
	r.logger.Warn("Emergency cleanup finished: %d users, %d agents, %d errors",
		report.UsersCleaned, report.AgentsCleaned, len(report.Errors))
	return report
}

func (r *AgentRegistry) snapshotSessions() []*UserAgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*UserAgentSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// MonitorAllUsers builds a read-only snapshot of every session. Sessions
// created or removed while the snapshot is being assembled may or may not
// appear; the report never mutates registry state.
func (r *AgentRegistry) MonitorAllUsers() MonitorReport {
	sessions := r.snapshotSessions()
	now := time.Now()
	report := MonitorReport{GeneratedAt: now}
	for _, session := range sessions {
		count := session.AgentCount()
		line := SessionReport{
			UserID:      session.UserID(),
			AgentCount:  count,
			AgeSeconds:  now.Sub(session.CreatedAt()).Seconds(),
			IdleSeconds: now.Sub(session.LastActive()).Seconds(),
		}
		if count >= r.config.MaxAgentsPerSession {
			line.Anomalies = append(line.Anomalies, "agent_limit_reached")
		} else if warn := r.config.WarningAgentsPerSession; warn > 0 && count >= warn {
			line.Anomalies = append(line.Anomalies, "agent_count_high")
		}
		report.Sessions = append(report.Sessions, line)
		report.TotalUsers++
		report.TotalAgents += count
		report.Anomalies += len(line.Anomalies)
	}
	sort.Slice(report.Sessions, func(i, j int) bool {
		return report.Sessions[i].UserID < report.Sessions[j].UserID
	})
	return report
}

// GetRegistryHealth summarizes the registry for health endpoints.
func (r *AgentRegistry) GetRegistryHealth() RegistryHealth {
	report := r.MonitorAllUsers()
	health := RegistryHealth{
		SessionCount: report.TotalUsers,
		AgentCount:   report.TotalAgents,
		Health:       HealthHealthy,
	}
	if report.Anomalies > 0 {
		health.Health = HealthWarning
	}
	if r.config.MaxTotalSessions > 0 && report.TotalUsers >= r.config.MaxTotalSessions {
		health.Health = HealthCritical
	}
	if r.degradation != nil {
		health.DegradationLevel = r.degradation.GetDegradationStatus().Level.String()
	}
	return health
}

// SetEventBridge wires the event bridge into the registry and every
// existing session.
func (r *AgentRegistry) SetEventBridge(bridge *events.Bridge) {
	r.bridgeMu.Lock()
	r.bridge = bridge
	r.bridgeMu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, session := range r.sessions {
		session.setBridge(bridge)
	}
}

// EventBridge returns the wired bridge, or nil.
func (r *AgentRegistry) EventBridge() *events.Bridge {
	r.bridgeMu.RLock()
	defer r.bridgeMu.RUnlock()
	return r.bridge
}

// DiagnoseEventWiring reports how many sessions can actually reach the
// event bridge. Useful when a user stops receiving events.
func (r *AgentRegistry) DiagnoseEventWiring() WiringReport {
	r.bridgeMu.RLock()
	configured := r.bridge != nil
	r.bridgeMu.RUnlock()

	sessions := r.snapshotSessions()
	report := WiringReport{BridgeConfigured: configured, TotalSessions: len(sessions)}
	for _, session := range sessions {
		if session.hasBridge() {
			report.WiredSessions++
		}
	}
	return report
}

// Lifecycle returns the lifecycle manager bound to this registry.
func (r *AgentRegistry) Lifecycle() *AgentLifecycleManager {
	return r.lifecycle
}

func (r *AgentRegistry) emitEvent(ctx context.Context, event events.Event) {
	r.bridgeMu.RLock()
	bridge := r.bridge
	r.bridgeMu.RUnlock()
	if bridge == nil {
		return
	}
	if err := bridge.Emit(ctx, event); err != nil {
		r.logger.Warn("Event %s for user %s not delivered: %v", event.Type, event.UserID, err)
	}
}

func (r *AgentRegistry) emitDegradedMarker(ctx context.Context, userID string) {
	if r.degradation == nil {
		return
	}
	status := r.degradation.GetDegradationStatus()
	if status.Level < resilience.LevelDegraded {
		return
	}
	r.emitEvent(ctx, events.New(events.DegradedMode, userID, map[string]any{
		"level":    status.Level.String(),
		"affected": status.Affected,
	}))
}
