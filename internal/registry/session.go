package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentry/internal/events"
)

// UserAgentSession holds every live agent for one user. The session has its
// own lock, so operations on different users never contend with each other.
// Factory calls run outside the lock; a pending set keeps two concurrent
// creations of the same agent type from both running.
type UserAgentSession struct {
	userID string

	mu         sync.Mutex
	agents     map[string]*AgentInstance
	pending    map[string]struct{}
	createdAt  time.Time
	lastActive time.Time

	bridge *events.Bridge
}

func newUserAgentSession(userID string) *UserAgentSession {
	now := time.Now()
	return &UserAgentSession{
		userID:     userID,
		agents:     make(map[string]*AgentInstance),
		pending:    make(map[string]struct{}),
		createdAt:  now,
		lastActive: now,
	}
}

// UserID returns the owning user.
func (s *UserAgentSession) UserID() string { return s.userID }

// AgentCount returns the number of live agents in the session.
func (s *UserAgentSession) AgentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

// AgentTypes returns the sorted agent types currently registered.
func (s *UserAgentSession) AgentTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.agents))
	for agentType := range s.agents {
		types = append(types, agentType)
	}
	sort.Strings(types)
	return types
}

// Get returns the agent registered under agentType, if any.
func (s *UserAgentSession) Get(agentType string) (*AgentInstance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.agents[agentType]
	if ok {
		s.lastActive = time.Now()
	}
	return instance, ok
}

// CreatedAt returns when the session was first created.
func (s *UserAgentSession) CreatedAt() time.Time { return s.createdAt }

// LastActive returns the time of the most recent agent operation.
func (s *UserAgentSession) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// beginCreate claims the agentType slot before the factory runs. An existing
// agent is never overwritten silently; removal or reset must happen first.
// The limit counts claimed slots too, so concurrent creations cannot
// overshoot the ceiling.
func (s *UserAgentSession) beginCreate(agentType string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agentType]; exists {
		return fmt.Errorf("agent %q already exists for user %s, remove it before recreating", agentType, s.userID)
	}
	if _, creating := s.pending[agentType]; creating {
		return fmt.Errorf("agent %q is already being created for user %s", agentType, s.userID)
	}
	if limit > 0 && len(s.agents)+len(s.pending) >= limit {
		return fmt.Errorf("user %s reached the agent limit (%d), remove an agent first", s.userID, limit)
	}
	s.pending[agentType] = struct{}{}
	return nil
}

// commitCreate registers the fully constructed instance. Registration is all
// or nothing: abortCreate is the only other way out of a claimed slot.
func (s *UserAgentSession) commitCreate(agentType string, instance *AgentInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, agentType)
	s.agents[agentType] = instance
	s.lastActive = time.Now()
}

// abortCreate releases a claimed slot after a factory failure or
// cancellation, leaving no partially constructed instance behind.
func (s *UserAgentSession) abortCreate(agentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, agentType)
}

// remove unregisters and returns the instance under agentType, if present.
func (s *UserAgentSession) remove(agentType string) (*AgentInstance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.agents[agentType]
	if !ok {
		return nil, false
	}
	delete(s.agents, agentType)
	s.lastActive = time.Now()
	return instance, true
}

func (s *UserAgentSession) setBridge(bridge *events.Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridge = bridge
}

func (s *UserAgentSession) hasBridge() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge != nil
}

// drain removes every agent and releases each one, collecting errors rather
// than stopping at the first failure.
func (s *UserAgentSession) drain(ctx context.Context) (int, []string) {
	s.mu.Lock()
	agents := s.agents
	s.agents = make(map[string]*AgentInstance)
	s.lastActive = time.Now()
	s.mu.Unlock()

	var errs []string
	cleaned := 0
	for agentType, instance := range agents {
		if err := instance.release(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("release %s/%s: %v", s.userID, agentType, err))
		}
		cleaned++
	}
	return cleaned, errs
}
