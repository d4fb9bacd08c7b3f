package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentry/internal/errors"
	"agentry/internal/logging"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed - normal operation, requests allowed
	StateClosed CircuitState = iota
	// StateOpen - failing, requests blocked
	StateOpen
	// StateHalfOpen - testing if the dependency recovered
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	FailureThreshold int                                      // Consecutive failures to open circuit (default: 3)
	OpenDuration     time.Duration                            // Time to wait before attempting half-open (default: 30s)
	CallTimeout      time.Duration                            // Per-call timeout; a timeout counts as a failure (default: 10s)
	OnStateChange    func(from, to CircuitState, name string) // Optional callback
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		OpenDuration:     30 * time.Second,
		CallTimeout:      10 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern for one named
// dependency. In half-open exactly one trial call is allowed through; its
// outcome decides the next state.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger

	mu              sync.RWMutex
	state           CircuitState
	failureCount    int
	totalCalls      int64
	failedCalls     int64
	trialInFlight   bool
	lastFailureTime time.Time
	openedAt        time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = 30 * time.Second
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logging.NewComponentLogger("circuit-breaker"),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs a function with circuit breaker protection. The function runs
// under the configured per-call timeout; exceeding it is recorded as a
// failure and returned as a ServiceUnavailableError.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := cb.runWithTimeout(ctx, fn)
	cb.afterRequest(err)
	return err
}

// ExecuteFunc is a helper to execute a function that returns a value.
// This avoids the need for method generics.
func ExecuteFunc[T any](cb *CircuitBreaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	err := cb.Execute(ctx, func(ctx context.Context) error {
		value, innerErr := fn(ctx)
		if innerErr != nil {
			return innerErr
		}
		result = value
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Allow checks whether a request can proceed under the circuit breaker.
// Callers that need to inspect responses should use Allow/Mark instead of
// Execute. A successful Allow in half-open claims the single trial slot, so
// every Allow must be paired with a Mark.
func (cb *CircuitBreaker) Allow() error {
	return cb.beforeRequest()
}

// Mark records a request outcome for the circuit breaker.
// Pass nil to mark success, or a non-nil error to record failure.
func (cb *CircuitBreaker) Mark(err error) {
	cb.afterRequest(err)
}

func (cb *CircuitBreaker) runWithTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	if cb.config.CallTimeout <= 0 {
		if err := fn(ctx); err != nil {
			return errors.NewServiceUnavailable(cb.name, err, false)
		}
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.config.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.NewServiceUnavailable(cb.name, err, callCtx.Err() == context.DeadlineExceeded)
		}
		return nil
	case <-callCtx.Done():
		return errors.NewServiceUnavailable(cb.name, callCtx.Err(), callCtx.Err() == context.DeadlineExceeded)
	}
}

// beforeRequest checks if a request should be allowed
func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.OpenDuration {
			cb.setState(StateHalfOpen)
			cb.trialInFlight = true
			cb.logger.Info("[%s] circuit breaker transitioning to half-open (testing recovery)", cb.name)
			return nil
		}
		cb.totalCalls--
		return errors.NewCircuitOpen(cb.name, cb.config.OpenDuration-time.Since(cb.openedAt))

	case StateHalfOpen:
		// Only one trial call may probe the dependency at a time.
		if cb.trialInFlight {
			cb.totalCalls--
			return errors.NewCircuitOpen(cb.name, 0)
		}
		cb.trialInFlight = true
		return nil

	default:
		cb.totalCalls--
		return fmt.Errorf("unknown circuit breaker state: %v", cb.state)
	}
}

// afterRequest records the result of a request
func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.onSuccess()
	} else {
		cb.failedCalls++
		cb.onFailure()
	}
}

// onSuccess handles successful requests
func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		if cb.failureCount > 0 {
			cb.logger.Debug("[%s] success, resetting failure count", cb.name)
			cb.failureCount = 0
		}

	case StateHalfOpen:
		cb.trialInFlight = false
		cb.setState(StateClosed)
		cb.failureCount = 0
		cb.logger.Info("[%s] circuit breaker closed (dependency recovered)", cb.name)

	case StateOpen:
		// Should not happen; Allow never admits calls while open.
		cb.logger.Warn("[%s] unexpected success recorded in open state", cb.name)
	}
}

// onFailure handles failed requests
func (cb *CircuitBreaker) onFailure() {
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		cb.logger.Debug("[%s] failure in closed state (%d/%d)", cb.name, cb.failureCount, cb.config.FailureThreshold)

		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
			cb.openedAt = time.Now()
			cb.logger.Warn("[%s] circuit breaker opened (too many failures)", cb.name)
		}

	case StateHalfOpen:
		// A failed trial call reopens the circuit and restarts the timer.
		cb.trialInFlight = false
		cb.setState(StateOpen)
		cb.openedAt = time.Now()
		cb.logger.Warn("[%s] circuit breaker reopened (trial call failed)", cb.name)

	case StateOpen:
		cb.logger.Debug("[%s] failure while circuit open", cb.name)
	}
}

// setState transitions to a new state
func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	if cb.config.OnStateChange != nil {
		// Call in goroutine to avoid blocking under cb.mu.
		go cb.config.OnStateChange(oldState, newState, cb.name)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats returns a read-only snapshot of the breaker's counters
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		TotalCalls:      cb.totalCalls,
		FailedCalls:     cb.failedCalls,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.trialInFlight = false
	cb.lastStateChange = time.Now()

	cb.logger.Info("[%s] circuit breaker manually reset from %s to closed", cb.name, oldState)
}

// CircuitBreakerStats contains circuit breaker statistics
type CircuitBreakerStats struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"-"`
	StateLabel      string       `json:"state"`
	FailureCount    int          `json:"failure_count"`
	TotalCalls      int64        `json:"total_calls"`
	FailedCalls     int64        `json:"failed_calls"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	LastStateChange time.Time    `json:"last_state_change"`
}

// WithStateLabel fills the serializable state label.
func (s CircuitBreakerStats) WithStateLabel() CircuitBreakerStats {
	s.StateLabel = s.State.String()
	return s
}

// CircuitBreakerManager manages one circuit breaker per named dependency
type CircuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	mu       sync.RWMutex
	logger   logging.Logger
}

// NewCircuitBreakerManager creates a new circuit breaker manager
func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		logger:   logging.NewComponentLogger("circuit-breaker-manager"),
	}
}

// Get returns a circuit breaker for the given dependency (creates if not exists)
func (m *CircuitBreakerManager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	if breaker, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return breaker
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, ok := m.breakers[name]; ok {
		return breaker
	}

	breaker := NewCircuitBreaker(name, m.config)
	m.breakers[name] = breaker
	m.logger.Debug("created circuit breaker for: %s", name)
	return breaker
}

// Stats returns statistics for all circuit breakers
func (m *CircuitBreakerManager) Stats() []CircuitBreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]CircuitBreakerStats, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		stats = append(stats, breaker.Stats().WithStateLabel())
	}
	return stats
}

// ResetAll resets all circuit breakers
func (m *CircuitBreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, breaker := range m.breakers {
		breaker.Reset()
	}
	m.logger.Info("reset all circuit breakers")
}
