package resilience

import (
	"sort"
	"sync"
	"time"

	"agentry/internal/logging"
)

// DegradationLevel is the system-wide service level derived from the health
// of every registered dependency.
type DegradationLevel int

const (
	// LevelNormal - all dependencies healthy
	LevelNormal DegradationLevel = iota
	// LevelPartial - exactly one non-critical dependency unhealthy
	LevelPartial
	// LevelDegraded - more than one unhealthy, or one critical dependency unhealthy
	LevelDegraded
	// LevelMinimal - a majority unhealthy, or every core dependency unhealthy
	LevelMinimal
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelPartial:
		return "partial"
	case LevelDegraded:
		return "degraded"
	case LevelMinimal:
		return "minimal"
	default:
		return "unknown"
	}
}

// DegradationStatus is a read-only snapshot of the aggregated service level.
type DegradationStatus struct {
	Level        DegradationLevel `json:"-"`
	LevelLabel   string           `json:"level"`
	Affected     []string         `json:"affected"`
	RecomputedAt time.Time        `json:"recomputed_at"`
}

// DegradationConfig identifies which dependencies weigh more in the rules.
type DegradationConfig struct {
	// CriticalDependencies force LevelDegraded when any one of them fails.
	CriticalDependencies []string
	// CoreDependencies force LevelMinimal when all of them fail at once.
	CoreDependencies []string
}

// DegradationManager aggregates per-dependency health flags into one system
// degradation level. SetServiceStatus is the only mutator and is safe to call
// concurrently from multiple dependency watchers; the recomputation depends
// only on the current set of flags, never on call ordering.
type DegradationManager struct {
	mu       sync.RWMutex
	healthy  map[string]bool
	critical map[string]struct{}
	core     map[string]struct{}
	status   DegradationStatus
	onChange func(DegradationStatus)
	logger   logging.Logger
}

// NewDegradationManager creates a manager with no dependencies registered.
// Dependencies appear as their watchers report status for the first time, or
// through RegisterDependency.
func NewDegradationManager(config DegradationConfig) *DegradationManager {
	m := &DegradationManager{
		healthy:  make(map[string]bool),
		critical: make(map[string]struct{}, len(config.CriticalDependencies)),
		core:     make(map[string]struct{}, len(config.CoreDependencies)),
		logger:   logging.NewComponentLogger("degradation-manager"),
	}
	for _, name := range config.CriticalDependencies {
		m.critical[name] = struct{}{}
	}
	for _, name := range config.CoreDependencies {
		m.core[name] = struct{}{}
	}
	m.status = DegradationStatus{Level: LevelNormal, LevelLabel: LevelNormal.String(), RecomputedAt: time.Now()}
	return m
}

// SetOnChange installs a callback invoked after every level change. The
// callback runs outside the manager lock.
func (m *DegradationManager) SetOnChange(fn func(DegradationStatus)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// RegisterDependency declares a dependency as healthy before its watcher has
// reported anything.
func (m *DegradationManager) RegisterDependency(name string) {
	m.SetServiceStatus(name, true)
}

// SetServiceStatus records a dependency health change and recomputes the
// aggregated level.
func (m *DegradationManager) SetServiceStatus(name string, healthy bool) {
	m.mu.Lock()
	previous, known := m.healthy[name]
	m.healthy[name] = healthy
	oldLevel := m.status.Level
	m.status = m.recomputeLocked()
	newStatus := m.status
	onChange := m.onChange
	m.mu.Unlock()

	if known && previous == healthy && oldLevel == newStatus.Level {
		return
	}
	if !healthy {
		m.logger.Warn("dependency %s reported unhealthy (level=%s)", name, newStatus.Level)
	} else {
		m.logger.Info("dependency %s reported healthy (level=%s)", name, newStatus.Level)
	}
	if oldLevel != newStatus.Level && onChange != nil {
		onChange(newStatus)
	}
}

// GetDegradationStatus is a pure read of the current aggregated status.
func (m *DegradationManager) GetDegradationStatus() DegradationStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := m.status
	status.Affected = append([]string(nil), m.status.Affected...)
	return status
}

// IsHealthy reports whether one named dependency is currently healthy.
// Unknown dependencies are treated as healthy.
func (m *DegradationManager) IsHealthy(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	healthy, ok := m.healthy[name]
	return !ok || healthy
}

// WatchBreaker returns a circuit breaker state-change callback that feeds
// this manager: an opening circuit marks the dependency unhealthy, a closing
// one marks it healthy.
func (m *DegradationManager) WatchBreaker() func(from, to CircuitState, name string) {
	return func(_, to CircuitState, name string) {
		switch to {
		case StateOpen:
			m.SetServiceStatus(name, false)
		case StateClosed:
			m.SetServiceStatus(name, true)
		}
	}
}

func (m *DegradationManager) recomputeLocked() DegradationStatus {
	affected := make([]string, 0)
	criticalDown := false
	for name, healthy := range m.healthy {
		if healthy {
			continue
		}
		affected = append(affected, name)
		if _, ok := m.critical[name]; ok {
			criticalDown = true
		}
	}
	sort.Strings(affected)

	level := LevelNormal
	switch {
	case len(affected) == 0:
		level = LevelNormal
	case m.coreAllDownLocked() || len(affected)*2 > len(m.healthy):
		level = LevelMinimal
	case len(affected) > 1 || criticalDown:
		level = LevelDegraded
	default:
		level = LevelPartial
	}

	return DegradationStatus{
		Level:        level,
		LevelLabel:   level.String(),
		Affected:     affected,
		RecomputedAt: time.Now(),
	}
}

func (m *DegradationManager) coreAllDownLocked() bool {
	if len(m.core) == 0 {
		return false
	}
	for name := range m.core {
		if healthy, ok := m.healthy[name]; !ok || healthy {
			return false
		}
	}
	return true
}
