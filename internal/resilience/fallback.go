package resilience

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"agentry/internal/errors"
	"agentry/internal/logging"
)

// CallStatus tells a caller which path a guarded dependency call took.
// Degraded outcomes are ordinary values, not errors, so callers are forced to
// handle the fallback branch explicitly.
type CallStatus int

const (
	// CallOK - the dependency answered
	CallOK CallStatus = iota
	// CallDegraded - the dependency is unavailable, a cached value was served
	CallDegraded
	// CallFailed - the dependency is unavailable and no fallback exists
	CallFailed
)

func (s CallStatus) String() string {
	switch s {
	case CallOK:
		return "ok"
	case CallDegraded:
		return "degraded"
	case CallFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CallResult carries the outcome of a guarded dependency call.
type CallResult struct {
	Status   CallStatus
	Value    any
	Err      error
	CachedAt time.Time // set when Status is CallDegraded
}

// FallbackCache keeps the last good result per operation key so guarded calls
// can answer in degraded mode while a circuit is open.
type FallbackCache struct {
	cache *lru.Cache[string, cachedValue]
}

type cachedValue struct {
	value    any
	cachedAt time.Time
}

// NewFallbackCache creates an LRU-bounded fallback cache.
func NewFallbackCache(size int) (*FallbackCache, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, cachedValue](size)
	if err != nil {
		return nil, err
	}
	return &FallbackCache{cache: cache}, nil
}

// Put stores the latest good value for an operation key.
func (c *FallbackCache) Put(key string, value any) {
	c.cache.Add(key, cachedValue{value: value, cachedAt: time.Now()})
}

// Get returns the cached value for a key, if any.
func (c *FallbackCache) Get(key string) (any, time.Time, bool) {
	entry, ok := c.cache.Get(key)
	if !ok {
		return nil, time.Time{}, false
	}
	return entry.value, entry.cachedAt, true
}

// Len returns the number of cached entries.
func (c *FallbackCache) Len() int {
	return c.cache.Len()
}

// Guard wraps every call to one external dependency with its circuit breaker
// and serves cached results while the dependency is down.
type Guard struct {
	dependency string
	breaker    *CircuitBreaker
	cache      *FallbackCache
	logger     logging.Logger
}

// NewGuard builds a guard for one dependency.
func NewGuard(dependency string, breaker *CircuitBreaker, cache *FallbackCache) *Guard {
	return &Guard{
		dependency: dependency,
		breaker:    breaker,
		cache:      cache,
		logger:     logging.NewComponentLogger("guard-" + dependency),
	}
}

// Do executes fn behind the circuit breaker. On success the value is cached
// under key. When the circuit is open or the call fails, the last cached
// value for key is served as an explicitly degraded result; with no cached
// value the result is CallFailed carrying the underlying error.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) CallResult {
	value, err := ExecuteFunc(g.breaker, ctx, fn)
	if err == nil {
		if g.cache != nil && key != "" {
			g.cache.Put(key, value)
		}
		return CallResult{Status: CallOK, Value: value}
	}

	if g.cache != nil && key != "" {
		if cached, cachedAt, ok := g.cache.Get(key); ok {
			g.logger.Warn("serving cached result for %s/%s: %v", g.dependency, key, err)
			return CallResult{Status: CallDegraded, Value: cached, Err: err, CachedAt: cachedAt}
		}
	}

	if errors.IsCircuitOpen(err) {
		g.logger.Warn("circuit open for %s and no cached result for %s", g.dependency, key)
	}
	return CallResult{Status: CallFailed, Err: err}
}

// Breaker exposes the underlying circuit breaker for stats and wiring.
func (g *Guard) Breaker() *CircuitBreaker {
	return g.breaker
}
