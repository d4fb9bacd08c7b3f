package events

import (
	"context"
	"sync"
	"time"

	"agentry/internal/errors"
	"agentry/internal/logging"
)

// Transport is one user's live connection. Implementations must be safe for
// concurrent Deliver calls; the bridge never retries a failed delivery
// synchronously.
type Transport interface {
	Deliver(ctx context.Context, event Event) error
}

// BridgeConfig controls queueing and delivery behavior.
type BridgeConfig struct {
	// QueueCapacity bounds the per-user degraded-mode queue. On overflow the
	// oldest events are evicted first.
	QueueCapacity int
	// HistoryLimit bounds the per-user replay history.
	HistoryLimit int
	// EmitTimeout bounds how long one live delivery may take before the
	// event is queued instead.
	EmitTimeout time.Duration
}

// DefaultBridgeConfig returns sensible defaults
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		QueueCapacity: 256,
		HistoryLimit:  1000,
		EmitTimeout:   100 * time.Millisecond,
	}
}

// Bridge routes events to the correct user's live channel, queueing per user
// while the transport is degraded and flushing in original order on recovery.
type Bridge struct {
	config BridgeConfig
	logger logging.Logger

	mu      sync.RWMutex
	conns   map[string]Transport
	healthy bool

	queueMu sync.Mutex
	queues  map[string]*userQueue

	historyMu sync.RWMutex
	history   map[string][]Event

	hookMu      sync.RWMutex
	outcomeHook func(outcome string)

	metrics bridgeMetrics
}

type userQueue struct {
	events     []Event
	overflowed bool
	flushing   bool
}

// bridgeMetrics tracks bridge performance counters
type bridgeMetrics struct {
	mu sync.RWMutex

	totalDelivered    int64
	totalQueued       int64
	totalDropped      int64
	totalFlushed      int64
	totalConnections  int64
	activeConnections int64
}

// NewBridge creates an event bridge. The transport starts healthy.
func NewBridge(config BridgeConfig) *Bridge {
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = 256
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 1000
	}
	if config.EmitTimeout <= 0 {
		config.EmitTimeout = 100 * time.Millisecond
	}
	return &Bridge{
		config:  config,
		logger:  logging.NewComponentLogger("EventBridge"),
		conns:   make(map[string]Transport),
		healthy: true,
		queues:  make(map[string]*userQueue),
		history: make(map[string][]Event),
	}
}

// SetOutcomeHook installs an observer called with "delivered", "queued" or
// "dropped" for every event the bridge handles. Used to feed external
// metrics; the hook must be fast and must not call back into the bridge.
func (b *Bridge) SetOutcomeHook(fn func(outcome string)) {
	b.hookMu.Lock()
	b.outcomeHook = fn
	b.hookMu.Unlock()
}

func (b *Bridge) observe(outcome string) {
	b.hookMu.RLock()
	hook := b.outcomeHook
	b.hookMu.RUnlock()
	if hook != nil {
		hook(outcome)
	}
}

// RegisterConnection attaches a user's live connection. An existing
// connection for the same user is replaced.
func (b *Bridge) RegisterConnection(userID string, transport Transport) {
	b.mu.Lock()
	_, replaced := b.conns[userID]
	b.conns[userID] = transport
	b.mu.Unlock()

	b.metrics.connectionOpened(replaced)
	b.logger.Info("connection registered for user %s", userID)
}

// UnregisterConnection detaches a user's live connection. Events emitted
// afterwards are queued until a new connection registers.
func (b *Bridge) UnregisterConnection(userID string) {
	b.mu.Lock()
	_, existed := b.conns[userID]
	delete(b.conns, userID)
	b.mu.Unlock()

	if existed {
		b.metrics.connectionClosed()
		b.logger.Info("connection unregistered for user %s", userID)
	}
}

// HasConnection reports whether a user currently has a live connection.
func (b *Bridge) HasConnection(userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.conns[userID]
	return ok
}

// SetHealthy records the transport health reported by an external watcher.
// A transition back to healthy flushes every user's queue, in original order,
// before any new event is delivered.
func (b *Bridge) SetHealthy(healthy bool) {
	b.mu.Lock()
	recovered := healthy && !b.healthy
	b.healthy = healthy
	b.mu.Unlock()

	if recovered {
		b.logger.Info("transport recovered, flushing queued events")
		b.FlushAll(context.Background())
	} else if !healthy {
		b.logger.Warn("transport marked unhealthy, events will be queued")
	}
}

// Healthy reports the last transport health reported to the bridge.
func (b *Bridge) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy
}

// Emit delivers an event to its user's live channel. While the transport is
// unhealthy, the user has no connection, or earlier events are still queued,
// the event is appended to the user's bounded queue instead of being dropped.
// Emit never blocks beyond the configured delivery timeout.
func (b *Bridge) Emit(ctx context.Context, event Event) error {
	if event.UserID == "" {
		return errors.NewContextValidation("user_id")
	}

	b.recordHistory(event)

	b.mu.RLock()
	transport, connected := b.conns[event.UserID]
	healthy := b.healthy
	b.mu.RUnlock()

	if !healthy || !connected {
		b.enqueue(event)
		return nil
	}

	// Queued events must drain first to preserve per-user ordering. The
	// transport is up, so drain them now rather than waiting for a health
	// transition or a reconnect.
	if b.queueDepth(event.UserID) > 0 {
		b.enqueue(event)
		b.FlushUser(ctx, event.UserID)
		return nil
	}

	if err := b.deliver(ctx, transport, event); err != nil {
		b.logger.Warn("live delivery failed for user %s, queueing event %s: %v", event.UserID, event.Type, err)
		b.enqueue(event)
		return nil
	}

	b.metrics.delivered()
	b.observe("delivered")
	return nil
}

func (b *Bridge) deliver(ctx context.Context, transport Transport, event Event) error {
	deliverCtx, cancel := context.WithTimeout(ctx, b.config.EmitTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- transport.Deliver(deliverCtx, event)
	}()

	select {
	case err := <-done:
		return err
	case <-deliverCtx.Done():
		return deliverCtx.Err()
	}
}

func (b *Bridge) enqueue(event Event) {
	dropped := b.appendToQueue(event)
	for i := 0; i < dropped; i++ {
		b.observe("dropped")
	}
	b.observe("queued")
}

// appendToQueue returns how many events were evicted to make room.
func (b *Bridge) appendToQueue(event Event) int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	dropped := 0
	queue := b.queues[event.UserID]
	if queue == nil {
		queue = &userQueue{}
		b.queues[event.UserID] = queue
	}

	if len(queue.events) >= b.config.QueueCapacity {
		// Drop-oldest, and tell the user once that history was truncated.
		// An existing truncation marker at the head stays put.
		dropIdx := 0
		if queue.overflowed && queue.events[0].Type == QueueOverflow {
			dropIdx = 1
		}
		queue.events = append(queue.events[:dropIdx], queue.events[dropIdx+1:]...)
		b.metrics.dropped()
		dropped++
		if !queue.overflowed && b.config.QueueCapacity > 1 {
			queue.overflowed = true
			// The marker occupies the slot of one more dropped event so the
			// queue never exceeds its capacity.
			if len(queue.events) > 0 {
				queue.events = queue.events[1:]
				b.metrics.dropped()
				dropped++
			}
			marker := New(QueueOverflow, event.UserID, map[string]any{
				"reason": "event queue overflow, oldest events dropped",
			})
			queue.events = append([]Event{marker}, queue.events...)
		}
	}

	queue.events = append(queue.events, event)
	b.metrics.queued()
	return dropped
}

func (b *Bridge) queueDepth(userID string) int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if queue := b.queues[userID]; queue != nil {
		return len(queue.events)
	}
	return 0
}

// QueueDepth returns the number of queued events for one user.
func (b *Bridge) QueueDepth(userID string) int {
	return b.queueDepth(userID)
}

// FlushUser delivers a user's queued events in original order. It stops at
// the first failed delivery, leaving the remainder queued.
func (b *Bridge) FlushUser(ctx context.Context, userID string) int {
	b.mu.RLock()
	transport, connected := b.conns[userID]
	healthy := b.healthy
	b.mu.RUnlock()

	if !healthy || !connected {
		return 0
	}

	// One flusher per user at a time; a second caller simply reports zero.
	b.queueMu.Lock()
	queue := b.queues[userID]
	if queue == nil || queue.flushing {
		b.queueMu.Unlock()
		return 0
	}
	queue.flushing = true
	b.queueMu.Unlock()

	defer func() {
		b.queueMu.Lock()
		queue.flushing = false
		b.queueMu.Unlock()
	}()

	flushed := 0
	for {
		b.queueMu.Lock()
		if len(queue.events) == 0 {
			queue.overflowed = false
			b.queueMu.Unlock()
			break
		}
		next := queue.events[0]
		b.queueMu.Unlock()

		if err := b.deliver(ctx, transport, next); err != nil {
			b.logger.Warn("flush stopped for user %s after %d events: %v", userID, flushed, err)
			break
		}

		b.queueMu.Lock()
		// Pop the event we just delivered; Emit never removes from the
		// queue, so the head is unchanged.
		queue.events = queue.events[1:]
		b.queueMu.Unlock()

		b.metrics.flushedOne()
		b.observe("delivered")
		flushed++
	}

	if flushed > 0 {
		b.logger.Info("flushed %d queued events for user %s", flushed, userID)
	}
	return flushed
}

// FlushAll flushes every user queue. Returns the total flushed event count.
func (b *Bridge) FlushAll(ctx context.Context) int {
	b.queueMu.Lock()
	userIDs := make([]string, 0, len(b.queues))
	for userID, queue := range b.queues {
		if len(queue.events) > 0 {
			userIDs = append(userIDs, userID)
		}
	}
	b.queueMu.Unlock()

	total := 0
	for _, userID := range userIDs {
		total += b.FlushUser(ctx, userID)
	}
	return total
}

func (b *Bridge) recordHistory(event Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	history := append(b.history[event.UserID], event)
	if len(history) > b.config.HistoryLimit {
		history = history[len(history)-b.config.HistoryLimit:]
	}
	b.history[event.UserID] = history
}

// History returns a copy of a user's recent events for replay after a
// reconnect.
func (b *Bridge) History(userID string) []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	history := b.history[userID]
	if len(history) == 0 {
		return nil
	}
	out := make([]Event, len(history))
	copy(out, history)
	return out
}

// ClearUser drops a user's queue and history. Called on session cleanup and
// reset.
func (b *Bridge) ClearUser(userID string) {
	b.queueMu.Lock()
	delete(b.queues, userID)
	b.queueMu.Unlock()

	b.historyMu.Lock()
	delete(b.history, userID)
	b.historyMu.Unlock()

	b.logger.Info("cleared queue and history for user %s", userID)
}

// Metrics helper methods
func (m *bridgeMetrics) delivered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalDelivered++
}

func (m *bridgeMetrics) queued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalQueued++
}

func (m *bridgeMetrics) dropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalDropped++
}

func (m *bridgeMetrics) flushedOne() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalFlushed++
	m.totalDelivered++
}

func (m *bridgeMetrics) connectionOpened(replaced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalConnections++
	if !replaced {
		m.activeConnections++
	}
}

func (m *bridgeMetrics) connectionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeConnections--
}

// BridgeMetrics represents bridge metrics for export
type BridgeMetrics struct {
	TotalDelivered    int64          `json:"total_delivered"`
	TotalQueued       int64          `json:"total_queued"`
	TotalDropped      int64          `json:"total_dropped"`
	TotalFlushed      int64          `json:"total_flushed"`
	TotalConnections  int64          `json:"total_connections"`
	ActiveConnections int64          `json:"active_connections"`
	QueueDepth        map[string]int `json:"queue_depth"`
}

// GetMetrics returns current bridge metrics
func (b *Bridge) GetMetrics() BridgeMetrics {
	b.metrics.mu.RLock()
	out := BridgeMetrics{
		TotalDelivered:    b.metrics.totalDelivered,
		TotalQueued:       b.metrics.totalQueued,
		TotalDropped:      b.metrics.totalDropped,
		TotalFlushed:      b.metrics.totalFlushed,
		TotalConnections:  b.metrics.totalConnections,
		ActiveConnections: b.metrics.activeConnections,
	}
	b.metrics.mu.RUnlock()

	out.QueueDepth = make(map[string]int)
	b.queueMu.Lock()
	for userID, queue := range b.queues {
		if len(queue.events) > 0 {
			out.QueueDepth[userID] = len(queue.events)
		}
	}
	b.queueMu.Unlock()

	return out
}
