package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all registry metrics. A disabled collector is a
// valid zero-cost stand-in: every Record method no-ops when the underlying
// instrument is nil.
type MetricsCollector struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider

	agentsCreated   metric.Int64Counter
	agentsRemoved   metric.Int64Counter
	factoryFailures metric.Int64Counter
	factoryDuration metric.Float64Histogram

	sessionsActive metric.Int64UpDownCounter
	cleanupRuns    metric.Int64Counter
	cleanupAgents  metric.Int64Counter

	eventsDelivered metric.Int64Counter
	eventsQueued    metric.Int64Counter
	eventsDropped   metric.Int64Counter

	breakerTransitions metric.Int64Counter
}

// NewMetricsCollector wires the OpenTelemetry meter provider to a Prometheus
// exporter. Scraping goes through Handler(), mounted by the HTTP server.
func NewMetricsCollector(enabled bool) (*MetricsCollector, error) {
	if !enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("agentry")

	agentsCreated, err := meter.Int64Counter(
		"agentry.agents.created.total",
		metric.WithDescription("Total number of agents created"),
		metric.WithUnit("{agent}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agents_created counter: %w", err)
	}

	agentsRemoved, err := meter.Int64Counter(
		"agentry.agents.removed.total",
		metric.WithDescription("Total number of agents removed"),
		metric.WithUnit("{agent}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agents_removed counter: %w", err)
	}

	factoryFailures, err := meter.Int64Counter(
		"agentry.factory.failures.total",
		metric.WithDescription("Total number of failed agent factory invocations"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create factory_failures counter: %w", err)
	}

	factoryDuration, err := meter.Float64Histogram(
		"agentry.factory.duration",
		metric.WithDescription("Agent factory invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create factory_duration histogram: %w", err)
	}

	sessionsActive, err := meter.Int64UpDownCounter(
		"agentry.sessions.active",
		metric.WithDescription("Number of live user sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions_active gauge: %w", err)
	}

	cleanupRuns, err := meter.Int64Counter(
		"agentry.cleanup.runs.total",
		metric.WithDescription("Total number of session cleanup operations"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cleanup_runs counter: %w", err)
	}

	cleanupAgents, err := meter.Int64Counter(
		"agentry.cleanup.agents.total",
		metric.WithDescription("Total number of agents released by cleanup"),
		metric.WithUnit("{agent}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cleanup_agents counter: %w", err)
	}

	eventsDelivered, err := meter.Int64Counter(
		"agentry.events.delivered.total",
		metric.WithDescription("Total number of events delivered live"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_delivered counter: %w", err)
	}

	eventsQueued, err := meter.Int64Counter(
		"agentry.events.queued.total",
		metric.WithDescription("Total number of events queued for later flush"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_queued counter: %w", err)
	}

	eventsDropped, err := meter.Int64Counter(
		"agentry.events.dropped.total",
		metric.WithDescription("Total number of events dropped on queue overflow"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_dropped counter: %w", err)
	}

	breakerTransitions, err := meter.Int64Counter(
		"agentry.breaker.transitions.total",
		metric.WithDescription("Total number of circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker_transitions counter: %w", err)
	}

	return &MetricsCollector{
		meter:              meter,
		provider:           provider,
		agentsCreated:      agentsCreated,
		agentsRemoved:      agentsRemoved,
		factoryFailures:    factoryFailures,
		factoryDuration:    factoryDuration,
		sessionsActive:     sessionsActive,
		cleanupRuns:        cleanupRuns,
		cleanupAgents:      cleanupAgents,
		eventsDelivered:    eventsDelivered,
		eventsQueued:       eventsQueued,
		eventsDropped:      eventsDropped,
		breakerTransitions: breakerTransitions,
	}, nil
}

// Handler returns the Prometheus scrape handler.
func (m *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}

// Shutdown flushes and stops the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.provider != nil {
		return m.provider.Shutdown(ctx)
	}
	return nil
}

// RecordAgentCreated records one successful agent creation.
func (m *MetricsCollector) RecordAgentCreated(ctx context.Context, agentType string, factoryTime time.Duration) {
	if m.agentsCreated == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent_type", agentType))
	m.agentsCreated.Add(ctx, 1, attrs)
	m.factoryDuration.Record(ctx, factoryTime.Seconds(), attrs)
}

// RecordAgentRemoved records one agent removal.
func (m *MetricsCollector) RecordAgentRemoved(ctx context.Context, agentType string) {
	if m.agentsRemoved == nil {
		return
	}
	m.agentsRemoved.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_type", agentType)))
}

// RecordFactoryFailure records one failed factory invocation.
func (m *MetricsCollector) RecordFactoryFailure(ctx context.Context, agentType string) {
	if m.factoryFailures == nil {
		return
	}
	m.factoryFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_type", agentType)))
}

// RecordCleanup records one cleanup run and how many agents it released.
func (m *MetricsCollector) RecordCleanup(ctx context.Context, scope string, agents int) {
	if m.cleanupRuns == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("scope", scope))
	m.cleanupRuns.Add(ctx, 1, attrs)
	m.cleanupAgents.Add(ctx, int64(agents), attrs)
}

// RecordEventOutcome records what happened to one emitted event.
func (m *MetricsCollector) RecordEventOutcome(ctx context.Context, outcome string) {
	if m.eventsDelivered == nil {
		return
	}
	switch outcome {
	case "delivered":
		m.eventsDelivered.Add(ctx, 1)
	case "queued":
		m.eventsQueued.Add(ctx, 1)
	case "dropped":
		m.eventsDropped.Add(ctx, 1)
	}
}

// RecordBreakerTransition records one breaker state change.
func (m *MetricsCollector) RecordBreakerTransition(ctx context.Context, dependency, from, to string) {
	if m.breakerTransitions == nil {
		return
	}
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dependency", dependency),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// IncrementActiveSessions increments the live session gauge.
func (m *MetricsCollector) IncrementActiveSessions(ctx context.Context) {
	if m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, 1)
}

// DecrementActiveSessions decrements the live session gauge.
func (m *MetricsCollector) DecrementActiveSessions(ctx context.Context) {
	if m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1)
}
