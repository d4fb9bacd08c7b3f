package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentry/internal/config"
	"agentry/internal/events"
	"agentry/internal/logging"
	"agentry/internal/observability"
	"agentry/internal/registry"
	"agentry/internal/resilience"
	"agentry/internal/server"
)

const shutdownGrace = 15 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the registry server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			host, _ := cmd.Flags().GetString("host")
			port, _ := cmd.Flags().GetInt("port")

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("host", "", "Bind address (overrides config)")
	cmd.Flags().Int("port", 0, "Listen port (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logging.Configure(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger := logging.NewComponentLogger("Server")
	logger.Info("Starting agentry server on %s:%d", cfg.Server.Host, cfg.Server.Port)

	metrics, err := observability.NewMetricsCollector(cfg.Telemetry.MetricsEnabled)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	tracer, err := observability.NewTracerProvider(observability.TracingConfig{
		Enabled:      cfg.Telemetry.TracingEnabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	degradation := resilience.NewDegradationManager(resilience.DegradationConfig{
		CriticalDependencies: cfg.Degrade.CriticalDependencies,
		CoreDependencies:     cfg.Degrade.CoreDependencies,
	})
	for _, dep := range cfg.Degrade.CoreDependencies {
		degradation.RegisterDependency(dep)
	}
	watchBreaker := degradation.WatchBreaker()
	breakers := resilience.NewCircuitBreakerManager(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenDuration:     cfg.Breaker.OpenDuration,
		CallTimeout:      cfg.Breaker.CallTimeout,
		OnStateChange: func(from, to resilience.CircuitState, name string) {
			watchBreaker(from, to, name)
			metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
		},
	})

	bridge := events.NewBridge(events.BridgeConfig{
		QueueCapacity: cfg.Events.QueueCapacity,
		HistoryLimit:  cfg.Events.HistoryLimit,
		EmitTimeout:   cfg.Events.EmitTimeout,
	})
	bridge.SetOutcomeHook(func(outcome string) {
		metrics.RecordEventOutcome(context.Background(), outcome)
	})

	// Below Minimal the bridge delivers live; at Minimal and beyond it queues,
	// and recovery flushes everything that accumulated in order.
	degradation.SetOnChange(func(status resilience.DegradationStatus) {
		logger.Warn("Degradation level changed to %s (affected: %v)", status.LevelLabel, status.Affected)
		bridge.SetHealthy(status.Level < resilience.LevelMinimal)
	})

	reg := registry.NewAgentRegistry(cfg.Registry,
		registry.WithLogger(logging.NewComponentLogger("Registry")),
		registry.WithDegradationManager(degradation),
		registry.WithMetrics(metrics),
	)
	reg.SetEventBridge(bridge)
	registerBuiltinFactories(reg)

	srv := server.NewServer(cfg.Server, server.Deps{
		Registry:    reg,
		Bridge:      bridge,
		Breakers:    breakers,
		Degradation: degradation,
		Metrics:     metrics,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background sweep keeps the total session count under its ceiling.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if reports := reg.Lifecycle().EnforceSessionCeiling(ctx); len(reports) > 0 {
					for _, report := range reports {
						metrics.RecordCleanup(ctx, "ceiling", report.AgentsCleaned)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown: %v", err)
	}
	report := reg.EmergencyCleanupAll(shutdownCtx)
	logger.Info("Final cleanup: %d users, %d agents, %d errors",
		report.UsersCleaned, report.AgentsCleaned, len(report.Errors))
	metrics.RecordCleanup(shutdownCtx, "shutdown", report.AgentsCleaned)

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracer shutdown: %v", err)
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics shutdown: %v", err)
	}
	return nil
}

// registerBuiltinFactories installs the demo echo agent so a bare server is
// exercisable end to end. Real deployments register their own factories
// through the registry API before serving.
func registerBuiltinFactories(reg *registry.AgentRegistry) {
	reg.RegisterFactory("echo", func(ctx context.Context, execCtx registry.ExecutionContext) (registry.Agent, error) {
		return &echoAgent{userID: execCtx.UserID}, nil
	})
}

type echoAgent struct {
	userID string
}

func (a *echoAgent) Release(ctx context.Context) error { return nil }
