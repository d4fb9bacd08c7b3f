package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration for the agent platform core. Every
// threshold mentioned in the component contracts lives here; nothing is
// hard-coded at the call sites.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Breaker   BreakerConfig   `mapstructure:"breaker" yaml:"breaker"`
	Degrade   DegradeConfig   `mapstructure:"degradation" yaml:"degradation"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	EnableCORS   bool          `mapstructure:"enable_cors" yaml:"enable_cors"`
	Debug        bool          `mapstructure:"debug" yaml:"debug"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// LoggingConfig controls the process-wide logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// RegistryConfig controls session and agent resource ceilings.
type RegistryConfig struct {
	// MaxAgentsPerSession is the per-user agent ceiling. Sessions above it
	// are reported as anomalies by monitoring and classified critical.
	MaxAgentsPerSession int `mapstructure:"max_agents_per_session" yaml:"max_agents_per_session"`
	// WarningAgentsPerSession is the lower bound of the warning band.
	WarningAgentsPerSession int `mapstructure:"warning_agents_per_session" yaml:"warning_agents_per_session"`
	// MaxTotalSessions is the process-wide session ceiling that triggers
	// proactive reclamation of the least-recently-active sessions.
	MaxTotalSessions int `mapstructure:"max_total_sessions" yaml:"max_total_sessions"`
	// EstimatedAgentMemoryBytes sizes the per-agent memory estimate used in
	// resource summaries.
	EstimatedAgentMemoryBytes int64 `mapstructure:"estimated_agent_memory_bytes" yaml:"estimated_agent_memory_bytes"`
	// FactoryTimeout bounds a single agent factory invocation.
	FactoryTimeout time.Duration `mapstructure:"factory_timeout" yaml:"factory_timeout"`
	// CleanupParallelism bounds concurrent session teardown during emergency
	// cleanup.
	CleanupParallelism int `mapstructure:"cleanup_parallelism" yaml:"cleanup_parallelism"`
}

// BreakerConfig controls per-dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	OpenDuration     time.Duration `mapstructure:"open_duration" yaml:"open_duration"`
	CallTimeout      time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	// FallbackCacheSize is the LRU capacity for last-good results served
	// while a circuit is open.
	FallbackCacheSize int `mapstructure:"fallback_cache_size" yaml:"fallback_cache_size"`
}

// DegradeConfig controls how breaker states aggregate into a system level.
type DegradeConfig struct {
	// CriticalDependencies are the dependencies whose single failure already
	// forces the Degraded level.
	CriticalDependencies []string `mapstructure:"critical_dependencies" yaml:"critical_dependencies"`
	// CoreDependencies is the set whose simultaneous failure forces Minimal
	// regardless of the majority rule.
	CoreDependencies []string `mapstructure:"core_dependencies" yaml:"core_dependencies"`
}

// EventsConfig controls the event bridge.
type EventsConfig struct {
	// QueueCapacity bounds the per-user degraded-mode queue.
	QueueCapacity int `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	// HistoryLimit bounds the per-user replay history.
	HistoryLimit int `mapstructure:"history_limit" yaml:"history_limit"`
	// EmitTimeout bounds how long emit waits on a live transport before the
	// event is queued instead.
	EmitTimeout time.Duration `mapstructure:"emit_timeout" yaml:"emit_timeout"`
}

// TelemetryConfig controls metrics and tracing.
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
	TracingEnabled bool   `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name" yaml:"service_name"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			EnableCORS:   true,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Registry: RegistryConfig{
			MaxAgentsPerSession:       10,
			WarningAgentsPerSession:   7,
			MaxTotalSessions:          1000,
			EstimatedAgentMemoryBytes: 4 << 20,
			FactoryTimeout:            30 * time.Second,
			CleanupParallelism:        8,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  3,
			OpenDuration:      30 * time.Second,
			CallTimeout:       10 * time.Second,
			FallbackCacheSize: 256,
		},
		Degrade: DegradeConfig{
			CriticalDependencies: []string{"database", "llm"},
			CoreDependencies:     []string{"database", "cache", "llm"},
		},
		Events: EventsConfig{
			QueueCapacity: 256,
			HistoryLimit:  1000,
			EmitTimeout:   100 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			ServiceName:    "agentry",
		},
	}
}

// Load reads configuration from the optional file path plus AGENTRY_*
// environment variables, layered over Default.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("AGENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.enable_cors", cfg.Server.EnableCORS)
	v.SetDefault("server.debug", cfg.Server.Debug)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("registry.max_agents_per_session", cfg.Registry.MaxAgentsPerSession)
	v.SetDefault("registry.warning_agents_per_session", cfg.Registry.WarningAgentsPerSession)
	v.SetDefault("registry.max_total_sessions", cfg.Registry.MaxTotalSessions)
	v.SetDefault("registry.estimated_agent_memory_bytes", cfg.Registry.EstimatedAgentMemoryBytes)
	v.SetDefault("registry.factory_timeout", cfg.Registry.FactoryTimeout)
	v.SetDefault("registry.cleanup_parallelism", cfg.Registry.CleanupParallelism)
	v.SetDefault("breaker.failure_threshold", cfg.Breaker.FailureThreshold)
	v.SetDefault("breaker.open_duration", cfg.Breaker.OpenDuration)
	v.SetDefault("breaker.call_timeout", cfg.Breaker.CallTimeout)
	v.SetDefault("breaker.fallback_cache_size", cfg.Breaker.FallbackCacheSize)
	v.SetDefault("degradation.critical_dependencies", cfg.Degrade.CriticalDependencies)
	v.SetDefault("degradation.core_dependencies", cfg.Degrade.CoreDependencies)
	v.SetDefault("events.queue_capacity", cfg.Events.QueueCapacity)
	v.SetDefault("events.history_limit", cfg.Events.HistoryLimit)
	v.SetDefault("events.emit_timeout", cfg.Events.EmitTimeout)
	v.SetDefault("telemetry.metrics_enabled", cfg.Telemetry.MetricsEnabled)
	v.SetDefault("telemetry.tracing_enabled", cfg.Telemetry.TracingEnabled)
	v.SetDefault("telemetry.otlp_endpoint", cfg.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.service_name", cfg.Telemetry.ServiceName)
}

// Validate rejects configurations that would break component invariants.
func (c Config) Validate() error {
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.OpenDuration <= 0 {
		return fmt.Errorf("breaker.open_duration must be positive, got %v", c.Breaker.OpenDuration)
	}
	if c.Breaker.CallTimeout <= 0 {
		return fmt.Errorf("breaker.call_timeout must be positive, got %v", c.Breaker.CallTimeout)
	}
	if c.Registry.MaxAgentsPerSession < 1 {
		return fmt.Errorf("registry.max_agents_per_session must be >= 1, got %d", c.Registry.MaxAgentsPerSession)
	}
	if c.Registry.WarningAgentsPerSession > c.Registry.MaxAgentsPerSession {
		return fmt.Errorf("registry.warning_agents_per_session (%d) exceeds max_agents_per_session (%d)",
			c.Registry.WarningAgentsPerSession, c.Registry.MaxAgentsPerSession)
	}
	if c.Events.QueueCapacity < 1 {
		return fmt.Errorf("events.queue_capacity must be >= 1, got %d", c.Events.QueueCapacity)
	}
	if c.Events.EmitTimeout <= 0 {
		return fmt.Errorf("events.emit_timeout must be positive, got %v", c.Events.EmitTimeout)
	}
	return nil
}

// Render returns the effective configuration as YAML for the status command
// and diagnostics endpoints.
func (c Config) Render() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(out), nil
}
