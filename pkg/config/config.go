package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig              `json:"server"`
	Providers map[string]ProviderConfig `json:"providers"`
	Agents    map[string]AgentConfig    `json:"agents"`
	Throttle  ThrottleConfig            `json:"throttle"`
	Dedup     DedupConfig               `json:"dedup"`
	Redis     RedisConfig               `json:"redis"`
	Alerting  AlertingConfig            `json:"alerting"`
	Tracing   TracingConfig             `json:"tracing"`
	Logging   LoggingConfig             `json:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	RequestTimeout time.Duration `json:"request_timeout"`
	AcquireTimeout time.Duration `json:"acquire_timeout"`
}

// ProviderConfig contains per-provider capacity and client configuration
type ProviderConfig struct {
	ID            string        `json:"id"`
	MaxConcurrent int           `json:"max_concurrent"`
	RPM           int           `json:"rpm"`
	Burst         int           `json:"burst"`
	Endpoint      string        `json:"endpoint"`
	APIKey        string        `json:"api_key"`
	Model         string        `json:"model"`
	CallTimeout   time.Duration `json:"call_timeout"`
}

// AgentConfig contains the fallback chain for one logical agent
type AgentConfig struct {
	ID        string   `json:"id"`
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks"`
}

// ThrottleConfig contains auto-throttle tuning
type ThrottleConfig struct {
	SpikeThreshold  int           `json:"spike_threshold"`
	ReductionStep   float64       `json:"reduction_step"`
	ReductionFloor  float64       `json:"reduction_floor"`
	RestoreStep     float64       `json:"restore_step"`
	StableMinutes   int           `json:"stable_minutes"`
	LookbackWindow  time.Duration `json:"lookback_window"`
	TickInterval    time.Duration `json:"tick_interval"`
}

// DedupConfig contains deduplication cache configuration
type DedupConfig struct {
	TTL        time.Duration `json:"ttl"`
	MaxEntries int           `json:"max_entries"`
	Backend    string        `json:"backend"` // memory or redis
	SweepEvery time.Duration `json:"sweep_every"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// AlertingConfig contains alert notifier configuration
type AlertingConfig struct {
	Enabled         bool   `json:"enabled"`
	QueueSize       int    `json:"queue_size"`
	SlackWebhookURL string `json:"slack_webhook_url"`
	SlackChannel    string `json:"slack_channel"`
	WebhookURL      string `json:"webhook_url"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:           getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 90*time.Second),
			AcquireTimeout: getEnvDuration("ACQUIRE_TIMEOUT", 10*time.Second),
		},
		Providers: make(map[string]ProviderConfig),
		Agents:    make(map[string]AgentConfig),
		Throttle: ThrottleConfig{
			SpikeThreshold: getEnvInt("THROTTLE_SPIKE_THRESHOLD", 5),
			ReductionStep:  getEnvFloat("THROTTLE_REDUCTION_STEP", 0.8),
			ReductionFloor: getEnvFloat("THROTTLE_REDUCTION_FLOOR", 0.3),
			RestoreStep:    getEnvFloat("THROTTLE_RESTORE_STEP", 0.2),
			StableMinutes:  getEnvInt("THROTTLE_STABLE_MINUTES", 3),
			LookbackWindow: getEnvDuration("THROTTLE_LOOKBACK_WINDOW", 5*time.Minute),
			TickInterval:   getEnvDuration("THROTTLE_TICK_INTERVAL", time.Minute),
		},
		Dedup: DedupConfig{
			TTL:        getEnvDuration("DEDUP_TTL", 5*time.Minute),
			MaxEntries: getEnvInt("DEDUP_MAX_ENTRIES", 10000),
			Backend:    getEnvString("DEDUP_BACKEND", "memory"),
			SweepEvery: getEnvDuration("DEDUP_SWEEP_EVERY", time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnvString("REDIS_ADDR", ""),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Alerting: AlertingConfig{
			Enabled:         getEnvBool("ALERTING_ENABLED", true),
			QueueSize:       getEnvInt("ALERTING_QUEUE_SIZE", 256),
			SlackWebhookURL: getEnvString("ALERTING_SLACK_WEBHOOK_URL", ""),
			SlackChannel:    getEnvString("ALERTING_SLACK_CHANNEL", "#ops"),
			WebhookURL:      getEnvString("ALERTING_WEBHOOK_URL", ""),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	for _, id := range splitList(getEnvString("PROVIDERS", "")) {
		key := envKey(id)
		config.Providers[id] = ProviderConfig{
			ID:            id,
			MaxConcurrent: getEnvInt("PROVIDER_"+key+"_MAX_CONCURRENT", 10),
			RPM:           getEnvInt("PROVIDER_"+key+"_RPM", 60),
			Burst:         getEnvInt("PROVIDER_"+key+"_BURST", 0),
			Endpoint:      getEnvString("PROVIDER_"+key+"_ENDPOINT", ""),
			APIKey:        getEnvString("PROVIDER_"+key+"_API_KEY", ""),
			Model:         getEnvString("PROVIDER_"+key+"_MODEL", ""),
			CallTimeout:   getEnvDuration("PROVIDER_"+key+"_CALL_TIMEOUT", 60*time.Second),
		}
	}

	for _, id := range splitList(getEnvString("AGENTS", "")) {
		key := envKey(id)
		chain := splitList(getEnvString("AGENT_"+key+"_CHAIN", ""))
		agent := AgentConfig{ID: id}
		if len(chain) > 0 {
			agent.Primary = chain[0]
			agent.Fallbacks = chain[1:]
		}
		config.Agents[id] = agent
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration. Capacity limits must be positive and
// every chain must reference known providers exactly once.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	for id, p := range c.Providers {
		if p.MaxConcurrent <= 0 {
			return fmt.Errorf("provider %s: max_concurrent must be positive", id)
		}
		if p.RPM <= 0 {
			return fmt.Errorf("provider %s: rpm must be positive", id)
		}
		if p.Burst < 0 {
			return fmt.Errorf("provider %s: burst must not be negative", id)
		}
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}

	for id, a := range c.Agents {
		if a.Primary == "" {
			return fmt.Errorf("agent %s: chain must not be empty", id)
		}
		if _, ok := c.Providers[a.Primary]; !ok {
			return fmt.Errorf("agent %s: unknown primary provider %s", id, a.Primary)
		}
		seen := map[string]bool{a.Primary: true}
		for _, f := range a.Fallbacks {
			if _, ok := c.Providers[f]; !ok {
				return fmt.Errorf("agent %s: unknown fallback provider %s", id, f)
			}
			if seen[f] {
				return fmt.Errorf("agent %s: duplicate provider %s in chain", id, f)
			}
			seen[f] = true
		}
	}

	if c.Throttle.SpikeThreshold <= 0 {
		return fmt.Errorf("throttle spike_threshold must be positive")
	}
	if c.Throttle.ReductionStep <= 0 || c.Throttle.ReductionStep >= 1 {
		return fmt.Errorf("throttle reduction_step must be in (0, 1)")
	}
	if c.Throttle.ReductionFloor <= 0 || c.Throttle.ReductionFloor > 1 {
		return fmt.Errorf("throttle reduction_floor must be in (0, 1]")
	}

	if c.Dedup.Backend != "memory" && c.Dedup.Backend != "redis" {
		return fmt.Errorf("dedup backend must be memory or redis, got %s", c.Dedup.Backend)
	}
	if c.Dedup.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis dedup backend requires REDIS_ADDR")
	}

	return nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envKey(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
