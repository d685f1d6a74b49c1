package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all orchestrator configuration
type Config struct {
	Service   ServiceConfig
	Redis     RedisConfig
	Archive   ArchiveConfig
	Engine    EngineConfig
	Sandbox   SandboxConfig
	RateLimit RateLimitConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string

	// DevAuthToken, when set, is the development-only bearer token the
	// HTTP surface accepts. Empty disables auth entirely.
	DevAuthToken string
}

// RedisConfig holds the key-value / stream store settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ArchiveConfig holds the optional Postgres run-archive settings.
// Archiving is disabled when URL is empty; Redis stays authoritative.
type ArchiveConfig struct {
	Enabled bool
	URL     string
}

// EngineConfig bounds a single run
type EngineConfig struct {
	// MaxParallelDefault caps concurrent nodes within a level when the
	// run request does not override it.
	MaxParallelDefault int

	// BudgetUSD is the per-run cost ceiling. Runs whose pre-flight
	// estimate exceeds it fail with BudgetExceeded.
	BudgetUSD float64

	// EventRetention is how long run event streams are kept.
	EventRetention time.Duration

	// ManifestPaths are component manifests loaded at startup to seed
	// the registry.
	ManifestPaths []string
}

// SandboxConfig caps code-node execution
type SandboxConfig struct {
	MemMB int
	CPUMs int
}

// RateLimitConfig throttles run starts. GlobalPerMinute 0 disables rate
// limiting entirely; per-client tier limits are fixed in the ratelimit
// package.
type RateLimitConfig struct {
	GlobalPerMinute int64
}

// TelemetryConfig controls the localhost pprof listener. Port 0 keeps it
// off.
type TelemetryConfig struct {
	PprofPort int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:         serviceName,
			Port:         getEnvInt("PORT", 8080),
			Environment:  getEnv("ENVIRONMENT", "development"),
			LogLevel:     getEnv("LOG_LEVEL", "info"),
			LogFormat:    getEnv("LOG_FORMAT", "text"),
			DevAuthToken: getEnv("DEV_AUTH_TOKEN", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Archive: ArchiveConfig{
			URL: getEnv("POSTGRES_URL", ""),
		},
		Engine: EngineConfig{
			MaxParallelDefault: getEnvInt("MAX_PARALLEL_DEFAULT", 8),
			BudgetUSD:          getEnvFloat("ORG_BUDGET_USD", 10.0),
			EventRetention:     time.Duration(getEnvInt("EVENT_RETENTION_SECONDS", 86400)) * time.Second,
			ManifestPaths:      getEnvSlice("COMPONENT_MANIFEST_PATHS", nil),
		},
		Sandbox: SandboxConfig{
			MemMB: getEnvInt("CODE_SANDBOX_MEM_MB", 64),
			CPUMs: getEnvInt("CODE_SANDBOX_CPU_MS", 2000),
		},
		RateLimit: RateLimitConfig{
			GlobalPerMinute: int64(getEnvInt("RUN_RATE_LIMIT_GLOBAL", 100)),
		},
		Telemetry: TelemetryConfig{
			PprofPort: getEnvInt("PPROF_PORT", 0),
		},
	}
	cfg.Archive.Enabled = cfg.Archive.URL != ""

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.Engine.MaxParallelDefault < 1 {
		return fmt.Errorf("MAX_PARALLEL_DEFAULT must be >= 1")
	}
	if c.Engine.BudgetUSD < 0 {
		return fmt.Errorf("ORG_BUDGET_USD must be >= 0")
	}
	if c.Sandbox.MemMB < 1 || c.Sandbox.CPUMs < 1 {
		return fmt.Errorf("sandbox caps must be positive")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}
