package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Store backends
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// LLM providers
const (
	LLMProviderNone      = "none"
	LLMProviderAnthropic = "anthropic"
)

// Config holds all configuration for taskloop
type Config struct {
	// Server configuration
	HTTPPort int    `env:"TASKLOOP_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"TASKLOOP_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// APIKey protects the REST API when set
	APIKey string `env:"TASKLOOP_API_KEY"`

	// State store configuration
	Store StoreConfig

	// Redis configuration
	Redis RedisConfig

	// LLM configuration
	LLM LLMConfig

	// Worker configuration
	Workers WorkerConfig

	// Workflow loop configuration
	Workflow WorkflowConfig

	// Tracing configuration
	Telemetry TelemetryConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// StoreConfig selects and configures the state store backend
type StoreConfig struct {
	Backend     string        `env:"STORE_BACKEND" envDefault:"redis"`
	SQLitePath  string        `env:"STORE_SQLITE_PATH" envDefault:"data/taskloop.db"`
	PostgresDSN string        `env:"STORE_POSTGRES_DSN"`
	StateTTL    time.Duration `env:"STORE_STATE_TTL" envDefault:"0s"`
	Retries     int           `env:"STORE_RETRIES" envDefault:"2"`
	RetryDelay  time.Duration `env:"STORE_RETRY_DELAY" envDefault:"200ms"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// Event streams are keyed "<prefix>:events:<topic>"
	EventsPrefix string `env:"REDIS_EVENTS_PREFIX" envDefault:"taskloop"`
}

// LLMConfig holds LLM provider configuration
type LLMConfig struct {
	Provider string `env:"LLM_PROVIDER" envDefault:"none"`
	APIKey   string `env:"LLM_API_KEY"`

	RequestTimeout time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"120s"`

	// Default model settings
	DefaultModel     string `env:"LLM_DEFAULT_MODEL" envDefault:"claude-3-5-sonnet-20241022"`
	DefaultMaxTokens int    `env:"LLM_DEFAULT_MAX_TOKENS" envDefault:"4096"`

	// UsePlanner lets the model decompose main tasks
	UsePlanner bool `env:"LLM_USE_PLANNER" envDefault:"false"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	MaxRetries          int           `env:"WORKER_MAX_RETRIES" envDefault:"3"`
	RetryDelay          time.Duration `env:"WORKER_RETRY_DELAY" envDefault:"5s"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// WorkflowConfig holds workflow loop configuration
type WorkflowConfig struct {
	MaxIterations    int           `env:"WORKFLOW_MAX_ITERATIONS" envDefault:"10"`
	BatchMode        string        `env:"WORKFLOW_BATCH_MODE" envDefault:"single"`
	MaxParallel      int           `env:"WORKFLOW_MAX_PARALLEL" envDefault:"4"`
	PollInterval     time.Duration `env:"WORKFLOW_POLL_INTERVAL" envDefault:"500ms"`
	Deadline         time.Duration `env:"WORKFLOW_DEADLINE" envDefault:"0s"`
	DefaultManagerID string        `env:"WORKFLOW_DEFAULT_MANAGER_ID" envDefault:"default_manager_001"`
	TemplatesFile    string        `env:"WORKFLOW_TEMPLATES_FILE"`
	RuleKeywords     []string      `env:"WORKFLOW_RULE_KEYWORDS" envSeparator:"," envDefault:"acknowledged execution"`
}

// TelemetryConfig holds OpenTelemetry exporter configuration
type TelemetryConfig struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"taskloop"`
	Insecure     bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	WorkerCall      time.Duration `env:"TIMEOUT_WORKER_CALL" envDefault:"300s"` // 5 minutes
	StoreCall       time.Duration `env:"TIMEOUT_STORE_CALL" envDefault:"5s"`
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads an optional .env file (DOTENV_PATH, default ".env") and then
// configuration from environment variables
func Load() (*Config, error) {
	path := os.Getenv("DOTENV_PATH")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	// Validate store config
	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("postgres DSN is required")
		}
	default:
		return fmt.Errorf("unsupported store backend: %s (must be memory, redis, sqlite, or postgres)", c.Store.Backend)
	}
	if c.Store.Retries < 0 {
		return fmt.Errorf("store retries must be >= 0")
	}

	// Validate LLM config
	switch c.LLM.Provider {
	case LLMProviderNone:
		if c.LLM.UsePlanner {
			return fmt.Errorf("LLM planner requires an LLM provider")
		}
	case LLMProviderAnthropic:
		if c.LLM.APIKey == "" {
			return fmt.Errorf("LLM API key is required")
		}
	default:
		return fmt.Errorf("unsupported LLM provider: %s (must be none or anthropic)", c.LLM.Provider)
	}

	// Validate worker config
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Workers.MaxRetries < 0 {
		return fmt.Errorf("worker max retries must be >= 0")
	}

	// Validate workflow config
	if c.Workflow.MaxIterations < 1 {
		return fmt.Errorf("workflow max iterations must be at least 1")
	}
	if c.Workflow.BatchMode != "single" && c.Workflow.BatchMode != "frontier" {
		return fmt.Errorf("invalid batch mode: %s (must be single or frontier)", c.Workflow.BatchMode)
	}
	if c.Workflow.PollInterval <= 0 {
		return fmt.Errorf("workflow poll interval must be positive")
	}
	if c.Workflow.DefaultManagerID == "" {
		return fmt.Errorf("default manager id is required")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
