package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerAddress string
	Environment   string

	// Event store selection: "dynamodb", "sqlite" or "memory"
	EventStoreBackend string
	SQLitePath        string

	// AWS configuration
	AWSRegion     string
	DynamoDBTable string
	EventBusName  string

	// Lambda configuration
	IsLambda           bool
	LambdaFunctionName string

	// Executor configuration
	ExecutorBaseURL string
	ExecutorTimeout time.Duration

	// Redis view cache. Empty address disables the shared cache and falls
	// back to the in-process one.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ViewCacheTTL  time.Duration

	// Saga thresholds. Recovery bounds and backoff vary by deployment, so
	// they live here rather than in code.
	RecoveryMaxAttempts     int
	RecoveryProbeTimeout    time.Duration
	CompensationMaxRetries  int
	CompensationBaseBackoff time.Duration
	RecoverySweepSchedule   string

	// Outbox relay
	OutboxBatchSize int
	OutboxInterval  time.Duration

	// Logging
	LogLevel string

	// Authentication
	JWTSecret string
	JWTIssuer string

	// Feature flags
	EnableMetrics bool
	EnableTracing bool
	EnableCORS    bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerAddress: getEnv("SERVER_ADDRESS", ":8080"),
		Environment:   getEnv("ENVIRONMENT", "development"),

		EventStoreBackend: getEnv("EVENT_STORE_BACKEND", "dynamodb"),
		SQLitePath:        getEnv("SQLITE_PATH", "./data/provisioner.db"),

		AWSRegion:     getEnv("AWS_REGION", "us-west-2"),
		DynamoDBTable: getEnv("TABLE_NAME", "provisioner-events"),
		EventBusName:  getEnv("EVENT_BUS_NAME", "provisioner-events"),

		IsLambda:           getEnvBool("IS_LAMBDA", false),
		LambdaFunctionName: getEnv("AWS_LAMBDA_FUNCTION_NAME", ""),

		ExecutorBaseURL: getEnv("EXECUTOR_BASE_URL", "http://localhost:9090"),
		ExecutorTimeout: getEnvDuration("EXECUTOR_TIMEOUT", 10*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		ViewCacheTTL:  getEnvDuration("VIEW_CACHE_TTL", 30*time.Minute),

		RecoveryMaxAttempts:     getEnvInt("RECOVERY_MAX_ATTEMPTS", 3),
		RecoveryProbeTimeout:    getEnvDuration("RECOVERY_PROBE_TIMEOUT", 5*time.Second),
		CompensationMaxRetries:  getEnvInt("COMPENSATION_MAX_RETRIES", 3),
		CompensationBaseBackoff: getEnvDuration("COMPENSATION_BASE_BACKOFF", 100*time.Millisecond),
		RecoverySweepSchedule:   getEnv("RECOVERY_SWEEP_SCHEDULE", "@every 1m"),

		OutboxBatchSize: getEnvInt("OUTBOX_BATCH_SIZE", 50),
		OutboxInterval:  getEnvDuration("OUTBOX_INTERVAL", 5*time.Second),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", "provisioner"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		EnableMetrics: getEnvBool("ENABLE_METRICS", false),
		EnableTracing: getEnvBool("ENABLE_TRACING", false),
		EnableCORS:    getEnvBool("ENABLE_CORS", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is an alias for LoadConfig
func Load() (*Config, error) {
	return LoadConfig()
}

// Validate checks if all required configuration is present
func (c *Config) Validate() error {
	switch c.EventStoreBackend {
	case "dynamodb", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown EVENT_STORE_BACKEND %q", c.EventStoreBackend)
	}

	if c.RecoveryMaxAttempts < 1 {
		return fmt.Errorf("RECOVERY_MAX_ATTEMPTS must be at least 1")
	}
	if c.CompensationMaxRetries < 1 {
		return fmt.Errorf("COMPENSATION_MAX_RETRIES must be at least 1")
	}

	if c.Environment == "production" {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.EventStoreBackend == "memory" {
			return fmt.Errorf("memory event store is not allowed in production")
		}
		if c.EventStoreBackend == "dynamodb" && c.DynamoDBTable == "" {
			return fmt.Errorf("TABLE_NAME is required")
		}
		if c.EventBusName == "" {
			return fmt.Errorf("EVENT_BUS_NAME is required")
		}
	}
	return nil
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
