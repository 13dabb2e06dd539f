package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds all configuration for the application
type Config struct {
	// Common
	Environment string
	LogLevel    string

	Database DatabaseConfig
	Redis    RedisConfig
	Gateway  GatewayConfig
	Tracing  TracingConfig
}

// DatabaseConfig holds message store configuration
type DatabaseConfig struct {
	Driver          string // "memory", "postgres" or "sqlite"
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	SQLitePath      string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	OpenRooms       bool // memory store only: any user may join any room
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           int
	Password       string
	DB             int
	PoolSize       int
	MinIdleConns   int
	PresencePrefix string
	PresenceTopic  string
}

// Enabled reports whether a Redis host is configured
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

// GatewayConfig holds WebSocket gateway configuration
type GatewayConfig struct {
	Port             int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	CommandTimeout   time.Duration
	SendTimeout      time.Duration
	SendBufferSize   int
	MaxConnections   int
	MaxMessageSize   int64
	HistoryLimit     int
	APIRateLimit     int // requests per second per client on /api routes, 0 disables
	JWTSecret        string
	AllowedOrigins   []string
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Endpoint    string
	ServiceName string
}

// Load loads configuration from environment variables
// It automatically loads .env file if it exists in the current directory
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", StoreMemory),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Database:        getEnv("DB_NAME", "chat"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			SQLitePath:      getEnv("DB_SQLITE_PATH", "chat.db"),
			MaxConnections:  getEnvAsInt("DB_MAX_CONNECTIONS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			OpenRooms:       getEnvAsBool("DB_OPEN_ROOMS", true),
		},
		Redis: RedisConfig{
			Host:           getEnv("REDIS_HOST", ""),
			Port:           getEnvAsInt("REDIS_PORT", 6379),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			PoolSize:       getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns:   getEnvAsInt("REDIS_MIN_IDLE_CONNS", 2),
			PresencePrefix: getEnv("REDIS_PRESENCE_PREFIX", "presence:room:"),
			PresenceTopic:  getEnv("REDIS_PRESENCE_TOPIC", "presence.rooms"),
		},
		Gateway: GatewayConfig{
			Port:             getEnvAsInt("GATEWAY_PORT", 8088),
			ReadTimeout:      getEnvAsDuration("GATEWAY_READ_TIMEOUT", 60*time.Second),
			WriteTimeout:     getEnvAsDuration("GATEWAY_WRITE_TIMEOUT", 10*time.Second),
			PingInterval:     getEnvAsDuration("GATEWAY_PING_INTERVAL", 30*time.Second),
			HandshakeTimeout: getEnvAsDuration("GATEWAY_HANDSHAKE_TIMEOUT", 10*time.Second),
			CommandTimeout:   getEnvAsDuration("GATEWAY_COMMAND_TIMEOUT", 5*time.Second),
			SendTimeout:      getEnvAsDuration("GATEWAY_SEND_TIMEOUT", 1*time.Second),
			SendBufferSize:   getEnvAsInt("GATEWAY_SEND_BUFFER_SIZE", 256),
			MaxConnections:   getEnvAsInt("GATEWAY_MAX_CONNECTIONS", 10000),
			MaxMessageSize:   int64(getEnvAsInt("GATEWAY_MAX_MESSAGE_SIZE", 64*1024)),
			HistoryLimit:     getEnvAsInt("GATEWAY_HISTORY_LIMIT", 50),
			APIRateLimit:     getEnvAsInt("GATEWAY_API_RATE_LIMIT", 20),
			JWTSecret:        getEnv("GATEWAY_JWT_SECRET", ""),
			AllowedOrigins:   getEnvAsStringSlice("GATEWAY_ALLOWED_ORIGINS", []string{}),
		},
		Tracing: TracingConfig{
			Endpoint:    getEnv("OTEL_ENDPOINT", ""),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "chat-gateway"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("DB_HOST is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver)
	}
	if c.Environment == "production" && c.Gateway.JWTSecret == "" {
		return fmt.Errorf("GATEWAY_JWT_SECRET is required in production")
	}
	if c.Gateway.HandshakeTimeout <= 0 {
		return fmt.Errorf("GATEWAY_HANDSHAKE_TIMEOUT must be positive")
	}
	if c.Gateway.PingInterval <= 0 {
		return fmt.Errorf("GATEWAY_PING_INTERVAL must be positive")
	}
	if c.Gateway.ReadTimeout <= 0 {
		return fmt.Errorf("GATEWAY_READ_TIMEOUT must be positive")
	}
	if c.Gateway.WriteTimeout <= 0 {
		return fmt.Errorf("GATEWAY_WRITE_TIMEOUT must be positive")
	}
	if c.Gateway.PingInterval >= c.Gateway.ReadTimeout {
		return fmt.Errorf("GATEWAY_PING_INTERVAL must be shorter than GATEWAY_READ_TIMEOUT")
	}
	if c.Gateway.SendBufferSize <= 0 {
		return fmt.Errorf("GATEWAY_SEND_BUFFER_SIZE must be positive")
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

func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Split by comma and trim spaces
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
