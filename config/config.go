// Package config loads the collaboration core's startup configuration from
// environment variables. There is no runtime reconfiguration: Load is
// called once at process start and the result is threaded through explicitly.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config aggregates every sub-config the core needs to start.
type Config struct {
	Server      ServerConfig
	Persistence PersistenceConfig
	Auth        AuthConfig
	Logging     LoggingConfig
}

// ServerConfig controls the HTTP server that hosts the WebSocket upgrade
// endpoint.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// PersistenceConfig points at the Postgres instance backing board snapshots
// and the Access Oracle's collaborator/share tables.
type PersistenceConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SaveEveryFrames int
}

// AuthConfig controls the Access Oracle: JWT verification and the
// revoked-token / resolved-share-token Redis cache.
type AuthConfig struct {
	JWTSecret     string
	JWTIssuer     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ShareCacheTTL time.Duration
}

// LoggingConfig controls the project-wide slog logger.
type LoggingConfig struct {
	Level string
}

// Load reads Config from the process environment, falling back to
// development-friendly defaults for anything unset.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            getEnv("ADDR", ":8080"),
			ReadTimeout:     time.Duration(getEnvInt("READ_TIMEOUT_SECONDS", 10)) * time.Second,
			WriteTimeout:    time.Duration(getEnvInt("WRITE_TIMEOUT_SECONDS", 10)) * time.Second,
			IdleTimeout:     time.Duration(getEnvInt("IDLE_TIMEOUT_SECONDS", 60)) * time.Second,
			ShutdownTimeout: time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 5)) * time.Second,
		},
		Persistence: PersistenceConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			DBName:          getEnv("DB_NAME", "whiteboard"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
			SaveEveryFrames: getEnvInt("SAVE_EVERY_FRAMES", 100),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-me"),
			JWTIssuer:     getEnv("JWT_ISSUER", "whiteboard"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			ShareCacheTTL: time.Duration(getEnvInt("SHARE_CACHE_TTL_SECONDS", 300)) * time.Second,
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

func getEnv(key, defaultValue string) string {
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
