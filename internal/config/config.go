package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings. Postgres, Redis and NATS are optional:
// when their address is empty the in-process equivalents are used.
type Config struct {
	Port           string
	Env            string
	DBSource       string
	RedisAddr      string
	NatsURL        string
	JWTSecret      string
	TokenTTL       time.Duration
	IdempotencyTTL time.Duration
	LockWait       time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("SERVER_PORT", "8080"),
		Env:            getEnv("ENVIRONMENT", "development"),
		DBSource:       os.Getenv("DB_SOURCE"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		NatsURL:        os.Getenv("NATS_URL"),
		JWTSecret:      getEnv("JWT_SECRET", "dev-secret"),
		TokenTTL:       getEnvDuration("TOKEN_TTL", 30*time.Minute),
		IdempotencyTTL: getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		LockWait:       getEnvDuration("LOCK_WAIT", 2*time.Second),
	}

	if cfg.Env == "production" && cfg.JWTSecret == "dev-secret" {
		return nil, fmt.Errorf("JWT_SECRET is required in production")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
