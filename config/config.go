package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Class          ClassConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ClassConfig holds the knobs for class-session lifecycle on the
// signaling side.
type ClassConfig struct {
	// TTL for class metadata in the store.
	TTL time.Duration
	// How long a live class survives after its trainer drops before
	// the service ends it.
	TrainerGracePeriod time.Duration
	// STUN server URLs handed to clients for ICE gathering.
	STUNServers []string
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
		Class: ClassConfig{
			TTL:                getDuration("CLASS_TTL", 24*time.Hour),
			TrainerGracePeriod: getDuration("TRAINER_GRACE_PERIOD", 2*time.Minute),
			STUNServers:        strings.Split(getEnv("STUN_SERVERS", "stun:stun.l.google.com:19302"), ","),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
