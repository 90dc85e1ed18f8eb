package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	DBPath    string
	JWTSecret string
	Port      string

	// Factorio mod portal gateway tuning.
	PortalBaseURL       string
	PortalMaxConcurrent int
	PortalMinSpacing    time.Duration
	PortalTimeout       time.Duration
	PortalMaxRetries    int
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		DBPath:    getEnv("FACMANDU_DB", "facmandu.db"),
		JWTSecret: getEnv("FACMANDU_JWT_SECRET", "dev-secret"),
		Port:      getEnv("PORT", "8080"),

		PortalBaseURL:       getEnv("FACMANDU_PORTAL_URL", "https://mods.factorio.com"),
		PortalMaxConcurrent: getEnvInt("FACMANDU_PORTAL_CONCURRENCY", 2),
		PortalMinSpacing:    getEnvDuration("FACMANDU_PORTAL_SPACING", 500*time.Millisecond),
		PortalTimeout:       getEnvDuration("FACMANDU_PORTAL_TIMEOUT", 30*time.Second),
		PortalMaxRetries:    getEnvInt("FACMANDU_PORTAL_RETRIES", 2),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}
