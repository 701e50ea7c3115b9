// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DefaultSearchURL is the long-term-rental search for Moscow apartments.
const DefaultSearchURL = "https://www.avito.ru/moskva/kvartiry/sdam/na_dlitelnyy_srok-ASgBAgICAkSSA8gQ8AeQUg?cd=1"

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	SearchURL          string        // Avito search results page to monitor
	PollInterval       time.Duration // spacing between monitoring cycles
	MaxDeliveryRetries int           // extra delivery attempts after the first
	DBConnection       string        // SQLite path or MySQL DSN
	TelegramToken      string        // empty enables the mock delivery provider
	Port               string
	NotifyWorkers      int           // bounded fan-out pool size
	FetchSpacing       time.Duration // courtesy spacing between real fetches
	EscalateAfter      int           // consecutive cycle failures before alerting
}

// Load reads configuration from a .env file (if present) and the environment.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		SearchURL:          getEnv("SEARCH_URL", DefaultSearchURL),
		PollInterval:       time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 300)) * time.Second,
		MaxDeliveryRetries: getEnvInt("MAX_DELIVERY_RETRIES", 3),
		DBConnection:       getEnv("DB_CONNECTION", "file:notifier.db?_busy_timeout=5000"),
		TelegramToken:      getEnv("TELEGRAM_TOKEN", ""),
		Port:               getEnv("PORT", "8080"),
		NotifyWorkers:      getEnvInt("NOTIFY_WORKERS", 4),
		FetchSpacing:       time.Duration(getEnvInt("FETCH_SPACING_SECONDS", 30)) * time.Second,
		EscalateAfter:      getEnvInt("ESCALATE_AFTER", 5),
	}

	if cfg.SearchURL == "" {
		return nil, fmt.Errorf("SEARCH_URL must not be empty")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL_SECONDS must be > 0")
	}
	if cfg.MaxDeliveryRetries < 0 {
		return nil, fmt.Errorf("MAX_DELIVERY_RETRIES must be >= 0")
	}
	if cfg.NotifyWorkers < 1 {
		return nil, fmt.Errorf("NOTIFY_WORKERS must be >= 1")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
