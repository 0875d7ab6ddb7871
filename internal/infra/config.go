package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv            string
	Port              string
	DatabaseURL       string
	SoraBaseURL       string
	ProxyURL          string
	NotifyWebhookURL  string
	MaxWorkers        int
	DBMaxConns        int
	AccountDailyLimit int
	AccountConcLimit  int
	PollInterval      time.Duration
	GenerationTimeout time.Duration
	HTTPReadTimeout   time.Duration
	HTTPWriteTimeout  time.Duration
	HTTPIdleTimeout   time.Duration
	AllowedOrigins    []string
	RateLimitPerMin   int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SoraBaseURL:       getEnv("SORA_BASE_URL", "https://sora.chatgpt.com"),
		ProxyURL:          os.Getenv("PROXY_URL"),
		NotifyWebhookURL:  os.Getenv("NOTIFY_WEBHOOK_URL"),
		MaxWorkers:        getEnvInt("MAX_WORKERS", 5),
		DBMaxConns:        getEnvInt("DB_MAX_CONNS", 10),
		AccountDailyLimit: getEnvInt("ACCOUNT_DAILY_LIMIT", 100),
		AccountConcLimit:  getEnvInt("ACCOUNT_CONCURRENCY_LIMIT", 5),
		PollInterval:      time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 3)),
		GenerationTimeout: time.Second * time.Duration(getEnvInt("GENERATION_TIMEOUT_SECONDS", 900)),
		HTTPReadTimeout:   time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:  time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:   time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		AllowedOrigins:    splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		RateLimitPerMin:   getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.MaxWorkers <= 0 {
		return nil, fmt.Errorf("MAX_WORKERS must be positive")
	}

	return cfg, nil
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
