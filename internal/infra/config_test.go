package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("PORT", "")
	t.Setenv("MAX_WORKERS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.MaxWorkers != 5 {
		t.Fatalf("MaxWorkers = %d, want 5", cfg.MaxWorkers)
	}
	if cfg.AccountDailyLimit != 100 || cfg.AccountConcLimit != 5 {
		t.Fatalf("account limits = %d/%d, want 100/5", cfg.AccountDailyLimit, cfg.AccountConcLimit)
	}
	if cfg.PollInterval != 3*time.Second {
		t.Fatalf("PollInterval = %v, want 3s", cfg.PollInterval)
	}
	if cfg.GenerationTimeout != 900*time.Second {
		t.Fatalf("GenerationTimeout = %v, want 900s", cfg.GenerationTimeout)
	}
	if cfg.SoraBaseURL != "https://sora.chatgpt.com" {
		t.Fatalf("SoraBaseURL = %q", cfg.SoraBaseURL)
	}
	if cfg.DBMaxConns != 10 {
		t.Fatalf("DBMaxConns = %d, want 10", cfg.DBMaxConns)
	}
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error when DATABASE_URL is missing")
	}
}

func TestLoadConfigRejectsNonPositiveWorkers(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("MAX_WORKERS", "0")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error when MAX_WORKERS is zero")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("MAX_WORKERS", "12")
	t.Setenv("ACCOUNT_DAILY_LIMIT", "40")
	t.Setenv("POLL_INTERVAL_SECONDS", "7")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MaxWorkers != 12 {
		t.Fatalf("MaxWorkers = %d, want 12", cfg.MaxWorkers)
	}
	if cfg.AccountDailyLimit != 40 {
		t.Fatalf("AccountDailyLimit = %d, want 40", cfg.AccountDailyLimit)
	}
	if cfg.PollInterval != 7*time.Second {
		t.Fatalf("PollInterval = %v, want 7s", cfg.PollInterval)
	}
}
