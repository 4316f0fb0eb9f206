package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadEnvConfigDefaults(t *testing.T) {
	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Port != 2770 {
		t.Errorf("Port = %d, want 2770", cfg.Port)
	}
	if cfg.ListenAddress != "0.0.0.0" {
		t.Errorf("ListenAddress = %q", cfg.ListenAddress)
	}
	if cfg.AccountsFile != "accounts.yaml" || cfg.ProxiesFile != "proxies.txt" {
		t.Errorf("input files = %q, %q", cfg.AccountsFile, cfg.ProxiesFile)
	}
	if cfg.RequestDelay != 1100*time.Millisecond {
		t.Errorf("RequestDelay = %s", cfg.RequestDelay)
	}
	if cfg.RequestTTL != 5*time.Second {
		t.Errorf("RequestTTL = %s", cfg.RequestTTL)
	}
	if cfg.SpareAccountDelay != 5*time.Second {
		t.Errorf("SpareAccountDelay = %s", cfg.SpareAccountDelay)
	}
	if cfg.MaintenanceSchedule != "@every 30s" {
		t.Errorf("MaintenanceSchedule = %q", cfg.MaintenanceSchedule)
	}
	if cfg.MaxRequestsPerProxy != 5 {
		t.Errorf("MaxRequestsPerProxy = %d", cfg.MaxRequestsPerProxy)
	}
	if cfg.SelectionStrategy != "least_loaded" {
		t.Errorf("SelectionStrategy = %q", cfg.SelectionStrategy)
	}
	if !cfg.RetryEnabled || cfg.MaxRetries != 3 || !cfg.ExcludeFailed {
		t.Errorf("retry policy = %v/%d/%v", cfg.RetryEnabled, cfg.MaxRetries, cfg.ExcludeFailed)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d", cfg.MaxAttempts)
	}
	if cfg.RateLimitCount != 0 {
		t.Errorf("RateLimitCount = %d, want disabled", cfg.RateLimitCount)
	}
	if len(cfg.AllowedOrigins) != 0 || len(cfg.AllowedRegexOrigins) != 0 {
		t.Errorf("origins = %v / %v, want empty", cfg.AllowedOrigins, cfg.AllowedRegexOrigins)
	}
}

func TestLoadEnvConfigOverrides(t *testing.T) {
	t.Setenv("INSPECTD_PORT", "8080")
	t.Setenv("INSPECTD_MAX_ONLINE_BOTS", "20")
	t.Setenv("INSPECTD_REQUEST_DELAY", "750ms")
	t.Setenv("INSPECTD_SELECTION_STRATEGY", "round_robin")
	t.Setenv("INSPECTD_PROXY_RETRY_ENABLED", "false")
	t.Setenv("INSPECTD_ALLOWED_ORIGINS", `["https://example.com", "https://other.example"]`)
	t.Setenv("INSPECTD_RATE_LIMIT_COUNT", "10")
	t.Setenv("INSPECTD_RATE_LIMIT_WINDOW", "30s")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.MaxOnlineBots != 20 {
		t.Errorf("MaxOnlineBots = %d", cfg.MaxOnlineBots)
	}
	if cfg.RequestDelay != 750*time.Millisecond {
		t.Errorf("RequestDelay = %s", cfg.RequestDelay)
	}
	if cfg.SelectionStrategy != "round_robin" {
		t.Errorf("SelectionStrategy = %q", cfg.SelectionStrategy)
	}
	if cfg.RetryEnabled {
		t.Error("RetryEnabled = true, want false")
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://example.com" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.RateLimitCount != 10 || cfg.RateLimitWindow != 30*time.Second {
		t.Errorf("rate limit = %d/%s", cfg.RateLimitCount, cfg.RateLimitWindow)
	}
}

func TestLoadEnvConfigCollectsErrors(t *testing.T) {
	t.Setenv("INSPECTD_PORT", "99999")
	t.Setenv("INSPECTD_SELECTION_STRATEGY", "fastest")
	t.Setenv("INSPECTD_MAINTENANCE_SCHEDULE", "not-a-schedule")
	t.Setenv("INSPECTD_ALLOWED_REGEX_ORIGINS", `["["]`)
	t.Setenv("INSPECTD_REQUEST_TTL", "-1s")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("invalid config loaded without error")
	}
	for _, want := range []string{
		"INSPECTD_PORT",
		"INSPECTD_SELECTION_STRATEGY",
		"INSPECTD_MAINTENANCE_SCHEDULE",
		"INSPECTD_ALLOWED_REGEX_ORIGINS",
		"INSPECTD_REQUEST_TTL",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestLoadEnvConfigBadTypes(t *testing.T) {
	t.Setenv("INSPECTD_MAX_QUEUE_SIZE", "lots")
	t.Setenv("INSPECTD_PROXY_RETRY_ENABLED", "perhaps")
	t.Setenv("INSPECTD_SPARE_ACCOUNT_DELAY", "soon")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("invalid values loaded without error")
	}
	for _, want := range []string{"INSPECTD_MAX_QUEUE_SIZE", "INSPECTD_PROXY_RETRY_ENABLED", "INSPECTD_SPARE_ACCOUNT_DELAY"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}
