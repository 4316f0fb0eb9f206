// Package config handles environment-based configuration loading.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Directories
	DataDir string

	// Network
	ListenAddress string
	Port          int
	MaxBodyBytes  int

	// Input files
	AccountsFile string
	ProxiesFile  string
	GameDataFile string

	// Fleet
	MaxOnlineBots       int
	SpareAccountDelay   time.Duration
	MaintenanceSchedule string

	// Session
	RequestDelay  time.Duration
	RequestTTL    time.Duration
	ReloginMin    time.Duration
	ReloginJitter time.Duration

	// Proxy pool
	MaxRequestsPerProxy int
	ProxyCooldown       time.Duration
	SelectionStrategy   string
	RetryEnabled        bool
	MaxRetries          int
	ExcludeFailed       bool
	RetryDelay          time.Duration

	// Queue
	MaxAttempts             int
	MaxQueueSize            int
	MaxSimultaneousRequests int

	// API secrets (empty disables the corresponding surface)
	BulkKey  string
	AuthKey  string
	PriceKey string

	// CORS
	AllowedOrigins      []string
	AllowedRegexOrigins []string

	// Rate limiting (count 0 disables)
	RateLimitCount  int
	RateLimitWindow time.Duration
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.DataDir = envStr("INSPECTD_DATA_DIR", "/var/lib/inspectd")

	cfg.ListenAddress = strings.TrimSpace(envStr("INSPECTD_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("INSPECTD_PORT", 2770, &errs)
	cfg.MaxBodyBytes = envInt("INSPECTD_MAX_BODY_BYTES", 1<<20, &errs)

	cfg.AccountsFile = envStr("INSPECTD_ACCOUNTS_FILE", "accounts.yaml")
	cfg.ProxiesFile = envStr("INSPECTD_PROXIES_FILE", "proxies.txt")
	cfg.GameDataFile = envStr("INSPECTD_GAME_DATA_FILE", "")

	cfg.MaxOnlineBots = envInt("INSPECTD_MAX_ONLINE_BOTS", 0, &errs)
	cfg.SpareAccountDelay = envDuration("INSPECTD_SPARE_ACCOUNT_DELAY", 5*time.Second, &errs)
	cfg.MaintenanceSchedule = envStr("INSPECTD_MAINTENANCE_SCHEDULE", "@every 30s")

	cfg.RequestDelay = envDuration("INSPECTD_REQUEST_DELAY", 1100*time.Millisecond, &errs)
	cfg.RequestTTL = envDuration("INSPECTD_REQUEST_TTL", 5*time.Second, &errs)
	cfg.ReloginMin = envDuration("INSPECTD_RELOGIN_INTERVAL", 30*time.Minute, &errs)
	cfg.ReloginJitter = envDuration("INSPECTD_RELOGIN_JITTER", 4*time.Minute, &errs)

	cfg.MaxRequestsPerProxy = envInt("INSPECTD_MAX_REQUESTS_PER_PROXY", 5, &errs)
	cfg.ProxyCooldown = envDuration("INSPECTD_PROXY_COOLDOWN", time.Second, &errs)
	cfg.SelectionStrategy = envStr("INSPECTD_SELECTION_STRATEGY", "least_loaded")
	cfg.RetryEnabled = envBool("INSPECTD_PROXY_RETRY_ENABLED", true, &errs)
	cfg.MaxRetries = envInt("INSPECTD_PROXY_MAX_RETRIES", 3, &errs)
	cfg.ExcludeFailed = envBool("INSPECTD_PROXY_EXCLUDE_FAILED", true, &errs)
	cfg.RetryDelay = envDuration("INSPECTD_PROXY_RETRY_DELAY", 5*time.Second, &errs)

	cfg.MaxAttempts = envInt("INSPECTD_MAX_ATTEMPTS", 3, &errs)
	cfg.MaxQueueSize = envInt("INSPECTD_MAX_QUEUE_SIZE", 0, &errs)
	cfg.MaxSimultaneousRequests = envInt("INSPECTD_MAX_SIMULTANEOUS_REQUESTS", 0, &errs)

	cfg.BulkKey = envStr("INSPECTD_BULK_KEY", "")
	cfg.AuthKey = envStr("INSPECTD_AUTH_KEY", "")
	cfg.PriceKey = envStr("INSPECTD_PRICE_KEY", "")

	cfg.AllowedOrigins = envStringSlice("INSPECTD_ALLOWED_ORIGINS", []string{}, &errs)
	cfg.AllowedRegexOrigins = envStringSlice("INSPECTD_ALLOWED_REGEX_ORIGINS", []string{}, &errs)

	cfg.RateLimitCount = envInt("INSPECTD_RATE_LIMIT_COUNT", 0, &errs)
	cfg.RateLimitWindow = envDuration("INSPECTD_RATE_LIMIT_WINDOW", time.Minute, &errs)

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "INSPECTD_LISTEN_ADDRESS must not be empty")
	}
	validatePort("INSPECTD_PORT", cfg.Port, &errs)
	validatePositive("INSPECTD_MAX_BODY_BYTES", cfg.MaxBodyBytes, &errs)
	if cfg.AccountsFile == "" {
		errs = append(errs, "INSPECTD_ACCOUNTS_FILE must not be empty")
	}
	if cfg.MaxOnlineBots < 0 {
		errs = append(errs, fmt.Sprintf("INSPECTD_MAX_ONLINE_BOTS must not be negative, got %d", cfg.MaxOnlineBots))
	}
	if _, err := cron.ParseStandard(cfg.MaintenanceSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("INSPECTD_MAINTENANCE_SCHEDULE: invalid cron expression %q: %v", cfg.MaintenanceSchedule, err))
	}
	if cfg.RequestDelay <= 0 {
		errs = append(errs, "INSPECTD_REQUEST_DELAY must be positive")
	}
	if cfg.RequestTTL <= 0 {
		errs = append(errs, "INSPECTD_REQUEST_TTL must be positive")
	}
	if cfg.ReloginMin <= 0 {
		errs = append(errs, "INSPECTD_RELOGIN_INTERVAL must be positive")
	}
	if cfg.ReloginJitter < 0 {
		errs = append(errs, "INSPECTD_RELOGIN_JITTER must not be negative")
	}
	validatePositive("INSPECTD_MAX_REQUESTS_PER_PROXY", cfg.MaxRequestsPerProxy, &errs)
	if cfg.ProxyCooldown < 0 {
		errs = append(errs, "INSPECTD_PROXY_COOLDOWN must not be negative")
	}
	if cfg.SelectionStrategy != "least_loaded" && cfg.SelectionStrategy != "round_robin" {
		errs = append(errs, fmt.Sprintf("INSPECTD_SELECTION_STRATEGY: invalid value %q (allowed: least_loaded, round_robin)", cfg.SelectionStrategy))
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, "INSPECTD_PROXY_MAX_RETRIES must not be negative")
	}
	validatePositive("INSPECTD_MAX_ATTEMPTS", cfg.MaxAttempts, &errs)
	if cfg.MaxQueueSize < 0 {
		errs = append(errs, "INSPECTD_MAX_QUEUE_SIZE must not be negative")
	}
	if cfg.MaxSimultaneousRequests < 0 {
		errs = append(errs, "INSPECTD_MAX_SIMULTANEOUS_REQUESTS must not be negative")
	}
	for _, pattern := range cfg.AllowedRegexOrigins {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Sprintf("INSPECTD_ALLOWED_REGEX_ORIGINS: invalid regex %q: %v", pattern, err))
		}
	}
	if cfg.RateLimitCount < 0 {
		errs = append(errs, "INSPECTD_RATE_LIMIT_COUNT must not be negative")
	}
	if cfg.RateLimitCount > 0 && cfg.RateLimitWindow <= 0 {
		errs = append(errs, "INSPECTD_RATE_LIMIT_WINDOW must be positive when rate limiting is enabled")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	warnWeakSecret("INSPECTD_BULK_KEY", cfg.BulkKey)
	warnWeakSecret("INSPECTD_AUTH_KEY", cfg.AuthKey)
	warnWeakSecret("INSPECTD_PRICE_KEY", cfg.PriceKey)

	return cfg, nil
}

func warnWeakSecret(name, secret string) {
	if IsWeakToken(secret) {
		log.Printf("[config] warning: %s is weak; consider a longer random value", name)
	}
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envStringSlice(key string, defaultVal []string, errs *[]string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON string array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []string{}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
