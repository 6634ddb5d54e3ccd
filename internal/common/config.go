package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Database    DatabaseConfig  `toml:"database"`
	Redis       RedisConfig     `toml:"redis"`
	Queue       QueueConfig     `toml:"queue"`
	Fetcher     FetcherConfig   `toml:"fetcher"`
	Breaker     BreakerConfig   `toml:"breaker"`
	Reverify    ReverifyConfig  `toml:"reverify"`
	Rules       RulesConfig     `toml:"rules"`
	Slack       SlackConfig     `toml:"slack"`
	Admin       AdminConfig     `toml:"admin"`
	Artifacts   ArtifactsConfig `toml:"artifacts"`
	Browser     BrowserConfig   `toml:"browser"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Name           string `toml:"name"`
	User           string `toml:"user"`
	Password       string `toml:"password"`
	SSL            bool   `toml:"ssl"`
	MaxConnections int    `toml:"max_connections"`
}

// DSN builds a lib/pq connection string from the configured settings
func (d DatabaseConfig) DSN() string {
	sslMode := "disable"
	if d.SSL {
		sslMode = "require"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, sslMode)
}

// RedisConfig holds connection settings for the shared key/value store
type RedisConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`       // e.g. "250ms" - how often workers poll for jobs
	ScanConcurrency   int    `toml:"scan_concurrency"`    // Concurrent scan workers
	RenderConcurrency int    `toml:"render_concurrency"`  // Concurrent render workers
	RenderPerMinute   int    `toml:"render_per_minute"`   // Render queue throughput cap
	MaxAttempts       int    `toml:"max_attempts"`        // Attempts per job before the finding is failed
	RetryBackoff      string `toml:"retry_backoff"`       // Initial retry backoff, e.g. "2s"
	RetryBackoffMax   string `toml:"retry_backoff_max"`   // Backoff ceiling, e.g. "30s"
}

func (q QueueConfig) PollIntervalDuration() time.Duration {
	return parseDurationOr(q.PollInterval, 250*time.Millisecond)
}

func (q QueueConfig) RetryBackoffDuration() time.Duration {
	return parseDurationOr(q.RetryBackoff, 2*time.Second)
}

func (q QueueConfig) RetryBackoffMaxDuration() time.Duration {
	return parseDurationOr(q.RetryBackoffMax, 30*time.Second)
}

// FetcherConfig controls the outbound HTTP fetcher
type FetcherConfig struct {
	Adapter   string `toml:"adapter"`    // "direct" or "proxy"
	ProxyURL  string `toml:"proxy_url"`  // Upstream proxy for the proxy adapter
	TimeoutMs int    `toml:"timeout_ms"` // Per-attempt timeout
	Retries   int    `toml:"retries"`    // Retries after the first attempt
}

// BreakerConfig controls the per-target circuit breaker
type BreakerConfig struct {
	Enabled               bool `toml:"enabled"`
	OpenMinutes           int  `toml:"open_minutes"`             // How long the breaker stays open
	FailThreshold         int  `toml:"fail_threshold"`           // Consecutive failures that open the breaker
	ErrorRateThresholdPct int  `toml:"error_rate_threshold_pct"` // Sliding-window failure rate that opens the breaker
	ErrorRateWindow       int  `toml:"error_rate_window"`        // Sliding-window sample count
}

type ReverifyConfig struct {
	TTLSeconds            int `toml:"ttl_seconds"`                // Idempotency window
	RatePerFindingPerHour int `toml:"rate_per_finding_per_hour"`  // Sliding rate limit per finding
}

type RulesConfig struct {
	RulesFile     string `toml:"rules_file"`
	AllowListFile string `toml:"allow_list_file"`
}

type SlackConfig struct {
	WebhookURL  string `toml:"webhook_url"`
	ActionToken string `toml:"action_token"` // Shared token carried by interactive action links
	BaseURL     string `toml:"base_url"`     // Public base URL used to build action links
}

type AdminConfig struct {
	Enabled  bool   `toml:"enabled"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type ArtifactsConfig struct {
	Root          string `toml:"root"`           // Artifact root directory
	RetentionDays int    `toml:"retention_days"` // Artifacts older than this are deleted
}

// BrowserConfig controls the headless evidence-capture browser
type BrowserConfig struct {
	Enabled   bool   `toml:"enabled"`
	TimeoutMs int    `toml:"timeout_ms"` // Capture timeout
	WaitUntil string `toml:"wait_until"` // "load" or "networkidle"
	SettleMs  int    `toml:"settle_ms"`  // Extra settle time after navigation
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// DefaultConfig returns a config populated with production defaults
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8000,
			Host: "0.0.0.0",
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Name:           "vigil",
			User:           "vigil",
			MaxConnections: 10,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Queue: QueueConfig{
			PollInterval:      "250ms",
			ScanConcurrency:   16,
			RenderConcurrency: 2,
			RenderPerMinute:   10,
			MaxAttempts:       3,
			RetryBackoff:      "2s",
			RetryBackoffMax:   "30s",
		},
		Fetcher: FetcherConfig{
			Adapter:   "direct",
			TimeoutMs: 30000,
			Retries:   3,
		},
		Breaker: BreakerConfig{
			Enabled:               true,
			OpenMinutes:           20,
			FailThreshold:         3,
			ErrorRateThresholdPct: 50,
			ErrorRateWindow:       10,
		},
		Reverify: ReverifyConfig{
			TTLSeconds:            120,
			RatePerFindingPerHour: 5,
		},
		Artifacts: ArtifactsConfig{
			Root:          "./artifacts",
			RetentionDays: 7,
		},
		Browser: BrowserConfig{
			Enabled:   true,
			TimeoutMs: 60000,
			WaitUntil: "load",
			SettleMs:  2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadConfig loads configuration from an optional TOML file and applies
// environment variable overrides on top
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("VIGIL_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server
	setIntEnv("PORT", &config.Server.Port)
	setStringEnv("HOST", &config.Server.Host)

	// Database
	setStringEnv("DB_HOST", &config.Database.Host)
	setIntEnv("DB_PORT", &config.Database.Port)
	setStringEnv("DB_NAME", &config.Database.Name)
	setStringEnv("DB_USER", &config.Database.User)
	setStringEnv("DB_PASSWORD", &config.Database.Password)
	setBoolEnv("DB_SSL", &config.Database.SSL)
	setIntEnv("DB_MAX_CONNECTIONS", &config.Database.MaxConnections)

	// Redis
	setStringEnv("REDIS_HOST", &config.Redis.Host)
	setIntEnv("REDIS_PORT", &config.Redis.Port)
	setStringEnv("REDIS_PASSWORD", &config.Redis.Password)
	setIntEnv("REDIS_DB", &config.Redis.DB)

	// Re-verify
	setIntEnv("REVERIFY_TTL_SECONDS", &config.Reverify.TTLSeconds)
	setIntEnv("REVERIFY_RATE_PER_FINDING_PER_HOUR", &config.Reverify.RatePerFindingPerHour)

	// Breaker
	setBoolEnv("BREAKER_ENABLED", &config.Breaker.Enabled)
	setIntEnv("BREAKER_OPEN_MINUTES", &config.Breaker.OpenMinutes)
	setIntEnv("BREAKER_FAIL_THRESHOLD", &config.Breaker.FailThreshold)
	setIntEnv("BREAKER_ERROR_RATE_THRESHOLD_PCT", &config.Breaker.ErrorRateThresholdPct)
	setIntEnv("BREAKER_ERROR_RATE_WINDOW", &config.Breaker.ErrorRateWindow)

	// Fetcher
	setStringEnv("FETCHER_ADAPTER", &config.Fetcher.Adapter)
	setStringEnv("FETCHER_PROXY_URL", &config.Fetcher.ProxyURL)
	setIntEnv("FETCHER_TIMEOUT_MS", &config.Fetcher.TimeoutMs)
	setIntEnv("FETCHER_RETRIES", &config.Fetcher.Retries)

	// Rules
	setStringEnv("RULES_FILE", &config.Rules.RulesFile)
	setStringEnv("ALLOW_LIST_FILE", &config.Rules.AllowListFile)

	// Slack
	setStringEnv("SLACK_WEBHOOK_URL", &config.Slack.WebhookURL)
	setStringEnv("SLACK_ACTION_TOKEN", &config.Slack.ActionToken)
	setStringEnv("SLACK_BASE_URL", &config.Slack.BaseURL)

	// Admin
	setBoolEnv("ADMIN_ENABLED", &config.Admin.Enabled)
	setStringEnv("ADMIN_USERNAME", &config.Admin.Username)
	setStringEnv("ADMIN_PASSWORD", &config.Admin.Password)

	// Artifacts
	setStringEnv("ARTIFACT_ROOT", &config.Artifacts.Root)
	setIntEnv("RETENTION_DAYS", &config.Artifacts.RetentionDays)

	// Queue
	setIntEnv("SCAN_CONCURRENCY", &config.Queue.ScanConcurrency)
	setIntEnv("RENDER_CONCURRENCY", &config.Queue.RenderConcurrency)
	setIntEnv("RENDER_PER_MINUTE", &config.Queue.RenderPerMinute)

	// Browser
	setBoolEnv("BROWSER_ENABLED", &config.Browser.Enabled)
	setIntEnv("BROWSER_TIMEOUT_MS", &config.Browser.TimeoutMs)
	setStringEnv("BROWSER_WAIT_UNTIL", &config.Browser.WaitUntil)

	// Logging
	setStringEnv("LOG_LEVEL", &config.Logging.Level)
	if output := os.Getenv("LOG_OUTPUT"); output != "" {
		config.Logging.Output = strings.Split(output, ",")
	}
}

func setStringEnv(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setIntEnv(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setBoolEnv(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
