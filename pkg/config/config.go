package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment     string        `env:"APP_ENV" envDefault:"development"`
	Addr            string        `env:"API_ADDR" envDefault:":8000"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	WriteKey        string        `env:"WRITE_KEY"`
	WebhookSecret   string        `env:"WEBHOOK_SECRET"`
	MaxBodyBytes    int64         `env:"WEBHOOK_MAX_BODY_BYTES" envDefault:"1048576"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	DatabaseURL    string        `env:"DATABASE_URL"`
	MigrationsDir  string        `env:"DB_MIGRATIONS_DIR"`
	AutoMigrate    bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`
	PersistTimeout time.Duration `env:"PERSIST_TIMEOUT" envDefault:"2s"`

	RateLimitRedisAddr string `env:"RATE_LIMIT_REDIS_ADDR"`
	RateLimitRedisPass string `env:"RATE_LIMIT_REDIS_PASSWORD"`
	RateLimitRedisDB   int    `env:"RATE_LIMIT_REDIS_DB" envDefault:"0"`
	// WebhookRateLimit caps authenticated deliveries per credential and
	// provider each minute. Zero disables the cap.
	WebhookRateLimit int      `env:"WEBHOOK_RATE_LIMIT" envDefault:"0"`
	TrustedProxies   []string `env:"TRUSTED_PROXIES" envSeparator:","`

	AlertWebhookURL string `env:"ALERT_WEBHOOK_URL"`
	DashboardURL    string `env:"DASHBOARD_URL"`

	AnalyticsRedisAddr string        `env:"ANALYTICS_REDIS_ADDR"`
	AnalyticsRetention time.Duration `env:"ANALYTICS_RETENTION" envDefault:"168h"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"buildboard.transitions"`

	EventBusBufferSize int           `env:"EVENTBUS_BUFFER_SIZE" envDefault:"1024"`
	EventBusEmitWait   time.Duration `env:"EVENTBUS_EMIT_TIMEOUT" envDefault:"0s"`

	MetricsBucketSpan time.Duration `env:"METRICS_BUCKET_SPAN" envDefault:"1h"`
	MetricsRetention  time.Duration `env:"METRICS_RETENTION" envDefault:"2160h"`
	RollupSchedule    string        `env:"ROLLUP_SCHEDULE" envDefault:"@every 1m"`
	AuditSchedule     string        `env:"AUDIT_SCHEDULE" envDefault:"@every 5m"`
	PruneSchedule     string        `env:"PRUNE_SCHEDULE" envDefault:"@hourly"`

	Alerts AlertConfig `envPrefix:"ALERT_"`
}

// AlertConfig holds alert thresholds. Zero thresholds disable a rule.
type AlertConfig struct {
	ConsecutiveFailures  int           `env:"CONSECUTIVE_FAILURES" envDefault:"3"`
	FailureRateThreshold float64       `env:"FAILURE_RATE_PERCENT" envDefault:"50"`
	FailureRateWindow    time.Duration `env:"FAILURE_RATE_WINDOW" envDefault:"24h"`
	FailureRateMinBuilds int64         `env:"FAILURE_RATE_MIN_BUILDS" envDefault:"5"`
	DurationThreshold    time.Duration `env:"DURATION_THRESHOLD" envDefault:"30m"`
	Cooldown             time.Duration `env:"COOLDOWN" envDefault:"15m"`
	History              int           `env:"HISTORY" envDefault:"100"`
}

// ClientConfig configures the buildctl command line client.
type ClientConfig struct {
	APIURL   string        `env:"BUILDBOARD_URL" envDefault:"http://localhost:8000"`
	WriteKey string        `env:"WRITE_KEY"`
	Timeout  time.Duration `env:"BUILDBOARD_TIMEOUT" envDefault:"10s"`
}

// ParseAPIConfig builds an APIConfig from environ, a list of KEY=value pairs.
func ParseAPIConfig(environ []string) (APIConfig, error) {
	var cfg APIConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: env.ToMap(environ)}); err != nil {
		return APIConfig{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.WriteKey = strings.TrimSpace(cfg.WriteKey)
	return cfg, nil
}

// LoadAPIConfig constructs an APIConfig from the process environment.
func LoadAPIConfig() (APIConfig, error) {
	return ParseAPIConfig(os.Environ())
}

// LoadClientConfig constructs a ClientConfig from the process environment.
func LoadClientConfig() (ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Level converts the configured log level, defaulting to info.
func (c APIConfig) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
