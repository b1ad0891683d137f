package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg APIConfig) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.WriteKey == "" {
		add("WRITE_KEY", "required")
	}
	if cfg.DatabaseURL != "" {
		if u, err := url.Parse(cfg.DatabaseURL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			add("DATABASE_URL", "must be a postgres:// URL")
		}
	}
	if cfg.MaxBodyBytes <= 0 {
		add("WEBHOOK_MAX_BODY_BYTES", "must be positive")
	}
	if cfg.PersistTimeout <= 0 {
		add("PERSIST_TIMEOUT", "must be positive")
	}
	if cfg.EventBusBufferSize <= 0 {
		add("EVENTBUS_BUFFER_SIZE", "must be a positive integer, got %d", cfg.EventBusBufferSize)
	}
	if cfg.MetricsBucketSpan < time.Minute || (24*time.Hour)%cfg.MetricsBucketSpan != 0 {
		add("METRICS_BUCKET_SPAN", "must be at least 1m and divide 24h, got %s", cfg.MetricsBucketSpan)
	}
	if cfg.MetricsRetention < cfg.MetricsBucketSpan {
		add("METRICS_RETENTION", "must be at least one bucket span")
	}
	schedules := []struct{ field, spec string }{
		{"ROLLUP_SCHEDULE", cfg.RollupSchedule},
		{"AUDIT_SCHEDULE", cfg.AuditSchedule},
		{"PRUNE_SCHEDULE", cfg.PruneSchedule},
	}
	for _, s := range schedules {
		if strings.TrimSpace(s.spec) == "" {
			add(s.field, "required")
		}
	}
	for _, broker := range cfg.KafkaBrokers {
		if strings.TrimSpace(broker) == "" {
			add("KAFKA_BROKERS", "contains an empty address")
			break
		}
	}
	if cfg.WebhookRateLimit < 0 {
		add("WEBHOOK_RATE_LIMIT", "must not be negative")
	}
	for _, proxy := range cfg.TrustedProxies {
		value := strings.TrimSpace(proxy)
		if value == "" {
			continue
		}
		if _, err := netip.ParsePrefix(value); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(value); err != nil {
			add("TRUSTED_PROXIES", "%q is neither an address nor a CIDR range", value)
		}
	}
	if cfg.AlertWebhookURL != "" {
		if u, err := url.Parse(cfg.AlertWebhookURL); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			add("ALERT_WEBHOOK_URL", "must be an http(s) URL")
		}
	}
	if cfg.Alerts.FailureRateThreshold < 0 || cfg.Alerts.FailureRateThreshold > 100 {
		add("ALERT_FAILURE_RATE_PERCENT", "must be between 0 and 100")
	}
	if cfg.Alerts.Cooldown < 0 {
		add("ALERT_COOLDOWN", "must not be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
