// Package config centralises configuration parsing for the step sync service.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileEnv names the environment variable pointing at an optional YAML file.
const FileEnv = "STEPSYNC_CONFIG"

// Config captures runtime configuration values for the step sync service.
type Config struct {
	HTTPAddress string
	LogLevel    string
	LogDevelop  bool

	LocalUserID     string
	PartnerID       string
	TimeZone        string
	SyncWindow      time.Duration
	StreakThreshold int

	// PostgresURL selects the Postgres ledger; empty runs on the in-memory ledger.
	PostgresURL        string
	KafkaBrokers       []string
	ConsumerGroup      string
	SchemaRegistryURL  string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	DLQPollInterval    time.Duration // Interval between DLQ polling iterations.
	DLQMaxRetries      int           // Maximum number of DLQ retry attempts before quarantine.
	DLQBaseDelay       time.Duration // Base delay used for exponential backoff.
	DLQBatchSize       int

	HealthBaseURL      string
	HealthToken        string
	HealthPollInterval time.Duration
	SensorBridgeURL    string

	JWTSecret string
	JWTIssuer string
}

var defaults = map[string]any{
	"http_address":         ":8080",
	"log_level":            "info",
	"log_development":      false,
	"partner_id":           "",
	"time_zone":            "Local",
	"sync_window":          "60s",
	"streak_threshold":     5000,
	"postgres_url":         "",
	"kafka_brokers":        "kafka:9092",
	"kafka_consumer_group": "",
	"schema_registry_url":  "http://schema-registry:8081",
	"outbox_poll_interval": "2s",
	"outbox_batch_size":    25,
	"dlq_poll_interval":    "30s",
	"dlq_max_retries":      5,
	"dlq_base_delay":       "1m",
	"dlq_batch_size":       50,
	"health_base_url":      "",
	"health_token":         "",
	"health_poll_interval": "60s",
	"sensor_bridge_url":    "",
	"jwt_secret":           "dev-secret-change-me",
	"jwt_issuer":           "couple-steps.identity",
}

// Load reads defaults, an optional YAML file and environment variables, in
// increasing precedence. path names the file; when empty STEPSYNC_CONFIG is
// consulted instead.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	// Keys without a default are only seen by AutomaticEnv when bound.
	_ = v.BindEnv("local_user_id", "LOCAL_USER_ID")
	_ = v.BindEnv("config_file", FileEnv)

	if path == "" {
		path = v.GetString("config_file")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		HTTPAddress:        v.GetString("http_address"),
		LogLevel:           v.GetString("log_level"),
		LogDevelop:         v.GetBool("log_development"),
		LocalUserID:        strings.TrimSpace(v.GetString("local_user_id")),
		PartnerID:          strings.TrimSpace(v.GetString("partner_id")),
		TimeZone:           v.GetString("time_zone"),
		SyncWindow:         v.GetDuration("sync_window"),
		StreakThreshold:    v.GetInt("streak_threshold"),
		PostgresURL:        v.GetString("postgres_url"),
		KafkaBrokers:       splitAndTrim(v.GetString("kafka_brokers")),
		ConsumerGroup:      v.GetString("kafka_consumer_group"),
		SchemaRegistryURL:  v.GetString("schema_registry_url"),
		OutboxPollInterval: v.GetDuration("outbox_poll_interval"),
		OutboxBatchSize:    v.GetInt("outbox_batch_size"),
		DLQPollInterval:    v.GetDuration("dlq_poll_interval"),
		DLQMaxRetries:      v.GetInt("dlq_max_retries"),
		DLQBaseDelay:       v.GetDuration("dlq_base_delay"),
		DLQBatchSize:       v.GetInt("dlq_batch_size"),
		HealthBaseURL:      v.GetString("health_base_url"),
		HealthToken:        v.GetString("health_token"),
		HealthPollInterval: v.GetDuration("health_poll_interval"),
		SensorBridgeURL:    v.GetString("sensor_bridge_url"),
		JWTSecret:          v.GetString("jwt_secret"),
		JWTIssuer:          v.GetString("jwt_issuer"),
	}
	if cfg.ConsumerGroup == "" && cfg.LocalUserID != "" {
		// Every device reads the whole feed.
		cfg.ConsumerGroup = "stepsync-" + cfg.LocalUserID
	}
	return cfg, nil
}

// Validate checks the settings the serve command cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.LocalUserID == "" {
		errs = append(errs, errors.New("LOCAL_USER_ID is required"))
	}
	if c.PartnerID != "" && c.PartnerID == c.LocalUserID {
		errs = append(errs, errors.New("PARTNER_ID must differ from LOCAL_USER_ID"))
	}
	if c.SyncWindow <= 0 {
		errs = append(errs, errors.New("SYNC_WINDOW must be positive"))
	}
	if c.StreakThreshold <= 0 {
		errs = append(errs, errors.New("STREAK_THRESHOLD must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.PostgresURL != "" && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required with POSTGRES_URL"))
	}
	return errors.Join(errs...)
}

// Location resolves TimeZone.
func (c Config) Location() (*time.Location, error) {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("TIME_ZONE %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
