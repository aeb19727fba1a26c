package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Config struct {
	DBFile    string
	APIAddr   string
	AdminAddr string

	RetentionTTL      time.Duration
	RetentionInterval time.Duration
	RetentionCron     string

	MaxAttachmentBytes int
	HistoryLimit       int
	SendBuffer         int
	EventRate          float64
	EventBurst         int

	LogLevel  slog.Level
	LogFormat string
}

func Load() (*Config, error) {
	var (
		cfg = &Config{
			DBFile:        getEnv("CHATROOM_DB", "chatroom.db"),
			APIAddr:       getEnv("API_ADDR", ":8080"),
			AdminAddr:     getEnv("ADMIN_ADDR", "localhost:8081"),
			RetentionCron: getEnv("RETENTION_CRON", ""),
			LogFormat:     strings.ToLower(getEnv("LOG_FORMAT", "text")),
		}
		err error
	)

	if cfg.RetentionTTL, err = time.ParseDuration(getEnv("RETENTION_TTL", "24h")); err != nil {
		return nil, fmt.Errorf("RETENTION_TTL: %w", err)
	}
	if cfg.RetentionInterval, err = time.ParseDuration(getEnv("RETENTION_INTERVAL", "60m")); err != nil {
		return nil, fmt.Errorf("RETENTION_INTERVAL: %w", err)
	}
	if cfg.MaxAttachmentBytes, err = strconv.Atoi(getEnv("MAX_ATTACHMENT_BYTES", "5242880")); err != nil {
		return nil, fmt.Errorf("MAX_ATTACHMENT_BYTES: %w", err)
	}
	if cfg.HistoryLimit, err = strconv.Atoi(getEnv("HISTORY_LIMIT", "50")); err != nil {
		return nil, fmt.Errorf("HISTORY_LIMIT: %w", err)
	}
	if cfg.SendBuffer, err = strconv.Atoi(getEnv("SEND_BUFFER", "100")); err != nil {
		return nil, fmt.Errorf("SEND_BUFFER: %w", err)
	}
	if cfg.EventRate, err = strconv.ParseFloat(getEnv("EVENT_RATE", "20"), 64); err != nil {
		return nil, fmt.Errorf("EVENT_RATE: %w", err)
	}
	if cfg.EventBurst, err = strconv.Atoi(getEnv("EVENT_BURST", "40")); err != nil {
		return nil, fmt.Errorf("EVENT_BURST: %w", err)
	}
	if err = cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DBFile == "" {
		return fmt.Errorf("CHATROOM_DB is required")
	}

	if c.RetentionTTL <= 0 {
		return fmt.Errorf("RETENTION_TTL must be greater than 0")
	}

	if c.RetentionInterval <= 0 {
		return fmt.Errorf("RETENTION_INTERVAL must be greater than 0")
	}

	if c.RetentionCron != "" && !gronx.IsValid(c.RetentionCron) {
		return fmt.Errorf("RETENTION_CRON %q is not a valid cron expression", c.RetentionCron)
	}

	if c.MaxAttachmentBytes <= 0 {
		return fmt.Errorf("MAX_ATTACHMENT_BYTES must be greater than 0")
	}

	if c.HistoryLimit < 1 || c.HistoryLimit > 100 {
		return fmt.Errorf("HISTORY_LIMIT must be between 1 and 100")
	}

	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be greater than 0")
	}

	if c.EventRate < 0 || c.EventBurst < 0 {
		return fmt.Errorf("EVENT_RATE and EVENT_BURST must not be negative")
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
