// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"slot_bot/internal/model"
)

// Delivery modes for marking slots seen relative to sending.
const (
	AtLeastOnce = "at-least-once"
	AtMostOnce  = "at-most-once"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	AllowedUsers     []int64
	AdminChatID      int64
	LogLevel         string

	StorageDriver string
	RedisURL      string
	RedisPrefix   string
	DatabasePath  string

	CentersFile     string
	ProviderURL     string
	ProviderTimeout time.Duration
	SlotLimit       int
	ScheduleURL     string

	PollSchedule          string
	Workers               int
	Granularity           model.Granularity
	DeliveryMode          string
	PruneConfirmations    int
	PermanentFailureLimit int
	SendRate              int
	LockTTL               time.Duration
	ShutdownTimeout       time.Duration
}

// LoadDotEnv reads a .env file into the environment when present.
// Variables already set take precedence.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	cfg := &Config{
		TelegramBotToken: token,
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		StorageDriver:    envOrDefault("STORAGE_DRIVER", "redis"),
		RedisURL:         envOrDefault("REDIS_URL", "redis://127.0.0.1:6379/0"),
		RedisPrefix:      envOrDefault("REDIS_PREFIX", "slotbot:"),
		DatabasePath:     envOrDefault("DATABASE_PATH", "./data/bot.db"),
		CentersFile:      envOrDefault("CENTERS_FILE", "./centers.yaml"),
		ProviderURL:      envOrDefault("PROVIDER_URL", "https://ttp.cbp.dhs.gov"),
		ScheduleURL: envOrDefault("SCHEDULE_URL",
			"https://ttp.cbp.dhs.gov/schedulerui/schedule-interview/location?lang=en&vo=true&returnUrl=ttp-external&service=nh"),
		PollSchedule: envOrDefault("POLL_SCHEDULE", "@every 15s"),
		Granularity:  model.Granularity(envOrDefault("DEDUP_GRANULARITY", string(model.PerSlot))),
		DeliveryMode: envOrDefault("DELIVERY_MODE", AtLeastOnce),
	}

	switch cfg.StorageDriver {
	case "redis", "sqlite":
	default:
		return nil, fmt.Errorf("invalid STORAGE_DRIVER %q, use redis or sqlite", cfg.StorageDriver)
	}
	switch cfg.Granularity {
	case model.PerSlot, model.PerDay:
	default:
		return nil, fmt.Errorf("invalid DEDUP_GRANULARITY %q, use slot or day", cfg.Granularity)
	}
	switch cfg.DeliveryMode {
	case AtLeastOnce, AtMostOnce:
	default:
		return nil, fmt.Errorf("invalid DELIVERY_MODE %q, use %s or %s", cfg.DeliveryMode, AtLeastOnce, AtMostOnce)
	}
	if _, err := cron.ParseStandard(cfg.PollSchedule); err != nil {
		return nil, fmt.Errorf("invalid POLL_SCHEDULE %q: %w", cfg.PollSchedule, err)
	}

	var err error
	if cfg.ProviderTimeout, err = envDuration("PROVIDER_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = envDuration("LOCK_TTL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = envDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"SLOT_LIMIT", 5, &cfg.SlotLimit},
		{"WORKERS", 4, &cfg.Workers},
		{"PRUNE_CONFIRMATIONS", 2, &cfg.PruneConfirmations},
		{"PERMANENT_FAILURE_LIMIT", 3, &cfg.PermanentFailureLimit},
		{"SEND_RATE", 20, &cfg.SendRate},
	}
	for _, i := range ints {
		if *i.dst, err = envPositiveInt(i.key, i.def); err != nil {
			return nil, err
		}
	}

	if raw := os.Getenv("ADMIN_CHAT_ID"); raw != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIN_CHAT_ID %q: %w", raw, err)
		}
		cfg.AdminChatID = id
	}

	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			cfg.AllowedUsers = append(cfg.AllowedUsers, uid)
		}
	}

	return cfg, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: want a positive duration", key, raw)
	}
	return d, nil
}

func envPositiveInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid %s %q: want a positive integer", key, raw)
	}
	return n, nil
}
