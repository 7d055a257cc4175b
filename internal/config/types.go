package config

import (
	"errors"
	"fmt"
	"time"

	"routexd/pkg/logx"
)

// Config is the full daemon configuration. Loaded from a JSON or YAML file;
// YAML is coerced to JSON so both share the strict decoder.
type Config struct {
	Timezone  string          `json:"timezone"`
	Log       logx.Config     `json:"log"`
	Storage   StorageConfig   `json:"storage"`
	Telegram  TelegramConfig  `json:"telegram"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Audit     AuditConfig     `json:"audit"`
}

type StorageConfig struct {
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout"`
}

type TelegramConfig struct {
	Token     string `json:"token"`
	ParseMode string `json:"parse_mode"`
}

type SchedulerConfig struct {
	Enabled bool     `json:"enabled"`
	Tick    Duration `json:"tick"`
}

type BroadcastConfig struct {
	Workers        int      `json:"workers"`
	BatchSize      int      `json:"batch_size"`
	BatchDelay     Duration `json:"batch_delay"`
	RetryMax       int      `json:"retry_max"`
	BackoffBase    Duration `json:"backoff_base"`
	BackoffCap     Duration `json:"backoff_cap"`
	CooldownCap    Duration `json:"cooldown_cap"`
	AttemptTimeout Duration `json:"attempt_timeout"`
	RatePerSec     int      `json:"rate_per_sec"`
	// MaxAudience caps resolved audience size for a single job.
	// 0 disables the cap; a pathological always-true custom filter is
	// considered valid unless this is set.
	MaxAudience int `json:"max_audience"`
	// DedupWindow suppresses re-delivery to a recipient who already got a
	// message from the same schedule within the window.
	DedupWindow Duration `json:"dedup_window"`
}

type AuditConfig struct {
	RetryMax int `json:"retry_max"`
}

// Default returns the configuration used when fields are absent.
func Default() Config {
	return Config{
		Timezone: "UTC",
		Log:      logx.Config{Level: "info", Console: true},
		Storage: StorageConfig{
			Path:        "./data/routexd.db",
			BusyTimeout: Duration(5 * time.Second),
		},
		Telegram: TelegramConfig{ParseMode: "HTML"},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Tick:    Duration(30 * time.Second),
		},
		Broadcast: BroadcastConfig{
			Workers:        2,
			BatchSize:      30,
			BatchDelay:     Duration(1500 * time.Millisecond),
			RetryMax:       5,
			BackoffBase:    Duration(500 * time.Millisecond),
			BackoffCap:     Duration(30 * time.Second),
			CooldownCap:    Duration(60 * time.Second),
			AttemptTimeout: Duration(10 * time.Second),
			RatePerSec:     25,
			DedupWindow:    Duration(24 * time.Hour),
		},
		Audit: AuditConfig{RetryMax: 3},
	}
}

// Validate rejects configs the services cannot run with.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.Broadcast.BatchSize < 1 {
		return errors.New("broadcast.batch_size must be >= 1")
	}
	if c.Broadcast.Workers < 1 {
		return errors.New("broadcast.workers must be >= 1")
	}
	if c.Broadcast.RetryMax < 1 {
		return errors.New("broadcast.retry_max must be >= 1")
	}
	if c.Scheduler.Tick <= 0 {
		return errors.New("scheduler.tick must be > 0")
	}
	return nil
}
