package app

import (
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/config"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/health"
	"taskpilot/internal/httpapi"
	"taskpilot/internal/loop"
	"taskpilot/internal/scheduler"
	"taskpilot/internal/storage"
	"taskpilot/pkg/logx"
)

const (
	CleanupTaskName      = "cleanup-history"
	DefaultCleanupCron   = "0 3 * * *"
	DefaultRetentionDays = 30
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// MapStorageConfig converts the storage section for storage.Open.
func MapStorageConfig(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "redis":
		return storage.Config{
			Driver:   "redis",
			Addr:     strings.TrimSpace(sc.Addr),
			Password: sc.Password,
			DB:       sc.DB,
			Prefix:   strings.TrimSpace(sc.Prefix),
		}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEventBusConfig(cfg *Config) eventbus.Config {
	return eventbus.Config{
		HistorySize:     cfg.EventBus.HistorySize,
		ExcludePrefixes: cfg.EventBus.ExcludePrefixes,
	}
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	retry, err := config.Duration("scheduler.retry_delay", cfg.Scheduler.RetryDelay, scheduler.DefaultRetryDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:          strings.TrimSpace(cfg.Scheduler.Timezone),
		DefaultRetryDelay: retry,
	}, nil
}

// cleanupPlan returns the cron expression and retention of the built-in
// history cleanup task.
func cleanupPlan(cfg *Config) (string, int) {
	expr := strings.TrimSpace(cfg.Scheduler.CleanupCron)
	if expr == "" {
		expr = DefaultCleanupCron
	}
	days := cfg.Scheduler.HistoryRetentionDays
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return expr, days
}

func mapLoopConfig(cfg *Config) (loop.Config, error) {
	interval, err := config.Duration("loop.interval", cfg.Loop.Interval, loop.DefaultInterval)
	if err != nil {
		return loop.Config{}, err
	}
	cooldown, err := config.Duration("loop.critical_cooldown", cfg.Loop.CriticalCooldown, loop.DefaultCriticalCooldown)
	if err != nil {
		return loop.Config{}, err
	}
	return loop.Config{
		Interval:         interval,
		SlowCycleRatio:   cfg.Loop.SlowCycleRatio,
		CriticalCooldown: cooldown,
	}, nil
}

func mapHealthConfig(cfg *Config) health.Config {
	return health.Config{MemoryThreshold: cfg.Health.MemoryThreshold}
}

func mapHTTPConfig(cfg *Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.Duration("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.Duration("http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.Duration("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	addr := strings.TrimSpace(hc.Addr)
	if addr == "" {
		addr = httpapi.DefaultAddr
	}
	return httpapi.Config{
		Enabled:          hc.Enabled,
		Addr:             addr,
		Token:            strings.TrimSpace(hc.Token),
		AllowInsecure:    hc.AllowInsecure,
		Pprof:            hc.Pprof,
		ReadTimeout:      read,
		WriteTimeout:     write,
		IdleTimeout:      idle,
		MaxBodyBytes:     hc.MaxBodyBytes,
		WebhookRateLimit: hc.WebhookRateLimit,
		WebhookBurst:     hc.WebhookBurst,
	}, nil
}

// validate runs every mapping so a reload is rejected before it is committed.
func validate(cfg *Config) error {
	if _, err := MapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLoopConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	expr, _ := cleanupPlan(cfg)
	if err := scheduler.ValidateExpression(expr); err != nil {
		return fmt.Errorf("scheduler.cleanup_cron: %w", err)
	}
	return nil
}
