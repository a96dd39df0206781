package config

// Config is the on-disk configuration of taskpilot.
//
// All durations are Go duration strings (e.g. "500ms", "60s", "5m").
// Omitted fields fall back to the defaults documented per section.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Loop      LoopConfig      `json:"loop"`
	EventBus  EventBusConfig  `json:"eventbus"`
	HTTP      HTTPConfig      `json:"http"`
	Health    HealthConfig    `json:"health"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // console encoding: "text" (default) or "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the execution-history backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskpilot.db" }
//
// Drivers: "memory" (default), "file", "sqlite", "redis".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	// Redis only.
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// SchedulerConfig controls the cron scheduler.
//
// Defaults:
//   - timezone: "America/Sao_Paulo"
//   - retry_delay: "60s"
//   - history_retention_days: 30 (built-in cleanup task)
type SchedulerConfig struct {
	Enabled              bool   `json:"enabled"`
	Timezone             string `json:"timezone,omitempty"`
	RetryDelay           string `json:"retry_delay,omitempty"`
	HistoryRetentionDays int    `json:"history_retention_days,omitempty"`
	CleanupCron          string `json:"cleanup_cron,omitempty"`
}

// LoopConfig controls the autonomous check loop.
type LoopConfig struct {
	Enabled          bool    `json:"enabled"`
	Interval         string  `json:"interval,omitempty"`          // default "60s"
	SlowCycleRatio   float64 `json:"slow_cycle_ratio,omitempty"`  // default 0.8
	CriticalCooldown string  `json:"critical_cooldown,omitempty"` // default "5s"
}

type EventBusConfig struct {
	HistorySize     int      `json:"history_size,omitempty"` // default 1000
	ExcludePrefixes []string `json:"exclude_prefixes,omitempty"`
}

// HTTPConfig controls the HTTP surface (webhooks, introspection, metrics).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - A non-loopback address requires a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"` // mounts /debug/pprof/ behind the same auth

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MaxBodyBytes     int64   `json:"max_body_bytes,omitempty"`     // default 1 MiB
	WebhookRateLimit float64 `json:"webhook_rate_limit,omitempty"` // requests/sec, 0 disables
	WebhookBurst     int     `json:"webhook_burst,omitempty"`
}

// HealthConfig controls the built-in system-health check.
//
// SystemdUnits adds a systemd-units check (linux only) that reports units
// which are not active. A name without a suffix means "<name>.service".
type HealthConfig struct {
	Enabled         bool     `json:"enabled"`
	MemoryThreshold float64  `json:"memory_threshold,omitempty"` // percent, default 90
	SystemdUnits    []string `json:"systemd_units,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Storage:   StorageConfig{Driver: "memory"},
		Scheduler: SchedulerConfig{Enabled: true},
		Loop:      LoopConfig{Enabled: true},
		HTTP:      HTTPConfig{Enabled: true, Addr: "127.0.0.1:8080"},
		Health:    HealthConfig{Enabled: true},
	}
}
