package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"taskpilot/pkg/logx"
)

// Validate performs the semantic checks the schema cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}

	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.retry_delay", cfg.Scheduler.RetryDelay},
		{"loop.interval", cfg.Loop.Interval},
		{"loop.critical_cooldown", cfg.Loop.CriticalCooldown},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	}
	for _, d := range durations {
		if _, err := Duration(d.path, d.raw, 0); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "redis":
		if strings.TrimSpace(cfg.Storage.Addr) == "" {
			errs = append(errs, errors.New("storage.addr is required when storage.driver=redis"))
		}
	}

	if cfg.HTTP.Enabled && !cfg.HTTP.AllowInsecure && strings.TrimSpace(cfg.HTTP.Token) == "" {
		if addr := strings.TrimSpace(cfg.HTTP.Addr); addr != "" && !IsLoopbackAddr(addr) {
			errs = append(errs, fmt.Errorf("http.addr %q is not loopback: set http.token or http.allow_insecure", addr))
		}
	}
	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether a listen address only binds loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
