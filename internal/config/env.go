package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "TASKPILOT_"

// ApplyEnv overlays TASKPILOT_* variables onto cfg. lookup defaults to os.LookupEnv.
//
// Overrides win over the file so secrets (tokens, redis password) can stay out of it.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(EnvPrefix + k)
		return strings.TrimSpace(v), ok
	}

	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get("STORAGE_DRIVER"); ok {
		cfg.Storage.Driver = v
	}
	if v, ok := get("STORAGE_PATH"); ok {
		cfg.Storage.Path = v
	}
	if v, ok := get("REDIS_ADDR"); ok {
		cfg.Storage.Addr = v
	}
	if v, ok := get("REDIS_PASSWORD"); ok {
		cfg.Storage.Password = v
	}
	if v, ok := get("TIMEZONE"); ok {
		cfg.Scheduler.Timezone = v
	}
	if v, ok := get("LOOP_INTERVAL"); ok {
		cfg.Loop.Interval = v
	}
	if v, ok := get("HTTP_ADDR"); ok {
		cfg.HTTP.Addr = v
	}
	if v, ok := get("HTTP_TOKEN"); ok {
		cfg.HTTP.Token = v
	}
	if v, ok := get("HTTP_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sHTTP_ENABLED: %w", EnvPrefix, err)
		}
		cfg.HTTP.Enabled = b
	}
	return nil
}
