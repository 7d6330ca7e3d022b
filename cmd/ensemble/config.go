package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/rendis/ensemble/internal/resumption"
)

// Config holds the CLI configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	Store       string `json:"store"` // memory | redis | libsql
	RedisAddr   string `json:"redis_addr"`
	RedisPrefix string `json:"redis_prefix"`
	DBPath      string `json:"db_path"`

	SuspensionTTL duration `json:"suspension_ttl"`
	SweepSchedule string   `json:"sweep_schedule"`
	MetricsAddr   string   `json:"metrics_addr"`

	AgentTimeout            duration `json:"agent_timeout"`
	CircuitFailureThreshold int      `json:"circuit_failure_threshold"`
	CircuitCooldown         duration `json:"circuit_cooldown"`
	HTTPTimeout             duration `json:"http_timeout"`
}

// duration reads "90s" style strings from settings.json.
type duration time.Duration

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) Std() time.Duration { return time.Duration(d) }

func defaultConfig() Config {
	return Config{
		LogLevel:                "info",
		LogFormat:               "text",
		Store:                   "libsql",
		RedisAddr:               "localhost:6379",
		RedisPrefix:             "ensemble",
		DBPath:                  filepath.Join(ensembleDir(), "suspensions.db"),
		SuspensionTTL:           duration(resumption.DefaultTTL),
		SweepSchedule:           resumption.DefaultSweepSchedule,
		CircuitFailureThreshold: 5,
		CircuitCooldown:         duration(30 * time.Second),
		HTTPTimeout:             duration(30 * time.Second),
	}
}

func ensembleDir() string {
	if v := os.Getenv("ENSEMBLE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ensemble"
	}
	return filepath.Join(home, ".ensemble")
}

func settingsPath() string {
	return filepath.Join(ensembleDir(), "settings.json")
}

// loadConfig layers settings.json and ENSEMBLE_* variables over the defaults.
// A missing settings file is not an error; a malformed one is.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(settingsPath())
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", settingsPath(), err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup("ENSEMBLE_" + key); ok && v != "" {
			*dst = v
		}
	}
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("STORE", &cfg.Store)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PREFIX", &cfg.RedisPrefix)
	str("DB_PATH", &cfg.DBPath)
	str("SWEEP_SCHEDULE", &cfg.SweepSchedule)
	str("METRICS_ADDR", &cfg.MetricsAddr)

	durations := []struct {
		key string
		dst *duration
	}{
		{"SUSPENSION_TTL", &cfg.SuspensionTTL},
		{"AGENT_TIMEOUT", &cfg.AgentTimeout},
		{"CIRCUIT_COOLDOWN", &cfg.CircuitCooldown},
		{"HTTP_TIMEOUT", &cfg.HTTPTimeout},
	}
	for _, d := range durations {
		v, ok := lookup("ENSEMBLE_" + d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ENSEMBLE_%s: %w", d.key, err)
		}
		*d.dst = duration(parsed)
	}

	if v, ok := lookup("ENSEMBLE_CIRCUIT_FAILURE_THRESHOLD"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ENSEMBLE_CIRCUIT_FAILURE_THRESHOLD: %w", err)
		}
		cfg.CircuitFailureThreshold = n
	}
	return nil
}

// applyFlags overrides cfg with the flags the user set explicitly.
func applyFlags(cfg *Config, flags *pflag.FlagSet) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		v := f.Value.String()
		switch f.Name {
		case "log-level":
			cfg.LogLevel = v
		case "log-format":
			cfg.LogFormat = v
		case "store":
			cfg.Store = v
		case "redis-addr":
			cfg.RedisAddr = v
		case "db-path":
			cfg.DBPath = v
		case "metrics-addr":
			cfg.MetricsAddr = v
		case "agent-timeout":
			var d time.Duration
			if d, err = time.ParseDuration(v); err == nil {
				cfg.AgentTimeout = duration(d)
			}
		}
	})
	return err
}

func (c Config) validate() error {
	switch c.Store {
	case "memory", "redis", "libsql":
	default:
		return fmt.Errorf("unknown store %q (want memory, redis or libsql)", c.Store)
	}
	if c.CircuitFailureThreshold < 0 {
		return fmt.Errorf("circuit_failure_threshold must be >= 0")
	}
	return nil
}
