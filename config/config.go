// Package config loads and watches guardkit's tunables.
//
// Files may be YAML or JSON; YAML is coerced to JSON so both formats go
// through the same strict decoder (unknown fields are rejected). Durations
// are strings in time.ParseDuration syntax ("300ms", "5m").
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Logging   Logging   `json:"logging"`
	Locks     Locks     `json:"locks"`
	Pool      Pool      `json:"pool"`
	RateLimit RateLimit `json:"rate_limit"`
	Retry     Retry     `json:"retry"`
	Tasks     Tasks     `json:"tasks"`
	Monitor   Monitor   `json:"monitor"`
	History   History   `json:"history"`
}

type Logging struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

type Locks struct {
	MaxLocks        int    `json:"max_locks"`
	CleanupInterval string `json:"cleanup_interval"`
}

type Pool struct {
	MinSize        int     `json:"min_size"`
	MaxSize        int     `json:"max_size"`
	HealthInterval string  `json:"health_interval"`
	AcquireTimeout string  `json:"acquire_timeout"`
	ReplacePerSec  float64 `json:"replace_per_sec"`
}

type RateLimit struct {
	MaxCalls   int    `json:"max_calls"`
	TimeWindow string `json:"time_window"`
}

type Retry struct {
	MaxRetries int     `json:"max_retries"`
	BaseDelay  string  `json:"base_delay"`
	MaxDelay   string  `json:"max_delay"`
	Jitter     float64 `json:"jitter"`
}

type Tasks struct {
	MaxConcurrent int `json:"max_concurrent"`
	HistorySize   int `json:"history_size"`
}

type Monitor struct {
	MaxRecords      int    `json:"max_records"`
	SummaryInterval string `json:"summary_interval"`
}

type History struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
	Retention   string `json:"retention"`
}

// Default returns the tunables the components fall back to on their own.
func Default() *Config {
	cfg := &Config{}
	cfg.Logging.Level = "INFO"
	cfg.Logging.Console = true
	cfg.Locks.MaxLocks = 2000
	cfg.Locks.CleanupInterval = "5m"
	cfg.Pool.MinSize = 1
	cfg.Pool.MaxSize = 4
	cfg.Pool.HealthInterval = "60s"
	cfg.Pool.ReplacePerSec = 1
	cfg.RateLimit.MaxCalls = 10
	cfg.RateLimit.TimeWindow = "60s"
	cfg.Retry.MaxRetries = 3
	cfg.Retry.BaseDelay = "100ms"
	cfg.Retry.MaxDelay = "10s"
	cfg.Tasks.MaxConcurrent = 20
	cfg.Tasks.HistorySize = 200
	cfg.Monitor.MaxRecords = 1000
	cfg.Monitor.SummaryInterval = "5m"
	return cfg
}

// Validate parses every duration field and checks numeric bounds. It is run
// by the watcher before committing a reload, so a bad edit never reaches
// live components.
func (c *Config) Validate() error {
	fields := []struct {
		path string
		raw  string
	}{
		{"locks.cleanup_interval", c.Locks.CleanupInterval},
		{"pool.health_interval", c.Pool.HealthInterval},
		{"pool.acquire_timeout", c.Pool.AcquireTimeout},
		{"rate_limit.time_window", c.RateLimit.TimeWindow},
		{"retry.base_delay", c.Retry.BaseDelay},
		{"retry.max_delay", c.Retry.MaxDelay},
		{"monitor.summary_interval", c.Monitor.SummaryInterval},
		{"history.busy_timeout", c.History.BusyTimeout},
		{"history.retention", c.History.Retention},
	}
	for _, f := range fields {
		if _, err := parseDuration(f.path, f.raw); err != nil {
			return err
		}
	}

	if c.Pool.MinSize < 0 || c.Pool.MaxSize < 0 {
		return fmt.Errorf("pool sizes must be >= 0")
	}
	if c.Pool.MaxSize > 0 && c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("pool.min_size (%d) exceeds pool.max_size (%d)", c.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		if c.Retry.Jitter != 0 {
			return fmt.Errorf("retry.jitter must be in [0, 1)")
		}
	}
	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}
	return nil
}

// parseDuration parses one duration tunable. Empty means unset (0); negative
// values are rejected so a reload can never smuggle one past Validate.
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// Duration resolves a duration tunable to its effective value: def when the
// field is unset, zero, or (on a config that skipped Validate) malformed.
// Components receive only the resolved value, never the raw string.
func Duration(path, raw string, def time.Duration) time.Duration {
	d, err := parseDuration(path, raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func decodeStrict(path string, data []byte) (*Config, error) {
	jb, err := toJSON(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		// The strict decoder names the offending key; anchor it to the file.
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%s: trailing data after config", filepath.Base(path))
		}
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return &cfg, nil
}

// toJSON coerces a YAML file to JSON so both formats pass through the same
// strict decoder. Extensions other than .yaml/.yml are treated as JSON.
func toJSON(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%s: yaml: %w", filepath.Base(path), err)
	}
	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, fmt.Errorf("%s: yaml to json: %w", filepath.Base(path), err)
	}
	return j, nil
}

// stringKeys rewrites any-keyed maps to string keys, recursively, so the
// YAML value tree survives json.Marshal.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}

// Load reads, decodes and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeStrict(path, b)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
