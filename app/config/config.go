// Package config loads the optional YAML tunables file. Every value has a
// default; the file only overrides what it sets, and command line flags
// override the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits holds all tunable constants of the service
type Limits struct {
	BatchResetBound int     `yaml:"batch_reset_bound" jsonschema:"description=raw counter value at or below which a drop is a batch restart,default=5"`
	SpeedMax        float64 `yaml:"speed_max" jsonschema:"description=cap on reported records per second,default=1000"`
	CompletionRatio float64 `yaml:"completion_ratio" jsonschema:"description=min processed/total for a client to honor push completion,default=0.95"`

	StreamInterval time.Duration `yaml:"stream_interval" jsonschema:"description=cadence of the progress stream,default=1s"`
	PollInterval   time.Duration `yaml:"poll_interval" jsonschema:"description=client reconciliation poll interval,default=3s"`
	DebounceWindow time.Duration `yaml:"debounce_window" jsonschema:"description=min interval between progress persists,default=500ms"`
	AutoCloseDelay time.Duration `yaml:"auto_close_delay" jsonschema:"description=delay before the completion screen closes,default=10s"`
	RetentionDelay time.Duration `yaml:"retention_delay" jsonschema:"description=delay before a terminal session is removed,default=1h"`

	ReapInterval time.Duration `yaml:"reap_interval" jsonschema:"description=time between reaper sweeps,default=5m"`
	ReapAge      time.Duration `yaml:"reap_age" jsonschema:"description=grace window before terminal sessions are reaped,default=1h"`
	TempMaxAge   time.Duration `yaml:"temp_max_age" jsonschema:"description=age threshold for temp file cleanup,default=24h"`

	QuotaDailyLimit int `yaml:"quota_daily_limit" jsonschema:"description=rows processable per UTC day,default=100000"`
	QuotaHardCap    int `yaml:"quota_hard_cap" jsonschema:"description=absolute counter ceiling absorbing corruption,default=1000000"`
}

// Defaults returns the built-in limits
func Defaults() Limits {
	return Limits{
		BatchResetBound: 5,
		SpeedMax:        1000,
		CompletionRatio: 0.95,
		StreamInterval:  time.Second,
		PollInterval:    3 * time.Second,
		DebounceWindow:  500 * time.Millisecond,
		AutoCloseDelay:  10 * time.Second,
		RetentionDelay:  time.Hour,
		ReapInterval:    5 * time.Minute,
		ReapAge:         time.Hour,
		TempMaxAge:      24 * time.Hour,
		QuotaDailyLimit: 100000,
		QuotaHardCap:    1000000,
	}
}

// Load reads the YAML file and merges it over the defaults. An empty path
// returns the defaults as is.
func Load(path string) (Limits, error) {
	res := Defaults()
	if path == "" {
		return res, nil
	}

	body, err := os.ReadFile(path) //nolint:gosec // config path comes from operator flags
	if err != nil {
		return Limits{}, fmt.Errorf("can't read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(body, &res); err != nil {
		return Limits{}, fmt.Errorf("can't parse config %s: %w", path, err)
	}
	if err := res.validate(); err != nil {
		return Limits{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return res, nil
}

// UnmarshalYAML merges the file over whatever l already holds, so absent keys
// keep their defaults. Durations accept go syntax like "500ms" or "1h".
func (l *Limits) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		BatchResetBound *int     `yaml:"batch_reset_bound"`
		SpeedMax        *float64 `yaml:"speed_max"`
		CompletionRatio *float64 `yaml:"completion_ratio"`
		StreamInterval  *string  `yaml:"stream_interval"`
		PollInterval    *string  `yaml:"poll_interval"`
		DebounceWindow  *string  `yaml:"debounce_window"`
		AutoCloseDelay  *string  `yaml:"auto_close_delay"`
		RetentionDelay  *string  `yaml:"retention_delay"`
		ReapInterval    *string  `yaml:"reap_interval"`
		ReapAge         *string  `yaml:"reap_age"`
		TempMaxAge      *string  `yaml:"temp_max_age"`
		QuotaDailyLimit *int     `yaml:"quota_daily_limit"`
		QuotaHardCap    *int     `yaml:"quota_hard_cap"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw.BatchResetBound != nil {
		l.BatchResetBound = *raw.BatchResetBound
	}
	if raw.SpeedMax != nil {
		l.SpeedMax = *raw.SpeedMax
	}
	if raw.CompletionRatio != nil {
		l.CompletionRatio = *raw.CompletionRatio
	}
	if raw.QuotaDailyLimit != nil {
		l.QuotaDailyLimit = *raw.QuotaDailyLimit
	}
	if raw.QuotaHardCap != nil {
		l.QuotaHardCap = *raw.QuotaHardCap
	}

	durations := []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"stream_interval", raw.StreamInterval, &l.StreamInterval},
		{"poll_interval", raw.PollInterval, &l.PollInterval},
		{"debounce_window", raw.DebounceWindow, &l.DebounceWindow},
		{"auto_close_delay", raw.AutoCloseDelay, &l.AutoCloseDelay},
		{"retention_delay", raw.RetentionDelay, &l.RetentionDelay},
		{"reap_interval", raw.ReapInterval, &l.ReapInterval},
		{"reap_age", raw.ReapAge, &l.ReapAge},
		{"temp_max_age", raw.TempMaxAge, &l.TempMaxAge},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("can't parse %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (l Limits) validate() error {
	if l.BatchResetBound < 0 {
		return fmt.Errorf("batch_reset_bound must be non-negative, got %d", l.BatchResetBound)
	}
	if l.CompletionRatio <= 0 || l.CompletionRatio > 1 {
		return fmt.Errorf("completion_ratio must be in (0, 1], got %v", l.CompletionRatio)
	}
	if l.QuotaDailyLimit < 0 {
		return fmt.Errorf("quota_daily_limit must be non-negative, got %d", l.QuotaDailyLimit)
	}
	if l.QuotaHardCap > 0 && l.QuotaHardCap < l.QuotaDailyLimit {
		return fmt.Errorf("quota_hard_cap %d below quota_daily_limit %d", l.QuotaHardCap, l.QuotaDailyLimit)
	}
	for name, d := range map[string]time.Duration{
		"stream_interval": l.StreamInterval,
		"poll_interval":   l.PollInterval,
		"reap_interval":   l.ReapInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	return nil
}
