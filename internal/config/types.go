package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the fleet daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Store        StoreConfig        `json:"store"`
	Redis        RedisConfig        `json:"redis,omitempty"`
	Verification VerificationConfig `json:"verification,omitempty"`
	Enforcement  EnforcementConfig  `json:"enforcement,omitempty"`
	Analytics    AnalyticsConfig    `json:"analytics,omitempty"`
	Fleet        FleetConfig        `json:"fleet"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"` // TRACE/DEBUG/INFO/WARN/ERROR
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StoreConfig points at the sqlite database holding groups, required
// channels, tenants and the analytics outcome table.
type StoreConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RedisConfig configures the shared membership cache.
//
// When Enabled is false the daemon falls back to a per-process memory cache;
// fine for a single node, loses cross-restart warmth.
type RedisConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr,omitempty"` // default "127.0.0.1:6379"
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"` // default "jg:m:"
}

// VerificationConfig tunes the cache-aside membership checks.
//
// Defaults (when omitted/zero):
//   - positive_ttl: "6h"
//   - negative_ttl: "5m"
//   - jitter_pct: 0.15
//   - max_fanout: 4
type VerificationConfig struct {
	PositiveTTL string  `json:"positive_ttl,omitempty"`
	NegativeTTL string  `json:"negative_ttl,omitempty"`
	JitterPct   float64 `json:"jitter_pct,omitempty"`
	MaxFanout   int     `json:"max_fanout,omitempty"`
}

// EnforcementConfig tunes the mute/unmute retry loop.
type EnforcementConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"` // default 3
	BaseDelay   string `json:"base_delay,omitempty"`   // default "1s"
}

// AnalyticsConfig tunes the best-effort outcome sink.
type AnalyticsConfig struct {
	Enabled       bool   `json:"enabled"`
	QueueSize     int    `json:"queue_size,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
	FlushInterval string `json:"flush_interval,omitempty"`
}

// FleetConfig controls the multi-tenant supervisor.
//
// CredentialKey is the hex AEAD key for sealed bot tokens; prefer the
// JOINGUARD_CREDENTIAL_KEY environment variable over putting it here.
type FleetConfig struct {
	ResyncInterval string `json:"resync_interval,omitempty"` // default "30s"
	CredentialKey  string `json:"credential_key,omitempty"`  // do not log
	PollTimeout    string `json:"poll_timeout,omitempty"`    // default "10s"
	APIRatePerSec  int    `json:"api_rate_per_sec,omitempty"`
}

// Validate checks the parts that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path is required")
	}
	for _, f := range []struct {
		path string
		raw  string
	}{
		{"store.busy_timeout", c.Store.BusyTimeout},
		{"verification.positive_ttl", c.Verification.PositiveTTL},
		{"verification.negative_ttl", c.Verification.NegativeTTL},
		{"enforcement.base_delay", c.Enforcement.BaseDelay},
		{"analytics.flush_interval", c.Analytics.FlushInterval},
		{"fleet.resync_interval", c.Fleet.ResyncInterval},
		{"fleet.poll_timeout", c.Fleet.PollTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Verification.JitterPct < 0 || c.Verification.JitterPct >= 1 {
		return fmt.Errorf("verification.jitter_pct must be in [0, 1), got %v", c.Verification.JitterPct)
	}
	return nil
}

// ResyncInterval returns the parsed fleet resync interval.
func (c *Config) ResyncInterval() time.Duration {
	d, _ := ParseDurationOrDefault("fleet.resync_interval", c.Fleet.ResyncInterval, 30*time.Second)
	return d
}

// PollTimeout returns the parsed long-poll timeout for tenant bots.
func (c *Config) PollTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("fleet.poll_timeout", c.Fleet.PollTimeout, 10*time.Second)
	return d
}
