package config

import (
	"sort"
	"strings"

	logx "joinguard/pkg/logx"
)

// SummarizeConfigChange returns the list of changed sections and structured
// attrs safe for logging. Secrets (redis password, credential key) are only
// ever reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
			logx.String("store.busy_timeout", strings.TrimSpace(newCfg.Store.BusyTimeout)),
		)
	}

	// Redis (never log the password)
	if oldCfg.Redis != newCfg.Redis {
		changed = append(changed, "redis")
		attrs = append(attrs,
			logx.Bool("redis.enabled", newCfg.Redis.Enabled),
			logx.String("redis.addr", strings.TrimSpace(newCfg.Redis.Addr)),
			logx.Int("redis.db", newCfg.Redis.DB),
			logx.Bool("redis.password_set", strings.TrimSpace(newCfg.Redis.Password) != ""),
		)
	}

	if oldCfg.Verification != newCfg.Verification {
		changed = append(changed, "verification")
		attrs = append(attrs,
			logx.String("verification.positive_ttl", strings.TrimSpace(newCfg.Verification.PositiveTTL)),
			logx.String("verification.negative_ttl", strings.TrimSpace(newCfg.Verification.NegativeTTL)),
			logx.Int("verification.max_fanout", newCfg.Verification.MaxFanout),
		)
	}

	if oldCfg.Enforcement != newCfg.Enforcement {
		changed = append(changed, "enforcement")
		attrs = append(attrs,
			logx.Int("enforcement.max_attempts", newCfg.Enforcement.MaxAttempts),
			logx.String("enforcement.base_delay", strings.TrimSpace(newCfg.Enforcement.BaseDelay)),
		)
	}

	if oldCfg.Analytics != newCfg.Analytics {
		changed = append(changed, "analytics")
		attrs = append(attrs,
			logx.Bool("analytics.enabled", newCfg.Analytics.Enabled),
			logx.Int("analytics.queue_size", newCfg.Analytics.QueueSize),
			logx.Int("analytics.batch_size", newCfg.Analytics.BatchSize),
		)
	}

	// Fleet (never log the credential key)
	if oldCfg.Fleet != newCfg.Fleet {
		changed = append(changed, "fleet")
		attrs = append(attrs,
			logx.String("fleet.resync_interval", strings.TrimSpace(newCfg.Fleet.ResyncInterval)),
			logx.String("fleet.poll_timeout", strings.TrimSpace(newCfg.Fleet.PollTimeout)),
			logx.Int("fleet.api_rate_per_sec", newCfg.Fleet.APIRatePerSec),
			logx.Bool("fleet.credential_key_set", strings.TrimSpace(newCfg.Fleet.CredentialKey) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
