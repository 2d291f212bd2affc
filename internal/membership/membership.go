package membership

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable marks cache infrastructure failures (connection refused,
// timeout). Callers must treat it as a miss, never as a verification failure.
var ErrUnavailable = errors.New("membership cache unavailable")

// Key identifies one (user, channel) membership fact.
//
// Keys are deliberately tenant-agnostic: channel membership is a platform-level
// fact, independent of which tenant bot observed it, so all tenant workers
// share the same entries.
type Key struct {
	UserID  int64
	Channel string
}

// NewKey normalizes a channel reference (numeric chat ID or @username) into a
// stable cache key.
func NewKey(userID int64, channel string) Key {
	return Key{UserID: userID, Channel: strings.ToLower(strings.TrimSpace(channel))}
}

func (k Key) String() string {
	return strconv.FormatInt(k.UserID, 10) + ":" + k.Channel
}

// Cache is the membership cache contract.
//
// Get returns (member, ok, err): ok=false is a miss. Implementations report
// infrastructure failures as ErrUnavailable; they never guess a value.
// Concurrent writers to the same key race to last-write-wins, which is fine
// because every write is an idempotent recomputation of the same external fact.
type Cache interface {
	Get(ctx context.Context, key Key) (member bool, ok bool, err error)
	Set(ctx context.Context, key Key, member bool) error
	Delete(ctx context.Context, key Key) error
}

// Metrics collects cache outcomes. Implementations must be safe for concurrent
// use. A sink is injected into each consumer; there is no process-wide state.
type Metrics interface {
	CacheHit()
	CacheMiss()
	CacheError()
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) CacheHit()   {}
func (NopMetrics) CacheMiss()  {}
func (NopMetrics) CacheError() {}

// TTLs holds the two base TTL classes plus the jitter bound.
//
// The asymmetry is intentional: positive results live long (members rarely
// leave, and leave events invalidate proactively), negative results live short
// (users tend to join right after being warned), trading a few extra lookups
// against wrongly-muted time.
type TTLs struct {
	Positive  time.Duration
	Negative  time.Duration
	JitterPct float64 // 0.15 means base ± 15%
}

func (t TTLs) WithDefaults() TTLs {
	if t.Positive <= 0 {
		t.Positive = 6 * time.Hour
	}
	if t.Negative <= 0 {
		t.Negative = 5 * time.Minute
	}
	if t.JitterPct <= 0 {
		t.JitterPct = 0.15
	}
	return t
}

// For returns the base TTL class for a result.
func (t TTLs) For(member bool) time.Duration {
	if member {
		return t.Positive
	}
	return t.Negative
}

// EffectiveTTL spreads a base TTL uniformly across [base-jitter, base+jitter]
// so entries populated near-simultaneously don't mass-expire together.
func EffectiveTTL(base time.Duration, jitterPct float64, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if jitterPct <= 0 {
		return base
	}
	span := float64(base) * jitterPct
	off := (rng.Float64()*2 - 1) * span
	return time.Duration(float64(base) + off)
}
