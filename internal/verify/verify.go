// Package verify decides whether a user satisfies a group's required-channel
// policy. Lookups are cache-aside and fail-closed: when the platform cannot
// be asked, the user is treated as not-a-member, never as compliant.
package verify

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"joinguard/internal/analytics"
	"joinguard/internal/directory"
	"joinguard/internal/membership"
	logx "joinguard/pkg/logx"
)

// RequiredChannel is an immutable snapshot of one channel a group requires.
// Sourced from the group's configuration; the engine never mutates it.
type RequiredChannel struct {
	Ref        string // numeric chat ID or @username
	Title      string
	InviteLink string
}

// Meta carries call-site identity for outcome records.
type Meta struct {
	TenantBot int64
	GroupID   int64
}

type Coordinator struct {
	cache   membership.Cache
	dir     directory.Client
	sink    analytics.Sink
	metrics membership.Metrics
	log     logx.Logger

	// Concurrent misses for the same (user, channel) share one directory
	// call. Membership is a platform-level fact, so the shared result is
	// valid for every caller, tenants included.
	sf singleflight.Group

	maxFanout int
}

type Option func(*Coordinator)

// WithMaxFanout bounds CheckAll's per-request concurrency. Default 4.
func WithMaxFanout(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxFanout = n
		}
	}
}

func WithMetrics(m membership.Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func New(cache membership.Cache, dir directory.Client, sink analytics.Sink, log logx.Logger, opts ...Option) *Coordinator {
	if sink == nil {
		sink = analytics.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Coordinator{
		cache:     cache,
		dir:       dir,
		sink:      sink,
		metrics:   membership.NopMetrics{},
		log:       log,
		maxFanout: 4,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CheckOne reports whether the user belongs to the channel.
func (c *Coordinator) CheckOne(ctx context.Context, meta Meta, userID int64, channel string) bool {
	start := time.Now()
	key := membership.NewKey(userID, channel)

	member, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		// Cache down is a miss, not a verification failure.
		c.metrics.CacheError()
		c.log.Debug("membership cache unavailable", logx.Int64("user_id", userID), logx.String("channel", key.Channel), logx.Err(err))
	} else if ok {
		c.metrics.CacheHit()
		c.recordVerification(meta, userID, key.Channel, member, true, start, nil)
		return member
	} else {
		c.metrics.CacheMiss()
	}

	member, lookupErr := c.lookup(ctx, key)
	c.recordVerification(meta, userID, key.Channel, member, false, start, lookupErr)
	return member
}

// lookup consults the directory, coalescing concurrent misses per key, and
// repopulates the cache on success. Returns fail-closed false on error.
func (c *Coordinator) lookup(ctx context.Context, key membership.Key) (bool, error) {
	v, err, _ := c.sf.Do(key.String(), func() (any, error) {
		status, err := c.dir.GetMembership(ctx, key.UserID, key.Channel)
		if err != nil {
			// An error is not a fact about membership; don't cache it.
			return false, err
		}
		member := status.IsMember()
		if serr := c.cache.Set(ctx, key, member); serr != nil {
			c.metrics.CacheError()
			c.log.Debug("membership cache write failed", logx.String("key", key.String()), logx.Err(serr))
		}
		return member, nil
	})
	if err != nil {
		return false, err
	}
	member, _ := v.(bool)
	return member, nil
}

// CheckAll verifies the user against every required channel concurrently
// (bounded fan-out) and returns the channels the user has not joined, in input
// order. An empty requirement list short-circuits with no cache or directory
// traffic.
func (c *Coordinator) CheckAll(ctx context.Context, meta Meta, userID int64, channels []RequiredChannel) []RequiredChannel {
	if len(channels) == 0 {
		return nil
	}

	joined := make([]bool, len(channels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxFanout)
	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			joined[i] = c.CheckOne(gctx, meta, userID, ch.Ref)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; fail-closed handles them

	var missing []RequiredChannel
	for i, ch := range channels {
		if !joined[i] {
			missing = append(missing, ch)
		}
	}
	return missing
}

func (c *Coordinator) recordVerification(meta Meta, userID int64, channel string, member, cached bool, start time.Time, err error) {
	result := analytics.ResultVerified
	if err != nil {
		result = analytics.ResultError
	} else if !member {
		result = analytics.ResultRestricted
	}
	c.sink.Record(analytics.Outcome{
		TenantBot: meta.TenantBot,
		Kind:      analytics.KindVerification,
		UserID:    userID,
		GroupID:   meta.GroupID,
		Channel:   channel,
		Result:    result,
		Cached:    cached,
		Latency:   time.Since(start),
		ErrorKind: directory.ErrorKind(err),
	})
}
