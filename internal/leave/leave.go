// Package leave reacts to channel-membership changes. It is the only place
// cache entries are invalidated proactively, which is what keeps long positive
// TTLs safe: a departed user must not keep speaking until expiry.
package leave

import (
	"context"
	"fmt"

	"joinguard/internal/directory"
	"joinguard/internal/enforce"
	"joinguard/internal/membership"
	logx "joinguard/pkg/logx"
)

// Event is one "membership changed" notification for a channel.
type Event struct {
	TenantBot int64
	Channel   string // channel ref as configured (numeric ID or @username)
	UserID    int64
	Old       directory.Status
	New       directory.Status
}

// Qualifies reports whether the transition is a departure worth acting on:
// previously a member (or admin/owner), now left or banned. Everything else
// (promotions, restrictions, joins) is ignored.
func (e Event) Qualifies() bool {
	if !e.Old.IsMember() {
		return false
	}
	return e.New == directory.StatusLeft || e.New == directory.StatusBanned
}

// Resolver lists the active groups whose requirement set includes a channel.
// Backed by the administrative layer's read model.
type Resolver interface {
	GroupsRequiringChannel(ctx context.Context, channel string) ([]int64, error)
}

// Muter is the enforcement seam (implemented by enforce.Actuator).
type Muter interface {
	Mute(ctx context.Context, groupID, userID int64) enforce.Result
}

// Notifier tells a group that a user was muted, with a re-verify affordance.
// Best-effort: a failed notification never undoes or blocks enforcement.
type Notifier interface {
	NotifyMuted(ctx context.Context, groupID, userID int64, channel string) error
}

type Processor struct {
	cache    membership.Cache
	resolver Resolver
	muter    Muter
	notifier Notifier
	log      logx.Logger
}

func NewProcessor(cache membership.Cache, resolver Resolver, muter Muter, notifier Notifier, log logx.Logger) *Processor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{cache: cache, resolver: resolver, muter: muter, notifier: notifier, log: log}
}

// Handle processes one membership-change notification.
//
// On a qualifying departure it invalidates the cache entry first (closing the
// staleness window), then mutes the user in every active group requiring the
// channel. One group's failure never aborts the rest.
func (p *Processor) Handle(ctx context.Context, ev Event) error {
	if !ev.Qualifies() {
		return nil
	}

	key := membership.NewKey(ev.UserID, ev.Channel)
	if err := p.cache.Delete(ctx, key); err != nil {
		// The entry may outlive this failure until its TTL; worth a warning.
		p.log.Warn("leave: cache invalidation failed",
			logx.String("key", key.String()),
			logx.Err(err),
		)
	}

	groups, err := p.resolver.GroupsRequiringChannel(ctx, ev.Channel)
	if err != nil {
		return fmt.Errorf("resolve groups for channel %s: %w", ev.Channel, err)
	}

	p.log.Info("leave: enforcing departure",
		logx.Int64("user_id", ev.UserID),
		logx.String("channel", key.Channel),
		logx.Int("groups", len(groups)),
	)

	for _, groupID := range groups {
		res := p.muter.Mute(ctx, groupID, ev.UserID)
		if !res.OK {
			p.log.Warn("leave: mute failed",
				logx.Int64("group_id", groupID),
				logx.Int64("user_id", ev.UserID),
				logx.Int("attempts", res.Attempts),
				logx.String("error_kind", res.ErrorKind),
				logx.Err(res.Err),
			)
			continue
		}
		// Notify strictly after the mute completed, never before.
		if p.notifier != nil {
			if nerr := p.notifier.NotifyMuted(ctx, groupID, ev.UserID, ev.Channel); nerr != nil {
				p.log.Debug("leave: notify failed", logx.Int64("group_id", groupID), logx.Err(nerr))
			}
		}
	}
	return nil
}
