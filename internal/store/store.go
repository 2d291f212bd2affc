// Package store is the engine's view of the administrative database: the
// read models it consumes (required channels per group, groups per channel,
// active tenants) plus the outcome table the analytics sink appends to.
// Administrative CRUD lives outside this repo; the write helpers here exist
// for that layer and for tests.
package store

import (
	"context"
	"errors"
	"time"

	"joinguard/internal/analytics"
	"joinguard/internal/verify"
	logx "joinguard/pkg/logx"
)

var ErrDisabled = errors.New("store disabled")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Tenant is one bot instance row. Credential stays sealed until the fleet
// manager opens it; this package never sees plaintext tokens.
type Tenant struct {
	ID               int64
	BotID            int64
	SealedCredential string
	Active           bool
}

// Store is the persistence API the engine consumes.
type Store interface {
	// Read models (administrative layer owns the writes).
	RequiredChannels(ctx context.Context, groupID int64) ([]verify.RequiredChannel, error)
	GroupsRequiringChannel(ctx context.Context, channel string) ([]int64, error)
	ActiveTenants(ctx context.Context) ([]Tenant, error)

	// Analytics append-only side channel.
	InsertOutcomes(ctx context.Context, batch []analytics.Outcome) error

	// Seeding/administration helpers.
	UpsertGroup(ctx context.Context, groupID int64, title string, active bool) error
	UpsertChannel(ctx context.Context, ref, title, inviteLink string) error
	LinkGroupChannel(ctx context.Context, groupID int64, channelRef string) error
	UpsertTenant(ctx context.Context, t Tenant) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
