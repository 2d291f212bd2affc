// Package fleet runs one polling worker per active tenant bot and keeps the
// running set converged with the tenant table.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"joinguard/internal/directory"
	"joinguard/internal/eventbus"
	"joinguard/internal/secrets"
	"joinguard/internal/store"
	logx "joinguard/pkg/logx"
)

// Worker is a single tenant bot. Run blocks until ctx is canceled or the
// worker hits a fatal error; returning directory.ErrInvalidCredential marks
// the tenant's credential as revoked.
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerFactory builds a worker for a tenant. The token is the opened
// (plaintext) credential; implementations must not log or persist it.
type WorkerFactory func(t store.Tenant, token string) (Worker, error)

// TenantSource is the slice of the store the manager needs.
type TenantSource interface {
	ActiveTenants(ctx context.Context) ([]store.Tenant, error)
	UpsertTenant(ctx context.Context, t store.Tenant) error
}

// Config tunes the manager.
type Config struct {
	ResyncInterval time.Duration // default 30s
	StopGrace      time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 30 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	return c
}

// Manager reconciles running workers against the active tenant set.
//
// Reconciliation is additive and subtractive only: tenants present in both
// the running set and the desired set keep their existing worker and its
// in-flight state.
type Manager struct {
	cfg     Config
	tenants TenantSource
	keys    *secrets.Keyring
	factory WorkerFactory
	bus     eventbus.Bus
	log     logx.Logger

	cron *cron.Cron

	mu      sync.Mutex
	running map[int64]*tenantRun
	stopped bool
}

type tenantRun struct {
	tenant store.Tenant
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg Config, tenants TenantSource, keys *secrets.Keyring, factory WorkerFactory, bus eventbus.Bus, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		tenants: tenants,
		keys:    keys,
		factory: factory,
		bus:     bus,
		log:     log,
		running: map[int64]*tenantRun{},
	}
}

// Start performs an initial reconcile and schedules periodic resyncs.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Reconcile(ctx); err != nil {
		return fmt.Errorf("fleet: initial reconcile: %w", err)
	}
	m.cron = cron.New()
	spec := fmt.Sprintf("@every %s", m.cfg.ResyncInterval)
	if _, err := m.cron.AddFunc(spec, func() {
		if err := m.Reconcile(ctx); err != nil {
			m.log.Warn("fleet resync failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("fleet: schedule resync: %w", err)
	}
	m.cron.Start()
	m.log.Info("fleet started", logx.Duration("resync_interval", m.cfg.ResyncInterval))
	return nil
}

// Stop halts resyncs and stops every running worker, waiting up to the
// configured grace per batch for in-flight work to drain.
func (m *Manager) Stop(ctx context.Context) {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}

	m.mu.Lock()
	m.stopped = true
	runs := make([]*tenantRun, 0, len(m.running))
	for _, r := range m.running {
		runs = append(runs, r)
	}
	m.running = map[int64]*tenantRun{}
	m.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	deadline := time.After(m.cfg.StopGrace)
	for _, r := range runs {
		select {
		case <-r.done:
		case <-deadline:
			m.log.Warn("tenant worker did not stop in time", logx.Int64("bot_id", r.tenant.BotID))
		case <-ctx.Done():
			return
		}
	}
	m.log.Info("fleet stopped")
}

// Reconcile converges the running set with the active tenant table: missing
// tenants are started, removed tenants are stopped, and tenants whose sealed
// credential changed are restarted. Everything else is left untouched.
func (m *Manager) Reconcile(ctx context.Context) error {
	desired, err := m.tenants.ActiveTenants(ctx)
	if err != nil {
		return fmt.Errorf("load active tenants: %w", err)
	}
	want := make(map[int64]store.Tenant, len(desired))
	for _, t := range desired {
		want[t.ID] = t
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	var toStop []*tenantRun
	for id, r := range m.running {
		t, ok := want[id]
		if ok && t.SealedCredential == r.tenant.SealedCredential {
			continue
		}
		toStop = append(toStop, r)
		delete(m.running, id)
	}
	var toStart []store.Tenant
	for id, t := range want {
		if _, ok := m.running[id]; !ok {
			toStart = append(toStart, t)
		}
	}
	m.mu.Unlock()

	for _, r := range toStop {
		m.stopRun(ctx, r)
	}
	for _, t := range toStart {
		m.startTenant(ctx, t)
	}
	return nil
}

// RunningTenants reports the bot IDs currently being served.
func (m *Manager) RunningTenants() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.running))
	for _, r := range m.running {
		out = append(out, r.tenant.BotID)
	}
	return out
}

func (m *Manager) startTenant(ctx context.Context, t store.Tenant) {
	token, err := m.keys.Open(t.SealedCredential)
	if err != nil {
		// One tenant's bad credential never blocks the rest of the fleet.
		m.log.Warn("tenant credential unusable, skipping",
			logx.Int64("tenant_id", t.ID), logx.Int64("bot_id", t.BotID), logx.Err(err))
		m.publish(eventbus.TypeTenantFailed, t, "credential unusable")
		return
	}
	w, err := m.factory(t, token)
	if err != nil {
		m.log.Warn("tenant worker build failed",
			logx.Int64("tenant_id", t.ID), logx.Int64("bot_id", t.BotID), logx.Err(err))
		m.publish(eventbus.TypeTenantFailed, t, "worker build failed")
		return
	}

	wctx, cancel := context.WithCancel(ctx)
	r := &tenantRun{tenant: t, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cancel()
		return
	}
	m.running[t.ID] = r
	m.mu.Unlock()

	go func() {
		defer close(r.done)
		err := w.Run(wctx)
		cancel()

		m.mu.Lock()
		if cur, ok := m.running[t.ID]; ok && cur == r {
			delete(m.running, t.ID)
		}
		m.mu.Unlock()

		switch {
		case err == nil || errors.Is(err, context.Canceled):
			m.publish(eventbus.TypeTenantStopped, t, "")
		case errors.Is(err, directory.ErrInvalidCredential):
			m.log.Warn("tenant credential revoked, deactivating",
				logx.Int64("tenant_id", t.ID), logx.Int64("bot_id", t.BotID))
			m.deactivate(t)
			m.publish(eventbus.TypeTenantFailed, t, "credential revoked")
		default:
			m.log.Error("tenant worker exited",
				logx.Int64("tenant_id", t.ID), logx.Int64("bot_id", t.BotID), logx.Err(err))
			m.publish(eventbus.TypeTenantFailed, t, err.Error())
		}
	}()

	m.log.Info("tenant started", logx.Int64("tenant_id", t.ID), logx.Int64("bot_id", t.BotID))
	m.publish(eventbus.TypeTenantStarted, t, "")
}

func (m *Manager) stopRun(ctx context.Context, r *tenantRun) {
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(m.cfg.StopGrace):
		m.log.Warn("tenant worker did not stop in time", logx.Int64("bot_id", r.tenant.BotID))
	case <-ctx.Done():
	}
	m.log.Info("tenant stopped", logx.Int64("tenant_id", r.tenant.ID), logx.Int64("bot_id", r.tenant.BotID))
}

// deactivate flips the tenant off so the next reconcile doesn't restart a
// bot whose token Telegram has rejected.
func (m *Manager) deactivate(t store.Tenant) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Active = false
	if err := m.tenants.UpsertTenant(ctx, t); err != nil {
		m.log.Error("tenant deactivation failed", logx.Int64("tenant_id", t.ID), logx.Err(err))
	}
}

func (m *Manager) publish(typ string, t store.Tenant, reason string) {
	m.bus.Publish(eventbus.Event{
		Type: typ,
		Data: eventbus.TenantEvent{TenantID: t.ID, BotID: t.BotID, Reason: reason},
	})
}
