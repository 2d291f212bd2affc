// Package app wires the daemon together: config, logging, store, cache,
// analytics and the tenant fleet.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"joinguard/internal/analytics"
	"joinguard/internal/config"
	"joinguard/internal/enforce"
	"joinguard/internal/eventbus"
	"joinguard/internal/fleet"
	"joinguard/internal/membership"
	"joinguard/internal/runtime/supervisor"
	"joinguard/internal/secrets"
	"joinguard/internal/store"
	"joinguard/internal/telegram"
	"joinguard/internal/verify"
	logx "joinguard/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	st    store.Store
	rdb   *redis.Client
	cache membership.Cache
	sink  *analytics.Service

	manager *fleet.Manager
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{Path: cfg.Store.Path, BusyTimeout: busyTimeout}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ttls, err := cacheTTLs(cfg)
	if err != nil {
		return nil, err
	}
	var (
		rdb   *redis.Client
		cache membership.Cache
	)
	if cfg.Redis.Enabled {
		addr := cfg.Redis.Addr
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = membership.NewRedisCache(rdb, cfg.Redis.KeyPrefix, ttls, log.With(logx.String("comp", "cache")))
	} else {
		cache = membership.NewMemoryCache(ttls)
	}

	sink := analytics.NewService(analytics.Config{
		QueueSize:     cfg.Analytics.QueueSize,
		BatchSize:     cfg.Analytics.BatchSize,
		FlushInterval: mustDuration(cfg.Analytics.FlushInterval),
	}, st, log.With(logx.String("comp", "analytics")))

	keys, err := secrets.NewKeyring(cfg.Fleet.CredentialKey)
	if err != nil {
		return nil, err
	}

	baseDelay, err := config.ParseDurationField("enforcement.base_delay", cfg.Enforcement.BaseDelay)
	if err != nil {
		return nil, err
	}
	var verifyOpts []verify.Option
	if cfg.Verification.MaxFanout > 0 {
		verifyOpts = append(verifyOpts, verify.WithMaxFanout(cfg.Verification.MaxFanout))
	}
	workerBase := telegram.Config{
		PollTimeout:   cfg.PollTimeout(),
		APIRatePerSec: cfg.Fleet.APIRatePerSec,
		Enforcement: enforce.Config{
			MaxAttempts: cfg.Enforcement.MaxAttempts,
			BaseDelay:   baseDelay,
		},
		Verify: verifyOpts,
	}

	bus := eventbus.New()
	var sinkIface analytics.Sink = sink
	if !cfg.Analytics.Enabled {
		sinkIface = analytics.Nop{}
	}
	factory := telegram.NewWorkerFactory(workerBase, cache, sinkIface, st, log.With(logx.String("comp", "worker")))
	manager := fleet.NewManager(
		fleet.Config{ResyncInterval: cfg.ResyncInterval()},
		st, keys, factory, bus,
		log.With(logx.String("comp", "fleet")),
	)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		st:      st,
		rdb:     rdb,
		cache:   cache,
		sink:    sink,
		manager: manager,
	}, nil
}

// Bus exposes tenant lifecycle events for embedding layers.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	cfg := a.cfgm.Get()
	if cfg != nil && cfg.Analytics.Enabled {
		a.sup.Go("analytics", a.sink.Run)
	}
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.apply", a.applyConfigUpdates)
	a.sup.Go0("lifecycle.log", a.logTenantEvents)

	if err := a.manager.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	a.log.Info("daemon started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.manager.Stop(ctx)
	if a.sup != nil {
		a.sup.Cancel()
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := a.sup.Wait(wctx); err != nil && a.sup.Context().Err() == nil {
			a.log.Warn("shutdown incomplete", logx.Err(err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("daemon stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Done is closed on fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// applyConfigUpdates consumes hot reloads. Only the logging section is
// applied live; everything else takes effect on restart and is logged so
// the operator knows.
func (a *App) applyConfigUpdates(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)

	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeConfigChange(prev, cfg)
			if len(changed) == 0 {
				continue
			}
			a.log.Info("config changed", append([]logx.Field{logx.Any("sections", changed)}, attrs...)...)
			for _, section := range changed {
				if section == "logging" {
					a.logs.Apply(logx.Config{
						Level:   cfg.Logging.Level,
						Console: cfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: cfg.Logging.File.Enabled,
							Path:    cfg.Logging.File.Path,
						},
					})
				} else {
					a.log.Info("section change requires restart", logx.String("section", section))
				}
			}
			prev = cfg
		}
	}
}

func (a *App) logTenantEvents(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			te, _ := e.Data.(eventbus.TenantEvent)
			a.log.Info("tenant lifecycle",
				logx.String("event", e.Type),
				logx.Int64("tenant_id", te.TenantID),
				logx.Int64("bot_id", te.BotID),
				logx.String("reason", te.Reason),
			)
		}
	}
}

func cacheTTLs(cfg *config.Config) (membership.TTLs, error) {
	pos, err := config.ParseDurationField("verification.positive_ttl", cfg.Verification.PositiveTTL)
	if err != nil {
		return membership.TTLs{}, err
	}
	neg, err := config.ParseDurationField("verification.negative_ttl", cfg.Verification.NegativeTTL)
	if err != nil {
		return membership.TTLs{}, err
	}
	return membership.TTLs{
		Positive:  pos,
		Negative:  neg,
		JitterPct: cfg.Verification.JitterPct,
	}.WithDefaults(), nil
}

// mustDuration is for fields Validate() has already checked.
func mustDuration(raw string) time.Duration {
	d, _ := config.ParseDurationField("", raw)
	return d
}
