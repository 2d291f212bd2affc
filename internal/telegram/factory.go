package telegram

import (
	"joinguard/internal/analytics"
	"joinguard/internal/fleet"
	"joinguard/internal/membership"
	"joinguard/internal/store"
	logx "joinguard/pkg/logx"
)

// NewWorkerFactory adapts NewWorker to the fleet manager's factory seam.
// The base config supplies shared tuning; tenant identity and the opened
// token are filled in per call.
func NewWorkerFactory(base Config, cache membership.Cache, sink analytics.Sink, policies PolicySource, log logx.Logger) fleet.WorkerFactory {
	return func(t store.Tenant, token string) (fleet.Worker, error) {
		cfg := base
		cfg.TenantBot = t.BotID
		cfg.Token = token
		return NewWorker(cfg, cache, sink, policies, log)
	}
}
