// Package enforce performs the mute/unmute mutations against the platform
// with bounded retries. Failures are surfaced as typed results, never panics:
// a tenant worker must survive any enforcement outcome.
package enforce

import (
	"context"
	"errors"
	"time"

	"joinguard/internal/directory"
	logx "joinguard/pkg/logx"
)

// Result is the structured outcome of one mute/unmute request.
type Result struct {
	OK        bool
	Attempts  int
	ErrorKind string // terminal error kind when !OK
	Err       error  // last error when !OK
}

type Config struct {
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // transient backoff base, default 1s (1s, 2s, 4s)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	return c
}

type Actuator struct {
	cfg Config
	dir directory.Client
	log logx.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, dir directory.Client, log logx.Logger) *Actuator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Actuator{
		cfg:   cfg.withDefaults(),
		dir:   dir,
		log:   log,
		sleep: sleepCtx,
	}
}

// Mute removes the user's right to speak in the group.
func (a *Actuator) Mute(ctx context.Context, groupID, userID int64) Result {
	return a.do(ctx, "mute", groupID, userID, a.dir.Restrict)
}

// Unmute restores the named permission set (messages, media, polls, link
// previews) in the group.
func (a *Actuator) Unmute(ctx context.Context, groupID, userID int64) Result {
	return a.do(ctx, "unmute", groupID, userID, a.dir.Unrestrict)
}

func (a *Actuator) do(ctx context.Context, op string, groupID, userID int64, call func(ctx context.Context, groupID, userID int64) error) Result {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		err := call(ctx, groupID, userID)
		if err == nil {
			return Result{OK: true, Attempts: attempt}
		}
		lastErr = err

		kind := directory.ErrorKind(err)
		switch kind {
		case directory.KindInvalidCredential, directory.KindCanceled:
			// Terminal: retrying cannot help.
			return Result{Attempts: attempt, ErrorKind: kind, Err: err}
		}
		if attempt == a.cfg.MaxAttempts {
			break
		}

		// Rate-limit waits are platform-mandated, not a guess; transient
		// errors get exponential backoff. Both count against the budget.
		var delay time.Duration
		var rl *directory.RateLimitedError
		if errors.As(err, &rl) {
			delay = rl.RetryAfter
		} else {
			delay = a.cfg.BaseDelay << (attempt - 1)
		}
		a.log.Debug("enforcement retry scheduled",
			logx.String("op", op),
			logx.Int64("group_id", groupID),
			logx.Int64("user_id", userID),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		if serr := a.sleep(ctx, delay); serr != nil {
			return Result{Attempts: attempt, ErrorKind: directory.KindCanceled, Err: serr}
		}
	}

	a.log.Warn("enforcement exhausted retries",
		logx.String("op", op),
		logx.Int64("group_id", groupID),
		logx.Int64("user_id", userID),
		logx.Int("attempts", a.cfg.MaxAttempts),
		logx.Err(lastErr),
	)
	return Result{Attempts: a.cfg.MaxAttempts, ErrorKind: directory.ErrorKind(lastErr), Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
