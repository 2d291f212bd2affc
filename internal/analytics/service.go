package analytics

import (
	"context"
	"sync/atomic"
	"time"

	logx "joinguard/pkg/logx"
)

// Writer persists a batch of outcomes. Implemented by the sqlite store.
type Writer interface {
	InsertOutcomes(ctx context.Context, batch []Outcome) error
}

type Config struct {
	QueueSize     int           // default 1024
	BatchSize     int           // default 64
	FlushInterval time.Duration // default 2s
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	return c
}

// Service is a bounded-queue Sink draining into a Writer in micro-batches.
//
// Record never blocks: when the queue is full the outcome is dropped and
// counted. Run the drain loop under the process supervisor.
type Service struct {
	cfg     Config
	w       Writer
	log     logx.Logger
	queue   chan Outcome
	dropped atomic.Uint64
}

func NewService(cfg Config, w Writer, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		w:     w,
		log:   log,
		queue: make(chan Outcome, cfg.QueueSize),
	}
}

func (s *Service) Record(o Outcome) {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	select {
	case s.queue <- o:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports outcomes discarded because the queue was full.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

// Run drains the queue until ctx is canceled, then flushes what is already
// queued with a short grace timeout.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Outcome, 0, s.cfg.BatchSize)
	flush := func(fctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.w.InsertOutcomes(fctx, batch); err != nil {
			// Best-effort sink: log and move on, never retry-queue unboundedly.
			s.log.Debug("analytics flush failed", logx.Int("batch", len(batch)), logx.Err(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Final drain of already-queued outcomes.
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			for {
				select {
				case o := <-s.queue:
					batch = append(batch, o)
					if len(batch) >= s.cfg.BatchSize {
						flush(fctx)
					}
					continue
				default:
				}
				break
			}
			flush(fctx)
			cancel()
			if n := s.dropped.Load(); n > 0 {
				s.log.Warn("analytics outcomes dropped (queue full)", logx.Uint64("count", n))
			}
			return nil
		case o := <-s.queue:
			batch = append(batch, o)
			if len(batch) >= s.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}
