package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "joinguard/pkg/logx"
)

type memWriter struct {
	mu   sync.Mutex
	rows []Outcome
}

func (w *memWriter) InsertOutcomes(_ context.Context, batch []Outcome) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = append(w.rows, batch...)
	return nil
}

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

func TestRecordNeverBlocks(t *testing.T) {
	t.Parallel()
	s := NewService(Config{QueueSize: 4}, &memWriter{}, logx.Nop())

	// No drain loop running: overflow must drop, not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Record(Outcome{Kind: KindAPICall, Method: "get_member"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
	if s.Dropped() != 96 {
		t.Fatalf("Dropped = %d, want 96", s.Dropped())
	}
}

func TestRunDrainsAndFlushesOnStop(t *testing.T) {
	t.Parallel()
	w := &memWriter{}
	s := NewService(Config{QueueSize: 64, BatchSize: 8, FlushInterval: 10 * time.Millisecond}, w, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(runDone)
	}()

	for i := 0; i < 20; i++ {
		s.Record(Outcome{Kind: KindVerification, Result: ResultVerified, UserID: int64(i)})
	}

	deadline := time.Now().Add(2 * time.Second)
	for w.count() < 20 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-runDone

	if got := w.count(); got != 20 {
		t.Fatalf("persisted %d outcomes, want 20", got)
	}
}

func TestRecordStampsTime(t *testing.T) {
	t.Parallel()
	s := NewService(Config{QueueSize: 1}, &memWriter{}, logx.Nop())
	s.Record(Outcome{})
	o := <-s.queue
	if o.At.IsZero() {
		t.Fatal("expected At to be stamped")
	}
}
