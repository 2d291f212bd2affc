package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"joinguard/internal/directory"
	"joinguard/internal/eventbus"
	"joinguard/internal/secrets"
	"joinguard/internal/store"
	logx "joinguard/pkg/logx"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fakeTenantSource struct {
	mu      sync.Mutex
	active  []store.Tenant
	upserts []store.Tenant
}

func (s *fakeTenantSource) ActiveTenants(context.Context) ([]store.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Tenant, len(s.active))
	copy(out, s.active)
	return out, nil
}

func (s *fakeTenantSource) UpsertTenant(_ context.Context, t store.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, t)
	return nil
}

func (s *fakeTenantSource) setActive(ts ...store.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = ts
}

// blockingWorker runs until canceled, then returns the scripted error.
type blockingWorker struct {
	id      int64
	started chan struct{}
	exitErr error
}

func (w *blockingWorker) Run(ctx context.Context) error {
	close(w.started)
	<-ctx.Done()
	if w.exitErr != nil {
		return w.exitErr
	}
	return ctx.Err()
}

type recordingFactory struct {
	mu    sync.Mutex
	built map[int64][]*blockingWorker
	exit  map[int64]error
}

func newRecordingFactory() *recordingFactory {
	return &recordingFactory{built: map[int64][]*blockingWorker{}, exit: map[int64]error{}}
}

func (f *recordingFactory) factory(t store.Tenant, token string) (Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &blockingWorker{id: t.ID, started: make(chan struct{}), exitErr: f.exit[t.ID]}
	f.built[t.ID] = append(f.built[t.ID], w)
	return w, nil
}

func (f *recordingFactory) buildCount(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built[id])
}

func (f *recordingFactory) waitStarted(t *testing.T, id int64) {
	t.Helper()
	f.mu.Lock()
	ws := f.built[id]
	f.mu.Unlock()
	if len(ws) == 0 {
		t.Fatalf("no worker built for tenant %d", id)
	}
	select {
	case <-ws[len(ws)-1].started:
	case <-time.After(time.Second):
		t.Fatalf("worker for tenant %d never started", id)
	}
}

func sealedTenant(t *testing.T, keys *secrets.Keyring, id, botID int64) store.Tenant {
	t.Helper()
	sealed, err := keys.Seal("token-for-bot")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return store.Tenant{ID: id, BotID: botID, SealedCredential: sealed, Active: true}
}

func newTestManager(t *testing.T, src *fakeTenantSource, f *recordingFactory) (*Manager, *secrets.Keyring) {
	t.Helper()
	keys, err := secrets.NewKeyring(testKeyHex)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	cfg := Config{ResyncInterval: time.Hour, StopGrace: time.Second}
	m := NewManager(cfg, src, keys, f.factory, eventbus.New(), logx.Nop())
	return m, keys
}

func TestReconcileStartsStopsAndLeavesUntouched(t *testing.T) {
	t.Parallel()
	src := &fakeTenantSource{}
	f := newRecordingFactory()
	m, keys := newTestManager(t, src, f)

	a := sealedTenant(t, keys, 1, 101)
	b := sealedTenant(t, keys, 2, 102)
	c := sealedTenant(t, keys, 3, 103)

	ctx := context.Background()
	src.setActive(a, b)
	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	f.waitStarted(t, a.ID)
	f.waitStarted(t, b.ID)

	src.setActive(b, c)
	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	f.waitStarted(t, c.ID)

	if got := f.buildCount(a.ID); got != 1 {
		t.Fatalf("tenant A built %d times, want 1", got)
	}
	if got := f.buildCount(b.ID); got != 1 {
		t.Fatalf("tenant B rebuilt: %d builds, want 1 (untouched)", got)
	}
	if got := f.buildCount(c.ID); got != 1 {
		t.Fatalf("tenant C built %d times, want 1", got)
	}

	running := m.RunningTenants()
	if len(running) != 2 {
		t.Fatalf("RunningTenants = %v, want bots 102 and 103", running)
	}
	m.Stop(ctx)
}

func TestReconcileRestartsOnCredentialChange(t *testing.T) {
	t.Parallel()
	src := &fakeTenantSource{}
	f := newRecordingFactory()
	m, keys := newTestManager(t, src, f)

	a := sealedTenant(t, keys, 1, 101)
	ctx := context.Background()
	src.setActive(a)
	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	f.waitStarted(t, a.ID)

	resealed := a
	var err error
	resealed.SealedCredential, err = keys.Seal("rotated-token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	src.setActive(resealed)
	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	f.waitStarted(t, a.ID)

	if got := f.buildCount(a.ID); got != 2 {
		t.Fatalf("built %d times, want 2 (restart on rotated credential)", got)
	}
	m.Stop(ctx)
}

func TestInvalidCredentialDeactivatesTenantOnly(t *testing.T) {
	t.Parallel()
	src := &fakeTenantSource{}
	f := newRecordingFactory()
	m, keys := newTestManager(t, src, f)

	a := sealedTenant(t, keys, 1, 101)
	b := sealedTenant(t, keys, 2, 102)
	f.exit[a.ID] = directory.ErrInvalidCredential

	ctx := context.Background()
	src.setActive(a, b)
	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	f.waitStarted(t, a.ID)
	f.waitStarted(t, b.ID)

	// Drop A from the desired set so its worker stops and reports the
	// revoked credential.
	src.setActive(b)
	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		src.mu.Lock()
		n := len(src.upserts)
		src.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("tenant A was never deactivated")
		case <-time.After(10 * time.Millisecond):
		}
	}
	src.mu.Lock()
	got := src.upserts[0]
	src.mu.Unlock()
	if got.ID != a.ID || got.Active {
		t.Fatalf("deactivation upsert = %+v, want tenant 1 with Active=false", got)
	}

	if running := m.RunningTenants(); len(running) != 1 || running[0] != b.BotID {
		t.Fatalf("RunningTenants = %v, want [102]", running)
	}
	m.Stop(ctx)
}

func TestBadSealedCredentialSkipsTenant(t *testing.T) {
	t.Parallel()
	src := &fakeTenantSource{}
	f := newRecordingFactory()
	m, keys := newTestManager(t, src, f)

	good := sealedTenant(t, keys, 1, 101)
	bad := store.Tenant{ID: 2, BotID: 102, SealedCredential: "not base64!!", Active: true}

	ctx := context.Background()
	src.setActive(good, bad)
	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	f.waitStarted(t, good.ID)

	if got := f.buildCount(bad.ID); got != 0 {
		t.Fatalf("worker built for tenant with unusable credential")
	}
	if running := m.RunningTenants(); len(running) != 1 || running[0] != good.BotID {
		t.Fatalf("RunningTenants = %v, want [101]", running)
	}
	m.Stop(ctx)
}
