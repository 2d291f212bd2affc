package verify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"joinguard/internal/directory"
	"joinguard/internal/membership"
	logx "joinguard/pkg/logx"
)

type fakeDirectory struct {
	mu     sync.Mutex
	status map[string]directory.Status // key: "<user>:<channel>"
	err    error
	calls  atomic.Int64
}

func (d *fakeDirectory) GetMembership(_ context.Context, userID int64, channel string) (directory.Status, error) {
	d.calls.Add(1)
	if d.err != nil {
		return directory.StatusUnknown, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.status[membership.NewKey(userID, channel).String()]
	if !ok {
		return directory.StatusLeft, nil
	}
	return st, nil
}

func (d *fakeDirectory) Restrict(context.Context, int64, int64) error   { return nil }
func (d *fakeDirectory) Unrestrict(context.Context, int64, int64) error { return nil }

type failingCache struct{}

func (failingCache) Get(context.Context, membership.Key) (bool, bool, error) {
	return false, false, membership.ErrUnavailable
}
func (failingCache) Set(context.Context, membership.Key, bool) error { return membership.ErrUnavailable }
func (failingCache) Delete(context.Context, membership.Key) error    { return membership.ErrUnavailable }

func newCoordinator(cache membership.Cache, dir directory.Client) *Coordinator {
	return New(cache, dir, nil, logx.Nop())
}

func TestCheckOneCacheHitSkipsDirectory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache := membership.NewMemoryCache(membership.TTLs{})
	dir := &fakeDirectory{}
	c := newCoordinator(cache, dir)

	key := membership.NewKey(1, "@chan")
	if err := cache.Set(ctx, key, true); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if !c.CheckOne(ctx, Meta{}, 1, "@chan") {
		t.Fatal("expected cached member=true")
	}
	if dir.calls.Load() != 0 {
		t.Fatalf("directory called %d times on a cache hit", dir.calls.Load())
	}
}

func TestCheckOneMissPopulatesCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache := membership.NewMemoryCache(membership.TTLs{})
	dir := &fakeDirectory{status: map[string]directory.Status{"1:@chan": directory.StatusMember}}
	c := newCoordinator(cache, dir)

	if !c.CheckOne(ctx, Meta{}, 1, "@chan") {
		t.Fatal("expected member=true from directory")
	}
	if dir.calls.Load() != 1 {
		t.Fatalf("directory calls = %d, want 1", dir.calls.Load())
	}

	// Second check answers from cache.
	if !c.CheckOne(ctx, Meta{}, 1, "@chan") {
		t.Fatal("expected member=true from cache")
	}
	if dir.calls.Load() != 1 {
		t.Fatalf("directory calls = %d after cached check, want 1", dir.calls.Load())
	}
}

func TestCheckOneFailClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache := membership.NewMemoryCache(membership.TTLs{})
	dir := &fakeDirectory{err: errors.New("boom")}
	c := newCoordinator(cache, dir)

	if c.CheckOne(ctx, Meta{}, 1, "@chan") {
		t.Fatal("directory failure must verify as not-a-member")
	}
	// Errors are not cached: the next check asks again.
	if c.CheckOne(ctx, Meta{}, 1, "@chan") {
		t.Fatal("expected fail-closed false again")
	}
	if dir.calls.Load() != 2 {
		t.Fatalf("directory calls = %d, want 2 (errors must not be cached)", dir.calls.Load())
	}
}

func TestCheckOneDegradesWhenCacheDown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := &fakeDirectory{status: map[string]directory.Status{"1:@chan": directory.StatusAdministrator}}
	c := newCoordinator(failingCache{}, dir)

	if !c.CheckOne(ctx, Meta{}, 1, "@chan") {
		t.Fatal("expected member=true despite cache being down")
	}
	if dir.calls.Load() != 1 {
		t.Fatalf("directory calls = %d, want 1", dir.calls.Load())
	}
}

func TestCheckAllEmptyShortCircuits(t *testing.T) {
	t.Parallel()
	dir := &fakeDirectory{}
	c := newCoordinator(failingCache{}, dir)

	if missing := c.CheckAll(context.Background(), Meta{}, 1, nil); len(missing) != 0 {
		t.Fatalf("missing = %v, want empty", missing)
	}
	if dir.calls.Load() != 0 {
		t.Fatal("empty requirement list must issue no calls")
	}
}

func TestCheckAllReturnsMissingInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache := membership.NewMemoryCache(membership.TTLs{})
	dir := &fakeDirectory{status: map[string]directory.Status{
		"1:@a": directory.StatusMember,
		"1:@c": directory.StatusOwner,
	}}
	c := newCoordinator(cache, dir)

	channels := []RequiredChannel{
		{Ref: "@a", Title: "A"},
		{Ref: "@b", Title: "B"},
		{Ref: "@c", Title: "C"},
		{Ref: "@d", Title: "D"},
	}
	missing := c.CheckAll(ctx, Meta{}, 1, channels)
	if len(missing) != 2 {
		t.Fatalf("missing = %d channels, want 2", len(missing))
	}
	if missing[0].Ref != "@b" || missing[1].Ref != "@d" {
		t.Fatalf("missing order = [%s %s], want [@b @d]", missing[0].Ref, missing[1].Ref)
	}
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := &fakeDirectory{status: map[string]directory.Status{"1:@a": directory.StatusMember}}
	// Broken cache keeps every check on the miss path.
	c := newCoordinator(failingCache{}, dir)

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if !c.CheckOne(ctx, Meta{}, 1, "@a") {
				t.Error("expected member=true")
			}
		}()
	}
	wg.Wait()

	// Coalescing is best-effort; it must at least beat one-call-per-checker.
	if calls := dir.calls.Load(); calls >= n {
		t.Fatalf("directory calls = %d, want < %d (single-flight)", calls, n)
	}
}
