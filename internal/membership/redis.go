package membership

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	logx "joinguard/pkg/logx"
)

// RedisCache stores membership facts in a shared Redis instance.
//
// Values are "1"/"0" with a per-write jittered TTL. Entries are scalars; no
// transactions or locks are needed (see Cache contract).
type RedisCache struct {
	rdb   *redis.Client
	keyNS string
	ttls  TTLs
	log   logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewRedisCache(rdb *redis.Client, keyPrefix string, ttls TTLs, log logx.Logger) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "jg:m:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisCache{
		rdb:   rdb,
		keyNS: keyPrefix,
		ttls:  ttls.WithDefaults(),
		log:   log,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *RedisCache) key(k Key) string { return c.keyNS + k.String() }

func (c *RedisCache) Get(ctx context.Context, k Key) (bool, bool, error) {
	val, err := c.rdb.Get(ctx, c.key(k)).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, errors.Join(ErrUnavailable, err)
	}
	return val == "1", true, nil
}

func (c *RedisCache) Set(ctx context.Context, k Key, member bool) error {
	val := "0"
	if member {
		val = "1"
	}
	ttl := c.effectiveTTL(c.ttls.For(member))
	if err := c.rdb.Set(ctx, c.key(k), val, ttl).Err(); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, k Key) error {
	if err := c.rdb.Del(ctx, c.key(k)).Err(); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

func (c *RedisCache) effectiveTTL(base time.Duration) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return EffectiveTTL(base, c.ttls.JitterPct, c.rng)
}
