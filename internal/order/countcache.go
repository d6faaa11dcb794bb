package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moebius/tradewatch/internal/domain"
	"github.com/moebius/tradewatch/pkg/cache"
)

// CountCache 交易对 READY 挂单数缓存。
// Get 的 ok=false 表示未知，调用方必须回源；任何后端错误都按未知处理。
// 回源前先取 Generation，写回用 SetIfGeneration：期间发生过 Evict 的旧计数会被丢弃
type CountCache interface {
	Get(ctx context.Context, exchange domain.Exchange, symbol string) (int64, bool)
	// Generation 当前代数，每次 Evict 递增；ok=false 时不应写回
	Generation(ctx context.Context, exchange domain.Exchange, symbol string) (int64, bool)
	SetIfGeneration(ctx context.Context, exchange domain.Exchange, symbol string, n, gen int64)
	Evict(ctx context.Context, exchange domain.Exchange, symbol string)
	Clear(ctx context.Context)
}

// MemoryCountCache 进程内实现
type MemoryCountCache struct {
	mu   sync.Mutex
	c    *cache.InMemoryCache[string, int64]
	gens map[string]int64
	ttl  time.Duration
}

func NewMemoryCountCache(ttl time.Duration) *MemoryCountCache {
	return &MemoryCountCache{
		c:    cache.NewInMemoryCache[string, int64](ttl, cache.WithCleanupInterval(ttl)),
		gens: make(map[string]int64),
		ttl:  ttl,
	}
}

func (m *MemoryCountCache) Get(_ context.Context, exchange domain.Exchange, symbol string) (int64, bool) {
	return m.c.Get(domain.MarketKey(exchange, symbol))
}

func (m *MemoryCountCache) Generation(_ context.Context, exchange domain.Exchange, symbol string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[domain.MarketKey(exchange, symbol)], true
}

func (m *MemoryCountCache) SetIfGeneration(_ context.Context, exchange domain.Exchange, symbol string, n, gen int64) {
	key := domain.MarketKey(exchange, symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gens[key] != gen {
		return
	}
	m.c.Set(key, n, m.ttl)
}

func (m *MemoryCountCache) Evict(_ context.Context, exchange domain.Exchange, symbol string) {
	key := domain.MarketKey(exchange, symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gens[key]++
	m.c.Delete(key)
}

// Clear 只清计数，代数保留
func (m *MemoryCountCache) Clear(context.Context) {
	m.c.Clear()
}

func (m *MemoryCountCache) Close() {
	m.c.Close()
}

const (
	redisKeyPrefix    = "tradewatch:ready:"
	redisGenKeyPrefix = "tradewatch:ready-gen:"
)

// setIfGenerationScript KEYS[1]=计数 KEYS[2]=代数；ARGV = n, gen, ttl 毫秒
var setIfGenerationScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2]) or '0'
if cur ~= ARGV[2] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// RedisCountCache 多实例共享的实现
type RedisCountCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCountCache(client *redis.Client, ttl time.Duration) *RedisCountCache {
	return &RedisCountCache{client: client, ttl: ttl}
}

func redisKey(exchange domain.Exchange, symbol string) string {
	return fmt.Sprintf("%s%s:%s", redisKeyPrefix, exchange, symbol)
}

func redisGenKey(exchange domain.Exchange, symbol string) string {
	return fmt.Sprintf("%s%s:%s", redisGenKeyPrefix, exchange, symbol)
}

func (r *RedisCountCache) Get(ctx context.Context, exchange domain.Exchange, symbol string) (int64, bool) {
	n, err := r.client.Get(ctx, redisKey(exchange, symbol)).Int64()
	if err != nil {
		if err != redis.Nil {
			orderLog.Warnf("[%s/%s] redis get count: %v", exchange, symbol, err)
		}
		return 0, false
	}
	return n, true
}

func (r *RedisCountCache) Generation(ctx context.Context, exchange domain.Exchange, symbol string) (int64, bool) {
	gen, err := r.client.Get(ctx, redisGenKey(exchange, symbol)).Int64()
	if err == redis.Nil {
		return 0, true
	}
	if err != nil {
		orderLog.Warnf("[%s/%s] redis get generation: %v", exchange, symbol, err)
		return 0, false
	}
	return gen, true
}

func (r *RedisCountCache) SetIfGeneration(ctx context.Context, exchange domain.Exchange, symbol string, n, gen int64) {
	keys := []string{redisKey(exchange, symbol), redisGenKey(exchange, symbol)}
	if err := setIfGenerationScript.Run(ctx, r.client, keys, n, gen, r.ttl.Milliseconds()).Err(); err != nil {
		orderLog.Warnf("[%s/%s] redis set count: %v", exchange, symbol, err)
	}
}

func (r *RedisCountCache) Evict(ctx context.Context, exchange domain.Exchange, symbol string) {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, redisKey(exchange, symbol))
		p.Incr(ctx, redisGenKey(exchange, symbol))
		return nil
	})
	if err != nil {
		orderLog.Warnf("[%s/%s] redis evict count: %v", exchange, symbol, err)
	}
}

// Clear 只清计数，代数保留
func (r *RedisCountCache) Clear(ctx context.Context) {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		orderLog.Warnf("redis scan counts: %v", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		orderLog.Warnf("redis clear counts: %v", err)
	}
}
