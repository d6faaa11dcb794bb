package order

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moebius/tradewatch/internal/domain"
	"github.com/moebius/tradewatch/internal/exchange"
)

type fakeExchange struct {
	mu       sync.Mutex
	placed   []domain.Order
	placeErr error
	state    *exchange.OrderState
	canceled []string
}

func (f *fakeExchange) PlaceOrder(_ context.Context, _ domain.ApiKey, o domain.Order) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, o)
	return "ex-" + o.ID, nil
}

func (f *fakeExchange) GetOrder(context.Context, domain.ApiKey, string) (*exchange.OrderState, error) {
	if f.state == nil {
		return nil, exchange.ErrOrderNotFound
	}
	cp := *f.state
	return &cp, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ domain.ApiKey, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeExchange) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

// brokenStore 计数正常，事务总是失败
type brokenStore struct {
	Store
	txCalls int
}

func (b *brokenStore) CountReady(context.Context, domain.Exchange, string) (int64, error) {
	return 1, nil
}

func (b *brokenStore) InTx(context.Context, func(Tx) error) error {
	b.txCalls++
	return errors.New("database is locked")
}

// racingStore 读完计数后、写回缓存前触发一次 afterCount
type racingStore struct {
	*SQLiteStore
	afterCount func()
}

func (r *racingStore) CountReady(ctx context.Context, ex domain.Exchange, symbol string) (int64, error) {
	n, err := r.SQLiteStore.CountReady(ctx, ex, symbol)
	if f := r.afterCount; f != nil {
		r.afterCount = nil
		f()
	}
	return n, err
}

// failingIDStore 真实事务，但写回交易所订单号总是失败
type failingIDStore struct {
	*SQLiteStore
}

func (f failingIDStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return f.SQLiteStore.InTx(ctx, func(tx Tx) error { return fn(failingIDTx{tx}) })
}

type failingIDTx struct {
	Tx
}

func (failingIDTx) SetExchangeOrderID(context.Context, string, string) error {
	return errors.New("disk I/O error")
}

var keys = exchange.StaticKeyResolver{"k1": {ID: "k1", Exchange: domain.ExchangeUpbit, AccessKey: "a", SecretKey: "s"}}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEngine(t *testing.T, store Store, ex exchange.Client) (*Engine, *MemoryCountCache) {
	t.Helper()
	counts := NewMemoryCountCache(time.Hour)
	t.Cleanup(counts.Close)
	return NewEngine(store, counts, ex, keys, EngineOptions{MinNotional: 5000, StaleAfter: 10 * time.Minute}), counts
}

// primeCount 直接写入缓存计数
func primeCount(t *testing.T, counts CountCache, n int64) {
	t.Helper()
	ctx := context.Background()
	gen, ok := counts.Generation(ctx, domain.ExchangeUpbit, "KRW-BTC")
	require.True(t, ok)
	counts.SetIfGeneration(ctx, domain.ExchangeUpbit, "KRW-BTC", n, gen)
}

func trade(price, volume float64) domain.TradeEvent {
	return domain.TradeEvent{
		Exchange:  domain.ExchangeUpbit,
		Symbol:    "KRW-BTC",
		Side:      domain.TradeSideBid,
		Price:     price,
		Volume:    volume,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func placeOrder(t *testing.T, e *Engine, pos domain.OrderPosition, price float64) domain.Order {
	t.Helper()
	o, err := e.CreateOrder(context.Background(), domain.Order{
		Exchange: domain.ExchangeUpbit, Symbol: "KRW-BTC", Position: pos, Price: price, Volume: 1, ApiKeyID: "k1",
	})
	require.NoError(t, err)
	return o
}

func TestEngine_SaleMatchesAtOrAboveTarget(t *testing.T) {
	for _, price := range []float64{100, 101} {
		ex := &fakeExchange{}
		e, _ := newTestEngine(t, newTestStore(t), ex)
		o := placeOrder(t, e, domain.OrderPositionSale, 100)

		n, err := e.MatchTrade(context.Background(), trade(price, 100))
		require.NoError(t, err)
		assert.Equal(t, 1, n, "trade at %v", price)

		got, err := e.Get(context.Background(), o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusInProgress, got.Status)
		assert.Equal(t, "ex-"+o.ID, got.ExchangeOrderID)
	}

	e, _ := newTestEngine(t, newTestStore(t), &fakeExchange{})
	placeOrder(t, e, domain.OrderPositionSale, 100)
	n, err := e.MatchTrade(context.Background(), trade(99, 100))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_PurchaseMatchesAtOrBelowTarget(t *testing.T) {
	ex := &fakeExchange{}
	e, _ := newTestEngine(t, newTestStore(t), ex)
	placeOrder(t, e, domain.OrderPositionPurchase, 100)
	placeOrder(t, e, domain.OrderPositionPurchase, 90)

	n, err := e.MatchTrade(context.Background(), trade(101, 100))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = e.MatchTrade(context.Background(), trade(95, 100))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, ex.placedCount())
	assert.Equal(t, 100.0, ex.placed[0].Price)
}

func TestEngine_ReplayIsIdempotent(t *testing.T) {
	ex := &fakeExchange{}
	e, counts := newTestEngine(t, newTestStore(t), ex)
	placeOrder(t, e, domain.OrderPositionSale, 100)
	ctx := context.Background()

	n, err := e.MatchTrade(ctx, trade(100, 100))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := counts.Get(ctx, domain.ExchangeUpbit, "KRW-BTC")
	assert.False(t, ok, "count entry evicted after a match")

	n, err = e.MatchTrade(ctx, trade(100, 100))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, ex.placedCount())

	cached, ok := counts.Get(ctx, domain.ExchangeUpbit, "KRW-BTC")
	assert.True(t, ok)
	assert.Zero(t, cached)
}

func TestEngine_ZeroMatchesKeepsCache(t *testing.T) {
	e, counts := newTestEngine(t, newTestStore(t), &fakeExchange{})
	placeOrder(t, e, domain.OrderPositionSale, 200)
	ctx := context.Background()

	n, err := e.MatchTrade(ctx, trade(101, 100))
	require.NoError(t, err)
	assert.Zero(t, n)

	cached, ok := counts.Get(ctx, domain.ExchangeUpbit, "KRW-BTC")
	assert.True(t, ok)
	assert.Equal(t, int64(1), cached)
}

func TestEngine_MinNotional(t *testing.T) {
	ex := &fakeExchange{}
	e, counts := newTestEngine(t, newTestStore(t), ex)
	placeOrder(t, e, domain.OrderPositionSale, 100)

	n, err := e.MatchTrade(context.Background(), trade(101, 1))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, ex.placedCount())
	_, ok := counts.Get(context.Background(), domain.ExchangeUpbit, "KRW-BTC")
	assert.False(t, ok, "count not even consulted")
}

func TestEngine_CachedZeroShortCircuits(t *testing.T) {
	ex := &fakeExchange{}
	e, counts := newTestEngine(t, newTestStore(t), ex)
	o := placeOrder(t, e, domain.OrderPositionSale, 100)
	primeCount(t, counts, 0)

	n, err := e.MatchTrade(context.Background(), trade(101, 100))
	require.NoError(t, err)
	assert.Zero(t, n)

	got, _ := e.Get(context.Background(), o.ID)
	assert.Equal(t, domain.OrderStatusReady, got.Status)
}

func TestEngine_PersistenceErrorCountsAsZero(t *testing.T) {
	store := &brokenStore{}
	e, counts := newTestEngine(t, store, &fakeExchange{})

	n, err := e.MatchTrade(context.Background(), trade(101, 100))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, store.txCalls)

	cached, ok := counts.Get(context.Background(), domain.ExchangeUpbit, "KRW-BTC")
	assert.True(t, ok, "no eviction on rollback")
	assert.Equal(t, int64(1), cached)
}

func TestEngine_RollbackKeepsOrdersReady(t *testing.T) {
	store := failingIDStore{newTestStore(t)}
	ex := &fakeExchange{}
	e, counts := newTestEngine(t, store, ex)
	o := placeOrder(t, e, domain.OrderPositionSale, 100)
	ctx := context.Background()

	n, err := e.MatchTrade(ctx, trade(100, 100))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, ex.placedCount())

	got, err := e.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusReady, got.Status)
	assert.Empty(t, got.ExchangeOrderID)

	ready, err := store.CountReady(ctx, domain.ExchangeUpbit, "KRW-BTC")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready)

	cached, ok := counts.Get(ctx, domain.ExchangeUpbit, "KRW-BTC")
	assert.True(t, ok, "no eviction on rollback")
	assert.Equal(t, int64(1), cached)
}

func TestEngine_CountLoadRacingCreateIsNotCached(t *testing.T) {
	store := &racingStore{SQLiteStore: newTestStore(t)}
	ex := &fakeExchange{}
	e, counts := newTestEngine(t, store, ex)
	ctx := context.Background()

	var created domain.Order
	store.afterCount = func() { created = placeOrder(t, e, domain.OrderPositionSale, 100) }

	n, err := e.MatchTrade(ctx, trade(150, 100))
	require.NoError(t, err)
	assert.Zero(t, n, "count was read before the order existed")
	_, ok := counts.Get(ctx, domain.ExchangeUpbit, "KRW-BTC")
	assert.False(t, ok, "stale zero is not cached")

	n, err = e.MatchTrade(ctx, trade(150, 100))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := e.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusInProgress, got.Status)
}

func TestEngine_InvalidTradeHasNoSideEffects(t *testing.T) {
	store := &brokenStore{}
	e, _ := newTestEngine(t, store, &fakeExchange{})

	bad := trade(101, 100)
	bad.Symbol = ""
	_, err := e.MatchTrade(context.Background(), bad)
	assert.ErrorIs(t, err, domain.ErrInvalidTrade)
	assert.Zero(t, store.txCalls)
}

func TestEngine_SubmitFailureLeavesInProgress(t *testing.T) {
	ex := &fakeExchange{placeErr: errors.New("insufficient funds")}
	e, _ := newTestEngine(t, newTestStore(t), ex)
	o := placeOrder(t, e, domain.OrderPositionSale, 100)

	n, err := e.MatchTrade(context.Background(), trade(100, 100))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := e.Get(context.Background(), o.ID)
	assert.Equal(t, domain.OrderStatusInProgress, got.Status)
	assert.Empty(t, got.ExchangeOrderID)
}

func TestEngine_CreateAndMarkDone(t *testing.T) {
	e, counts := newTestEngine(t, newTestStore(t), &fakeExchange{})
	ctx := context.Background()

	_, err := e.CreateOrder(ctx, domain.Order{Exchange: domain.ExchangeUpbit, Symbol: "KRW-BTC", Position: "HOLD", Price: 1, Volume: 1, ApiKeyID: "k1"})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = e.CreateOrder(ctx, domain.Order{Exchange: domain.ExchangeUpbit, Symbol: "KRW-BTC", Position: domain.OrderPositionSale, Volume: 1, ApiKeyID: "k1"})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	primeCount(t, counts, 0)
	o := placeOrder(t, e, domain.OrderPositionSale, 100)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, domain.OrderStatusReady, o.Status)
	_, ok := counts.Get(ctx, domain.ExchangeUpbit, "KRW-BTC")
	assert.False(t, ok, "create evicts the count entry")

	assert.ErrorIs(t, e.MarkDone(ctx, o.ID), ErrInvalidTransition)
	assert.ErrorIs(t, e.MarkDone(ctx, "missing"), ErrOrderNotFound)

	_, err = e.MatchTrade(ctx, trade(100, 100))
	require.NoError(t, err)
	require.NoError(t, e.MarkDone(ctx, o.ID))
	got, _ := e.Get(ctx, o.ID)
	assert.Equal(t, domain.OrderStatusDone, got.Status)
	assert.ErrorIs(t, e.MarkDone(ctx, o.ID), ErrInvalidTransition)
}

func TestEngine_CancelIfStale(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ex := &fakeExchange{}
	e := NewEngine(nil, NewMemoryCountCache(time.Minute), ex, keys, EngineOptions{StaleAfter: 10 * time.Minute, Now: func() time.Time { return now }})
	key := keys["k1"]
	ctx := context.Background()

	// 交易所查不到
	assert.False(t, e.CancelIfStale(ctx, key, "u1", domain.OrderStatusInProgress))

	ex.state = &exchange.OrderState{
		UUID: "u1", State: exchange.StateWait,
		Volume: decimal.NewFromInt(1), ExecutedVolume: decimal.NewFromFloat(0.5), RemainingVolume: decimal.NewFromFloat(0.5),
		CreatedAt: now.Add(-5 * time.Minute).Format(time.RFC3339),
	}
	assert.False(t, e.CancelIfStale(ctx, key, "u1", domain.OrderStatusInProgress), "partial fill but not old enough")

	ex.state.CreatedAt = now.Add(-10 * time.Minute).Format(time.RFC3339)
	assert.True(t, e.CancelIfStale(ctx, key, "u1", domain.OrderStatusInProgress))

	ex.state.ExecutedVolume = decimal.Zero
	ex.state.CreatedAt = now.Format(time.RFC3339)
	assert.False(t, e.CancelIfStale(ctx, key, "u1", domain.OrderStatusInProgress))
	assert.True(t, e.CancelIfStale(ctx, key, "u1", domain.OrderStatusDone), "local record already done")

	ex.state.State = exchange.StateDone
	assert.False(t, e.CancelIfStale(ctx, key, "u1", domain.OrderStatusDone))
	assert.Equal(t, []string{"u1", "u1"}, ex.canceled)
}

func TestSQLiteStore_ConditionalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := domain.Order{ID: "o1", Exchange: domain.ExchangeUpbit, Symbol: "KRW-BTC", Position: domain.OrderPositionSale, Price: 100, Volume: 1, Status: domain.OrderStatusReady, ApiKeyID: "k1"}
	require.NoError(t, s.Create(ctx, o))

	n, err := s.CountReady(ctx, domain.ExchangeUpbit, "KRW-BTC")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// 回滚后挂单仍为 READY
	err = s.InTx(ctx, func(tx Tx) error {
		got, err := tx.FindAndMarkInProgress(ctx, domain.ExchangeUpbit, "KRW-BTC", domain.OrderPositionSale, 100)
		require.NoError(t, err)
		require.Len(t, got, 1)
		return errors.New("abort")
	})
	require.Error(t, err)
	got, err := s.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusReady, got.Status)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		first, err := tx.FindAndMarkInProgress(ctx, domain.ExchangeUpbit, "KRW-BTC", domain.OrderPositionSale, 100)
		if err != nil {
			return err
		}
		assert.Len(t, first, 1)
		second, err := tx.FindAndMarkInProgress(ctx, domain.ExchangeUpbit, "KRW-BTC", domain.OrderPositionSale, 100)
		assert.Empty(t, second)
		return err
	}))

	n, err = s.CountReady(ctx, domain.ExchangeUpbit, "KRW-BTC")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestSQLiteStore_ReadsDoNotWaitForMatchTx(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := domain.Order{ID: "o1", Exchange: domain.ExchangeUpbit, Symbol: "KRW-BTC", Position: domain.OrderPositionSale, Price: 100, Volume: 1, Status: domain.OrderStatusReady, ApiKeyID: "k1"}
	require.NoError(t, s.Create(ctx, o))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		got, err := tx.FindAndMarkInProgress(ctx, domain.ExchangeUpbit, "KRW-BTC", domain.OrderPositionSale, 100)
		require.NoError(t, err)
		require.Len(t, got, 1)

		readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		n, err := s.CountReady(readCtx, domain.ExchangeUpbit, "KRW-BTC")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "uncommitted transition is not visible")
		cur, err := s.Get(readCtx, "o1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusReady, cur.Status)
		return nil
	}))

	n, err := s.CountReady(ctx, domain.ExchangeUpbit, "KRW-BTC")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisCountCache_DegradesToUnknown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	c := NewRedisCountCache(client, time.Minute)
	ctx := context.Background()

	_, ok := c.Generation(ctx, domain.ExchangeUpbit, "KRW-BTC")
	assert.False(t, ok)
	c.SetIfGeneration(ctx, domain.ExchangeUpbit, "KRW-BTC", 3, 0)
	_, ok = c.Get(ctx, domain.ExchangeUpbit, "KRW-BTC")
	assert.False(t, ok)
	c.Evict(ctx, domain.ExchangeUpbit, "KRW-BTC")
	c.Clear(ctx)

	assert.Equal(t, "tradewatch:ready:UPBIT:KRW-BTC", redisKey(domain.ExchangeUpbit, "KRW-BTC"))
	assert.Equal(t, "tradewatch:ready-gen:UPBIT:KRW-BTC", redisGenKey(domain.ExchangeUpbit, "KRW-BTC"))
}

func TestMemoryCountCache_EvictInvalidatesPendingWrite(t *testing.T) {
	c := NewMemoryCountCache(time.Minute)
	defer c.Close()
	ctx := context.Background()

	gen, ok := c.Generation(ctx, domain.ExchangeUpbit, "KRW-BTC")
	require.True(t, ok)
	c.Evict(ctx, domain.ExchangeUpbit, "KRW-BTC")
	c.SetIfGeneration(ctx, domain.ExchangeUpbit, "KRW-BTC", 0, gen)
	_, ok = c.Get(ctx, domain.ExchangeUpbit, "KRW-BTC")
	assert.False(t, ok, "write from before the eviction is dropped")

	gen, _ = c.Generation(ctx, domain.ExchangeUpbit, "KRW-BTC")
	c.SetIfGeneration(ctx, domain.ExchangeUpbit, "KRW-BTC", 2, gen)
	n, ok := c.Get(ctx, domain.ExchangeUpbit, "KRW-BTC")
	assert.True(t, ok)
	assert.Equal(t, int64(2), n)

	c.Clear(ctx)
	_, ok = c.Get(ctx, domain.ExchangeUpbit, "KRW-BTC")
	assert.False(t, ok)
	after, _ := c.Generation(ctx, domain.ExchangeUpbit, "KRW-BTC")
	assert.Equal(t, gen, after, "clear keeps generations")
}
