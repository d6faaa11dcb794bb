package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/moebius/tradewatch/internal/alert"
	"github.com/moebius/tradewatch/internal/exchange"
	"github.com/moebius/tradewatch/internal/ops"
	"github.com/moebius/tradewatch/internal/order"
	"github.com/moebius/tradewatch/internal/pipeline"
	"github.com/moebius/tradewatch/internal/strategy"
	"github.com/moebius/tradewatch/internal/tradehistory"
	"github.com/moebius/tradewatch/internal/valve"
	"github.com/moebius/tradewatch/pkg/config"
	"github.com/moebius/tradewatch/pkg/logger"
	"github.com/moebius/tradewatch/pkg/ratelimit"
	"github.com/moebius/tradewatch/pkg/secretstore"
	"github.com/moebius/tradewatch/pkg/shutdown"
)

const gracefulShutdownPeriod = 30 * time.Second

func main() {
	// .env 可选，不存在时直接用环境变量
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("TRADEWATCH_CONFIG"), "配置文件路径（.yaml, .yml）")
	listen := flag.String("listen", "", "运维 HTTP 监听地址，覆盖配置")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Ops.Listen = *listen
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		NoColor:    cfg.Log.NoColor,
	}); err != nil {
		logger.Errorf("初始化日志失败: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdownMgr := shutdown.NewManager()

	// 挂单存储
	store, err := order.OpenSQLite(cfg.Orders.DBPath)
	if err != nil {
		logger.Errorf("打开挂单数据库失败: %v", err)
		os.Exit(1)
	}
	shutdownMgr.OnShutdown("order_store", func(context.Context) error { return store.Close() })

	// API 密钥
	encKey, err := secretstore.ParseKey(cfg.Secrets.EncryptionKey)
	if err != nil {
		logger.Errorf("解析密钥库加密 key 失败: %v", err)
		os.Exit(1)
	}
	secrets, err := secretstore.Open(secretstore.OpenOptions{Path: cfg.Secrets.Path, EncryptionKey: encKey})
	if err != nil {
		logger.Errorf("打开密钥库失败: %v", err)
		os.Exit(1)
	}
	shutdownMgr.OnShutdown("secretstore", func(context.Context) error { return secrets.Close() })
	keys := exchange.NewSecretKeyResolver(secrets)

	counts := newCountCache(cfg, shutdownMgr)

	var exClient exchange.Client
	if cfg.Exchange.DryRun {
		logger.Warnf("⚠️ dry run：订单不会提交到交易所")
		exClient = exchange.NewDryRunClient()
	} else {
		limits := ratelimit.NewManager(cfg.Exchange.OrderPerSecond, cfg.Exchange.DefaultPerSecond)
		exClient = exchange.NewUpbitClient(cfg.Exchange.BaseURL, cfg.Exchange.Timeout, limits)
	}

	orders := order.NewEngine(store, counts, exClient, keys, order.EngineOptions{
		MinNotional:  cfg.Orders.MinNotional,
		StaleAfter:   cfg.Orders.StaleAfter,
		MatchTimeout: cfg.Orders.MatchTimeout,
	})

	// 策略
	history := tradehistory.NewHTTPClient(tradehistory.Options{
		BaseURL: cfg.DataService.BaseURL,
		Timeout: cfg.DataService.Timeout,
		MemoTTL: cfg.DataService.MemoTTL,
	})
	shutdownMgr.OnShutdown("tradehistory", func(context.Context) error { history.Close(); return nil })

	strategies, err := strategy.Build(cfg.Strategies.Enabled, cfg.Strategies.Overrides, cfg.Notification.Subscribers)
	if err != nil {
		logger.Errorf("加载策略失败: %v", err)
		os.Exit(1)
	}
	evaluator := strategy.NewEngine(history, strategies, cfg.Pipeline.StrategyConcurrency)

	// 告警
	dispatcher := alert.NewDispatcher(newTransport(cfg), newPolicy(cfg), cfg.Notification.RecipientID, cfg.Notification.Timeout)
	pipe := pipeline.New(orders, evaluator, alert.NewAssembler(cfg.Exchange.ReferenceURL), dispatcher)

	// 定时清缓存
	clearers := map[string]func(context.Context){
		"order_counts":    counts.Clear,
		"trade_histories": func(context.Context) { history.ClearCache() },
	}
	go runCacheJanitor(ctx, cfg.Orders.CacheClearInterval, clearers)

	// 运维接口
	httpSrv := &http.Server{
		Addr:              cfg.Ops.Listen,
		Handler:           ops.New(orders, keys, clearers).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("运维接口监听 %s", cfg.Ops.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("运维接口异常: %v", err)
		}
	}()
	shutdownMgr.OnShutdown("ops_http", httpSrv.Shutdown)

	// 消费
	consumer := pipeline.NewConsumer(pipe, pipeline.ConsumerOptions{
		Workers:        cfg.Pipeline.Workers,
		QueueSize:      cfg.Pipeline.QueueSize,
		ProcessTimeout: cfg.Pipeline.ProcessTimeout,
	})
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if cfg.Pipeline.FeedURL == "" {
			logger.Warnf("未配置 TRADE_FEED_URL，不消费成交事件")
			<-ctx.Done()
			return
		}
		consumer.Run(ctx, &pipeline.WebSocketSource{URL: cfg.Pipeline.FeedURL})
	}()

	logger.Infof("✅ tradewatch 已启动 strategies=%v policy=%s dry_run=%v", cfg.Strategies.Enabled, cfg.Notification.Policy, cfg.Exchange.DryRun)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("收到退出信号，开始优雅关闭...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownPeriod)
	defer shutdownCancel()

	// 先停消费，等在途消息处理完再关存储
	cancel()
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		logger.Warnf("等待消费者退出超时")
	}
	if !shutdownMgr.Shutdown(shutdownCtx) {
		logger.Warnf("部分组件未能在超时前关闭")
	}
	logger.Info("tradewatch 已退出")
}

func newCountCache(cfg *config.Config, mgr *shutdown.Manager) order.CountCache {
	if cfg.Orders.CacheBackend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Orders.RedisAddr,
			Password: cfg.Orders.RedisPassword,
			DB:       cfg.Orders.RedisDB,
		})
		mgr.OnShutdown("redis", func(context.Context) error { return client.Close() })
		return order.NewRedisCountCache(client, cfg.Orders.CacheTTL)
	}
	c := order.NewMemoryCountCache(cfg.Orders.CacheTTL)
	mgr.OnShutdown("count_cache", func(context.Context) error { c.Close(); return nil })
	return c
}

func newTransport(cfg *config.Config) alert.Transport {
	if cfg.Notification.DryRun || cfg.Notification.URL == "" {
		return alert.LogTransport{}
	}
	return alert.NewHTTPTransport(cfg.Notification.URL, cfg.Notification.Timeout)
}

func newPolicy(cfg *config.Config) alert.Policy {
	if cfg.Notification.Policy == "valve" {
		return alert.ValvePolicy{Valve: valve.New(nil), IntervalMinutes: cfg.Notification.ValveIntervalMinutes}
	}
	return alert.DedupPolicy{
		Strategy:      alert.ParseDedupStrategy(cfg.Notification.DedupStrategy),
		PeriodMinutes: int64(cfg.Notification.DedupPeriodMinutes),
	}
}

func runCacheJanitor(ctx context.Context, interval time.Duration, clearers map[string]func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, clear := range clearers {
				clear(ctx)
				logger.Debugf("定时清理缓存 %s", name)
			}
		}
	}
}
