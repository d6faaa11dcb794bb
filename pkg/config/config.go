package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`       // MB
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // 保留的旧文件数
	MaxAge     int    `yaml:"max_age" json:"max_age"`         // 天
	Compress   bool   `yaml:"compress" json:"compress"`
	NoColor    bool   `yaml:"no_color" json:"no_color"`
}

// DataServiceConfig 成交历史数据服务配置
type DataServiceConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	MemoTTL time.Duration `yaml:"memo_ttl" json:"memo_ttl"` // 0 表示关闭缓存
}

// ExchangeConfig 交易所配置
type ExchangeConfig struct {
	Name             string        `yaml:"name" json:"name"`
	BaseURL          string        `yaml:"base_url" json:"base_url"`
	ReferenceURL     string        `yaml:"reference_url" json:"reference_url"` // 告警里的行情链接前缀
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	OrderPerSecond   int           `yaml:"order_per_second" json:"order_per_second"`
	DefaultPerSecond int           `yaml:"default_per_second" json:"default_per_second"`
	DryRun           bool          `yaml:"dry_run" json:"dry_run"` // 只打印订单，不真实下单
}

// NotificationConfig 告警投递配置
type NotificationConfig struct {
	URL                  string        `yaml:"url" json:"url"`
	RecipientID          string        `yaml:"recipient_id" json:"recipient_id"`
	Subscribers          []string      `yaml:"subscribers" json:"subscribers"`
	Policy               string        `yaml:"policy" json:"policy"` // dedup | valve
	DedupStrategy        string        `yaml:"dedup_strategy" json:"dedup_strategy"`
	DedupPeriodMinutes   int           `yaml:"dedup_period_minutes" json:"dedup_period_minutes"`
	ValveIntervalMinutes int           `yaml:"valve_interval_minutes" json:"valve_interval_minutes"`
	Timeout              time.Duration `yaml:"timeout" json:"timeout"`
	DryRun               bool          `yaml:"dry_run" json:"dry_run"`
}

// OrdersConfig 挂单撮合配置
type OrdersConfig struct {
	DBPath             string        `yaml:"db_path" json:"db_path"`
	MinNotional        float64       `yaml:"min_notional" json:"min_notional"`
	CacheBackend       string        `yaml:"cache_backend" json:"cache_backend"` // memory | redis
	RedisAddr          string        `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword      string        `yaml:"redis_password" json:"redis_password"`
	RedisDB            int           `yaml:"redis_db" json:"redis_db"`
	CacheTTL           time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	CacheClearInterval time.Duration `yaml:"cache_clear_interval" json:"cache_clear_interval"`
	StaleAfter         time.Duration `yaml:"stale_after" json:"stale_after"`
	MatchTimeout       time.Duration `yaml:"match_timeout" json:"match_timeout"`
}

// PipelineConfig 成交事件消费配置
type PipelineConfig struct {
	FeedURL             string        `yaml:"feed_url" json:"feed_url"`
	Workers             int           `yaml:"workers" json:"workers"`
	QueueSize           int           `yaml:"queue_size" json:"queue_size"`
	StrategyConcurrency int           `yaml:"strategy_concurrency" json:"strategy_concurrency"`
	ProcessTimeout      time.Duration `yaml:"process_timeout" json:"process_timeout"`
}

// StrategiesConfig 策略配置
type StrategiesConfig struct {
	Enabled   []string                      `yaml:"enabled" json:"enabled"`
	Overrides map[string]map[string]float64 `yaml:"overrides" json:"overrides"` // 策略名 -> 阈值名 -> 值
}

// SecretsConfig API Key 存储配置
type SecretsConfig struct {
	Path          string `yaml:"path" json:"path"`
	EncryptionKey string `yaml:"encryption_key" json:"encryption_key"` // 32 字节 hex/base64
}

// OpsConfig 运维 HTTP 配置
type OpsConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// Config 应用配置
type Config struct {
	Log          LogConfig          `yaml:"log" json:"log"`
	DataService  DataServiceConfig  `yaml:"data_service" json:"data_service"`
	Exchange     ExchangeConfig     `yaml:"exchange" json:"exchange"`
	Notification NotificationConfig `yaml:"notification" json:"notification"`
	Orders       OrdersConfig       `yaml:"orders" json:"orders"`
	Pipeline     PipelineConfig     `yaml:"pipeline" json:"pipeline"`
	Strategies   StrategiesConfig   `yaml:"strategies" json:"strategies"`
	Secrets      SecretsConfig      `yaml:"secrets" json:"secrets"`
	Ops          OpsConfig          `yaml:"ops" json:"ops"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", File: "logs/tradewatch.log", MaxSize: 100, MaxBackups: 3, MaxAge: 7, Compress: true},
		DataService: DataServiceConfig{
			Timeout: 3 * time.Second,
			MemoTTL: 10 * time.Minute,
		},
		Exchange: ExchangeConfig{
			Name:             "UPBIT",
			BaseURL:          "https://api.upbit.com",
			ReferenceURL:     "https://upbit.com/exchange?code=CRIX.UPBIT.",
			Timeout:          5 * time.Second,
			OrderPerSecond:   8,
			DefaultPerSecond: 30,
			DryRun:           true,
		},
		Notification: NotificationConfig{
			Policy:               "dedup",
			DedupStrategy:        "LEAVE_LAST_ARRIVAL",
			DedupPeriodMinutes:   1,
			ValveIntervalMinutes: 5,
			Timeout:              3 * time.Second,
		},
		Orders: OrdersConfig{
			DBPath:             "data/tradewatch.db",
			MinNotional:        5000,
			CacheBackend:       "memory",
			CacheTTL:           time.Hour,
			CacheClearInterval: 10 * time.Minute,
			StaleAfter:         10 * time.Minute,
			MatchTimeout:       5 * time.Second,
		},
		Pipeline: PipelineConfig{
			Workers:             8,
			QueueSize:           256,
			StrategyConcurrency: 4,
			ProcessTimeout:      15 * time.Second,
		},
		Strategies: StrategiesConfig{
			Enabled: []string{"default_aggregated", "sudden_turn", "heavy_trade"},
		},
		Secrets: SecretsConfig{Path: "data/secrets"},
		Ops:     OpsConfig{Listen: ":8080"},
	}
}

// Load 加载配置（优先级：环境变量 > 配置文件 > 默认值）
func Load(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml)", ext)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	c.DataService.BaseURL = getEnv("DATA_SERVICE_URL", c.DataService.BaseURL)
	c.DataService.Timeout = parseDurationEnv("DATA_SERVICE_TIMEOUT", c.DataService.Timeout)
	c.DataService.MemoTTL = parseDurationEnv("DATA_SERVICE_MEMO_TTL", c.DataService.MemoTTL)

	c.Exchange.BaseURL = getEnv("EXCHANGE_BASE_URL", c.Exchange.BaseURL)
	c.Exchange.DryRun = parseBoolEnv("DRY_RUN", c.Exchange.DryRun)

	c.Notification.URL = getEnv("NOTIFICATION_URL", c.Notification.URL)
	c.Notification.RecipientID = getEnv("NOTIFICATION_RECIPIENT_ID", c.Notification.RecipientID)
	c.Notification.Policy = getEnv("NOTIFICATION_POLICY", c.Notification.Policy)
	if subs := getEnv("NOTIFICATION_SUBSCRIBERS", ""); subs != "" {
		c.Notification.Subscribers = parseList(subs)
	}
	c.Notification.ValveIntervalMinutes = parseIntEnv("VALVE_INTERVAL_MINUTES", c.Notification.ValveIntervalMinutes)

	c.Orders.DBPath = getEnv("ORDERS_DB_PATH", c.Orders.DBPath)
	c.Orders.MinNotional = parseFloatEnv("ORDERS_MIN_NOTIONAL", c.Orders.MinNotional)
	c.Orders.CacheBackend = getEnv("ORDERS_CACHE_BACKEND", c.Orders.CacheBackend)
	c.Orders.RedisAddr = getEnv("REDIS_ADDR", c.Orders.RedisAddr)
	c.Orders.RedisPassword = getEnv("REDIS_PASSWORD", c.Orders.RedisPassword)
	c.Orders.CacheClearInterval = parseDurationEnv("ORDERS_CACHE_CLEAR_INTERVAL", c.Orders.CacheClearInterval)

	c.Pipeline.FeedURL = getEnv("TRADE_FEED_URL", c.Pipeline.FeedURL)
	c.Pipeline.Workers = parseIntEnv("PIPELINE_WORKERS", c.Pipeline.Workers)

	if enabled := getEnv("ENABLED_STRATEGIES", ""); enabled != "" {
		c.Strategies.Enabled = parseList(enabled)
	}

	c.Secrets.Path = getEnv("SECRETS_PATH", c.Secrets.Path)
	c.Secrets.EncryptionKey = getEnv("SECRETS_ENCRYPTION_KEY", c.Secrets.EncryptionKey)

	c.Ops.Listen = getEnv("OPS_LISTEN", c.Ops.Listen)
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.DataService.BaseURL == "" {
		return fmt.Errorf("DATA_SERVICE_URL 未配置")
	}
	if c.Orders.DBPath == "" {
		return fmt.Errorf("ORDERS_DB_PATH 未配置")
	}
	if c.Orders.MinNotional < 0 {
		return fmt.Errorf("ORDERS_MIN_NOTIONAL 不能为负数")
	}
	switch c.Orders.CacheBackend {
	case "memory":
	case "redis":
		if c.Orders.RedisAddr == "" {
			return fmt.Errorf("cache_backend=redis 但 REDIS_ADDR 未配置")
		}
	default:
		return fmt.Errorf("未知的缓存后端: %s", c.Orders.CacheBackend)
	}
	switch c.Notification.Policy {
	case "dedup", "valve":
	default:
		return fmt.Errorf("未知的告警投递策略: %s", c.Notification.Policy)
	}
	if !c.Notification.DryRun && c.Notification.URL == "" {
		return fmt.Errorf("NOTIFICATION_URL 未配置（或开启 notification.dry_run）")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("PIPELINE_WORKERS 必须大于 0")
	}
	if len(c.Strategies.Enabled) == 0 {
		return fmt.Errorf("至少需要启用一个策略")
	}
	return nil
}

// parseList 解析逗号分隔列表
func parseList(str string) []string {
	parts := strings.Split(str, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	parsed, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	parsed, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	parsed, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseDurationEnv 解析时长环境变量，例如 "3s"、"10m"
func parseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	parsed, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return parsed
}
