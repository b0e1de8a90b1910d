// Package config 配置
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	envconfig "github.com/exchange/spotbot/pkg/config"
)

// Mode 执行模式
type Mode string

const (
	ModePaper Mode = "paper"
	ModeDemo  Mode = "demo"
	ModeLive  Mode = "live"
)

// ParseMode 解析模式，未知值返回 false
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePaper:
		return ModePaper, true
	case ModeDemo:
		return ModeDemo, true
	case ModeLive:
		return ModeLive, true
	default:
		return "", false
	}
}

// Simulated reports whether orders in this mode are filled locally.
func (m Mode) Simulated() bool {
	return m != ModeLive
}

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int
	LogLevel    string

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisAddr     string
	RedisPassword string

	Idempotency IdempotencyConfig

	DefaultMode    Mode
	WorkspaceModes map[string]Mode

	Live  LiveConfig
	Paper PaperConfig
	Risk  RiskConfig

	QuoteWSURL string

	DailyResetCron string
	ReconcileCron  string

	// Fill events (pub/sub)
	FillEventChannel string

	TracingEnabled  bool
	TracingEndpoint string
}

// IdempotencyConfig 幂等缓存配置
type IdempotencyConfig struct {
	Backend       string // memory | redis
	TTL           time.Duration
	SweepInterval time.Duration
}

// LiveConfig 交易所私有 API 配置
type LiveConfig struct {
	BaseURL      string
	APIKey       string
	APISecret    string
	RecvWindowMs int64
	HTTPTimeout  time.Duration
	MaxAttempts  int
}

// PaperConfig 模拟盘配置
type PaperConfig struct {
	FeeRate float64
}

// RiskConfig 风控阈值，0 表示不限制
type RiskConfig struct {
	MaxDailyLossUSD      float64
	MaxConsecutiveLosses int
	CooldownMinutes      int
	MaxTradesPerHour     int
	MaxTradesPerMinute   int
	MaxConsecutiveErrors int
	ErrorWindow          time.Duration
}

// Load 加载配置
func Load() *Config {
	cfg := &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "spotbot"),
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8090),
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),

		DBHost:     envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:     envconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:     envconfig.GetEnv("DB_USER", "spotbot"),
		DBPassword: envconfig.GetEnv("DB_PASSWORD", ""),
		DBName:     envconfig.GetEnv("DB_NAME", "spotbot"),

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),

		Idempotency: IdempotencyConfig{
			Backend:       strings.ToLower(envconfig.GetEnv("IDEMPOTENCY_BACKEND", "memory")),
			TTL:           envconfig.GetEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			SweepInterval: envconfig.GetEnvDuration("IDEMPOTENCY_SWEEP_INTERVAL", 60*time.Second),
		},

		Live: LiveConfig{
			BaseURL:      envconfig.GetEnv("LIVE_API_BASE", "https://api.binance.com/api/v3"),
			APIKey:       envconfig.GetEnv("LIVE_API_KEY", ""),
			APISecret:    envconfig.GetEnv("LIVE_API_SECRET", ""),
			RecvWindowMs: envconfig.GetEnvInt64("LIVE_RECV_WINDOW_MS", 5000),
			HTTPTimeout:  envconfig.GetEnvDuration("LIVE_HTTP_TIMEOUT", 10*time.Second),
			MaxAttempts:  envconfig.GetEnvInt("LIVE_MAX_ATTEMPTS", 3),
		},

		Paper: PaperConfig{
			FeeRate: envconfig.GetEnvFloat64("PAPER_FEE_RATE", 0),
		},

		Risk: RiskConfig{
			MaxDailyLossUSD:      envconfig.GetEnvFloat64("RISK_MAX_DAILY_LOSS_USD", 0),
			MaxConsecutiveLosses: envconfig.GetEnvInt("RISK_MAX_CONSECUTIVE_LOSSES", 3),
			CooldownMinutes:      envconfig.GetEnvInt("RISK_COOLDOWN_MINUTES", 30),
			MaxTradesPerHour:     envconfig.GetEnvInt("RISK_MAX_TRADES_PER_HOUR", 0),
			MaxTradesPerMinute:   envconfig.GetEnvInt("RISK_MAX_TRADES_PER_MINUTE", 0),
			MaxConsecutiveErrors: envconfig.GetEnvInt("RISK_MAX_CONSECUTIVE_ERRORS", 5),
			ErrorWindow:          envconfig.GetEnvDuration("RISK_ERROR_WINDOW", 5*time.Minute),
		},

		QuoteWSURL: envconfig.GetEnv("QUOTE_WS_URL", ""),

		DailyResetCron: envconfig.GetEnv("DAILY_RESET_CRON", "@every 1m"),
		ReconcileCron:  envconfig.GetEnv("RECONCILE_CRON", "@every 1m"),

		FillEventChannel: envconfig.GetEnv("FILL_EVENT_CHANNEL", "spotbot:{workspace}:fills"),

		TracingEnabled:  envconfig.GetEnvBool("TRACING_ENABLED", false),
		TracingEndpoint: envconfig.GetEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	cfg.DefaultMode = ModePaper
	if m, ok := ParseMode(envconfig.GetEnv("TRADING_MODE", "paper")); ok {
		cfg.DefaultMode = m
	}

	cfg.WorkspaceModes = make(map[string]Mode)
	for ws, raw := range envconfig.GetEnvMap("WORKSPACE_MODES") {
		if m, ok := ParseMode(raw); ok {
			cfg.WorkspaceModes[ws] = m
		}
	}

	return cfg
}

// ModeFor 返回 workspace 的执行模式
func (c *Config) ModeFor(workspace string) Mode {
	if m, ok := c.WorkspaceModes[workspace]; ok {
		return m
	}
	if c.DefaultMode == "" {
		return ModePaper
	}
	return c.DefaultMode
}

// LiveReady reports whether live credentials look usable.
func (c *Config) LiveReady() error {
	if strings.TrimSpace(c.Live.APIKey) == "" || strings.TrimSpace(c.Live.APISecret) == "" {
		return fmt.Errorf("live credentials missing: LIVE_API_KEY and LIVE_API_SECRET are required")
	}
	if envconfig.IsInsecurePlaceholder(c.Live.APISecret) {
		return fmt.Errorf("LIVE_API_SECRET is a placeholder value")
	}
	return nil
}

// Validate 检查配置。live 凭证缺失不是启动错误，路由层会降级到模拟盘
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT: %d", c.HTTPPort)
	}
	switch c.Idempotency.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid IDEMPOTENCY_BACKEND: %q (expected memory or redis)", c.Idempotency.Backend)
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be > 0")
	}
	if c.Live.MaxAttempts <= 0 {
		return fmt.Errorf("LIVE_MAX_ATTEMPTS must be > 0")
	}
	if c.Paper.FeeRate < 0 {
		return fmt.Errorf("PAPER_FEE_RATE must be >= 0")
	}
	return nil
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}
