package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env             string                  `yaml:"env"`
	MinSpread       float64                 `yaml:"minSpread"`
	SpreadBasis     string                  `yaml:"spreadBasis"` // ltp | quote
	DefaultQuantity int64                   `yaml:"defaultQuantity"`
	HeartbeatMs     int                     `yaml:"heartbeatMs"`
	Symbols         map[string]SymbolConfig `yaml:"symbols"`
	Risk            RiskConfig              `yaml:"risk"`
	Execution       ExecutionConfig         `yaml:"execution"`
	Session         SessionConfig           `yaml:"session"`
	Broker          BrokerConfig            `yaml:"broker"`
	Feed            FeedConfig              `yaml:"feed"`
	Telemetry       TelemetryConfig         `yaml:"telemetry"`
	Log             LogConfig               `yaml:"log"`
}

// SymbolConfig 单个标的在两家交易所的合约 token 及覆盖参数。
type SymbolConfig struct {
	NSEToken  string `yaml:"nseToken"`
	BSEToken  string `yaml:"bseToken"`
	NSESymbol string `yaml:"nseTradingSymbol"` // 默认 <SYM>-EQ
	BSESymbol string `yaml:"bseTradingSymbol"` // 默认 <SYM>
	// 0 表示沿用全局
	Quantity  int64   `yaml:"quantity"`
	MinSpread float64 `yaml:"minSpread"`
}

type RiskConfig struct {
	MaxTradesPerMinute     int `yaml:"maxTradesPerMinute"`
	MaxConcurrentExposure  int `yaml:"maxConcurrentExposure"`
	MaxConsecutiveFailures int `yaml:"maxConsecutiveFailures"`
	MaxOpenPerInstrument   int `yaml:"maxOpenPerInstrument"` // 0 = 不限制
}

type ExecutionConfig struct {
	PlaceTimeoutMs    int     `yaml:"placeTimeoutMs"`
	LegTimeoutMs      int     `yaml:"legTimeoutMs"`
	PollIntervalMs    int     `yaml:"pollIntervalMs"`
	FailsafeTimeoutMs int     `yaml:"failsafeTimeoutMs"`
	OrderType         string  `yaml:"orderType"`
	Product           string  `yaml:"product"`
	UseLimitOrders    bool    `yaml:"useLimitOrders"`
	LimitBuyBuffer    float64 `yaml:"limitBuyBuffer"`
	LimitSellBuffer   float64 `yaml:"limitSellBuffer"`
	TickSize          float64 `yaml:"tickSize"`
}

type SessionConfig struct {
	TradingStart string `yaml:"tradingStart"`
	TradingEnd   string `yaml:"tradingEnd"`
	Timezone     string `yaml:"timezone"`
	// IgnoreHours 仅用于纸面回放，实盘必须为 false
	IgnoreHours bool `yaml:"ignoreHours"`
}

type BrokerConfig struct {
	Mode             string  `yaml:"mode"` // paper | smartapi
	BaseURL          string  `yaml:"baseURL"`
	APIKey           string  `yaml:"apiKey"`
	ClientCode       string  `yaml:"clientCode"`
	AccessToken      string  `yaml:"accessToken"`
	RateLimitPerSec  float64 `yaml:"rateLimitPerSec"`
	RateBurst        int     `yaml:"rateBurst"`
	PaperFillDelayMs int     `yaml:"paperFillDelayMs"`
}

type FeedConfig struct {
	URL            string `yaml:"url"`
	FeedToken      string `yaml:"feedToken"`
	ReadTimeoutMs  int    `yaml:"readTimeoutMs"`
	PingIntervalMs int    `yaml:"pingIntervalMs"`
	Buffer         int    `yaml:"buffer"`
	// ReplayFile 非空时回放录制文件代替实时行情
	ReplayFile  string  `yaml:"replayFile"`
	ReplaySpeed float64 `yaml:"replaySpeed"`
}

type TelemetryConfig struct {
	MetricsAddr string        `yaml:"metricsAddr"`
	Redis       RedisConfig   `yaml:"redis"`
	Journal     JournalConfig `yaml:"journal"`
	Alerts      AlertConfig   `yaml:"alerts"`
}

type RedisConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Addr               string `yaml:"addr"`
	Password           string `yaml:"password"`
	DB                 int    `yaml:"db"`
	Prefix             string `yaml:"prefix"`
	PublishEvaluations bool   `yaml:"publishEvaluations"`
}

type JournalConfig struct {
	Enabled  bool   `yaml:"enabled"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns"`
}

type AlertConfig struct {
	WebhookURL  string `yaml:"webhookURL"`
	ThrottleSec int    `yaml:"throttleSec"`
}

type LogConfig struct {
	Level     string   `yaml:"level"`
	Format    string   `yaml:"format"`
	Outputs   []string `yaml:"outputs"`
	File      string   `yaml:"file"`
	ErrorFile string   `yaml:"errorFile"`
}

// Default 返回缺省配置；YAML 中未出现的键保持这些值。
func Default() AppConfig {
	return AppConfig{
		Env:             "paper",
		MinSpread:       1.0,
		SpreadBasis:     "ltp",
		DefaultQuantity: 1,
		HeartbeatMs:     5000,
		Risk: RiskConfig{
			MaxTradesPerMinute:     4,
			MaxConcurrentExposure:  1,
			MaxConsecutiveFailures: 2,
			MaxOpenPerInstrument:   1,
		},
		Execution: ExecutionConfig{
			PlaceTimeoutMs:    2000,
			LegTimeoutMs:      3000,
			PollIntervalMs:    200,
			FailsafeTimeoutMs: 3000,
			OrderType:         "MARKET",
			Product:           "INTRADAY",
			UseLimitOrders:    false,
			LimitBuyBuffer:    0.10,
			LimitSellBuffer:   0.10,
			TickSize:          0.05,
		},
		Session: SessionConfig{
			TradingStart: "09:15",
			TradingEnd:   "15:30",
			Timezone:     "Asia/Kolkata",
		},
		Broker: BrokerConfig{
			Mode:             "paper",
			RateLimitPerSec:  10,
			RateBurst:        10,
			PaperFillDelayMs: 50,
		},
		Feed: FeedConfig{
			ReadTimeoutMs:  30000,
			PingIntervalMs: 10000,
			Buffer:         1024,
		},
		Telemetry: TelemetryConfig{
			MetricsAddr: ":9108",
			Redis:       RedisConfig{Prefix: "arb"},
			Alerts:      AlertConfig{ThrottleSec: 300},
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "json",
			Outputs: []string{"stdout"},
		},
	}
}

// Load reads YAML config from path on top of Default and validates it.
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parse(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads .env files (missing files are ignored), reads the YAML,
// then overrides credentials and endpoints from ARB_* env vars before validating.
func LoadWithEnvOverrides(path string, envFiles ...string) (AppConfig, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return AppConfig{}, fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

func applyEnv(cfg *AppConfig) error {
	str := map[string]*string{
		"ARB_ENV":                 &cfg.Env,
		"ARB_BROKER_MODE":         &cfg.Broker.Mode,
		"ARB_BROKER_BASE_URL":     &cfg.Broker.BaseURL,
		"ARB_BROKER_API_KEY":      &cfg.Broker.APIKey,
		"ARB_BROKER_CLIENT_CODE":  &cfg.Broker.ClientCode,
		"ARB_BROKER_ACCESS_TOKEN": &cfg.Broker.AccessToken,
		"ARB_FEED_URL":            &cfg.Feed.URL,
		"ARB_FEED_TOKEN":          &cfg.Feed.FeedToken,
		"ARB_FEED_REPLAY_FILE":    &cfg.Feed.ReplayFile,
		"ARB_REDIS_ADDR":          &cfg.Telemetry.Redis.Addr,
		"ARB_REDIS_PASSWORD":      &cfg.Telemetry.Redis.Password,
		"ARB_JOURNAL_DSN":         &cfg.Telemetry.Journal.DSN,
		"ARB_ALERT_WEBHOOK":       &cfg.Telemetry.Alerts.WebhookURL,
		"ARB_LOG_LEVEL":           &cfg.Log.Level,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("ARB_MIN_SPREAD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ARB_MIN_SPREAD: %w", err)
		}
		cfg.MinSpread = f
	}
	if v := os.Getenv("ARB_DEFAULT_QUANTITY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ARB_DEFAULT_QUANTITY: %w", err)
		}
		cfg.DefaultQuantity = n
	}
	return nil
}
