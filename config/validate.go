package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // 容器内可能没有系统时区库
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

func invalid(format string, args ...interface{}) error {
	return ErrInvalid(fmt.Sprintf(format, args...))
}

// Validate ensures required fields are present and limits are sane.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return invalid("env is required")
	}
	if cfg.MinSpread < 0 {
		return invalid("minSpread must be >= 0")
	}
	if cfg.DefaultQuantity <= 0 {
		return invalid("defaultQuantity must be > 0")
	}
	switch strings.ToLower(cfg.SpreadBasis) {
	case "", "ltp", "quote", "executable":
	default:
		return invalid("spreadBasis must be ltp or quote, got %q", cfg.SpreadBasis)
	}
	if len(cfg.Symbols) == 0 {
		return invalid("symbols config is required")
	}
	for sym, sc := range cfg.Symbols {
		if sc.NSEToken == "" || sc.BSEToken == "" {
			return invalid("symbol %s nseToken/bseToken is required", sym)
		}
		if sc.Quantity < 0 {
			return invalid("symbol %s quantity must be >= 0", sym)
		}
		if sc.MinSpread < 0 {
			return invalid("symbol %s minSpread must be >= 0", sym)
		}
	}
	if err := validateRisk(cfg.Risk); err != nil {
		return err
	}
	if err := validateExecution(cfg.Execution); err != nil {
		return err
	}
	if err := validateSession(cfg.Session); err != nil {
		return err
	}
	if err := validateBroker(cfg.Broker); err != nil {
		return err
	}
	if cfg.Feed.URL == "" && cfg.Feed.ReplayFile == "" {
		return invalid("feed.url or feed.replayFile is required")
	}
	if cfg.Feed.ReplaySpeed < 0 {
		return invalid("feed.replaySpeed must be >= 0")
	}
	if cfg.Telemetry.Redis.Enabled && cfg.Telemetry.Redis.Addr == "" {
		return invalid("telemetry.redis.addr is required when redis is enabled")
	}
	if cfg.Telemetry.Journal.Enabled && cfg.Telemetry.Journal.DSN == "" {
		return invalid("telemetry.journal.dsn is required when journal is enabled")
	}
	return nil
}

// validateRisk 热更新时同样适用。
func validateRisk(r RiskConfig) error {
	if r.MaxTradesPerMinute <= 0 {
		return invalid("risk.maxTradesPerMinute must be > 0")
	}
	if r.MaxConcurrentExposure <= 0 {
		return invalid("risk.maxConcurrentExposure must be > 0")
	}
	if r.MaxConsecutiveFailures <= 0 {
		return invalid("risk.maxConsecutiveFailures must be > 0")
	}
	if r.MaxOpenPerInstrument < 0 {
		return invalid("risk.maxOpenPerInstrument must be >= 0")
	}
	return nil
}

func validateExecution(e ExecutionConfig) error {
	if e.PlaceTimeoutMs <= 0 || e.LegTimeoutMs <= 0 || e.FailsafeTimeoutMs <= 0 {
		return invalid("execution timeouts must be > 0")
	}
	if e.PollIntervalMs <= 0 {
		return invalid("execution.pollIntervalMs must be > 0")
	}
	if e.PollIntervalMs >= e.LegTimeoutMs {
		return invalid("execution.pollIntervalMs (%d) must be < legTimeoutMs (%d)", e.PollIntervalMs, e.LegTimeoutMs)
	}
	switch strings.ToUpper(e.OrderType) {
	case "MARKET", "LIMIT":
	default:
		return invalid("execution.orderType must be MARKET or LIMIT, got %q", e.OrderType)
	}
	switch strings.ToUpper(e.Product) {
	case "INTRADAY", "MIS", "DELIVERY", "CNC", "CARRYFORWARD", "NRML":
	default:
		return invalid("execution.product %q not supported", e.Product)
	}
	if e.LimitBuyBuffer < 0 || e.LimitSellBuffer < 0 {
		return invalid("execution limit buffers must be >= 0")
	}
	if e.TickSize <= 0 {
		return invalid("execution.tickSize must be > 0")
	}
	return nil
}

func validateSession(s SessionConfig) error {
	start, err := time.Parse("15:04", s.TradingStart)
	if err != nil {
		return invalid("session.tradingStart %q: expected HH:MM", s.TradingStart)
	}
	end, err := time.Parse("15:04", s.TradingEnd)
	if err != nil {
		return invalid("session.tradingEnd %q: expected HH:MM", s.TradingEnd)
	}
	if !start.Before(end) {
		return invalid("session.tradingStart must be before tradingEnd")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return invalid("session.timezone %q: %v", s.Timezone, err)
		}
	}
	return nil
}

func validateBroker(b BrokerConfig) error {
	switch b.Mode {
	case "paper":
		if b.PaperFillDelayMs < 0 {
			return invalid("broker.paperFillDelayMs must be >= 0")
		}
	case "smartapi":
		if b.BaseURL == "" {
			return invalid("broker.baseURL is required for smartapi mode")
		}
		if b.APIKey == "" || b.ClientCode == "" || b.AccessToken == "" {
			return invalid("broker.apiKey/clientCode/accessToken is required (or env overrides)")
		}
	default:
		return invalid("broker.mode must be paper or smartapi, got %q", b.Mode)
	}
	if b.RateLimitPerSec < 0 || b.RateBurst < 0 {
		return invalid("broker rate limits must be >= 0")
	}
	return nil
}
