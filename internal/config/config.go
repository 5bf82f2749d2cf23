package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"strategy-bot-go/internal/calendar"
	"strategy-bot-go/internal/models"
	"strategy-bot-go/internal/schedule"

	"github.com/joho/godotenv"
)

// ErrMissingCredentials is returned when live trading is requested without API keys.
var ErrMissingCredentials = errors.New("BINANCE_API_KEY and BINANCE_SECRET_KEY must be set")

var botIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Default returns the configuration used for absent fields.
func Default() *models.AppConfig {
	return &models.AppConfig{
		DBPath:          "data/bots.db",
		MetricsAddr:     ":9102",
		TickIntervalSec: 30,
		Timezone:        "America/New_York",
		Log: models.LogConfig{
			Level:      "info",
			Output:     "console",
			File:       "logs/strategy-bot.log",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Exchange: models.ExchangeConfig{
			IsTestnet:        true,
			QuoteAsset:       "USDT",
			LiveWSURL:        "wss://stream.binance.com:9443",
			TestnetWSURL:     "wss://testnet.binance.vision",
			TakerFeeRate:     0.001,
			MakerFeeRate:     0.001,
			SlippageRate:     0.0005,
			InitialBalance:   100000,
			RequestTimeoutMs: 10000,
		},
		Engine: models.DefaultGlobalBotSettings(),
	}
}

// LoadConfig reads the JSON config file at path on top of Default and validates it.
func LoadConfig(path string) (*models.AppConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := Default()
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the process settings and every configured bot.
func Validate(cfg *models.AppConfig) error {
	if cfg.TickIntervalSec <= 0 {
		return fmt.Errorf("tick_interval_sec must be positive, got %d", cfg.TickIntervalSec)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if _, err := calendar.ParseExtraHolidays(cfg.ExtraHolidays); err != nil {
		return fmt.Errorf("extra_holidays: %w", err)
	}
	if err := validateEngine(cfg.Engine); err != nil {
		return err
	}
	ex := cfg.Exchange
	if ex.TakerFeeRate < 0 || ex.MakerFeeRate < 0 || ex.SlippageRate < 0 {
		return errors.New("exchange fee and slippage rates must not be negative")
	}

	seen := make(map[string]bool, len(cfg.Bots))
	for i, b := range cfg.Bots {
		if b == nil {
			return fmt.Errorf("bots[%d] is empty", i)
		}
		if err := ValidateBot(b); err != nil {
			return fmt.Errorf("bots[%d]: %w", i, err)
		}
		if b.BotID != "" {
			if seen[b.BotID] {
				return fmt.Errorf("bots[%d]: duplicate bot_id %q", i, b.BotID)
			}
			seen[b.BotID] = true
		}
	}
	return nil
}

func validateEngine(e models.GlobalBotSettings) error {
	start, err := schedule.ParseTimeOfDay(e.TradingHoursStart)
	if err != nil {
		return fmt.Errorf("engine.trading_hours_start: %w", err)
	}
	end, err := schedule.ParseTimeOfDay(e.TradingHoursEnd)
	if err != nil {
		return fmt.Errorf("engine.trading_hours_end: %w", err)
	}
	if start.Hour*60+start.Minute >= end.Hour*60+end.Minute {
		return fmt.Errorf("engine trading hours %s-%s are empty", start, end)
	}
	if e.MaxConcurrentOrders < 0 {
		return errors.New("engine.max_concurrent_orders must not be negative")
	}
	if e.MaxTotalBotAllocation < 0 || e.RequireApprovalAbove < 0 {
		return errors.New("engine allocation and approval limits must not be negative")
	}
	return nil
}

// ValidateBot checks the fields shared by every bot type. Strategy sections are validated by
// the strategy constructors. An empty BotID is allowed; the engine assigns one.
func ValidateBot(b *models.BotConfig) error {
	if b.BotID != "" && !botIDPattern.MatchString(b.BotID) {
		return fmt.Errorf("bot_id %q may only contain letters, digits, '.', '_' and '-'", b.BotID)
	}
	if b.BotType == "" {
		return errors.New("bot_type is required")
	}
	r := b.Risk
	if r.MaxDailyTrades < 0 || r.MaxDailyLoss < 0 || r.MaxPositionSize < 0 {
		return errors.New("risk limits must not be negative")
	}
	// A schedule that cannot produce a run is a configuration error.
	if _, err := schedule.ComputeNextRun(b.Schedule, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), nil); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	return nil
}

// LoadSecrets reads the exchange API keys from the environment, after loading envFile when it exists.
func LoadSecrets(envFile string) (apiKey, secretKey string, err error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", "", fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	apiKey = os.Getenv("BINANCE_API_KEY")
	secretKey = os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		return "", "", ErrMissingCredentials
	}
	return apiKey, secretKey, nil
}
