package models

import (
	"encoding/json"
	"strings"
)

// BotType selects the strategy variant a bot runs.
type BotType string

const (
	BotTypeDCA           BotType = "DCA"
	BotTypeRebalance     BotType = "REBALANCE"
	BotTypeSignal        BotType = "SIGNAL"
	BotTypeGrid          BotType = "GRID"
	BotTypeMeanReversion BotType = "MEAN_REVERSION" // runs the signal strategy
	BotTypeMomentum      BotType = "MOMENTUM"       // runs the signal strategy
)

// Frequency is the recurrence rule of a schedule.
type Frequency string

const (
	Hourly    Frequency = "hourly"
	Daily     Frequency = "daily"
	Weekly    Frequency = "weekly"
	Biweekly  Frequency = "biweekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
)

// ExecutionTime is the time-of-day policy of a schedule.
type ExecutionTime string

const (
	MarketOpen  ExecutionTime = "market_open"
	MarketClose ExecutionTime = "market_close"
	Midday      ExecutionTime = "midday"
	CustomTime  ExecutionTime = "custom"
)

// RebalanceMethod selects which symbols a rebalance trades.
type RebalanceMethod string

const (
	RebalanceFull          RebalanceMethod = "FULL"
	RebalanceThresholdOnly RebalanceMethod = "THRESHOLD_ONLY"
	RebalanceTaxAware      RebalanceMethod = "TAX_AWARE"
)

// GridSpacing selects how grid levels are distributed.
type GridSpacing string

const (
	GridArithmetic GridSpacing = "ARITHMETIC"
	GridGeometric  GridSpacing = "GEOMETRIC"
)

// PositionSizing selects how the signal strategy sizes orders.
type PositionSizing string

const (
	SizingFixedAmount      PositionSizing = "FIXED_AMOUNT"
	SizingFixedShares      PositionSizing = "FIXED_SHARES"
	SizingPercentPortfolio PositionSizing = "PERCENT_PORTFOLIO"
	SizingVolatilityScaled PositionSizing = "VOLATILITY_SCALED"
)

// Indicator types understood by signal rules.
const (
	IndicatorRSI               = "RSI"
	IndicatorMACD              = "MACD"
	IndicatorPrice             = "PRICE"
	IndicatorPercentChange     = "PERCENT_CHANGE"
	IndicatorBollingerPosition = "BOLLINGER_POSITION"
	IndicatorVolumeSpike       = "VOLUME_SPIKE"
	IndicatorFactorScore       = "FACTOR_SCORE"
	IndicatorPriceMARatio      = "PRICE_MA_RATIO"
	IndicatorMACrossover       = "MA_CROSSOVER"
)

// Condition types understood by signal rules.
const (
	ConditionAbove        = "above"
	ConditionBelow        = "below"
	ConditionEquals       = "equals"
	ConditionCrossesAbove = "crosses_above"
	ConditionCrossesBelow = "crosses_below"
	ConditionBetween      = "between"
)

// BotConfig defines one bot. It is immutable after creation except through explicit reconfiguration.
type BotConfig struct {
	BotID        string           `json:"bot_id"`
	Name         string           `json:"name"`
	BotType      BotType          `json:"bot_type"`
	Symbols      []string         `json:"symbols"`
	DCA          *DCAConfig       `json:"dca,omitempty"`
	Rebalance    *RebalanceConfig `json:"rebalance,omitempty"`
	Signal       *SignalConfig    `json:"signal,omitempty"`
	Grid         *GridConfig      `json:"grid,omitempty"`
	Schedule     ScheduleConfig   `json:"schedule"`
	Risk         RiskConfig       `json:"risk"`
	Enabled      bool             `json:"enabled"`
	PaperTrading bool             `json:"paper_trading"` // forces paper fills for this bot regardless of the global flag
}

// Clone returns a deep copy of the configuration.
func (c *BotConfig) Clone() *BotConfig {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	var cp BotConfig
	if err := json.Unmarshal(data, &cp); err != nil {
		cp = *c
	}
	return &cp
}

// UnmarshalJSON applies the schedule and risk defaults when those sections are absent.
func (c *BotConfig) UnmarshalJSON(data []byte) error {
	type plain BotConfig
	p := plain{Schedule: DefaultScheduleConfig(), Risk: DefaultRiskConfig()}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = BotConfig(p)
	return nil
}

// NormalizedType maps the alias types onto the strategy that implements them.
func (c *BotConfig) NormalizedType() BotType {
	t := BotType(strings.ToUpper(string(c.BotType)))
	switch t {
	case BotTypeMeanReversion, BotTypeMomentum:
		return BotTypeSignal
	}
	return t
}

// ScheduleConfig is the recurrence configuration of a bot.
type ScheduleConfig struct {
	Frequency     Frequency     `json:"frequency"`
	DayOfWeek     int           `json:"day_of_week"`  // 0=Monday ... 6=Sunday
	DayOfMonth    int           `json:"day_of_month"` // clipped to 28
	ExecutionTime ExecutionTime `json:"execution_time"`
	CustomTime    string        `json:"custom_time,omitempty"` // "HH:MM", used with ExecutionTime=custom
	SkipWeekends  bool          `json:"skip_weekends"`
	SkipHolidays  bool          `json:"skip_holidays"`
}

// DefaultScheduleConfig runs daily at the open on trading days.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Frequency:     Daily,
		DayOfMonth:    1,
		ExecutionTime: MarketOpen,
		SkipWeekends:  true,
		SkipHolidays:  true,
	}
}

// UnmarshalJSON fills absent fields with DefaultScheduleConfig values.
func (s *ScheduleConfig) UnmarshalJSON(data []byte) error {
	type plain ScheduleConfig
	p := plain(DefaultScheduleConfig())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = ScheduleConfig(p)
	return nil
}

// RiskConfig bounds what a single bot may do in a day.
// A zero limit allows nothing; absent JSON fields take the defaults.
type RiskConfig struct {
	MaxDailyTrades  int     `json:"max_daily_trades"`
	MaxDailyLoss    float64 `json:"max_daily_loss"`
	MaxPositionSize float64 `json:"max_position_size"` // per-order notional cap
}

// DefaultRiskConfig returns the limits used when a config omits them.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxDailyTrades:  10,
		MaxDailyLoss:    1000,
		MaxPositionSize: 10000,
	}
}

// UnmarshalJSON fills absent fields with DefaultRiskConfig values.
func (r *RiskConfig) UnmarshalJSON(data []byte) error {
	type plain RiskConfig
	p := plain(DefaultRiskConfig())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = RiskConfig(p)
	return nil
}

// DCAConfig configures periodic accumulation.
type DCAConfig struct {
	AmountPerPeriod float64            `json:"amount_per_period"`
	Allocations     map[string]float64 `json:"allocations"`    // symbol -> weight
	BuyTheDip       bool               `json:"buy_the_dip"`    // scale the amount up on dips
	DipThreshold    float64            `json:"dip_threshold"`  // fraction below the rolling average, e.g. 0.05
	DipMultiplier   float64            `json:"dip_multiplier"` // multiplier at the threshold, capped at 2x overall
	PriceCeilings   map[string]float64 `json:"price_ceilings"` // skip a symbol above this price
	OrderType       OrderType          `json:"order_type"`     // defaults to MARKET
}

// RebalanceConfig configures drift-based portfolio correction.
type RebalanceConfig struct {
	TargetAllocations map[string]float64 `json:"target_allocations"`
	DriftThreshold    float64            `json:"drift_threshold"` // fraction, e.g. 0.05
	Method            RebalanceMethod    `json:"method"`
	MinTradeSize      float64            `json:"min_trade_size"`     // notional floor per order
	InitialInvestment float64            `json:"initial_investment"` // deployed when the bot holds nothing
}

// SignalRule is one indicator condition that votes for an action.
type SignalRule struct {
	IndicatorType  string             `json:"indicator_type"`
	Condition      string             `json:"condition"`
	Threshold      float64            `json:"threshold"`
	UpperThreshold float64            `json:"upper_threshold,omitempty"` // for "between"
	Parameters     map[string]float64 `json:"parameters,omitempty"`
	IndicatorKey   string             `json:"indicator_key,omitempty"` // overrides the default snapshot key
	Action         Side               `json:"action"`
}

// SignalConfig configures indicator-driven trading.
type SignalConfig struct {
	Rules             []SignalRule   `json:"rules"`
	RequireAllSignals bool           `json:"require_all_signals"`
	CooldownMinutes   int            `json:"cooldown_minutes"`
	PositionSizing    PositionSizing `json:"position_sizing"`
	FixedAmount       float64        `json:"fixed_amount"`
	FixedShares       float64        `json:"fixed_shares"`
	PortfolioPercent  float64        `json:"portfolio_percent"` // fraction of portfolio value
	PortfolioValue    float64        `json:"portfolio_value"`   // overrides holdings value for percent sizing
	BaseAmount        float64        `json:"base_amount"`       // volatility-scaled base
}

// GridConfig configures range-bound level trading on a single symbol.
type GridConfig struct {
	Symbol          string      `json:"symbol,omitempty"` // defaults to the first bot symbol
	LowerPrice      float64     `json:"lower_price"`
	UpperPrice      float64     `json:"upper_price"`
	NumGrids        int         `json:"num_grids"`
	Spacing         GridSpacing `json:"spacing"`
	TotalInvestment float64     `json:"total_investment"`
	StopLoss        float64     `json:"stop_loss,omitempty"`   // price; 0 disables
	TakeProfit      float64     `json:"take_profit,omitempty"` // price; 0 disables
}

// GlobalBotSettings are the process-wide safety settings owned by the engine.
type GlobalBotSettings struct {
	PaperMode             bool    `json:"paper_mode"`
	MaxConcurrentOrders   int     `json:"max_concurrent_orders"`    // engine-wide order budget per UTC day
	MaxTotalBotAllocation float64 `json:"max_total_bot_allocation"` // 0 disables the check
	RequireApprovalAbove  float64 `json:"require_approval_above"`   // live orders above this notional are held back; 0 disables
	TradingHoursStart     string  `json:"trading_hours_start"`
	TradingHoursEnd       string  `json:"trading_hours_end"`
	EmergencyStopAll      bool    `json:"emergency_stop_all"`
	RescheduleMissedRuns  bool    `json:"reschedule_missed_runs"`
}

// DefaultGlobalBotSettings returns conservative engine defaults.
func DefaultGlobalBotSettings() GlobalBotSettings {
	return GlobalBotSettings{
		PaperMode:             true,
		MaxConcurrentOrders:   50,
		MaxTotalBotAllocation: 0,
		RequireApprovalAbove:  0,
		TradingHoursStart:     "09:30",
		TradingHoursEnd:       "16:00",
	}
}

// UnmarshalJSON fills absent fields with DefaultGlobalBotSettings values.
func (g *GlobalBotSettings) UnmarshalJSON(data []byte) error {
	type plain GlobalBotSettings
	p := plain(DefaultGlobalBotSettings())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*g = GlobalBotSettings(p)
	return nil
}

// LogConfig defines logging output.
type LogConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // console, file, both
	File       string `json:"file"`        // log file path
	MaxSize    int    `json:"max_size"`    // MB per file
	MaxBackups int    `json:"max_backups"` // rotated files to keep
	MaxAge     int    `json:"max_age"`     // days to keep rotated files
	Compress   bool   `json:"compress"`
}

// ExchangeConfig selects and tunes the live broker.
type ExchangeConfig struct {
	IsTestnet        bool    `json:"is_testnet"`
	QuoteAsset       string  `json:"quote_asset"` // e.g. "USDT"
	UsePriceStream   bool    `json:"use_price_stream"`
	LiveWSURL        string  `json:"live_ws_url"`
	TestnetWSURL     string  `json:"testnet_ws_url"`
	TakerFeeRate     float64 `json:"taker_fee_rate"` // replay exchange
	MakerFeeRate     float64 `json:"maker_fee_rate"` // replay exchange
	SlippageRate     float64 `json:"slippage_rate"`  // replay exchange
	InitialBalance   float64 `json:"initial_balance"`
	RequestTimeoutMs int     `json:"request_timeout_ms"`
}

// AppConfig is the full process configuration file.
type AppConfig struct {
	DBPath          string            `json:"db_path"`
	MetricsAddr     string            `json:"metrics_addr"`
	TickIntervalSec int               `json:"tick_interval_sec"`
	Timezone        string            `json:"timezone"`
	ExtraHolidays   []string          `json:"extra_holidays"` // YYYY-MM-DD
	Log             LogConfig         `json:"log"`
	Exchange        ExchangeConfig    `json:"exchange"`
	Engine          GlobalBotSettings `json:"engine"`
	Bots            []*BotConfig      `json:"bots"`
}
