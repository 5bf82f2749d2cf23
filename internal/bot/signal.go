package bot

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"strategy-bot-go/internal/models"

	"go.uber.org/zap"
)

const (
	maxSignalHistory       = 200
	defaultFastMA          = 10
	defaultSlowMA          = 50
	defaultMAPeriod        = 20
	defaultEqualsTolerance = 1e-6
)

var signalIndicators = map[string]bool{
	models.IndicatorRSI:               true,
	models.IndicatorMACD:              true,
	models.IndicatorPrice:             true,
	models.IndicatorPercentChange:     true,
	models.IndicatorBollingerPosition: true,
	models.IndicatorVolumeSpike:       true,
	models.IndicatorFactorScore:       true,
	models.IndicatorPriceMARatio:      true,
	models.IndicatorMACrossover:       true,
}

var signalConditions = map[string]bool{
	models.ConditionAbove:        true,
	models.ConditionBelow:        true,
	models.ConditionEquals:       true,
	models.ConditionCrossesAbove: true,
	models.ConditionCrossesBelow: true,
	models.ConditionBetween:      true,
}

// Signal trades when indicator rules fire. Indicator values come precomputed on the snapshot.
type Signal struct {
	mu        sync.Mutex
	cfg       models.SignalConfig
	symbols   []string
	lastValue map[string]float64   // "<symbol>/<rule>" -> value seen on the previous tick
	lastPrice map[string]float64   // for PERCENT_CHANGE without a feed value
	lastTrade map[string]time.Time // cooldown clock, set on fill
	history   []models.Signal
	logger    *zap.Logger
}

// NewSignal validates the rules of cfg.
func NewSignal(cfg *models.BotConfig, logger *zap.Logger) (*Signal, error) {
	sc := cfg.Signal
	if sc == nil {
		return nil, fmt.Errorf("%w: signal section missing", ErrInvalidConfig)
	}
	if len(sc.Rules) == 0 {
		return nil, fmt.Errorf("%w: signal bot needs at least one rule", ErrInvalidConfig)
	}
	for i, r := range sc.Rules {
		if !signalIndicators[r.IndicatorType] {
			return nil, fmt.Errorf("%w: rule %d: unknown indicator %q", ErrInvalidConfig, i, r.IndicatorType)
		}
		if !signalConditions[r.Condition] {
			return nil, fmt.Errorf("%w: rule %d: unknown condition %q", ErrInvalidConfig, i, r.Condition)
		}
		if r.Action != models.Buy && r.Action != models.Sell {
			return nil, fmt.Errorf("%w: rule %d: action must be BUY or SELL", ErrInvalidConfig, i)
		}
		if r.Condition == models.ConditionBetween && r.UpperThreshold < r.Threshold {
			return nil, fmt.Errorf("%w: rule %d: upper_threshold below threshold", ErrInvalidConfig, i)
		}
	}
	c := *sc
	if c.PositionSizing == "" {
		c.PositionSizing = models.SizingFixedAmount
	}
	switch c.PositionSizing {
	case models.SizingFixedAmount, models.SizingFixedShares, models.SizingPercentPortfolio, models.SizingVolatilityScaled:
	default:
		return nil, fmt.Errorf("%w: unknown position sizing %q", ErrInvalidConfig, c.PositionSizing)
	}
	return &Signal{
		cfg:       c,
		symbols:   append([]string(nil), cfg.Symbols...),
		lastValue: make(map[string]float64),
		lastPrice: make(map[string]float64),
		lastTrade: make(map[string]time.Time),
		logger:    logger,
	}, nil
}

// GenerateOrders evaluates every rule per symbol and trades the majority side.
func (s *Signal) GenerateOrders(in Input) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	symbols := s.symbols
	if len(symbols) == 0 {
		for sym := range in.Data {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
	}

	var orders []*models.Order
	for _, sym := range symbols {
		snap := in.Data[sym]
		price, ok := in.Data.Price(sym)
		if !ok {
			continue
		}
		fired := s.evaluate(sym, snap, in.Now)
		s.lastPrice[sym] = price

		if last, ok := s.lastTrade[sym]; ok && s.cfg.CooldownMinutes > 0 &&
			in.Now.Sub(last) < time.Duration(s.cfg.CooldownMinutes)*time.Minute {
			s.logger.Debug("Signal symbol in cooldown", zap.String("symbol", sym))
			continue
		}

		side, ok := s.decide(fired)
		if !ok {
			continue
		}
		qty := s.size(sym, side, snap, fired, in)
		if qty <= 0 {
			continue
		}
		o := newOrder(sym, side, qty, models.Market, price, describeSignals(fired, side))
		orders = append(orders, o)
	}
	return orders, nil
}

// evaluate returns the rules that fired for sym and appends them to the history.
func (s *Signal) evaluate(sym string, snap *models.MarketSnapshot, now time.Time) []models.Signal {
	var fired []models.Signal
	for i, rule := range s.cfg.Rules {
		key := fmt.Sprintf("%s/%d", sym, i)
		value, ok := s.indicatorValue(rule, sym, snap, false)
		if !ok {
			continue
		}
		prev, hasPrev := s.indicatorValue(rule, sym, snap, true)
		if !hasPrev {
			prev, hasPrev = s.lastValue[key]
		}
		s.lastValue[key] = value

		if !conditionMet(rule, value, prev, hasPrev) {
			continue
		}
		sig := models.Signal{
			Symbol:         sym,
			IndicatorType:  rule.IndicatorType,
			Condition:      rule.Condition,
			Action:         rule.Action,
			Strength:       signalStrength(rule, value),
			IndicatorValue: value,
			Threshold:      rule.Threshold,
			PriceAtSignal:  snap.Price,
			Timestamp:      now,
		}
		fired = append(fired, sig)
		s.history = append(s.history, sig)
	}
	if over := len(s.history) - maxSignalHistory; over > 0 {
		s.history = append([]models.Signal(nil), s.history[over:]...)
	}
	return fired
}

// decide applies RequireAllSignals and the majority vote. A tie yields no trade.
func (s *Signal) decide(fired []models.Signal) (models.Side, bool) {
	if len(fired) == 0 {
		return "", false
	}
	var buys, sells int
	for _, f := range fired {
		if f.Action == models.Buy {
			buys++
		} else {
			sells++
		}
	}
	if s.cfg.RequireAllSignals {
		if len(fired) != len(s.cfg.Rules) || (buys > 0 && sells > 0) {
			return "", false
		}
	}
	switch {
	case buys > sells:
		return models.Buy, true
	case sells > buys:
		return models.Sell, true
	}
	return "", false
}

// size returns the order quantity for side. Volatility-scaled sizing spends BaseAmount times the
// mean strength of the signals that voted for side.
func (s *Signal) size(sym string, side models.Side, snap *models.MarketSnapshot, fired []models.Signal, in Input) float64 {
	price := snap.Price
	var qty float64
	switch s.cfg.PositionSizing {
	case models.SizingFixedShares:
		qty = s.cfg.FixedShares
	case models.SizingPercentPortfolio:
		value := s.cfg.PortfolioValue
		if value <= 0 {
			for psym, p := range in.Positions {
				if pp, ok := in.Data.Price(psym); ok {
					value += p.Quantity * pp
				} else {
					value += p.Quantity * p.AvgCost
				}
			}
		}
		qty = value * s.cfg.PortfolioPercent / price
	case models.SizingVolatilityScaled:
		qty = s.cfg.BaseAmount * meanStrength(fired, side) / price
	default:
		qty = s.cfg.FixedAmount / price
	}
	qty = roundQty(qty, dcaQuantityPlaces)

	if side == models.Sell {
		held, _ := in.Position(sym)
		if held <= 0 {
			return 0
		}
		qty = math.Min(qty, held)
	}
	return qty
}

// indicatorValue reads the rule's indicator from the current or the previous snapshot values.
func (s *Signal) indicatorValue(rule models.SignalRule, sym string, snap *models.MarketSnapshot, previous bool) (float64, bool) {
	if snap == nil {
		return 0, false
	}
	get := snap.Indicator
	if previous {
		get = snap.PreviousIndicator
	}
	if rule.IndicatorKey != "" {
		return get(rule.IndicatorKey)
	}

	switch rule.IndicatorType {
	case models.IndicatorRSI:
		return get("rsi")
	case models.IndicatorMACD:
		return get("macd_histogram")
	case models.IndicatorBollingerPosition:
		return get("bb_position")
	case models.IndicatorFactorScore:
		return get("factor_score")
	case models.IndicatorPrice:
		if previous {
			return get("price")
		}
		return snap.Price, snap.Price > 0
	case models.IndicatorPercentChange:
		if v, ok := get("percent_change"); ok || previous {
			return v, ok
		}
		last, ok := s.lastPrice[sym]
		if !ok || last <= 0 {
			return 0, false
		}
		return (snap.Price - last) / last * 100, true
	case models.IndicatorVolumeSpike:
		avg, ok := get("avg_volume")
		if !ok || avg <= 0 || previous {
			return 0, false
		}
		return snap.Volume / avg, true
	case models.IndicatorPriceMARatio:
		ma, ok := get(smaKey(param(rule, "period", defaultMAPeriod)))
		if !ok || ma <= 0 || previous {
			return 0, false
		}
		return snap.Price / ma, true
	case models.IndicatorMACrossover:
		fast, ok1 := get(smaKey(param(rule, "fast", defaultFastMA)))
		slow, ok2 := get(smaKey(param(rule, "slow", defaultSlowMA)))
		if !ok1 || !ok2 {
			return 0, false
		}
		return fast - slow, true
	}
	return 0, false
}

func conditionMet(rule models.SignalRule, value, prev float64, hasPrev bool) bool {
	switch rule.Condition {
	case models.ConditionAbove:
		return value > rule.Threshold
	case models.ConditionBelow:
		return value < rule.Threshold
	case models.ConditionEquals:
		tol := defaultEqualsTolerance
		if t, ok := rule.Parameters["tolerance"]; ok {
			tol = t
		}
		return math.Abs(value-rule.Threshold) <= tol
	case models.ConditionBetween:
		return value >= rule.Threshold && value <= rule.UpperThreshold
	case models.ConditionCrossesAbove:
		return hasPrev && prev <= rule.Threshold && value > rule.Threshold
	case models.ConditionCrossesBelow:
		return hasPrev && prev >= rule.Threshold && value < rule.Threshold
	}
	return false
}

func meanStrength(fired []models.Signal, side models.Side) float64 {
	var sum float64
	n := 0
	for _, f := range fired {
		if f.Action == side {
			sum += f.Strength
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// signalStrength is the distance from the threshold relative to it, capped at 1.
func signalStrength(rule models.SignalRule, value float64) float64 {
	if rule.Condition == models.ConditionBetween || rule.Condition == models.ConditionEquals {
		return 1
	}
	base := math.Abs(rule.Threshold)
	if base == 0 {
		base = 1
	}
	return math.Min(1, math.Abs(value-rule.Threshold)/base)
}

func param(rule models.SignalRule, name string, def int) int {
	if v, ok := rule.Parameters[name]; ok && v > 0 {
		return int(v)
	}
	return def
}

func smaKey(period int) string {
	return fmt.Sprintf("sma_%d", period)
}

func describeSignals(fired []models.Signal, side models.Side) string {
	out := "signal"
	for _, f := range fired {
		if f.Action == side {
			out += fmt.Sprintf(" %s %s %.4g", f.IndicatorType, f.Condition, f.Threshold)
		}
	}
	return out
}

// OnOrderFilled starts the symbol's cooldown and marks its latest signals executed.
func (s *Signal) OnOrderFilled(o *models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTrade[o.Symbol] = o.FilledAt
	for i := range s.history {
		h := &s.history[i]
		if h.Symbol == o.Symbol && h.Action == o.Side && h.Timestamp.Equal(o.FilledAt) {
			h.Executed = true
		}
	}
}

// Signals returns up to limit of the most recent fired signals.
func (s *Signal) Signals(limit int) []models.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.history
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return append([]models.Signal(nil), list...)
}
