package bot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"strategy-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrUnknownBotType is returned when no strategy is registered for a bot type.
	ErrUnknownBotType = errors.New("unknown bot type")
	// ErrInvalidConfig is returned when a bot's strategy configuration is unusable.
	ErrInvalidConfig = errors.New("invalid bot config")
)

// Input is everything a strategy may look at when generating orders.
type Input struct {
	Now       time.Time
	Data      models.MarketData
	Positions map[string]*models.Position // copies; safe to read, changes are discarded
}

// Position returns the held quantity and average cost of symbol.
func (in Input) Position(symbol string) (qty, avgCost float64) {
	if p, ok := in.Positions[symbol]; ok && p != nil {
		return p.Quantity, p.AvgCost
	}
	return 0, 0
}

// Strategy produces orders from market data. It is the only part that differs between
// bot types; checks, execution and bookkeeping are shared by Bot.
type Strategy interface {
	GenerateOrders(in Input) ([]*models.Order, error)
}

// FillObserver is implemented by strategies that keep state about their own fills.
type FillObserver interface {
	OnOrderFilled(order *models.Order)
}

// Stateful is implemented by strategies whose internal state survives restarts.
type Stateful interface {
	ExportState() (json.RawMessage, error)
	ImportState(data json.RawMessage) error
}

// Factory builds a strategy for a bot configuration.
type Factory func(cfg *models.BotConfig, logger *zap.Logger) (Strategy, error)

// Registry maps bot types to strategy factories.
type Registry struct {
	factories map[models.BotType]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.BotType]Factory)}
}

// DefaultRegistry registers the four built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.BotTypeDCA, func(cfg *models.BotConfig, l *zap.Logger) (Strategy, error) { return NewDCA(cfg, l) })
	r.Register(models.BotTypeRebalance, func(cfg *models.BotConfig, l *zap.Logger) (Strategy, error) { return NewRebalance(cfg, l) })
	r.Register(models.BotTypeSignal, func(cfg *models.BotConfig, l *zap.Logger) (Strategy, error) { return NewSignal(cfg, l) })
	r.Register(models.BotTypeGrid, func(cfg *models.BotConfig, l *zap.Logger) (Strategy, error) { return NewGrid(cfg, l) })
	return r
}

// Register adds or replaces the factory for a bot type.
func (r *Registry) Register(t models.BotType, f Factory) {
	r.factories[t] = f
}

// Build instantiates the strategy for cfg. MEAN_REVERSION and MOMENTUM resolve to SIGNAL.
func (r *Registry) Build(cfg *models.BotConfig, logger *zap.Logger) (Strategy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, ok := r.factories[cfg.NormalizedType()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBotType, cfg.BotType)
	}
	return f(cfg, logger.With(zap.String("bot_id", cfg.BotID), zap.String("bot_type", string(cfg.BotType))))
}

// Allocation is the capital a bot commits per run or in total, used by the engine's
// total allocation guard.
func Allocation(cfg *models.BotConfig) float64 {
	switch cfg.NormalizedType() {
	case models.BotTypeDCA:
		if cfg.DCA != nil {
			return cfg.DCA.AmountPerPeriod
		}
	case models.BotTypeRebalance:
		if cfg.Rebalance != nil {
			return cfg.Rebalance.InitialInvestment
		}
	case models.BotTypeSignal:
		if cfg.Signal != nil {
			switch cfg.Signal.PositionSizing {
			case models.SizingVolatilityScaled:
				return cfg.Signal.BaseAmount
			case models.SizingPercentPortfolio:
				return cfg.Signal.PortfolioValue * cfg.Signal.PortfolioPercent
			}
			return cfg.Signal.FixedAmount
		}
	case models.BotTypeGrid:
		if cfg.Grid != nil {
			return cfg.Grid.TotalInvestment
		}
	}
	return 0
}

// newOrder builds a pending order priced at ref. The pipeline fills in id, bot and timestamps.
func newOrder(symbol string, side models.Side, qty float64, typ models.OrderType, ref float64, reason string) *models.Order {
	if typ == "" {
		typ = models.Market
	}
	return &models.Order{
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		OrderType:  typ,
		LimitPrice: ref,
		Status:     models.OrderPending,
		Reason:     reason,
	}
}

// roundQty rounds a quantity to places decimals.
func roundQty(q float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(q).Round(places).Float64()
	return f
}

// roundPrice rounds a price to cents.
func roundPrice(p float64) float64 {
	f, _ := decimal.NewFromFloat(p).Round(2).Float64()
	return f
}
