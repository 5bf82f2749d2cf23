package bot

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"strategy-bot-go/internal/models"

	"go.uber.org/zap"
)

const (
	gridBuyTrigger    = 0.99 // buy once price is 1% under a free level
	gridSellTrigger   = 1.01 // sell once price is 1% over a held level
	maxGridOrdersTick = 3
	gridQtyPlaces     = 6
)

// Grid trades a single symbol between fixed price levels, holding at most one lot per level.
type Grid struct {
	mu         sync.Mutex
	cfg        models.GridConfig
	symbol     string
	allocation float64
	gridLevels []models.GridLevel
	logger     *zap.Logger
}

// NewGrid validates the grid section of cfg and lays out the levels.
func NewGrid(cfg *models.BotConfig, logger *zap.Logger) (*Grid, error) {
	gc := cfg.Grid
	if gc == nil {
		return nil, fmt.Errorf("%w: grid section missing", ErrInvalidConfig)
	}
	symbol := gc.Symbol
	if symbol == "" && len(cfg.Symbols) > 0 {
		symbol = cfg.Symbols[0]
	}
	if symbol == "" {
		return nil, fmt.Errorf("%w: grid needs a symbol", ErrInvalidConfig)
	}
	if gc.LowerPrice <= 0 || gc.UpperPrice <= gc.LowerPrice {
		return nil, fmt.Errorf("%w: grid bounds must satisfy 0 < lower < upper", ErrInvalidConfig)
	}
	if gc.NumGrids < 2 {
		return nil, fmt.Errorf("%w: num_grids must be at least 2", ErrInvalidConfig)
	}
	if gc.TotalInvestment <= 0 {
		return nil, fmt.Errorf("%w: total_investment must be positive", ErrInvalidConfig)
	}
	c := *gc
	if c.Spacing == "" {
		c.Spacing = models.GridArithmetic
	}
	if c.Spacing != models.GridArithmetic && c.Spacing != models.GridGeometric {
		return nil, fmt.Errorf("%w: unknown grid spacing %q", ErrInvalidConfig, c.Spacing)
	}

	g := &Grid{
		cfg:        c,
		symbol:     symbol,
		allocation: c.TotalInvestment / float64(c.NumGrids),
		logger:     logger,
	}
	g.initializeGrid()
	return g, nil
}

// initializeGrid computes the level prices from the bounds.
func (g *Grid) initializeGrid() {
	n := g.cfg.NumGrids
	lower, upper := g.cfg.LowerPrice, g.cfg.UpperPrice
	g.gridLevels = make([]models.GridLevel, n)

	step := (upper - lower) / float64(n-1)
	ratio := math.Pow(upper/lower, 1/float64(n-1))
	for i := 0; i < n; i++ {
		price := lower + float64(i)*step
		if g.cfg.Spacing == models.GridGeometric {
			price = lower * math.Pow(ratio, float64(i))
		}
		g.gridLevels[i] = models.GridLevel{Index: i, Price: roundPrice(price)}
	}
	g.logger.Info("Grid initialized",
		zap.String("symbol", g.symbol),
		zap.Int("levels", n),
		zap.String("spacing", string(g.cfg.Spacing)),
		zap.Float64("allocation_per_level", g.allocation))
}

// Levels returns a copy of the ladder.
func (g *Grid) Levels() []models.GridLevel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.GridLevel(nil), g.gridLevels...)
}

// GenerateOrders liquidates on stop-loss or take-profit, otherwise trades the levels nearest the price.
func (g *Grid) GenerateOrders(in Input) ([]*models.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	price, ok := in.Data.Price(g.symbol)
	if !ok {
		return nil, nil
	}

	if reason := g.exitReason(price); reason != "" {
		var orders []*models.Order
		for i := range g.gridLevels {
			lvl := &g.gridLevels[i]
			if lvl.HasPosition && lvl.Quantity > 0 {
				orders = append(orders, g.levelOrder(lvl.Index, models.Sell, lvl.Quantity, models.Market, price, reason))
			}
		}
		if len(orders) > 0 {
			g.logger.Warn("Grid exit triggered", zap.String("reason", reason), zap.Float64("price", price), zap.Int("orders", len(orders)))
		}
		return orders, nil
	}

	type candidate struct {
		order    *models.Order
		distance float64
	}
	var candidates []candidate
	for i := range g.gridLevels {
		lvl := &g.gridLevels[i]
		switch {
		case !lvl.HasPosition && price <= lvl.Price*gridBuyTrigger:
			qty := roundQty(g.allocation/price, gridQtyPlaces)
			if qty <= 0 {
				continue
			}
			o := g.levelOrder(lvl.Index, models.Buy, qty, models.Market, price, fmt.Sprintf("grid buy level %d", lvl.Index))
			candidates = append(candidates, candidate{o, lvl.Price - price})
		case lvl.HasPosition && price >= lvl.Price*gridSellTrigger:
			target := lvl.Price * gridSellTrigger
			if i+1 < len(g.gridLevels) {
				target = g.gridLevels[i+1].Price
			}
			o := g.levelOrder(lvl.Index, models.Sell, lvl.Quantity, models.Limit, target, fmt.Sprintf("grid sell level %d", lvl.Index))
			candidates = append(candidates, candidate{o, price - lvl.Price})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].distance < candidates[j].distance })
	if len(candidates) > maxGridOrdersTick {
		candidates = candidates[:maxGridOrdersTick]
	}
	orders := make([]*models.Order, len(candidates))
	for i, c := range candidates {
		orders[i] = c.order
	}
	return orders, nil
}

func (g *Grid) exitReason(price float64) string {
	if g.cfg.StopLoss > 0 && price <= g.cfg.StopLoss {
		return fmt.Sprintf("grid stop loss at %.2f", price)
	}
	if g.cfg.TakeProfit > 0 && price >= g.cfg.TakeProfit {
		return fmt.Sprintf("grid take profit at %.2f", price)
	}
	return ""
}

func (g *Grid) levelOrder(index int, side models.Side, qty float64, typ models.OrderType, price float64, reason string) *models.Order {
	o := newOrder(g.symbol, side, qty, typ, price, reason)
	lvl := index
	o.GridLevel = &lvl
	return o
}

// OnOrderFilled opens or closes the lot on the order's level.
func (g *Grid) OnOrderFilled(o *models.Order) {
	if o.GridLevel == nil || o.Symbol != g.symbol {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := *o.GridLevel
	if idx < 0 || idx >= len(g.gridLevels) {
		return
	}
	lvl := &g.gridLevels[idx]

	if o.Side == models.Buy {
		cost := lvl.EntryPrice*lvl.Quantity + o.FilledPrice*o.FilledQuantity
		lvl.Quantity += o.FilledQuantity
		lvl.EntryPrice = cost / lvl.Quantity
		lvl.HasPosition = true
		lvl.TimesBought++
		return
	}

	qty := math.Min(o.FilledQuantity, lvl.Quantity)
	lvl.Profit += (o.FilledPrice - lvl.EntryPrice) * qty
	lvl.Quantity -= qty
	if lvl.Quantity <= positionDust {
		lvl.Quantity = 0
		lvl.EntryPrice = 0
		lvl.HasPosition = false
		lvl.TimesSold++
	}
	g.logger.Info("Grid level closed",
		zap.Int("level", idx),
		zap.Float64("fill_price", o.FilledPrice),
		zap.Float64("level_profit", lvl.Profit))
}

type gridState struct {
	Levels []models.GridLevel `json:"levels"`
}

// ExportState saves the level ladder.
func (g *Grid) ExportState() (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return json.Marshal(gridState{Levels: g.gridLevels})
}

// ImportState restores open lots onto levels with matching prices. A reconfigured ladder keeps
// only the lots whose level still exists.
func (g *Grid) ImportState(data json.RawMessage) error {
	var st gridState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, saved := range st.Levels {
		if saved.Index < 0 || saved.Index >= len(g.gridLevels) {
			continue
		}
		lvl := &g.gridLevels[saved.Index]
		if math.Abs(lvl.Price-saved.Price) > 0.005 {
			g.logger.Warn("Dropping saved grid level with different price", zap.Int("level", saved.Index))
			continue
		}
		*lvl = saved
	}
	return nil
}
