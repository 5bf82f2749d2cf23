package bot

import (
	"fmt"
	"math"
	"sort"

	"strategy-bot-go/internal/models"

	"go.uber.org/zap"
)

// Rebalance trades a portfolio back to its target weights once drift passes a threshold.
type Rebalance struct {
	cfg    models.RebalanceConfig
	logger *zap.Logger
}

// NewRebalance validates the rebalance section of cfg. Targets must sum to 1 within 1%.
func NewRebalance(cfg *models.BotConfig, logger *zap.Logger) (*Rebalance, error) {
	rc := cfg.Rebalance
	if rc == nil {
		return nil, fmt.Errorf("%w: rebalance section missing", ErrInvalidConfig)
	}
	if len(rc.TargetAllocations) == 0 {
		return nil, fmt.Errorf("%w: target_allocations is empty", ErrInvalidConfig)
	}
	var total float64
	for s, w := range rc.TargetAllocations {
		if w < 0 {
			return nil, fmt.Errorf("%w: negative target for %s", ErrInvalidConfig, s)
		}
		total += w
	}
	if math.Abs(total-1) > 0.01 {
		return nil, fmt.Errorf("%w: target allocations sum to %.4f, want 1", ErrInvalidConfig, total)
	}
	if rc.DriftThreshold < 0 {
		return nil, fmt.Errorf("%w: drift_threshold must not be negative", ErrInvalidConfig)
	}
	c := *rc
	if c.Method == "" {
		c.Method = models.RebalanceFull
	}
	switch c.Method {
	case models.RebalanceFull, models.RebalanceThresholdOnly, models.RebalanceTaxAware:
	default:
		return nil, fmt.Errorf("%w: unknown rebalance method %q", ErrInvalidConfig, c.Method)
	}
	return &Rebalance{cfg: c, logger: logger}, nil
}

type holding struct {
	symbol  string
	price   float64
	qty     float64
	avgCost float64
	value   float64
	target  float64
	drift   float64
}

// GenerateOrders returns sells first, then buys.
func (r *Rebalance) GenerateOrders(in Input) ([]*models.Order, error) {
	symbols := make(map[string]bool, len(r.cfg.TargetAllocations)+len(in.Positions))
	for s := range r.cfg.TargetAllocations {
		symbols[s] = true
	}
	for s, p := range in.Positions {
		if p != nil && p.Quantity > 0 {
			symbols[s] = true
		}
	}

	var holdings []*holding
	var portfolio float64
	for s := range symbols {
		price, ok := in.Data.Price(s)
		if !ok {
			r.logger.Warn("Rebalance skipping symbol without price", zap.String("symbol", s))
			continue
		}
		qty, avg := in.Position(s)
		h := &holding{symbol: s, price: price, qty: qty, avgCost: avg, value: qty * price, target: r.cfg.TargetAllocations[s]}
		portfolio += h.value
		holdings = append(holdings, h)
	}

	// A flat bot deploys its initial investment against the targets.
	if portfolio <= 0 {
		portfolio = r.cfg.InitialInvestment
	}
	if portfolio <= 0 {
		return nil, nil
	}

	var maxDrift float64
	for _, h := range holdings {
		h.drift = h.value/portfolio - h.target
		maxDrift = math.Max(maxDrift, math.Abs(h.drift))
	}
	if maxDrift < r.cfg.DriftThreshold {
		r.logger.Debug("Portfolio within drift threshold", zap.Float64("max_drift", maxDrift))
		return nil, nil
	}

	var sells, buys []*holding
	for _, h := range holdings {
		if r.cfg.Method == models.RebalanceThresholdOnly && math.Abs(h.drift) < r.cfg.DriftThreshold {
			continue
		}
		switch {
		case h.drift > 0:
			sells = append(sells, h)
		case h.drift < 0:
			buys = append(buys, h)
		}
	}

	sort.Slice(sells, func(i, j int) bool {
		if r.cfg.Method == models.RebalanceTaxAware {
			li, lj := sells[i].price < sells[i].avgCost, sells[j].price < sells[j].avgCost
			if li != lj {
				return li
			}
		}
		return sells[i].symbol < sells[j].symbol
	})
	sort.Slice(buys, func(i, j int) bool { return buys[i].symbol < buys[j].symbol })

	var orders []*models.Order
	for _, h := range sells {
		notional := h.drift * portfolio
		if notional < r.cfg.MinTradeSize {
			continue
		}
		qty := math.Min(roundQty(notional/h.price, dcaQuantityPlaces), h.qty)
		if qty <= 0 {
			continue
		}
		orders = append(orders, newOrder(h.symbol, models.Sell, qty, models.Market, h.price,
			fmt.Sprintf("rebalance: %.2f%% over target", h.drift*100)))
	}
	for _, h := range buys {
		notional := -h.drift * portfolio
		if notional < r.cfg.MinTradeSize {
			continue
		}
		qty := roundQty(notional/h.price, dcaQuantityPlaces)
		if qty <= 0 {
			continue
		}
		orders = append(orders, newOrder(h.symbol, models.Buy, qty, models.Market, h.price,
			fmt.Sprintf("rebalance: %.2f%% under target", -h.drift*100)))
	}
	return orders, nil
}
