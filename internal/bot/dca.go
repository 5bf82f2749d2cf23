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
	dcaHistorySize    = 20
	dcaMinHistory     = 3
	dcaMaxMultiplier  = 2.0
	dcaQuantityPlaces = 4
	maxWeightOverrun  = 1e-6
)

// DCA invests a fixed amount per period split across weighted symbols, optionally buying more on dips.
type DCA struct {
	mu      sync.Mutex
	cfg     models.DCAConfig
	weights map[string]float64 // fraction of AmountPerPeriod per symbol
	history map[string][]float64
	logger  *zap.Logger
}

// NewDCA validates the DCA section of cfg.
func NewDCA(cfg *models.BotConfig, logger *zap.Logger) (*DCA, error) {
	if cfg.DCA == nil {
		return nil, fmt.Errorf("%w: dca section missing", ErrInvalidConfig)
	}
	if cfg.DCA.AmountPerPeriod <= 0 {
		return nil, fmt.Errorf("%w: amount_per_period must be positive", ErrInvalidConfig)
	}

	weights := make(map[string]float64, len(cfg.DCA.Allocations))
	if len(cfg.DCA.Allocations) == 0 {
		for _, s := range cfg.Symbols {
			weights[s] = 1 / float64(len(cfg.Symbols))
		}
	}
	var total float64
	for s, w := range cfg.DCA.Allocations {
		if w < 0 {
			return nil, fmt.Errorf("%w: negative allocation for %s", ErrInvalidConfig, s)
		}
		if w > 0 {
			weights[s] = w
			total += w
		}
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: dca needs at least one allocation", ErrInvalidConfig)
	}
	if total > 1+maxWeightOverrun {
		return nil, fmt.Errorf("%w: dca allocations sum to %.4f, more than 1", ErrInvalidConfig, total)
	}

	return &DCA{
		cfg:     *cfg.DCA,
		weights: weights,
		history: make(map[string][]float64),
		logger:  logger,
	}, nil
}

// GenerateOrders buys each allocated symbol for its share of the period amount.
func (d *DCA) GenerateOrders(in Input) ([]*models.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	symbols := make([]string, 0, len(d.weights))
	for s := range d.weights {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var orders []*models.Order
	for _, sym := range symbols {
		price, ok := in.Data.Price(sym)
		if !ok {
			d.logger.Warn("DCA skipping symbol without price", zap.String("symbol", sym))
			continue
		}

		multiplier := d.dipMultiplier(sym, price)
		d.record(sym, price)

		if ceiling, ok := d.cfg.PriceCeilings[sym]; ok && ceiling > 0 && price > ceiling {
			d.logger.Info("DCA price above ceiling", zap.String("symbol", sym), zap.Float64("price", price), zap.Float64("ceiling", ceiling))
			continue
		}

		amount := d.cfg.AmountPerPeriod * d.weights[sym] * multiplier
		qty := roundQty(amount/price, dcaQuantityPlaces)
		if qty <= 0 {
			continue
		}
		reason := "dca"
		if multiplier > 1 {
			reason = fmt.Sprintf("dca dip x%.2f", multiplier)
		}
		orders = append(orders, newOrder(sym, models.Buy, qty, d.cfg.OrderType, price, reason))
	}
	return orders, nil
}

// dipMultiplier compares price with the rolling average of prior samples.
func (d *DCA) dipMultiplier(sym string, price float64) float64 {
	if !d.cfg.BuyTheDip || d.cfg.DipThreshold <= 0 {
		return 1
	}
	hist := d.history[sym]
	if len(hist) < dcaMinHistory {
		return 1
	}
	var sum float64
	for _, p := range hist {
		sum += p
	}
	avg := sum / float64(len(hist))
	dip := (avg - price) / avg
	if dip <= d.cfg.DipThreshold {
		return 1
	}
	mult := d.cfg.DipMultiplier
	if mult <= 0 {
		mult = 1
	}
	return math.Max(1, math.Min(dcaMaxMultiplier, mult*dip/d.cfg.DipThreshold))
}

func (d *DCA) record(sym string, price float64) {
	hist := append(d.history[sym], price)
	if len(hist) > dcaHistorySize {
		hist = hist[len(hist)-dcaHistorySize:]
	}
	d.history[sym] = hist
}

type dcaState struct {
	History map[string][]float64 `json:"history"`
}

// ExportState saves the price history used for dip detection.
func (d *DCA) ExportState() (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return json.Marshal(dcaState{History: d.history})
}

// ImportState restores the price history.
func (d *DCA) ImportState(data json.RawMessage) error {
	var st dcaState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if st.History != nil {
		d.history = st.History
	}
	return nil
}
