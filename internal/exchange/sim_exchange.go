package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"strategy-bot-go/internal/models"

	"go.uber.org/zap"
)

const dust = 1e-9

// SimExchange is a spot Broker driven by replayed prices. Market orders fill at the current
// price with slippage and taker fees; limit orders fill at their price with maker fees when
// marketable and are canceled otherwise.
type SimExchange struct {
	mu sync.Mutex

	InitialBalance float64
	Cash           float64
	CurrentTime    time.Time
	prices         map[string]float64
	volumes        map[string]float64
	positions      map[string]float64
	avgEntryPrice  map[string]float64
	entryTime      map[string]time.Time
	nextOrderID    int64

	TakerFeeRate float64
	MakerFeeRate float64
	SlippageRate float64
	TotalFees    float64

	TradeLog          []models.CompletedTrade
	EquityCurve       []float64
	dailyEquity       map[string]float64
	MaxWalletExposure float64

	logger *zap.Logger
}

// NewSimExchange creates a replay exchange funded with cfg.InitialBalance.
func NewSimExchange(cfg models.ExchangeConfig, logger *zap.Logger) *SimExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimExchange{
		InitialBalance: cfg.InitialBalance,
		Cash:           cfg.InitialBalance,
		prices:         make(map[string]float64),
		volumes:        make(map[string]float64),
		positions:      make(map[string]float64),
		avgEntryPrice:  make(map[string]float64),
		entryTime:      make(map[string]time.Time),
		nextOrderID:    1,
		TakerFeeRate:   cfg.TakerFeeRate,
		MakerFeeRate:   cfg.MakerFeeRate,
		SlippageRate:   cfg.SlippageRate,
		TradeLog:       make([]models.CompletedTrade, 0),
		EquityCurve:    make([]float64, 0, 1024),
		dailyEquity:    make(map[string]float64),
		logger:         logger,
	}
}

// SetPrice advances the replay clock and marks symbol at the bar close.
func (e *SimExchange) SetPrice(symbol string, close, volume float64, timestamp time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timestamp.After(e.CurrentTime) {
		e.CurrentTime = timestamp
	}
	e.prices[symbol] = close
	e.volumes[symbol] = volume
	e.updateEquity()
}

// Now returns the replay clock.
func (e *SimExchange) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CurrentTime
}

// GetQuote returns the last replayed price.
func (e *SimExchange) GetQuote(_ context.Context, symbol string) (*Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	price, ok := e.prices[symbol]
	if !ok || price <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	return &Quote{
		Symbol:    symbol,
		Price:     price,
		Bid:       price * (1 - e.SlippageRate),
		Ask:       price * (1 + e.SlippageRate),
		Volume:    e.volumes[symbol],
		Timestamp: e.CurrentTime,
	}, nil
}

// PlaceOrder fills or cancels the order immediately.
func (e *SimExchange) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	price, ok := e.prices[req.Symbol]
	if !ok || price <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, req.Symbol)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: non-positive quantity %f", ErrOrderRejected, req.Quantity)
	}

	id := strconv.FormatInt(e.nextOrderID, 10)
	e.nextOrderID++

	var execPrice, feeRate float64
	if req.OrderType == models.Limit {
		marketable := (req.Side == models.Buy && price <= req.LimitPrice) ||
			(req.Side == models.Sell && price >= req.LimitPrice)
		if !marketable {
			return &OrderResult{ExchangeOrderID: id, Status: models.OrderCanceled}, nil
		}
		execPrice = req.LimitPrice
		feeRate = e.MakerFeeRate
	} else {
		execPrice = price * (1 + e.SlippageRate)
		if req.Side == models.Sell {
			execPrice = price * (1 - e.SlippageRate)
		}
		feeRate = e.TakerFeeRate
	}

	qty := req.Quantity
	if req.Side == models.Sell {
		held := e.positions[req.Symbol]
		if held <= dust {
			return nil, fmt.Errorf("%w: no %s position to sell", ErrOrderRejected, req.Symbol)
		}
		if qty > held {
			qty = held
		}
	}

	fee := execPrice * qty * feeRate
	if req.Side == models.Buy && execPrice*qty+fee > e.Cash+dust {
		return nil, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientFunds, execPrice*qty+fee, e.Cash)
	}

	e.fill(req.Symbol, req.Side, qty, execPrice, price, fee)

	status := models.OrderFilled
	if qty < req.Quantity {
		status = models.OrderPartiallyFilled
	}
	return &OrderResult{
		ExchangeOrderID: id,
		FilledQuantity:  qty,
		FilledPrice:     execPrice,
		Fee:             fee,
		Status:          status,
	}, nil
}

// fill updates cash, positions and the trade log. Must be called with the lock held.
func (e *SimExchange) fill(symbol string, side models.Side, qty, execPrice, refPrice, fee float64) {
	e.TotalFees += fee
	e.Cash -= fee

	current := e.positions[symbol]
	avgEntry := e.avgEntryPrice[symbol]

	if side == models.Buy {
		if current <= dust {
			e.entryTime[symbol] = e.CurrentTime
		}
		newQty := current + qty
		e.avgEntryPrice[symbol] = (avgEntry*current + execPrice*qty) / newQty
		e.positions[symbol] = newQty
		e.Cash -= execPrice * qty
	} else {
		e.Cash += execPrice * qty
		e.positions[symbol] = current - qty

		entry := e.entryTime[symbol]
		e.TradeLog = append(e.TradeLog, models.CompletedTrade{
			Symbol:       symbol,
			Quantity:     qty,
			EntryTime:    entry,
			ExitTime:     e.CurrentTime,
			HoldDuration: e.CurrentTime.Sub(entry),
			EntryPrice:   avgEntry,
			ExitPrice:    execPrice,
			Profit:       (execPrice-avgEntry)*qty - fee,
			Fee:          fee,
			Slippage:     (refPrice - execPrice) * qty,
		})
		if e.positions[symbol] <= dust {
			e.positions[symbol] = 0
			e.avgEntryPrice[symbol] = 0
			delete(e.entryTime, symbol)
		}
	}

	equity := e.equity()
	if equity > 0 {
		exposure := (equity - e.Cash) / equity
		if exposure > e.MaxWalletExposure {
			e.MaxWalletExposure = exposure
		}
	}

	e.logger.Debug("Replay fill",
		zap.Time("time", e.CurrentTime),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("qty", qty),
		zap.Float64("price", execPrice),
		zap.Float64("fee", fee),
		zap.Float64("position", e.positions[symbol]),
		zap.Float64("cash", e.Cash),
		zap.Float64("equity", equity))
}

// equity is cash plus every position marked at its last price. Must be called with the lock held.
func (e *SimExchange) equity() float64 {
	total := e.Cash
	for sym, qty := range e.positions {
		total += qty * e.prices[sym]
	}
	return total
}

// updateEquity records the equity curve and the end-of-day equity. Must be called with the lock held.
func (e *SimExchange) updateEquity() {
	equity := e.equity()
	e.EquityCurve = append(e.EquityCurve, equity)
	e.dailyEquity[e.CurrentTime.Format("2006-01-02")] = equity
}

// GetPosition returns the replay holding for symbol.
func (e *SimExchange) GetPosition(_ context.Context, symbol string) (*Holding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	qty := e.positions[symbol]
	if qty <= dust {
		return nil, nil
	}
	return &Holding{Symbol: symbol, Quantity: qty, AvgCost: e.avgEntryPrice[symbol]}, nil
}

// GetAccount returns cash, equity and per-symbol holdings.
func (e *SimExchange) GetAccount(_ context.Context) (*Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	balances := make(map[string]float64, len(e.positions))
	for sym, qty := range e.positions {
		if qty > dust {
			balances[sym] = qty
		}
	}
	return &Account{Cash: e.Cash, Equity: e.equity(), Balances: balances}, nil
}

// Trades returns a copy of the completed round trips.
func (e *SimExchange) Trades() []models.CompletedTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.CompletedTrade(nil), e.TradeLog...)
}

// Equity returns the current marked-to-market equity.
func (e *SimExchange) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equity()
}

// Curve returns a copy of the equity curve.
func (e *SimExchange) Curve() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.EquityCurve...)
}

// DailyEquity returns end-of-day equity values ordered by day.
func (e *SimExchange) DailyEquity() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	days := make([]string, 0, len(e.dailyEquity))
	for d := range e.dailyEquity {
		days = append(days, d)
	}
	sort.Strings(days)
	out := make([]float64, len(days))
	for i, d := range days {
		out[i] = e.dailyEquity[d]
	}
	return out
}

// MaxExposure returns the largest share of equity held in positions after any fill.
func (e *SimExchange) MaxExposure() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.MaxWalletExposure
}

// Fees returns the total fees paid.
func (e *SimExchange) Fees() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.TotalFees
}
