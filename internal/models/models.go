package models

import (
	"fmt"
	"math"
	"time"
)

// Side defines the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderStatus tracks the lifecycle of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderFilled          OrderStatus = "FILLED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCanceled        OrderStatus = "CANCELED"
)

// BotStatus is the lifecycle state of a bot instance.
type BotStatus string

const (
	BotActive  BotStatus = "ACTIVE"
	BotPaused  BotStatus = "PAUSED"
	BotStopped BotStatus = "STOPPED"
	BotError   BotStatus = "ERROR"
)

// ExecutionStatus is the state of a single pipeline run.
// RUNNING is the only non-terminal state.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionPartial ExecutionStatus = "PARTIAL"
	ExecutionFailed  ExecutionStatus = "FAILED"
	ExecutionSkipped ExecutionStatus = "SKIPPED"
)

// TriggerReason records why an execution was started.
type TriggerReason string

const (
	TriggerScheduled TriggerReason = "scheduled"
	TriggerManual    TriggerReason = "manual"
)

// RunStatus is the state of a scheduled run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunMissed    RunStatus = "missed"
)

// Order is a single instruction produced by a strategy and mutated only by the execution step.
type Order struct {
	ID             string      `json:"id"`
	BotID          string      `json:"bot_id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Quantity       float64     `json:"quantity"`
	OrderType      OrderType   `json:"order_type"`
	LimitPrice     float64     `json:"limit_price"` // reference price for market orders, fill price for limit orders
	FilledQuantity float64     `json:"filled_quantity"`
	FilledPrice    float64     `json:"filled_price"`
	Status         OrderStatus `json:"status"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	GridLevel      *int        `json:"grid_level,omitempty"` // set by the grid strategy only
	CreatedAt      time.Time   `json:"created_at"`
	FilledAt       time.Time   `json:"filled_at,omitempty"`
}

// IsTerminal reports whether the order can no longer change.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderFilled, OrderRejected, OrderCanceled:
		return true
	}
	return false
}

// IsFilled reports whether any quantity was executed.
func (o *Order) IsFilled() bool {
	return o.FilledQuantity > 0 && (o.Status == OrderFilled || o.Status == OrderPartiallyFilled)
}

// Notional returns quantity times the order's reference price.
func (o *Order) Notional() float64 {
	return o.Quantity * o.LimitPrice
}

func (o *Order) String() string {
	return fmt.Sprintf("%s %s %.4f %s @ %.4f [%s]", o.OrderType, o.Side, o.Quantity, o.Symbol, o.LimitPrice, o.Status)
}

// Execution is the record of one pipeline run for one bot.
type Execution struct {
	ID            string          `json:"id"`
	BotID         string          `json:"bot_id"`
	TriggerReason TriggerReason   `json:"trigger_reason"`
	Status        ExecutionStatus `json:"status"`
	Orders        []*Order        `json:"orders"`
	Warnings      []string        `json:"warnings,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	RealizedPnL   float64         `json:"realized_pnl"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at,omitempty"`
}

// IsTerminal reports whether the execution has been finalized.
func (e *Execution) IsTerminal() bool {
	return e.Status != ExecutionRunning && e.Status != ""
}

// FilledOrders returns the orders that executed at least partially.
func (e *Execution) FilledOrders() []*Order {
	filled := make([]*Order, 0, len(e.Orders))
	for _, o := range e.Orders {
		if o.IsFilled() {
			filled = append(filled, o)
		}
	}
	return filled
}

// Clone returns a deep copy that is safe to hand to another goroutine.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Orders = make([]*Order, len(e.Orders))
	for i, o := range e.Orders {
		oc := *o
		if o.GridLevel != nil {
			lvl := *o.GridLevel
			oc.GridLevel = &lvl
		}
		c.Orders[i] = &oc
	}
	c.Warnings = append([]string(nil), e.Warnings...)
	return &c
}

// Position is a bot-owned holding in one symbol.
type Position struct {
	Symbol       string    `json:"symbol"`
	Quantity     float64   `json:"quantity"`
	AvgCost      float64   `json:"avg_cost"`
	CurrentPrice float64   `json:"current_price"`
	RealizedPnL  float64   `json:"realized_pnl"`
	LastUpdated  time.Time `json:"last_updated"`
}

// MarketValue is quantity at the last known price.
func (p *Position) MarketValue() float64 {
	return p.Quantity * p.CurrentPrice
}

// UnrealizedPnL is the mark-to-market gain against the average cost.
func (p *Position) UnrealizedPnL() float64 {
	return (p.CurrentPrice - p.AvgCost) * p.Quantity
}

// Signal is one fired rule of the signal strategy.
type Signal struct {
	Symbol         string    `json:"symbol"`
	IndicatorType  string    `json:"indicator_type"`
	Condition      string    `json:"condition"`
	Action         Side      `json:"action"`
	Strength       float64   `json:"strength"`
	IndicatorValue float64   `json:"indicator_value"`
	Threshold      float64   `json:"threshold"`
	PriceAtSignal  float64   `json:"price_at_signal"`
	Timestamp      time.Time `json:"timestamp"`
	Executed       bool      `json:"executed"`
}

// GridLevel is one rung of the grid ladder. It holds at most one open lot.
type GridLevel struct {
	Index       int     `json:"index"`
	Price       float64 `json:"price"`
	HasPosition bool    `json:"has_position"`
	Quantity    float64 `json:"quantity"`
	EntryPrice  float64 `json:"entry_price"`
	TimesBought int     `json:"times_bought"`
	TimesSold   int     `json:"times_sold"`
	Profit      float64 `json:"profit"`
}

// ScheduledRun is a pending or historical slot in the scheduler queue.
type ScheduledRun struct {
	ID            string    `json:"id"`
	BotID         string    `json:"bot_id"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Status        RunStatus `json:"status"`
	ExecutionID   string    `json:"execution_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
}

// MarketSnapshot is the per-symbol market data handed to strategies.
// Indicator values are precomputed upstream.
type MarketSnapshot struct {
	Symbol             string             `json:"symbol"`
	Price              float64            `json:"price"`
	Bid                float64            `json:"bid"`
	Ask                float64            `json:"ask"`
	Volume             float64            `json:"volume"`
	Timestamp          time.Time          `json:"timestamp"`
	Indicators         map[string]float64 `json:"indicators,omitempty"`
	PreviousIndicators map[string]float64 `json:"previous_indicators,omitempty"`
}

// Indicator looks up a precomputed indicator value.
func (s *MarketSnapshot) Indicator(key string) (float64, bool) {
	if s == nil || s.Indicators == nil {
		return 0, false
	}
	v, ok := s.Indicators[key]
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// PreviousIndicator looks up the prior value of an indicator, when the feed supplies it.
func (s *MarketSnapshot) PreviousIndicator(key string) (float64, bool) {
	if s == nil || s.PreviousIndicators == nil {
		return 0, false
	}
	v, ok := s.PreviousIndicators[key]
	return v, ok
}

// MarketData maps symbols to their latest snapshot.
type MarketData map[string]*MarketSnapshot

// Price returns the snapshot price for a symbol, or false when missing or non-positive.
func (m MarketData) Price(symbol string) (float64, bool) {
	s, ok := m[symbol]
	if !ok || s == nil || s.Price <= 0 {
		return 0, false
	}
	return s.Price, true
}

// BotSummary is a read-only view of a registered bot.
type BotSummary struct {
	BotID          string      `json:"bot_id"`
	Name           string      `json:"name"`
	BotType        BotType     `json:"bot_type"`
	Status         BotStatus   `json:"status"`
	Symbols        []string    `json:"symbols"`
	Positions      []*Position `json:"positions"`
	ExecutionCount int         `json:"execution_count"`
	DailyTrades    int         `json:"daily_trades"`
	DailyLoss      float64     `json:"daily_loss"`
	RealizedPnL    float64     `json:"realized_pnl"`
	NextRun        *time.Time  `json:"next_run,omitempty"`
}

// CompletedTrade is a closed round trip recorded by the replay exchange.
type CompletedTrade struct {
	Symbol       string        `json:"symbol"`
	Quantity     float64       `json:"quantity"`
	EntryTime    time.Time     `json:"entry_time"`
	ExitTime     time.Time     `json:"exit_time"`
	HoldDuration time.Duration `json:"hold_duration"`
	EntryPrice   float64       `json:"entry_price"`
	ExitPrice    float64       `json:"exit_price"`
	Profit       float64       `json:"profit"` // net of fees
	Fee          float64       `json:"fee"`
	Slippage     float64       `json:"slippage"`
}
