package exchange

import (
	"context"
	"errors"
	"time"

	"strategy-bot-go/internal/models"
)

var (
	// ErrNoQuote is returned when a broker has no price for a symbol.
	ErrNoQuote = errors.New("no quote available")
	// ErrInsufficientFunds is returned when an order cannot be paid for.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrOrderRejected wraps venue-side rejections.
	ErrOrderRejected = errors.New("order rejected")
)

// Quote is the top-of-book view of a symbol.
type Quote struct {
	Symbol    string
	Price     float64
	Bid       float64
	Ask       float64
	Volume    float64
	Timestamp time.Time
}

// OrderRequest is what the execution pipeline sends to a broker.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          models.Side
	Quantity      float64
	OrderType     models.OrderType
	LimitPrice    float64 // required for LIMIT orders
}

// OrderResult is the broker's answer to an order.
type OrderResult struct {
	ExchangeOrderID string
	FilledQuantity  float64
	FilledPrice     float64 // average fill price
	Fee             float64
	Status          models.OrderStatus
}

// Holding is the broker-side view of a position.
type Holding struct {
	Symbol   string
	Quantity float64
	AvgCost  float64 // 0 when the venue does not report it
}

// Account is a summary of the trading account.
type Account struct {
	QuoteAsset string
	Cash       float64
	Equity     float64
	Balances   map[string]float64
}

// Broker is the only boundary between the engine and a trading venue.
// It lets the engine switch between live trading and replays.
type Broker interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// GetPosition returns (nil, nil) when nothing is held.
	GetPosition(ctx context.Context, symbol string) (*Holding, error)
	GetAccount(ctx context.Context) (*Account, error)
}
