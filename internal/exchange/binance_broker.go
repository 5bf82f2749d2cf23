package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"strategy-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const streamQuoteMaxAge = 10 * time.Second

// BinanceBroker implements Broker against the Binance spot REST API.
type BinanceBroker struct {
	client     *binance.Client
	quoteAsset string
	stream     *PriceStream
	timeout    time.Duration
	logger     *zap.Logger
}

// NewBinanceBroker creates a spot broker. The testnet flag must be decided before the first
// client is created because go-binance reads it globally.
func NewBinanceBroker(apiKey, secretKey string, cfg models.ExchangeConfig, logger *zap.Logger) *BinanceBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	binance.UseTestnet = cfg.IsTestnet
	quote := cfg.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}
	timeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BinanceBroker{
		client:     binance.NewClient(apiKey, secretKey),
		quoteAsset: strings.ToUpper(quote),
		timeout:    timeout,
		logger:     logger,
	}
}

// UseStream makes GetQuote prefer fresh prices from the websocket cache.
func (b *BinanceBroker) UseStream(stream *PriceStream) {
	b.stream = stream
}

func (b *BinanceBroker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

// GetQuote returns the last price, best bid/ask and 24h volume for symbol.
func (b *BinanceBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	if b.stream != nil {
		if q, ok := b.stream.Latest(symbol, streamQuoteMaxAge); ok {
			return &q, nil
		}
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	stats, err := b.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch ticker for %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	st := stats[0]
	price := parseFloat(st.LastPrice)
	if price <= 0 {
		return nil, fmt.Errorf("%w: %s returned price %q", ErrNoQuote, symbol, st.LastPrice)
	}
	return &Quote{
		Symbol:    symbol,
		Price:     price,
		Bid:       parseFloat(st.BidPrice),
		Ask:       parseFloat(st.AskPrice),
		Volume:    parseFloat(st.Volume),
		Timestamp: time.Now(),
	}, nil
}

// PlaceOrder submits a market or GTC limit order and reports the immediate fill.
func (b *BinanceBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(toBinanceSide(req.Side)).
		Quantity(formatDecimal(req.Quantity)).
		NewOrderRespType(binance.NewOrderRespTypeFULL)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.OrderType == models.Limit {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatDecimal(req.LimitPrice))
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		b.logger.Error("Order request failed", zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrOrderRejected, err)
	}

	filledQty := parseFloat(resp.ExecutedQuantity)
	quoteQty := parseFloat(resp.CummulativeQuoteQuantity)
	result := &OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		FilledQuantity:  filledQty,
		Status:          fromBinanceStatus(resp.Status),
	}
	if filledQty > 0 {
		result.FilledPrice = quoteQty / filledQty
	}
	for _, f := range resp.Fills {
		if f == nil {
			continue
		}
		commission := parseFloat(f.Commission)
		if strings.EqualFold(f.CommissionAsset, b.quoteAsset) {
			result.Fee += commission
		} else {
			result.Fee += commission * parseFloat(f.Price)
		}
	}
	return result, nil
}

// GetPosition derives a spot holding from the base asset balance.
func (b *BinanceBroker) GetPosition(ctx context.Context, symbol string) (*Holding, error) {
	acct, err := b.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(strings.ToUpper(symbol), b.quoteAsset)
	qty := acct.Balances[base]
	if qty <= 0 {
		return nil, nil
	}
	return &Holding{Symbol: symbol, Quantity: qty}, nil
}

// GetAccount returns free+locked balances and the quote asset cash.
func (b *BinanceBroker) GetAccount(ctx context.Context) (*Account, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}
	out := &Account{QuoteAsset: b.quoteAsset, Balances: make(map[string]float64)}
	for _, bal := range acct.Balances {
		total := parseFloat(bal.Free) + parseFloat(bal.Locked)
		if total == 0 {
			continue
		}
		out.Balances[strings.ToUpper(bal.Asset)] = total
	}
	out.Cash = out.Balances[b.quoteAsset]
	out.Equity = out.Cash
	return out, nil
}

func toBinanceSide(side models.Side) binance.SideType {
	if side == models.Sell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func fromBinanceStatus(status binance.OrderStatusType) models.OrderStatus {
	switch status {
	case binance.OrderStatusTypeFilled:
		return models.OrderFilled
	case binance.OrderStatusTypePartiallyFilled:
		return models.OrderPartiallyFilled
	case binance.OrderStatusTypeNew:
		return models.OrderSubmitted
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return models.OrderCanceled
	case binance.OrderStatusTypeRejected:
		return models.OrderRejected
	}
	return models.OrderSubmitted
}

func formatDecimal(v float64) string {
	return decimal.NewFromFloat(v).Round(8).String()
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
