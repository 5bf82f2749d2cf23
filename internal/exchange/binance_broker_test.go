package exchange

import (
	"context"
	"testing"
	"time"

	"strategy-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinanceStatusMapping(t *testing.T) {
	cases := map[binance.OrderStatusType]models.OrderStatus{
		binance.OrderStatusTypeFilled:          models.OrderFilled,
		binance.OrderStatusTypePartiallyFilled: models.OrderPartiallyFilled,
		binance.OrderStatusTypeNew:             models.OrderSubmitted,
		binance.OrderStatusTypeCanceled:        models.OrderCanceled,
		binance.OrderStatusTypeExpired:         models.OrderCanceled,
		binance.OrderStatusTypeRejected:        models.OrderRejected,
	}
	for in, want := range cases {
		assert.Equal(t, want, fromBinanceStatus(in), string(in))
	}
	assert.Equal(t, binance.SideTypeSell, toBinanceSide(models.Sell))
	assert.Equal(t, binance.SideTypeBuy, toBinanceSide(models.Buy))
}

func TestFormatDecimal(t *testing.T) {
	assert.Equal(t, "1.1111", formatDecimal(1.1111))
	assert.Equal(t, "0.12345679", formatDecimal(0.123456789))
	assert.Equal(t, "250", formatDecimal(250))
}

func TestBinanceBrokerPrefersStreamQuotes(t *testing.T) {
	stream := NewPriceStream("ws://localhost", []string{"BTCUSDT"}, nil)
	require.NoError(t, stream.apply([]byte(`{"s":"BTCUSDT","c":"64000","v":"3"}`)))

	b := NewBinanceBroker("", "", models.ExchangeConfig{QuoteAsset: "usdt", RequestTimeoutMs: 50}, nil)
	b.UseStream(stream)

	q, err := b.GetQuote(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 64000.0, q.Price)
	assert.Equal(t, "USDT", b.quoteAsset)
	assert.Equal(t, 50*time.Millisecond, b.timeout)
}
