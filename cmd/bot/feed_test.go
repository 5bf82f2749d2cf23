package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"strategy-bot-go/internal/exchange"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type quoteBroker struct {
	exchange.Broker
	prices map[string]float64
	quotes int
}

func (b *quoteBroker) GetQuote(ctx context.Context, symbol string) (*exchange.Quote, error) {
	b.quotes++
	p, ok := b.prices[symbol]
	if !ok {
		return nil, exchange.ErrNoQuote
	}
	return &exchange.Quote{Symbol: symbol, Price: p, Bid: p, Ask: p, Timestamp: time.Now()}, nil
}

func writeMarketData(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "market.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestMarketFeedMergesFileAndQuotes(t *testing.T) {
	path := writeMarketData(t, `{
		"SPY": {"price": 510, "indicators": {"rsi": 22}},
		"QQQ": {"indicators": {"rsi": 71}}
	}`)
	broker := &quoteBroker{prices: map[string]float64{"SPY": 500, "QQQ": 440}}
	feed := &marketFeed{path: path, broker: broker, quote: true, symbols: []string{"QQQ", "SPY", "IWM"}, logger: zap.NewNop()}

	data := feed.Snapshot(context.Background())

	require.Len(t, data, 2)
	assert.Equal(t, "SPY", data["SPY"].Symbol)
	assert.Equal(t, 510.0, data["SPY"].Price, "file prices are not re-quoted")
	assert.Equal(t, 22.0, data["SPY"].Indicators["rsi"])
	assert.Equal(t, 440.0, data["QQQ"].Price)
	assert.Equal(t, 71.0, data["QQQ"].Indicators["rsi"])
	assert.Equal(t, 2, broker.quotes, "QQQ and IWM were quoted")
}

func TestMarketFeedWithoutSources(t *testing.T) {
	broker := &quoteBroker{prices: map[string]float64{"SPY": 500}}
	feed := &marketFeed{broker: broker, symbols: []string{"SPY"}, logger: zap.NewNop()}
	assert.Nil(t, feed.Snapshot(context.Background()), "live bots quote for themselves")
	assert.Zero(t, broker.quotes)

	feed = &marketFeed{path: writeMarketData(t, "not json"), logger: zap.NewNop()}
	assert.Nil(t, feed.Snapshot(context.Background()))
}

func TestLoadMarketDataDropsNullSnapshots(t *testing.T) {
	data, err := loadMarketData(writeMarketData(t, `{"SPY": null, "BND": {"price": 72}}`))
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Equal(t, "BND", data["BND"].Symbol)

	_, err = loadMarketData(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
