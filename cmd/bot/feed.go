package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"strategy-bot-go/internal/exchange"
	"strategy-bot-go/internal/models"

	"go.uber.org/zap"
)

// marketFeed builds the market data for a tick: snapshots from an optional JSON file written by
// an external indicator job, completed with broker quotes when bots trade on paper.
type marketFeed struct {
	path    string
	broker  exchange.Broker
	quote   bool
	symbols []string
	logger  *zap.Logger
}

// Snapshot returns the data for this tick, or nil when there is none and bots should fetch
// their own quotes.
func (f *marketFeed) Snapshot(ctx context.Context) models.MarketData {
	data := make(models.MarketData)
	if f.path != "" {
		loaded, err := loadMarketData(f.path)
		if err != nil {
			f.logger.Warn("Market data file unreadable", zap.String("file", f.path), zap.Error(err))
		} else {
			data = loaded
		}
	}
	if f.quote && f.broker != nil {
		for _, sym := range f.symbols {
			if _, ok := data.Price(sym); ok {
				continue
			}
			q, err := f.broker.GetQuote(ctx, sym)
			if err != nil {
				f.logger.Warn("Quote unavailable", zap.String("symbol", sym), zap.Error(err))
				continue
			}
			snap := data[sym]
			if snap == nil {
				snap = &models.MarketSnapshot{Symbol: sym}
				data[sym] = snap
			}
			snap.Price, snap.Bid, snap.Ask, snap.Volume, snap.Timestamp = q.Price, q.Bid, q.Ask, q.Volume, q.Timestamp
		}
	}
	if len(data) == 0 {
		return nil
	}
	return data
}

// loadMarketData reads a {"SYMBOL": snapshot} JSON document.
func loadMarketData(path string) (models.MarketData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data models.MarketData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for sym, snap := range data {
		if snap == nil {
			delete(data, sym)
			continue
		}
		if snap.Symbol == "" {
			snap.Symbol = sym
		}
	}
	if data == nil {
		data = make(models.MarketData)
	}
	return data, nil
}
