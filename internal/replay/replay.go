// Package replay drives the engine over historical klines with the simulated exchange as broker.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"strategy-bot-go/internal/calendar"
	"strategy-bot-go/internal/downloader"
	"strategy-bot-go/internal/engine"
	"strategy-bot-go/internal/eventbus"
	"strategy-bot-go/internal/exchange"
	"strategy-bot-go/internal/models"
	"strategy-bot-go/internal/persistence"
	"strategy-bot-go/internal/reporter"
	"strategy-bot-go/internal/schedule"

	"go.uber.org/zap"
)

// Options configure one replay.
type Options struct {
	Symbol   string
	Bots     []*models.BotConfig
	Exchange models.ExchangeConfig
	Engine   models.GlobalBotSettings
	Location *time.Location
	Calendar calendar.Calendar
	Logger   *zap.Logger
}

// Result holds everything a replay produced.
type Result struct {
	Metrics    *reporter.ReplayMetrics
	Executions []*models.Execution
	Trades     []models.CompletedTrade
	Bots       []*models.BotSummary
	Skipped    []string // bots left out because they do not trade Symbol
}

// Run replays klines bar by bar: each bar sets the simulated price and clock, then every due
// run executes against the simulated exchange with the bar as its market data. Bots run as live
// bots; paper flags are cleared.
func Run(ctx context.Context, opts Options, klines []downloader.Kline) (*Result, error) {
	if len(klines) == 0 {
		return nil, errors.New("replay needs at least one kline")
	}
	if opts.Symbol == "" {
		return nil, errors.New("replay needs a symbol")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sim := exchange.NewSimExchange(opts.Exchange, logger.Named("sim"))
	first := klines[0]
	sim.SetPrice(opts.Symbol, first.Close, first.Volume, first.OpenTime)

	settings := opts.Engine
	settings.PaperMode = false
	settings.EmergencyStopAll = false
	settings.RequireApprovalAbove = 0

	sched, err := schedule.NewScheduler(opts.Calendar, opts.Location, settings, logger)
	if err != nil {
		return nil, err
	}
	repo := persistence.NewMemoryRepository()
	bus := eventbus.New(repo, logger)
	eng, err := engine.New(engine.Options{
		Settings:   settings,
		Scheduler:  sched,
		Broker:     sim,
		Bus:        bus,
		Repository: repo,
		Clock:      sim.Now,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	result := &Result{}
	var ids []string
	for _, cfg := range opts.Bots {
		if !trades(cfg, opts.Symbol) {
			result.Skipped = append(result.Skipped, cfg.BotID)
			continue
		}
		cfg = cfg.Clone()
		cfg.Enabled = true
		cfg.PaperTrading = false
		id, err := eng.CreateBot(cfg)
		if err != nil {
			return nil, fmt.Errorf("replay bot %s: %w", cfg.BotID, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no configured bot trades %s", opts.Symbol)
	}

	logger.Info("Replay started",
		zap.String("symbol", opts.Symbol),
		zap.Int("bars", len(klines)),
		zap.Int("bots", len(ids)),
		zap.Time("from", first.OpenTime),
		zap.Time("to", klines[len(klines)-1].OpenTime))

	for i, k := range klines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i > 0 {
			sim.SetPrice(opts.Symbol, k.Close, k.Volume, k.OpenTime)
		}
		eng.RunDueBots(ctx, snapshot(opts.Symbol, k))
	}

	for _, id := range ids {
		execs, err := eng.GetExecutions(id, 0)
		if err != nil {
			return nil, err
		}
		result.Executions = append(result.Executions, execs...)
	}
	result.Trades = sim.Trades()
	result.Bots = eng.ListBots()
	result.Metrics = reporter.CalculateReplayMetrics(sim, result.Executions)
	logger.Info("Replay finished",
		zap.Int("executions", result.Metrics.Executions),
		zap.Int("orders_filled", result.Metrics.OrdersFilled),
		zap.Float64("final_balance", result.Metrics.FinalBalance))
	return result, nil
}

// snapshot is the market data one bar hands to the bots.
func snapshot(symbol string, k downloader.Kline) models.MarketData {
	return models.MarketData{symbol: {
		Symbol:    symbol,
		Price:     k.Close,
		Bid:       k.Close,
		Ask:       k.Close,
		Volume:    k.Volume,
		Timestamp: k.OpenTime,
	}}
}

// trades reports whether cfg can run on a single-symbol price feed for symbol.
func trades(cfg *models.BotConfig, symbol string) bool {
	if cfg.Grid != nil && cfg.Grid.Symbol != "" {
		return cfg.Grid.Symbol == symbol
	}
	if len(cfg.Symbols) == 0 {
		return false
	}
	for _, s := range cfg.Symbols {
		if s != symbol {
			return false
		}
	}
	return true
}
