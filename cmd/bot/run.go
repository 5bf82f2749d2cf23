package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"strategy-bot-go/internal/config"
	"strategy-bot-go/internal/engine"
	"strategy-bot-go/internal/exchange"
	"strategy-bot-go/internal/models"
	"strategy-bot-go/internal/monitoring"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func runCmd() *cobra.Command {
	var (
		paper          bool
		marketDataPath string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler loop until interrupted",
		Long: `run restores the stored bots, registers new bots from the config file and executes due
runs every tick. With --market-data, the JSON file is re-read whenever runs are due and its
snapshots (prices and precomputed indicators) are handed to the bots. SIGUSR1 engages the
emergency stop, SIGUSR2 clears it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadApp()
			if err != nil {
				return err
			}
			defer log.Sync()
			if paper {
				cfg.Engine.PaperMode = true
			}
			return run(cmd.Context(), cfg, marketDataPath, log)
		},
	}
	cmd.Flags().BoolVar(&paper, "paper", false, "force paper mode regardless of the config file")
	cmd.Flags().StringVar(&marketDataPath, "market-data", "", "JSON file of per-symbol snapshots with indicators")
	return cmd
}

func run(parent context.Context, cfg *models.AppConfig, marketDataPath string, log *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	broker, err := newBroker(ctx, cfg, log)
	if err != nil {
		return err
	}

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	s, err := openEngine(cfg, broker, metrics, log)
	if err != nil {
		return err
	}
	defer s.Close()
	s.bus.Start()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, log); err != nil {
				log.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	registerConfiguredBots(s.engine, cfg.Bots, log)

	mode := "LIVE"
	if cfg.Engine.PaperMode {
		mode = "PAPER"
	}
	log.Info("Engine running",
		zap.String("mode", mode),
		zap.Int("bots", len(s.engine.ListBots())),
		zap.Int("tick_interval_sec", cfg.TickIntervalSec),
		zap.Bool("emergency_stop", s.engine.IsEmergencyStopped()))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(signals)

	feed := &marketFeed{
		path:    marketDataPath,
		broker:  broker,
		quote:   cfg.Engine.PaperMode,
		symbols: configuredSymbols(cfg.Bots),
		logger:  log,
	}
	tick := func() {
		var data models.MarketData
		if s.engine.HasDueRuns() {
			data = feed.Snapshot(ctx)
		}
		s.engine.RunDueBots(ctx, data)
	}

	ticker := time.NewTicker(time.Duration(cfg.TickIntervalSec) * time.Second)
	defer ticker.Stop()
	tick()

	for {
		select {
		case <-ticker.C:
			tick()
		case sig := <-signals:
			switch sig {
			case syscall.SIGUSR1:
				s.engine.EmergencyStop("signal " + sig.String())
			case syscall.SIGUSR2:
				s.engine.ResumeAll()
			default:
				log.Info("Shutting down", zap.String("signal", sig.String()))
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// newBroker connects to Binance. Live mode requires credentials; paper mode runs without a
// broker when none are configured.
func newBroker(ctx context.Context, cfg *models.AppConfig, log *zap.Logger) (exchange.Broker, error) {
	apiKey, secretKey, err := config.LoadSecrets(envFile)
	if err != nil {
		if errors.Is(err, config.ErrMissingCredentials) && cfg.Engine.PaperMode {
			log.Warn("No exchange credentials, paper fills use placeholder prices")
			return nil, nil
		}
		return nil, err
	}

	broker := exchange.NewBinanceBroker(apiKey, secretKey, cfg.Exchange, log)
	if cfg.Exchange.UsePriceStream {
		wsURL := cfg.Exchange.LiveWSURL
		if cfg.Exchange.IsTestnet {
			wsURL = cfg.Exchange.TestnetWSURL
		}
		stream := exchange.NewPriceStream(wsURL, configuredSymbols(cfg.Bots), log)
		broker.UseStream(stream)
		go stream.Run(ctx)
	}
	log.Info("Binance broker ready", zap.Bool("testnet", cfg.Exchange.IsTestnet))
	return broker, nil
}

func configuredSymbols(bots []*models.BotConfig) []string {
	seen := make(map[string]bool)
	for _, b := range bots {
		for _, s := range b.Symbols {
			seen[s] = true
		}
		if b.Grid != nil && b.Grid.Symbol != "" {
			seen[b.Grid.Symbol] = true
		}
		if b.DCA != nil {
			for s := range b.DCA.Allocations {
				seen[s] = true
			}
		}
		if b.Rebalance != nil {
			for s := range b.Rebalance.TargetAllocations {
				seen[s] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// registerConfiguredBots creates config-file bots that are not in the store yet. They need a
// stable bot_id to be matched across restarts. Stored bots keep their stored configuration.
func registerConfiguredBots(eng *engine.Engine, bots []*models.BotConfig, log *zap.Logger) {
	for _, cfg := range bots {
		if cfg.BotID == "" {
			log.Warn("Configured bot without bot_id ignored", zap.String("bot_type", string(cfg.BotType)))
			continue
		}
		if _, err := eng.GetBot(cfg.BotID); err == nil {
			continue
		}
		id, err := eng.CreateBot(cfg)
		if err != nil {
			log.Error("Failed to register configured bot", zap.String("bot_id", cfg.BotID), zap.Error(err))
			continue
		}
		log.Info("Registered configured bot", zap.String("bot_id", id))
	}
}
