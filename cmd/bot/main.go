package main

import (
	"fmt"
	"os"
	"time"

	"strategy-bot-go/internal/calendar"
	"strategy-bot-go/internal/config"
	"strategy-bot-go/internal/engine"
	"strategy-bot-go/internal/eventbus"
	"strategy-bot-go/internal/exchange"
	"strategy-bot-go/internal/logger"
	"strategy-bot-go/internal/models"
	"strategy-bot-go/internal/monitoring"
	"strategy-bot-go/internal/persistence"
	"strategy-bot-go/internal/schedule"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	envFile    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "strategy-bot",
		Short: "Scheduled DCA, rebalance, signal and grid trading bots",
		Long: `strategy-bot runs automated trading bots on calendar-aware schedules, either live
against Binance, in paper mode, or replayed over downloaded klines.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file with BINANCE_API_KEY and BINANCE_SECRET_KEY")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(downloadCmd())
	rootCmd.AddCommand(haltCmd())
	rootCmd.AddCommand(resumeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadApp reads the config file and re-initialises the logger from it.
func loadApp() (*models.AppConfig, *zap.Logger, error) {
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.InitLogger(cfg.Log), nil
}

// newScheduler builds the scheduler in the configured zone with the US market calendar.
func newScheduler(cfg *models.AppConfig, log *zap.Logger) (*schedule.Scheduler, *time.Location, calendar.Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, nil, nil, err
	}
	extra, err := calendar.ParseExtraHolidays(cfg.ExtraHolidays)
	if err != nil {
		return nil, nil, nil, err
	}
	cal := calendar.NewUSMarket(extra...)
	sched, err := schedule.NewScheduler(cal, loc, cfg.Engine, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return sched, loc, cal, nil
}

type stack struct {
	engine  *engine.Engine
	repo    persistence.Repository
	bus     *eventbus.Bus
	metrics *monitoring.Metrics
}

// openEngine opens the badger store and restores the engine from it.
func openEngine(cfg *models.AppConfig, broker exchange.Broker, metrics *monitoring.Metrics, log *zap.Logger) (*stack, error) {
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DBPath, err)
	}
	sched, _, _, err := newScheduler(cfg, log)
	if err != nil {
		repo.Close()
		return nil, err
	}
	bus := eventbus.New(repo, log)
	if metrics != nil {
		metrics.Subscribe(bus)
	}
	eng, err := engine.New(engine.Options{
		Settings:   cfg.Engine,
		Scheduler:  sched,
		Broker:     broker,
		Bus:        bus,
		Repository: repo,
		Metrics:    metrics,
		Logger:     log,
	})
	if err != nil {
		repo.Close()
		return nil, err
	}
	if _, err := eng.Restore(); err != nil {
		repo.Close()
		return nil, err
	}
	return &stack{engine: eng, repo: repo, bus: bus, metrics: metrics}, nil
}

func (s *stack) Close() {
	s.bus.Stop()
	if err := s.repo.Close(); err != nil {
		logger.L().Error("Failed to close database", zap.Error(err))
	}
}

func haltCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "halt [reason]",
		Short: "Engage the emergency stop in the stored state; the next run starts halted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadApp()
			if err != nil {
				return err
			}
			s, err := openEngine(cfg, nil, nil, log)
			if err != nil {
				return err
			}
			defer s.Close()
			reason := "operator request"
			if len(args) > 0 {
				reason = args[0]
			}
			s.engine.EmergencyStop(reason)
			return nil
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Clear the stored emergency stop and reactivate the bots it halted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadApp()
			if err != nil {
				return err
			}
			s, err := openEngine(cfg, nil, nil, log)
			if err != nil {
				return err
			}
			defer s.Close()
			n := s.engine.ResumeAll()
			fmt.Fprintf(cmd.OutOrStdout(), "resumed %d bots\n", n)
			return nil
		},
	}
}
