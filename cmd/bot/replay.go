package main

import (
	"fmt"
	"time"

	"strategy-bot-go/internal/downloader"
	"strategy-bot-go/internal/models"
	"strategy-bot-go/internal/replay"
	"strategy-bot-go/internal/reporter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func replayCmd() *cobra.Command {
	var (
		dataPath  string
		symbol    string
		startDate string
		endDate   string
		interval  string
		botID     string
		xlsxPath  string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the configured bots over historical klines",
		Long: `replay drives the configured bots over a kline CSV with a simulated exchange as broker.
Pass --data for an existing file, or --symbol, --start and --end to download one first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadApp()
			if err != nil {
				return err
			}
			defer log.Sync()

			path, err := resolveReplayData(cmd, dataPath, symbol, startDate, endDate, interval, log)
			if err != nil {
				return err
			}
			replaySymbol := symbol
			if replaySymbol == "" {
				replaySymbol = downloader.SymbolFromPath(path)
			}
			if replaySymbol == "" {
				return fmt.Errorf("cannot derive the symbol from %s, pass --symbol", path)
			}

			klines, skipped, err := downloader.LoadKlinesFile(path)
			if err != nil {
				return fmt.Errorf("load %s: %w", path, err)
			}
			if skipped > 0 {
				log.Warn("Skipped unparsable kline rows", zap.Int("rows", skipped))
			}

			_, loc, cal, err := newScheduler(cfg, log)
			if err != nil {
				return err
			}
			bots := cfg.Bots
			if botID != "" {
				bots = nil
				for _, b := range cfg.Bots {
					if b.BotID == botID {
						bots = append(bots, b)
					}
				}
				if len(bots) == 0 {
					return fmt.Errorf("bot %q is not in %s", botID, configPath)
				}
			}

			res, err := replay.Run(cmd.Context(), replay.Options{
				Symbol:   replaySymbol,
				Bots:     bots,
				Exchange: cfg.Exchange,
				Engine:   cfg.Engine,
				Location: loc,
				Calendar: cal,
				Logger:   log,
			}, klines)
			if err != nil {
				return err
			}
			for _, id := range res.Skipped {
				log.Info("Bot left out of replay", zap.String("bot_id", id), zap.String("symbol", replaySymbol))
			}

			out := cmd.OutOrStdout()
			reporter.RenderReplay(out, res.Metrics, path, cfg.Exchange.QuoteAsset)
			reporter.RenderBots(out, res.Bots)
			if xlsxPath != "" {
				if err := reporter.ExportExcel(xlsxPath, res.Executions, res.Trades); err != nil {
					return fmt.Errorf("export %s: %w", xlsxPath, err)
				}
				log.Info("Replay exported", zap.String("file", xlsxPath))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataPath, "data", "", "kline CSV to replay")
	cmd.Flags().StringVar(&symbol, "symbol", "", "symbol to download and replay, e.g. BTCUSDT")
	cmd.Flags().StringVar(&startDate, "start", "", "download start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end", "", "download end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&interval, "interval", "1m", "kline interval for downloads")
	cmd.Flags().StringVar(&botID, "bot", "", "replay only this configured bot")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "also export executions and round trips to this workbook")
	return cmd
}

// resolveReplayData returns the data file, downloading it first when a symbol and dates are given.
func resolveReplayData(cmd *cobra.Command, dataPath, symbol, startDate, endDate, interval string, log *zap.Logger) (string, error) {
	if symbol == "" || startDate == "" || endDate == "" {
		if dataPath == "" {
			return "", fmt.Errorf("replay needs --data, or --symbol with --start and --end")
		}
		return dataPath, nil
	}
	start, end, err := parseRange(startDate, endDate)
	if err != nil {
		return "", err
	}
	path := dataPath
	if path == "" {
		path = downloader.FileName("data", symbol, start, end)
	}
	d := downloader.NewKlineDownloader(interval, log)
	if err := d.DownloadKlines(cmd.Context(), symbol, path, start, end); err != nil {
		return "", err
	}
	return path, nil
}

func parseRange(startDate, endDate string) (time.Time, time.Time, error) {
	start, err := time.Parse(models.DateLayout, startDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start date: %w", err)
	}
	end, err := time.Parse(models.DateLayout, endDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end date: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end date %s is not after start date %s", endDate, startDate)
	}
	return start, end, nil
}
