package main

import (
	"errors"

	"strategy-bot-go/internal/downloader"
	"strategy-bot-go/internal/logger"
	"strategy-bot-go/internal/models"

	"github.com/spf13/cobra"
)

func downloadCmd() *cobra.Command {
	var (
		symbol    string
		startDate string
		endDate   string
		interval  string
		dir       string
	)
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download historical klines from Binance into a CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})
			defer log.Sync()
			if symbol == "" {
				return errors.New("--symbol is required")
			}
			start, end, err := parseRange(startDate, endDate)
			if err != nil {
				return err
			}
			path := downloader.FileName(dir, symbol, start, end)
			d := downloader.NewKlineDownloader(interval, log)
			if err := d.DownloadKlines(cmd.Context(), symbol, path, start, end); err != nil {
				return err
			}
			logger.S().Infof("Klines for %s ready in %s", symbol, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "symbol to download, e.g. BTCUSDT")
	cmd.Flags().StringVar(&startDate, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&interval, "interval", "1m", "kline interval")
	cmd.Flags().StringVar(&dir, "dir", "data", "output directory")
	return cmd
}
