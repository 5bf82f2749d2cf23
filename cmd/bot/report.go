package main

import (
	"fmt"

	"strategy-bot-go/internal/reporter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func reportCmd() *cobra.Command {
	var (
		botID    string
		limit    int
		xlsxPath string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the stored bots, and the history and performance of one bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadApp()
			if err != nil {
				return err
			}
			defer log.Sync()

			s, err := openEngine(cfg, nil, nil, log)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			reporter.RenderBots(out, s.engine.ListBots())
			if botID == "" {
				return nil
			}

			execs, err := s.engine.GetExecutions(botID, limit)
			if err != nil {
				return err
			}
			perf, err := s.engine.GetPerformance(botID)
			if err != nil {
				return err
			}
			reporter.RenderExecutions(out, botID, execs)
			reporter.RenderPerformance(out, perf)

			if xlsxPath != "" {
				if err := reporter.ExportExcel(xlsxPath, execs, nil); err != nil {
					return fmt.Errorf("export %s: %w", xlsxPath, err)
				}
				log.Info("Report exported", zap.String("bot_id", botID), zap.String("file", xlsxPath))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&botID, "bot", "", "bot to report on in detail")
	cmd.Flags().IntVar(&limit, "limit", 50, "most recent executions to show, 0 for all")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "also export the executions to this workbook")
	return cmd
}
