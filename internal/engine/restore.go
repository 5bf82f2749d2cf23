package engine

import (
	"fmt"

	"strategy-bot-go/internal/bot"
	"strategy-bot-go/internal/models"

	"go.uber.org/zap"
)

// restoredHistory is how many stored executions are loaded back into each bot.
const restoredHistory = 100

// Restore reloads the engine state and every stored bot from the repository. Bots that were
// ACTIVE when saved are scheduled again; the others keep their saved status. A bot whose
// configuration no longer builds is logged and skipped. It returns the number of bots restored.
func (e *Engine) Restore() (int, error) {
	if e.repo == nil {
		return 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.repo.LoadEngineState()
	if err != nil {
		return 0, fmt.Errorf("load engine state: %w", err)
	}
	if state != nil {
		e.restoreEngineStateLocked(state)
	}

	configs, err := e.repo.LoadBotConfigs()
	if err != nil {
		return 0, fmt.Errorf("load bot configs: %w", err)
	}

	restored := 0
	for _, cfg := range configs {
		if _, exists := e.bots[cfg.BotID]; exists {
			continue
		}
		if err := e.restoreBotLocked(cfg); err != nil {
			e.logger.Error("Failed to restore bot", zap.String("bot_id", cfg.BotID), zap.Error(err))
			continue
		}
		restored++
	}

	e.logger.Info("Engine restored",
		zap.Int("bots", restored),
		zap.Bool("emergency_stop", e.settings.EmergencyStopAll),
		zap.Int("daily_orders", e.dailyOrders))
	e.updateMetricsLocked()
	return restored, nil
}

func (e *Engine) restoreEngineStateLocked(state *models.EngineState) {
	if state.EmergencyStopAll {
		e.settings.EmergencyStopAll = true
	}
	if state.CounterDay == models.UTCDay(e.now()) {
		e.counterDay = state.CounterDay
		e.dailyOrders = state.DailyOrderCount
	}
	for _, id := range state.HaltedBots {
		e.halted[id] = true
	}
}

func (e *Engine) restoreBotLocked(cfg *models.BotConfig) error {
	strategy, err := e.registry.Build(cfg, e.logger)
	if err != nil {
		return err
	}
	b := e.newBotLocked(cfg, strategy)

	state, err := e.repo.LoadBotState(cfg.BotID)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if err := b.RestoreState(state); err != nil {
		return err
	}
	if history, err := e.repo.LoadExecutions(cfg.BotID, restoredHistory); err != nil {
		e.logger.Warn("Could not load execution history", zap.String("bot_id", cfg.BotID), zap.Error(err))
	} else {
		b.RestoreHistory(history)
	}

	e.bots[cfg.BotID] = b
	status := models.BotActive
	if state != nil {
		status = state.Status
	}
	switch {
	case e.halted[cfg.BotID] && !e.settings.EmergencyStopAll:
		// The stop was cleared after the last save; treat the bot as active again.
		delete(e.halted, cfg.BotID)
		return e.resumeRestoredLocked(b, cfg)
	case status == models.BotActive:
		return e.resumeRestoredLocked(b, cfg)
	case status == "":
		b.SetStatus(models.BotPaused)
	default:
		b.SetStatus(status)
	}
	return nil
}

func (e *Engine) resumeRestoredLocked(b *bot.Bot, cfg *models.BotConfig) error {
	if !cfg.Enabled {
		b.SetStatus(models.BotPaused)
		return nil
	}
	return e.activateLocked(b)
}
