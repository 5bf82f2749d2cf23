// Package engine owns the bot registry, drives scheduled runs and enforces the global safety
// limits: emergency stop, the daily order budget and the trading-hours gate for manual runs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"strategy-bot-go/internal/bot"
	"strategy-bot-go/internal/config"
	"strategy-bot-go/internal/eventbus"
	"strategy-bot-go/internal/exchange"
	"strategy-bot-go/internal/models"
	"strategy-bot-go/internal/monitoring"
	"strategy-bot-go/internal/persistence"
	"strategy-bot-go/internal/schedule"

	"go.uber.org/zap"
)

const engineStateVersion = 1

var (
	// ErrBotNotFound is returned for operations on an unknown bot id.
	ErrBotNotFound = errors.New("bot not found")
	// ErrAllocationExceeded is returned when a bot would push total allocation over the limit.
	ErrAllocationExceeded = errors.New("total bot allocation exceeded")
	// ErrBotExists is returned when creating a bot with an id already in use.
	ErrBotExists = errors.New("bot already exists")
)

// Options are the engine's collaborators. Scheduler is required; everything else is optional.
type Options struct {
	Settings   models.GlobalBotSettings
	Scheduler  *schedule.Scheduler
	Broker     exchange.Broker
	Bus        *eventbus.Bus
	Repository persistence.Repository
	Registry   *bot.Registry
	Metrics    *monitoring.Metrics
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Engine is the central coordinator. All methods are safe for concurrent use; runs within a
// tick are executed sequentially.
type Engine struct {
	mu sync.Mutex

	settings  models.GlobalBotSettings
	bots      map[string]*bot.Bot
	halted    map[string]bool // bots stopped by the emergency stop
	registry  *bot.Registry
	scheduler *schedule.Scheduler
	broker    exchange.Broker
	bus       *eventbus.Bus
	events    *eventQueue
	repo      persistence.Repository
	metrics   *monitoring.Metrics

	dailyOrders int
	counterDay  string

	now    func() time.Time
	logger *zap.Logger
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("engine needs a scheduler")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	} else {
		opts.Scheduler.SetClock(opts.Clock)
	}
	if opts.Registry == nil {
		opts.Registry = bot.DefaultRegistry()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New(opts.Repository, opts.Logger)
	}
	if err := opts.Scheduler.UpdateSettings(opts.Settings); err != nil {
		return nil, err
	}
	return &Engine{
		settings:  opts.Settings,
		bots:      make(map[string]*bot.Bot),
		halted:    make(map[string]bool),
		registry:  opts.Registry,
		scheduler: opts.Scheduler,
		broker:    opts.Broker,
		bus:       opts.Bus,
		events:    newEventQueue(opts.Bus),
		repo:      opts.Repository,
		metrics:   opts.Metrics,
		now:       opts.Clock,
		logger:    opts.Logger,
	}, nil
}

// Settings returns the current global settings.
func (e *Engine) Settings() models.GlobalBotSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// UpdateSettings replaces the global settings and pushes them to the scheduler and every bot.
func (e *Engine) UpdateSettings(settings models.GlobalBotSettings) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.scheduler.UpdateSettings(settings); err != nil {
		return err
	}
	e.settings = settings
	for _, b := range e.bots {
		b.SetPaperMode(settings.PaperMode)
		b.SetApprovalThreshold(settings.RequireApprovalAbove)
	}
	e.logger.Info("Engine settings updated",
		zap.Bool("paper_mode", settings.PaperMode),
		zap.Int("max_concurrent_orders", settings.MaxConcurrentOrders))
	return nil
}

// CreateBot validates cfg, builds its strategy and registers it. Enabled bots start ACTIVE and
// are scheduled; others start PAUSED. It returns the bot id, generated when cfg has none.
func (e *Engine) CreateBot(cfg *models.BotConfig) (string, error) {
	cfg = cfg.Clone()
	if cfg.BotID == "" {
		cfg.BotID = models.NewID("bot")
	}
	if err := config.ValidateBot(cfg); err != nil {
		return "", fmt.Errorf("%w: %v", bot.ErrInvalidConfig, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.bots[cfg.BotID]; exists {
		return "", fmt.Errorf("%w: %s", ErrBotExists, cfg.BotID)
	}
	strategy, err := e.registry.Build(cfg, e.logger)
	if err != nil {
		return "", fmt.Errorf("create bot %s: %w", cfg.BotID, err)
	}
	if err := e.checkAllocationLocked(cfg, ""); err != nil {
		return "", err
	}

	b := e.newBotLocked(cfg, strategy)
	e.bots[cfg.BotID] = b
	if cfg.Enabled {
		if err := e.activateLocked(b); err != nil {
			delete(e.bots, cfg.BotID)
			return "", err
		}
	}
	e.saveConfigLocked(cfg)

	e.logger.Info("Bot created",
		zap.String("bot_id", cfg.BotID),
		zap.String("bot_type", string(cfg.BotType)),
		zap.Bool("enabled", cfg.Enabled))
	e.updateMetricsLocked()
	return cfg.BotID, nil
}

func (e *Engine) newBotLocked(cfg *models.BotConfig, strategy bot.Strategy) *bot.Bot {
	return bot.New(cfg, strategy, bot.Options{
		Broker:               e.broker,
		Publisher:            e.events,
		PaperMode:            e.settings.PaperMode,
		RequireApprovalAbove: e.settings.RequireApprovalAbove,
		Clock:                e.now,
		Logger:               e.logger,
	})
}

// checkAllocationLocked sums the committed capital of every bot except skipID.
func (e *Engine) checkAllocationLocked(cfg *models.BotConfig, skipID string) error {
	limit := e.settings.MaxTotalBotAllocation
	if limit <= 0 {
		return nil
	}
	total := bot.Allocation(cfg)
	for id, b := range e.bots {
		if id == skipID {
			continue
		}
		total += bot.Allocation(b.Config())
	}
	if total > limit {
		return fmt.Errorf("%w: %.2f would exceed %.2f", ErrAllocationExceeded, total, limit)
	}
	return nil
}

// activateLocked marks the bot ACTIVE and queues its next run unless the emergency stop is on.
func (e *Engine) activateLocked(b *bot.Bot) error {
	b.SetEnabled(true)
	if e.settings.EmergencyStopAll {
		e.halted[b.ID()] = true
		b.SetStatus(models.BotStopped)
		return nil
	}
	if _, err := e.scheduler.ScheduleBot(b.Config()); err != nil {
		return fmt.Errorf("schedule bot %s: %w", b.ID(), err)
	}
	b.SetStatus(models.BotActive)
	return nil
}

func (e *Engine) getLocked(botID string) (*bot.Bot, error) {
	b, ok := e.bots[botID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBotNotFound, botID)
	}
	return b, nil
}

// StartBot activates and schedules a bot.
func (e *Engine) StartBot(botID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.getLocked(botID)
	if err != nil {
		return err
	}
	if err := e.activateLocked(b); err != nil {
		return err
	}
	e.saveConfigLocked(b.Config())
	e.updateMetricsLocked()
	return nil
}

// PauseBot stops scheduling a bot. Its configuration stays enabled.
func (e *Engine) PauseBot(botID string) error {
	return e.deactivate(botID, models.BotPaused)
}

// StopBot stops and disables a bot. Only StartBot brings it back; ResumeAll leaves it stopped.
func (e *Engine) StopBot(botID string) error {
	return e.deactivate(botID, models.BotStopped)
}

func (e *Engine) deactivate(botID string, status models.BotStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.getLocked(botID)
	if err != nil {
		return err
	}
	e.scheduler.UnscheduleBot(botID)
	delete(e.halted, botID)
	if status == models.BotStopped {
		b.SetEnabled(false)
		e.saveConfigLocked(b.Config())
	}
	b.SetStatus(status)
	e.updateMetricsLocked()
	return nil
}

// DeleteBot unregisters a bot and removes everything stored for it.
func (e *Engine) DeleteBot(botID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.getLocked(botID); err != nil {
		return err
	}
	e.scheduler.UnscheduleBot(botID)
	delete(e.bots, botID)
	delete(e.halted, botID)
	if e.repo != nil {
		if err := e.repo.DeleteBot(botID); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			e.logger.Error("Failed to delete stored bot", zap.String("bot_id", botID), zap.Error(err))
		}
	}
	e.logger.Info("Bot deleted", zap.String("bot_id", botID))
	e.updateMetricsLocked()
	return nil
}

// ReconfigureBot replaces a bot's configuration. Positions, counters and history are kept.
func (e *Engine) ReconfigureBot(botID string, cfg *models.BotConfig) error {
	cfg = cfg.Clone()
	cfg.BotID = botID
	if err := config.ValidateBot(cfg); err != nil {
		return fmt.Errorf("%w: %v", bot.ErrInvalidConfig, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.getLocked(botID)
	if err != nil {
		return err
	}
	strategy, err := e.registry.Build(cfg, e.logger)
	if err != nil {
		return fmt.Errorf("reconfigure bot %s: %w", botID, err)
	}
	if err := e.checkAllocationLocked(cfg, botID); err != nil {
		return err
	}

	b.Reconfigure(cfg, strategy)
	e.scheduler.UnscheduleBot(botID)
	if b.Status() == models.BotActive && cfg.Enabled {
		if _, err := e.scheduler.ScheduleBot(cfg); err != nil {
			return fmt.Errorf("schedule bot %s: %w", botID, err)
		}
	}
	e.saveConfigLocked(cfg)
	e.logger.Info("Bot reconfigured", zap.String("bot_id", botID))
	return nil
}

// RunBot executes a bot immediately. Under the emergency stop, outside trading hours in live mode,
// or with the daily order budget spent, the run is recorded as SKIPPED and no broker call is made.
func (e *Engine) RunBot(ctx context.Context, botID string, data models.MarketData) (*models.Execution, error) {
	defer e.events.flush()
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.getLocked(botID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	e.rollDayLocked(now)

	var exec *models.Execution
	switch {
	case e.settings.EmergencyStopAll:
		exec = b.RecordSkipped(models.TriggerManual, "emergency stop active")
	case !b.IsPaper() && !e.scheduler.IsTradingHours(now):
		exec = b.RecordSkipped(models.TriggerManual, "outside trading hours")
	case e.budgetExhaustedLocked():
		exec = b.RecordSkipped(models.TriggerManual, "global daily order budget exhausted")
	default:
		exec = b.Execute(ctx, data, models.TriggerManual)
		e.dailyOrders += len(exec.FilledOrders())
	}
	e.saveEngineStateLocked()
	e.updateMetricsLocked()
	return exec, nil
}

// RunDueBots executes every run that is due with the supplied market data. Symbols missing from
// data are quoted by each bot. Runs for missing or inactive bots, and runs beyond the daily order
// budget, are marked missed. Nothing runs under the emergency stop. Events reach subscribers
// after the engine lock is released.
func (e *Engine) RunDueBots(ctx context.Context, data models.MarketData) []*models.Execution {
	defer e.events.flush()
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.rollDayLocked(now)
	if e.settings.EmergencyStopAll {
		e.logger.Warn("Emergency stop active, refusing to run due bots")
		return nil
	}

	var executions []*models.Execution
	for _, run := range e.scheduler.GetDueRuns(now) {
		if exec := e.runScheduledLocked(ctx, run, data); exec != nil {
			executions = append(executions, exec)
		}
	}
	if len(executions) > 0 {
		e.saveEngineStateLocked()
	}
	e.updateMetricsLocked()
	return executions
}

func (e *Engine) runScheduledLocked(ctx context.Context, run *models.ScheduledRun, data models.MarketData) (exec *models.Execution) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Scheduled run panicked", zap.String("run_id", run.ID), zap.Any("panic", r))
			e.missLocked(run, fmt.Sprintf("panic: %v", r))
			exec = nil
		}
	}()

	b, ok := e.bots[run.BotID]
	if !ok {
		e.missLocked(run, "bot not found")
		return nil
	}
	if status := b.Status(); status != models.BotActive {
		e.missLocked(run, fmt.Sprintf("bot is %s", status))
		return nil
	}
	if e.budgetExhaustedLocked() {
		e.missLocked(run, "global daily order budget exhausted")
		return nil
	}

	exec = b.Execute(ctx, data, models.TriggerScheduled)
	e.dailyOrders += len(exec.FilledOrders())
	e.scheduler.MarkCompleted(run.ID, exec)
	return exec
}

func (e *Engine) missLocked(run *models.ScheduledRun, reason string) {
	e.scheduler.MarkMissed(run.ID, reason)
	if e.metrics != nil {
		e.metrics.MissedRuns.Inc()
	}
}

func (e *Engine) budgetExhaustedLocked() bool {
	return e.dailyOrders >= e.settings.MaxConcurrentOrders
}

func (e *Engine) rollDayLocked(now time.Time) {
	day := models.UTCDay(now)
	if e.counterDay == day {
		return
	}
	if e.counterDay != "" {
		e.logger.Info("Daily order budget reset", zap.String("previous_day", e.counterDay), zap.Int("orders", e.dailyOrders))
	}
	e.counterDay = day
	e.dailyOrders = 0
}

// EmergencyStop halts every active bot and empties the schedule.
func (e *Engine) EmergencyStop(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.settings.EmergencyStopAll = true
	stopped := 0
	for id, b := range e.bots {
		e.scheduler.UnscheduleBot(id)
		if b.Status() == models.BotActive {
			e.halted[id] = true
			b.SetStatus(models.BotStopped)
			stopped++
		}
	}
	e.logger.Warn("EMERGENCY STOP engaged", zap.String("reason", reason), zap.Int("bots_stopped", stopped))
	e.saveEngineStateLocked()
	e.updateMetricsLocked()
}

// ResumeAll clears the emergency stop and reschedules every bot whose configuration is still
// enabled, including bots paused before the stop. Bots stopped with StopBot are disabled and stay
// stopped. It returns how many bots were resumed.
func (e *Engine) ResumeAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.settings.EmergencyStopAll = false
	ids := make([]string, 0, len(e.bots))
	for id := range e.bots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	resumed := 0
	for _, id := range ids {
		b := e.bots[id]
		if !b.Config().Enabled {
			if e.halted[id] {
				b.SetStatus(models.BotPaused)
			}
			continue
		}
		e.scheduler.UnscheduleBot(id)
		if err := e.activateLocked(b); err != nil {
			e.logger.Error("Failed to resume bot", zap.String("bot_id", id), zap.Error(err))
			continue
		}
		resumed++
	}
	e.halted = make(map[string]bool)
	e.logger.Info("Emergency stop cleared", zap.Int("bots_resumed", resumed))
	e.saveEngineStateLocked()
	e.updateMetricsLocked()
	return resumed
}

// IsEmergencyStopped reports whether the kill switch is engaged.
func (e *Engine) IsEmergencyStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings.EmergencyStopAll
}

// GetBot returns a summary of one bot.
func (e *Engine) GetBot(botID string) (*models.BotSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.getLocked(botID)
	if err != nil {
		return nil, err
	}
	return e.summaryLocked(b), nil
}

func (e *Engine) summaryLocked(b *bot.Bot) *models.BotSummary {
	s := b.Summary()
	if run, ok := e.scheduler.GetNextRun(b.ID()); ok {
		t := run.ScheduledTime
		s.NextRun = &t
	}
	return s
}

// ListBots returns every bot sorted by id.
func (e *Engine) ListBots() []*models.BotSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.bots))
	for id := range e.bots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*models.BotSummary, len(ids))
	for i, id := range ids {
		out[i] = e.summaryLocked(e.bots[id])
	}
	return out
}

// GetExecutions returns up to limit of a bot's most recent executions, oldest first.
func (e *Engine) GetExecutions(botID string, limit int) ([]*models.Execution, error) {
	e.mu.Lock()
	b, err := e.getLocked(botID)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.Executions(limit), nil
}

// UpcomingRuns returns the next pending runs across all bots.
func (e *Engine) UpcomingRuns(limit int) []*models.ScheduledRun {
	return e.scheduler.GetUpcomingRuns(limit, "")
}

// HasDueRuns reports whether RunDueBots would find work now. Callers use it to skip building
// market data on idle ticks.
func (e *Engine) HasDueRuns() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settings.EmergencyStopAll {
		return false
	}
	runs := e.scheduler.GetUpcomingRuns(1, "")
	return len(runs) > 0 && !runs[0].ScheduledTime.After(e.now())
}

// DailyOrderCount returns the orders counted against today's budget.
func (e *Engine) DailyOrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDayLocked(e.now())
	return e.dailyOrders
}

func (e *Engine) saveConfigLocked(cfg *models.BotConfig) {
	if e.repo == nil {
		return
	}
	if err := e.repo.SaveBotConfig(cfg); err != nil {
		e.logger.Error("Failed to save bot config", zap.String("bot_id", cfg.BotID), zap.Error(err))
	}
}

func (e *Engine) saveEngineStateLocked() {
	halted := make([]string, 0, len(e.halted))
	for id := range e.halted {
		halted = append(halted, id)
	}
	sort.Strings(halted)
	e.bus.SaveEngineState(&models.EngineState{
		Version:          engineStateVersion,
		EmergencyStopAll: e.settings.EmergencyStopAll,
		DailyOrderCount:  e.dailyOrders,
		CounterDay:       e.counterDay,
		HaltedBots:       halted,
		LastUpdateTime:   e.now(),
	})
}

func (e *Engine) updateMetricsLocked() {
	if e.metrics == nil {
		return
	}
	active := 0
	for _, b := range e.bots {
		if b.Status() == models.BotActive {
			active++
		}
	}
	e.metrics.SetEngineState(e.scheduler.Pending(), e.dailyOrders, active, e.settings.EmergencyStopAll)
}
