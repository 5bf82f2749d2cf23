package bot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"strategy-bot-go/internal/exchange"
	"strategy-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// PaperPlaceholderPrice is the flat price used in paper mode when no market data is supplied.
	PaperPlaceholderPrice = 100.0
	// PaperSlippage is applied to simulated market fills: buys pay more, sells receive less.
	PaperSlippage = 0.001
	// MinOrderNotional is the noise floor below which orders are dropped.
	MinOrderNotional = 1.0

	maxExecutionHistory = 500
	positionDust        = 1e-9
)

// Publisher receives the bot's events. The engine wires it to the event bus.
type Publisher interface {
	PublishOrderFilled(order *models.Order)
	PublishExecution(exec *models.Execution)
	SaveBotState(state *models.BotState)
}

// Options are the collaborators and engine settings a bot runs with.
type Options struct {
	Broker               exchange.Broker
	Publisher            Publisher
	PaperMode            bool    // global paper flag; OR-ed with the bot's own PaperTrading
	RequireApprovalAbove float64 // live orders above this notional are rejected; 0 disables
	Clock                func() time.Time
	Logger               *zap.Logger
}

// Bot runs the shared execution pipeline around one strategy.
type Bot struct {
	mu sync.Mutex

	id        string
	config    *models.BotConfig
	strategy  Strategy
	broker    exchange.Broker
	publisher Publisher
	paper     bool
	approval  float64
	now       func() time.Time
	logger    *zap.Logger

	status      models.BotStatus
	positions   map[string]*models.Position
	dailyTrades int
	dailyLoss   float64
	counterDay  string
	realizedPnL float64
	executions  []*models.Execution
	execCount   int
}

// New creates a bot in PAUSED state.
func New(cfg *models.BotConfig, strategy Strategy, opts Options) *Bot {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bot{
		id:        cfg.BotID,
		config:    cfg.Clone(),
		strategy:  strategy,
		broker:    opts.Broker,
		publisher: opts.Publisher,
		paper:     opts.PaperMode,
		approval:  opts.RequireApprovalAbove,
		now:       opts.Clock,
		logger:    opts.Logger.With(zap.String("bot_id", cfg.BotID)),
		status:    models.BotPaused,
		positions: make(map[string]*models.Position),
	}
}

// ID returns the bot id.
func (b *Bot) ID() string {
	return b.id
}

// Config returns a copy of the bot configuration.
func (b *Bot) Config() *models.BotConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config.Clone()
}

// Status returns the lifecycle status.
func (b *Bot) Status() models.BotStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// SetStatus transitions the bot. It never interrupts an execution in flight.
func (b *Bot) SetStatus(s models.BotStatus) {
	b.mu.Lock()
	old := b.status
	b.status = s
	b.mu.Unlock()
	if old != s {
		b.logger.Info("Bot status changed", zap.String("from", string(old)), zap.String("to", string(s)))
		b.saveState()
	}
}

// SetPaperMode updates the global paper flag.
func (b *Bot) SetPaperMode(paper bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paper = paper
}

// SetApprovalThreshold updates the live notional above which orders are rejected.
func (b *Bot) SetApprovalThreshold(notional float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.approval = notional
}

// IsPaper reports whether fills are simulated for this bot.
func (b *Bot) IsPaper() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isPaperLocked()
}

func (b *Bot) isPaperLocked() bool {
	return b.paper || b.config.PaperTrading
}

// Reconfigure swaps the configuration and strategy. Positions and counters are kept, and
// strategy state is carried over when both strategies support it.
func (b *Bot) Reconfigure(cfg *models.BotConfig, strategy Strategy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if from, ok := b.strategy.(Stateful); ok {
		if to, ok := strategy.(Stateful); ok {
			if raw, err := from.ExportState(); err == nil {
				if err := to.ImportState(raw); err != nil {
					b.logger.Warn("Strategy state not carried over", zap.Error(err))
				}
			}
		}
	}
	b.config = cfg.Clone()
	b.strategy = strategy
}

// SetEnabled flips the config's Enabled flag.
func (b *Bot) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config.Enabled = enabled
}

// RecordSkipped records and publishes a SKIPPED execution without running the pipeline.
// The engine uses it for runs it refuses before they reach the bot.
func (b *Bot) RecordSkipped(trigger models.TriggerReason, reason string) *models.Execution {
	now := b.now()
	exec := &models.Execution{
		ID:            models.NewID("exec"),
		BotID:         b.id,
		TriggerReason: trigger,
		Status:        models.ExecutionSkipped,
		ErrorMessage:  reason,
		StartedAt:     now,
		FinishedAt:    now,
	}
	b.mu.Lock()
	b.appendExecutionLocked(exec)
	b.mu.Unlock()

	b.logger.Info("Execution skipped", zap.String("execution_id", exec.ID), zap.String("reason", reason))
	if b.publisher != nil {
		b.publisher.PublishExecution(exec)
	}
	return exec
}

func (b *Bot) appendExecutionLocked(exec *models.Execution) {
	b.executions = append(b.executions, exec.Clone())
	if over := len(b.executions) - maxExecutionHistory; over > 0 {
		b.executions = append([]*models.Execution(nil), b.executions[over:]...)
	}
	b.execCount++
}

// Execute runs the pipeline once. It always returns a terminal execution and never panics.
func (b *Bot) Execute(ctx context.Context, data models.MarketData, trigger models.TriggerReason) *models.Execution {
	exec := &models.Execution{
		ID:            models.NewID("exec"),
		BotID:         b.id,
		TriggerReason: trigger,
		Status:        models.ExecutionRunning,
		StartedAt:     b.now(),
	}

	var filled []*models.Order
	func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		defer func() {
			if r := recover(); r != nil {
				exec.Status = models.ExecutionFailed
				exec.ErrorMessage = fmt.Sprintf("panic: %v", r)
				b.logger.Error("Execution panicked", zap.String("execution_id", exec.ID), zap.Any("panic", r))
			}
		}()
		filled = b.runLocked(ctx, data, exec)
	}()

	exec.FinishedAt = b.now()
	b.mu.Lock()
	b.appendExecutionLocked(exec)
	b.mu.Unlock()

	b.logger.Info("Execution finished",
		zap.String("execution_id", exec.ID),
		zap.String("trigger", string(trigger)),
		zap.String("status", string(exec.Status)),
		zap.Int("orders", len(exec.Orders)),
		zap.Int("filled", len(filled)),
		zap.String("error", exec.ErrorMessage))

	if b.publisher != nil {
		for _, o := range filled {
			b.publisher.PublishOrderFilled(o)
		}
		b.publisher.PublishExecution(exec)
	}
	b.saveState()
	return exec
}

// runLocked is the body of Execute. It returns copies of the orders that filled.
func (b *Bot) runLocked(ctx context.Context, data models.MarketData, exec *models.Execution) []*models.Order {
	now := exec.StartedAt
	b.rollDailyCountersLocked(now)

	if reason := b.preflightLocked(); reason != "" {
		exec.Status = models.ExecutionSkipped
		exec.ErrorMessage = reason
		return nil
	}

	data = b.marketDataLocked(ctx, data, exec)
	b.markPositionsLocked(data, now)

	orders, err := b.strategy.GenerateOrders(Input{Now: now, Data: data, Positions: b.positionCopiesLocked()})
	if err != nil {
		exec.Status = models.ExecutionFailed
		exec.ErrorMessage = fmt.Sprintf("generate orders: %v", err)
		return nil
	}
	if len(orders) == 0 {
		exec.Status = models.ExecutionSuccess
		exec.Warnings = append(exec.Warnings, "no orders generated")
		return nil
	}

	paper := b.isPaperLocked()
	orders = b.applyRiskLocked(orders, data, paper, exec, now)
	exec.Orders = orders

	var filled []*models.Order
	attempted := 0
	for _, o := range orders {
		attempted++
		if o.Status == models.OrderRejected {
			continue
		}
		if paper {
			b.simulateFill(o, now)
		} else {
			b.placeLive(ctx, o, now)
		}
		if !o.IsFilled() {
			continue
		}
		exec.RealizedPnL += b.applyFillLocked(o, now)
		b.dailyTrades++
		if obs, ok := b.strategy.(FillObserver); ok {
			obs.OnOrderFilled(o)
		}
		cp := *o
		filled = append(filled, &cp)
	}

	switch {
	case attempted == 0:
		exec.Status = models.ExecutionSuccess
		exec.Warnings = append(exec.Warnings, "all orders dropped by risk checks")
	case len(filled) == attempted:
		exec.Status = models.ExecutionSuccess
	case len(filled) > 0:
		exec.Status = models.ExecutionPartial
	default:
		exec.Status = models.ExecutionFailed
		if exec.ErrorMessage == "" {
			exec.ErrorMessage = "no orders filled"
		}
	}
	return filled
}

func (b *Bot) rollDailyCountersLocked(now time.Time) {
	day := models.UTCDay(now)
	if b.counterDay == day {
		return
	}
	if b.counterDay != "" {
		b.logger.Debug("Daily counters reset", zap.String("previous_day", b.counterDay), zap.String("day", day))
	}
	b.counterDay = day
	b.dailyTrades = 0
	b.dailyLoss = 0
}

// preflightLocked returns a skip reason, or "" when the bot may run.
func (b *Bot) preflightLocked() string {
	if b.status != models.BotActive {
		return fmt.Sprintf("bot is %s", b.status)
	}
	risk := b.config.Risk
	if b.dailyTrades >= risk.MaxDailyTrades {
		return fmt.Sprintf("daily trade limit reached (%d/%d)", b.dailyTrades, risk.MaxDailyTrades)
	}
	if b.dailyLoss >= risk.MaxDailyLoss {
		return fmt.Sprintf("daily loss limit reached (%.2f/%.2f)", b.dailyLoss, risk.MaxDailyLoss)
	}
	return ""
}

// symbolsLocked is every symbol the bot trades or holds.
func (b *Bot) symbolsLocked() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b.config.Symbols {
		add(s)
	}
	if b.config.DCA != nil {
		for s := range b.config.DCA.Allocations {
			add(s)
		}
	}
	if b.config.Rebalance != nil {
		for s := range b.config.Rebalance.TargetAllocations {
			add(s)
		}
	}
	if b.config.Grid != nil {
		add(b.config.Grid.Symbol)
	}
	for s := range b.positions {
		add(s)
	}
	sort.Strings(out)
	return out
}

// marketDataLocked completes the supplied data with the bot's symbols that it lacks, using broker
// quotes (live) or flat placeholders (paper). Supplied snapshots are passed through untouched.
func (b *Bot) marketDataLocked(ctx context.Context, data models.MarketData, exec *models.Execution) models.MarketData {
	out := make(models.MarketData, len(data))
	for s, snap := range data {
		out[s] = snap
	}
	var missing []string
	for _, s := range b.symbolsLocked() {
		if _, ok := out.Price(s); !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return out
	}
	now := exec.StartedAt

	// A supplied snapshot without a price keeps its indicators.
	priced := func(s string) *models.MarketSnapshot {
		snap := &models.MarketSnapshot{Symbol: s}
		if prev := out[s]; prev != nil {
			cp := *prev
			snap = &cp
		}
		out[s] = snap
		return snap
	}

	if b.isPaperLocked() || b.broker == nil {
		for _, s := range missing {
			snap := priced(s)
			snap.Price, snap.Bid, snap.Ask, snap.Timestamp = PaperPlaceholderPrice, PaperPlaceholderPrice, PaperPlaceholderPrice, now
		}
		return out
	}

	for _, s := range missing {
		q, err := b.broker.GetQuote(ctx, s)
		if err != nil {
			exec.Warnings = append(exec.Warnings, fmt.Sprintf("quote for %s unavailable: %v", s, err))
			continue
		}
		snap := priced(s)
		snap.Price, snap.Bid, snap.Ask, snap.Volume, snap.Timestamp = q.Price, q.Bid, q.Ask, q.Volume, q.Timestamp
	}
	return out
}

func (b *Bot) markPositionsLocked(data models.MarketData, now time.Time) {
	for sym, p := range b.positions {
		if price, ok := data.Price(sym); ok {
			p.CurrentPrice = price
			p.LastUpdated = now
		}
	}
}

func (b *Bot) positionCopiesLocked() map[string]*models.Position {
	out := make(map[string]*models.Position, len(b.positions))
	for s, p := range b.positions {
		cp := *p
		out[s] = &cp
	}
	return out
}

// applyRiskLocked prices, clamps and filters orders. Orders below the noise floor are dropped;
// orders needing approval are kept as REJECTED so they show up on the execution.
func (b *Bot) applyRiskLocked(orders []*models.Order, data models.MarketData, paper bool, exec *models.Execution, now time.Time) []*models.Order {
	maxNotional := b.config.Risk.MaxPositionSize
	kept := make([]*models.Order, 0, len(orders))

	for _, o := range orders {
		if o == nil {
			continue
		}
		if o.ID == "" {
			o.ID = models.NewID("ord")
		}
		o.BotID = b.config.BotID
		o.CreatedAt = now
		if o.OrderType == "" {
			o.OrderType = models.Market
		}
		o.Status = models.OrderPending

		price := o.LimitPrice
		if price <= 0 {
			if p, ok := data.Price(o.Symbol); ok {
				price = p
			}
		}
		if price <= 0 {
			exec.Warnings = append(exec.Warnings, fmt.Sprintf("dropped %s %s: no price", o.Side, o.Symbol))
			continue
		}
		o.LimitPrice = price

		if o.Side == models.Sell {
			held := 0.0
			if p, ok := b.positions[o.Symbol]; ok {
				held = p.Quantity
			}
			if held <= positionDust {
				exec.Warnings = append(exec.Warnings, fmt.Sprintf("dropped SELL %s: no position", o.Symbol))
				continue
			}
			if o.Quantity > held {
				o.Quantity = held
			}
		}

		if notional := o.Quantity * price; notional > maxNotional {
			clamped := truncate(maxNotional/price, 8)
			exec.Warnings = append(exec.Warnings, fmt.Sprintf("%s %s quantity clamped from %.8f to %.8f by max position size", o.Side, o.Symbol, o.Quantity, clamped))
			o.Quantity = clamped
		}
		if o.Quantity*price < MinOrderNotional {
			exec.Warnings = append(exec.Warnings, fmt.Sprintf("dropped %s %s: notional %.2f below %.2f", o.Side, o.Symbol, o.Quantity*price, MinOrderNotional))
			continue
		}
		if !paper && b.approval > 0 && o.Quantity*price > b.approval {
			o.Status = models.OrderRejected
			o.ErrorMessage = fmt.Sprintf("requires approval: notional %.2f above %.2f", o.Quantity*price, b.approval)
		}
		kept = append(kept, o)
	}
	return kept
}

// simulateFill fills market orders at the reference price with fixed slippage and limit orders
// exactly at their limit.
func (b *Bot) simulateFill(o *models.Order, now time.Time) {
	price := o.LimitPrice
	if o.OrderType == models.Market {
		if o.Side == models.Buy {
			price *= 1 + PaperSlippage
		} else {
			price *= 1 - PaperSlippage
		}
	}
	o.Status = models.OrderFilled
	o.FilledQuantity = o.Quantity
	o.FilledPrice = price
	o.FilledAt = now
}

// placeLive sends the order to the broker. Failures reject this order only.
func (b *Bot) placeLive(ctx context.Context, o *models.Order, now time.Time) {
	if b.broker == nil {
		o.Status = models.OrderRejected
		o.ErrorMessage = "no broker configured"
		return
	}
	o.Status = models.OrderSubmitted
	res, err := b.broker.PlaceOrder(ctx, exchange.OrderRequest{
		ClientOrderID: o.ID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Quantity:      o.Quantity,
		OrderType:     o.OrderType,
		LimitPrice:    o.LimitPrice,
	})
	if err != nil {
		o.Status = models.OrderRejected
		o.ErrorMessage = err.Error()
		b.logger.Warn("Order rejected by broker", zap.String("order", o.String()), zap.Error(err))
		return
	}

	o.FilledQuantity = res.FilledQuantity
	o.FilledPrice = res.FilledPrice
	if o.FilledPrice <= 0 && o.FilledQuantity > 0 {
		o.FilledPrice = o.LimitPrice
	}
	o.Status = res.Status
	if o.FilledQuantity > 0 {
		o.FilledAt = now
		if o.Status != models.OrderFilled {
			o.Status = models.OrderPartiallyFilled
		}
		if o.FilledQuantity >= o.Quantity-positionDust {
			o.Status = models.OrderFilled
		}
	}
}

// applyFillLocked folds a fill into the position: weighted-average cost on buys, proportional
// reduction or full close on sells. It returns the realized PnL.
func (b *Bot) applyFillLocked(o *models.Order, now time.Time) float64 {
	p, ok := b.positions[o.Symbol]
	if !ok {
		p = &models.Position{Symbol: o.Symbol}
	}

	var pnl float64
	if o.Side == models.Buy {
		newQty := p.Quantity + o.FilledQuantity
		p.AvgCost = (p.AvgCost*p.Quantity + o.FilledPrice*o.FilledQuantity) / newQty
		p.Quantity = newQty
	} else {
		qty := o.FilledQuantity
		if qty > p.Quantity {
			qty = p.Quantity
		}
		pnl = (o.FilledPrice - p.AvgCost) * qty
		p.Quantity -= qty
		p.RealizedPnL += pnl
	}
	p.CurrentPrice = o.FilledPrice
	p.LastUpdated = now

	if p.Quantity <= positionDust {
		delete(b.positions, o.Symbol)
	} else {
		b.positions[o.Symbol] = p
	}

	b.realizedPnL += pnl
	if pnl < 0 {
		b.dailyLoss += -pnl
	}
	return pnl
}

// Positions returns copies of the open positions sorted by symbol.
func (b *Bot) Positions() []*models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedPositionsLocked()
}

func (b *Bot) sortedPositionsLocked() []*models.Position {
	out := make([]*models.Position, 0, len(b.positions))
	for _, p := range b.positions {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Executions returns up to limit of the most recent executions, oldest first.
func (b *Bot) Executions(limit int) []*models.Execution {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.executions
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]*models.Execution, len(list))
	for i, e := range list {
		out[i] = e.Clone()
	}
	return out
}

// Summary returns a read-only view of the bot.
func (b *Bot) Summary() *models.BotSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &models.BotSummary{
		BotID:          b.config.BotID,
		Name:           b.config.Name,
		BotType:        b.config.BotType,
		Status:         b.status,
		Symbols:        append([]string(nil), b.config.Symbols...),
		Positions:      b.sortedPositionsLocked(),
		ExecutionCount: b.execCount,
		DailyTrades:    b.dailyTrades,
		DailyLoss:      b.dailyLoss,
		RealizedPnL:    b.realizedPnL,
	}
}

// State returns a snapshot for persistence.
func (b *Bot) State() *models.BotState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := &models.BotState{
		BotID:          b.config.BotID,
		Status:         b.status,
		Positions:      b.sortedPositionsLocked(),
		DailyTrades:    b.dailyTrades,
		DailyLoss:      b.dailyLoss,
		CounterDay:     b.counterDay,
		RealizedPnL:    b.realizedPnL,
		LastUpdateTime: b.now(),
	}
	if s, ok := b.strategy.(Stateful); ok {
		raw, err := s.ExportState()
		if err != nil {
			b.logger.Warn("Could not export strategy state", zap.Error(err))
		} else {
			state.StrategyState = raw
		}
	}
	return state
}

// RestoreState loads a persisted snapshot. The status is not restored; the engine decides it.
func (b *Bot) RestoreState(state *models.BotState) error {
	if state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[string]*models.Position, len(state.Positions))
	for _, p := range state.Positions {
		cp := *p
		b.positions[p.Symbol] = &cp
	}
	b.dailyTrades = state.DailyTrades
	b.dailyLoss = state.DailyLoss
	b.counterDay = state.CounterDay
	b.realizedPnL = state.RealizedPnL
	if s, ok := b.strategy.(Stateful); ok && len(state.StrategyState) > 0 {
		if err := s.ImportState(state.StrategyState); err != nil {
			return fmt.Errorf("restore strategy state for %s: %w", b.config.BotID, err)
		}
	}
	return nil
}

// RestoreHistory seeds the in-memory execution history with stored executions, oldest first.
func (b *Bot) RestoreHistory(execs []*models.Execution) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range execs {
		b.appendExecutionLocked(e)
	}
}

// ExecutedToday returns the daily trade counter as of now, honouring day rollover.
func (b *Bot) ExecutedToday() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.counterDay != models.UTCDay(b.now()) {
		return 0
	}
	return b.dailyTrades
}

func (b *Bot) saveState() {
	if b.publisher == nil {
		return
	}
	b.publisher.SaveBotState(b.State())
}

func truncate(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Truncate(places).Float64()
	return f
}
