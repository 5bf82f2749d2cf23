package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"strategy-bot-go/internal/exchange"
	"strategy-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockBroker fills every order at its quote and counts calls.
type mockBroker struct {
	sync.Mutex
	prices      map[string]float64
	failSymbols map[string]error
	quoteCalls  int
	orderCalls  int
}

func newMockBroker(prices map[string]float64) *mockBroker {
	return &mockBroker{prices: prices, failSymbols: map[string]error{}}
}

func (m *mockBroker) GetQuote(ctx context.Context, symbol string) (*exchange.Quote, error) {
	m.Lock()
	defer m.Unlock()
	m.quoteCalls++
	p, ok := m.prices[symbol]
	if !ok {
		return nil, exchange.ErrNoQuote
	}
	return &exchange.Quote{Symbol: symbol, Price: p, Bid: p, Ask: p, Timestamp: time.Now()}, nil
}

func (m *mockBroker) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	m.Lock()
	defer m.Unlock()
	m.orderCalls++
	if err, ok := m.failSymbols[req.Symbol]; ok {
		return nil, err
	}
	return &exchange.OrderResult{
		ExchangeOrderID: fmt.Sprintf("x-%d", m.orderCalls),
		FilledQuantity:  req.Quantity,
		FilledPrice:     m.prices[req.Symbol],
		Status:          models.OrderFilled,
	}, nil
}

func (m *mockBroker) GetPosition(ctx context.Context, symbol string) (*exchange.Holding, error) {
	return nil, nil
}

func (m *mockBroker) GetAccount(ctx context.Context) (*exchange.Account, error) {
	return &exchange.Account{QuoteAsset: "USD"}, nil
}

func (m *mockBroker) calls() (quotes, orders int) {
	m.Lock()
	defer m.Unlock()
	return m.quoteCalls, m.orderCalls
}

// recordingPublisher keeps every event it receives.
type recordingPublisher struct {
	sync.Mutex
	fills      []*models.Order
	executions []*models.Execution
	states     []*models.BotState
}

func (p *recordingPublisher) PublishOrderFilled(o *models.Order) {
	p.Lock()
	defer p.Unlock()
	p.fills = append(p.fills, o)
}

func (p *recordingPublisher) PublishExecution(e *models.Execution) {
	p.Lock()
	defer p.Unlock()
	p.executions = append(p.executions, e)
}

func (p *recordingPublisher) SaveBotState(s *models.BotState) {
	p.Lock()
	defer p.Unlock()
	p.states = append(p.states, s)
}

type strategyFunc func(in Input) ([]*models.Order, error)

func (f strategyFunc) GenerateOrders(in Input) ([]*models.Order, error) { return f(in) }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func dcaConfig(amount float64) *models.BotConfig {
	return &models.BotConfig{
		BotID:    "dca-spy",
		Name:     "SPY accumulation",
		BotType:  models.BotTypeDCA,
		Symbols:  []string{"SPY"},
		DCA:      &models.DCAConfig{AmountPerPeriod: amount, Allocations: map[string]float64{"SPY": 1}},
		Schedule: models.DefaultScheduleConfig(),
		Risk:     models.DefaultRiskConfig(),
		Enabled:  true,
	}
}

func spyAt(price float64) models.MarketData {
	return models.MarketData{"SPY": {Symbol: "SPY", Price: price}}
}

func newTestBot(t *testing.T, cfg *models.BotConfig, opts Options) *Bot {
	t.Helper()
	strategy, err := DefaultRegistry().Build(cfg, zap.NewNop())
	require.NoError(t, err)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	b := New(cfg, strategy, opts)
	b.SetStatus(models.BotActive)
	return b
}

func TestExecuteSkipsAtZeroDailyTradeLimit(t *testing.T) {
	cfg := dcaConfig(500)
	cfg.Risk.MaxDailyTrades = 0
	broker := newMockBroker(map[string]float64{"SPY": 450})
	b := newTestBot(t, cfg, Options{Broker: broker})

	exec := b.Execute(context.Background(), nil, models.TriggerManual)

	assert.Equal(t, models.ExecutionSkipped, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "daily trade limit")
	assert.Empty(t, exec.Orders)
	quotes, orders := broker.calls()
	assert.Zero(t, quotes)
	assert.Zero(t, orders)
}

func TestExecuteSkipsInactiveBot(t *testing.T) {
	b := newTestBot(t, dcaConfig(500), Options{PaperMode: true})
	b.SetStatus(models.BotPaused)

	exec := b.Execute(context.Background(), spyAt(450), models.TriggerManual)

	assert.Equal(t, models.ExecutionSkipped, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "PAUSED")
}

func TestPaperMarketFillsWithSlippage(t *testing.T) {
	pub := &recordingPublisher{}
	b := newTestBot(t, dcaConfig(500), Options{PaperMode: true, Publisher: pub})

	exec := b.Execute(context.Background(), spyAt(450), models.TriggerScheduled)

	require.Equal(t, models.ExecutionSuccess, exec.Status)
	require.Len(t, exec.Orders, 1)
	o := exec.Orders[0]
	assert.Equal(t, models.OrderFilled, o.Status)
	assert.InDelta(t, 1.1111, o.FilledQuantity, 1e-9)
	assert.InDelta(t, 450.45, o.FilledPrice, 1e-9)

	pos := b.Positions()
	require.Len(t, pos, 1)
	assert.InDelta(t, 1.1111, pos[0].Quantity, 1e-9)
	assert.InDelta(t, 450.45, pos[0].AvgCost, 1e-9)

	assert.Len(t, pub.fills, 1)
	require.Len(t, pub.executions, 1)
	assert.Equal(t, exec.ID, pub.executions[0].ID)
	assert.NotEmpty(t, pub.states)
}

func TestPaperSellAndLimitFills(t *testing.T) {
	var next []*models.Order
	strategy := strategyFunc(func(in Input) ([]*models.Order, error) { return next, nil })
	cfg := dcaConfig(500)
	b := New(cfg, strategy, Options{PaperMode: true, Logger: zap.NewNop()})
	b.SetStatus(models.BotActive)

	next = []*models.Order{newOrder("SPY", models.Buy, 2, models.Limit, 100, "")}
	exec := b.Execute(context.Background(), spyAt(101), models.TriggerManual)
	require.Equal(t, models.ExecutionSuccess, exec.Status)
	assert.Equal(t, 100.0, exec.Orders[0].FilledPrice, "limit orders fill at the limit")

	next = []*models.Order{newOrder("SPY", models.Sell, 1, models.Market, 0, "")}
	exec = b.Execute(context.Background(), spyAt(120), models.TriggerManual)
	require.Equal(t, models.ExecutionSuccess, exec.Status)
	assert.InDelta(t, 119.88, exec.Orders[0].FilledPrice, 1e-9)
	assert.InDelta(t, 19.88, exec.RealizedPnL, 1e-9)

	pos := b.Positions()
	require.Len(t, pos, 1)
	assert.Equal(t, 1.0, pos[0].Quantity)
	assert.Equal(t, 100.0, pos[0].AvgCost, "sells keep the average cost")

	next = []*models.Order{newOrder("SPY", models.Sell, 5, models.Market, 0, "")}
	exec = b.Execute(context.Background(), spyAt(90), models.TriggerManual)
	require.Equal(t, models.ExecutionSuccess, exec.Status)
	assert.Equal(t, 1.0, exec.Orders[0].FilledQuantity, "sells are capped to the held quantity")
	assert.Empty(t, b.Positions())

	s := b.Summary()
	assert.InDelta(t, 19.88+(89.91-100), s.RealizedPnL, 1e-9)
	assert.InDelta(t, 100-89.91, s.DailyLoss, 1e-9)
	assert.Equal(t, 3, s.DailyTrades)
}

func TestRiskClampsQuantityToMaxPositionSize(t *testing.T) {
	cfg := dcaConfig(500)
	cfg.Risk.MaxPositionSize = 100
	b := newTestBot(t, cfg, Options{PaperMode: true})

	exec := b.Execute(context.Background(), spyAt(450), models.TriggerManual)

	require.Equal(t, models.ExecutionSuccess, exec.Status)
	require.Len(t, exec.Orders, 1)
	assert.InDelta(t, 0.22222222, exec.Orders[0].Quantity, 1e-12)
	assert.LessOrEqual(t, exec.Orders[0].Quantity*450, 100.0)
	require.NotEmpty(t, exec.Warnings)
	assert.Contains(t, exec.Warnings[0], "clamped")
}

func TestRiskDropsOrdersBelowOneDollar(t *testing.T) {
	b := newTestBot(t, dcaConfig(0.5), Options{PaperMode: true})

	exec := b.Execute(context.Background(), spyAt(450), models.TriggerManual)

	assert.Equal(t, models.ExecutionSuccess, exec.Status)
	assert.Empty(t, exec.Orders)
	assert.Contains(t, exec.Warnings, "all orders dropped by risk checks")
	assert.Empty(t, b.Positions())
}

func TestNoOrdersIsSuccessWithWarning(t *testing.T) {
	strategy := strategyFunc(func(in Input) ([]*models.Order, error) { return nil, nil })
	b := New(dcaConfig(500), strategy, Options{PaperMode: true})
	b.SetStatus(models.BotActive)

	exec := b.Execute(context.Background(), spyAt(450), models.TriggerManual)

	assert.Equal(t, models.ExecutionSuccess, exec.Status)
	assert.Contains(t, exec.Warnings, "no orders generated")
}

func TestPaperPlaceholderPriceWithoutData(t *testing.T) {
	broker := newMockBroker(map[string]float64{"SPY": 450})
	b := newTestBot(t, dcaConfig(500), Options{PaperMode: true, Broker: broker})

	exec := b.Execute(context.Background(), nil, models.TriggerManual)

	require.Equal(t, models.ExecutionSuccess, exec.Status)
	assert.Equal(t, PaperPlaceholderPrice, exec.Orders[0].LimitPrice)
	assert.InDelta(t, 5.0, exec.Orders[0].Quantity, 1e-9)
	quotes, orders := broker.calls()
	assert.Zero(t, quotes)
	assert.Zero(t, orders)
}

func TestSuppliedDataIsCompletedForMissingSymbols(t *testing.T) {
	var seen models.MarketData
	strategy := strategyFunc(func(in Input) ([]*models.Order, error) {
		seen = in.Data
		return nil, nil
	})
	cfg := dcaConfig(500)
	cfg.Symbols = []string{"SPY", "QQQ", "IWM"}
	broker := newMockBroker(map[string]float64{"SPY": 450, "QQQ": 400, "IWM": 200})
	b := New(cfg, strategy, Options{Broker: broker, Logger: zap.NewNop()})
	b.SetStatus(models.BotActive)

	data := models.MarketData{
		"SPY": {Symbol: "SPY", Price: 455, Indicators: map[string]float64{"rsi": 20}},
		"QQQ": {Symbol: "QQQ", Indicators: map[string]float64{"rsi": 70}},
	}
	exec := b.Execute(context.Background(), data, models.TriggerScheduled)

	require.Equal(t, models.ExecutionSuccess, exec.Status)
	require.Len(t, seen, 3)
	assert.Equal(t, 455.0, seen["SPY"].Price, "supplied prices win over quotes")
	assert.Equal(t, 20.0, seen["SPY"].Indicators["rsi"])
	assert.Equal(t, 400.0, seen["QQQ"].Price)
	assert.Equal(t, 70.0, seen["QQQ"].Indicators["rsi"], "indicators survive a quote fill")
	assert.Equal(t, 200.0, seen["IWM"].Price)
	quotes, _ := broker.calls()
	assert.Equal(t, 2, quotes)
	assert.Zero(t, data["QQQ"].Price, "the caller's snapshot is not modified")
}

func TestLiveBrokerErrorRejectsOnlyThatOrder(t *testing.T) {
	cfg := dcaConfig(1000)
	cfg.Symbols = []string{"SPY", "QQQ"}
	cfg.DCA.Allocations = map[string]float64{"SPY": 0.5, "QQQ": 0.5}
	broker := newMockBroker(map[string]float64{"SPY": 500, "QQQ": 400})
	broker.failSymbols["QQQ"] = fmt.Errorf("%w: market closed", exchange.ErrOrderRejected)
	b := newTestBot(t, cfg, Options{Broker: broker})

	exec := b.Execute(context.Background(), nil, models.TriggerScheduled)

	assert.Equal(t, models.ExecutionPartial, exec.Status)
	require.Len(t, exec.Orders, 2)
	bySymbol := map[string]*models.Order{}
	for _, o := range exec.Orders {
		bySymbol[o.Symbol] = o
	}
	assert.Equal(t, models.OrderRejected, bySymbol["QQQ"].Status)
	assert.Contains(t, bySymbol["QQQ"].ErrorMessage, "market closed")
	assert.Equal(t, models.OrderFilled, bySymbol["SPY"].Status)
	assert.Equal(t, 500.0, bySymbol["SPY"].FilledPrice)

	quotes, orders := broker.calls()
	assert.Equal(t, 2, quotes)
	assert.Equal(t, 2, orders)
}

func TestPerBotPaperOverridesLiveMode(t *testing.T) {
	cfg := dcaConfig(500)
	cfg.PaperTrading = true
	broker := newMockBroker(map[string]float64{"SPY": 450})
	b := newTestBot(t, cfg, Options{Broker: broker})

	exec := b.Execute(context.Background(), spyAt(450), models.TriggerManual)

	require.Equal(t, models.ExecutionSuccess, exec.Status)
	_, orders := broker.calls()
	assert.Zero(t, orders)
	assert.True(t, b.IsPaper())
}

func TestLiveOrderAboveApprovalThresholdIsRejected(t *testing.T) {
	broker := newMockBroker(map[string]float64{"SPY": 450})
	b := newTestBot(t, dcaConfig(500), Options{Broker: broker, RequireApprovalAbove: 100})

	exec := b.Execute(context.Background(), nil, models.TriggerManual)

	assert.Equal(t, models.ExecutionFailed, exec.Status)
	require.Len(t, exec.Orders, 1)
	assert.Equal(t, models.OrderRejected, exec.Orders[0].Status)
	assert.Contains(t, exec.Orders[0].ErrorMessage, "requires approval")
	_, orders := broker.calls()
	assert.Zero(t, orders)
}

func TestStrategyPanicBecomesFailedExecution(t *testing.T) {
	strategy := strategyFunc(func(in Input) ([]*models.Order, error) { panic("index out of range") })
	pub := &recordingPublisher{}
	b := New(dcaConfig(500), strategy, Options{PaperMode: true, Publisher: pub})
	b.SetStatus(models.BotActive)

	var exec *models.Execution
	require.NotPanics(t, func() {
		exec = b.Execute(context.Background(), spyAt(450), models.TriggerManual)
	})
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "index out of range")
	assert.False(t, exec.FinishedAt.IsZero())
	assert.Len(t, pub.executions, 1)

	// The bot stays usable after a panic.
	exec = b.Execute(context.Background(), spyAt(450), models.TriggerManual)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
}

func TestStrategyErrorBecomesFailedExecution(t *testing.T) {
	strategy := strategyFunc(func(in Input) ([]*models.Order, error) { return nil, errors.New("bad input") })
	b := New(dcaConfig(500), strategy, Options{PaperMode: true})
	b.SetStatus(models.BotActive)

	exec := b.Execute(context.Background(), spyAt(450), models.TriggerManual)

	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "bad input")
}

func TestDailyCountersResetOnUTCDayRollover(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 6, 12, 14, 0, 0, 0, time.UTC)}
	cfg := dcaConfig(500)
	cfg.Risk.MaxDailyTrades = 1
	b := newTestBot(t, cfg, Options{PaperMode: true, Clock: clock.Now})

	assert.Equal(t, models.ExecutionSuccess, b.Execute(context.Background(), spyAt(450), models.TriggerManual).Status)
	clock.Advance(time.Hour)
	assert.Equal(t, models.ExecutionSkipped, b.Execute(context.Background(), spyAt(450), models.TriggerManual).Status)
	assert.Equal(t, 1, b.ExecutedToday())

	clock.Advance(10 * time.Hour) // 2024-06-13 01:00 UTC
	assert.Equal(t, 0, b.ExecutedToday())
	assert.Equal(t, models.ExecutionSuccess, b.Execute(context.Background(), spyAt(450), models.TriggerManual).Status)
	assert.Equal(t, 1, b.Summary().DailyTrades)
}

func TestDailyLossLimitSkips(t *testing.T) {
	b := newTestBot(t, dcaConfig(500), Options{PaperMode: true})
	require.NoError(t, b.RestoreState(&models.BotState{
		BotID:      "dca-spy",
		DailyLoss:  1000,
		CounterDay: models.UTCDay(time.Now()),
	}))

	exec := b.Execute(context.Background(), spyAt(450), models.TriggerManual)

	assert.Equal(t, models.ExecutionSkipped, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "daily loss limit")
}

func TestStateRoundTripIncludesStrategyState(t *testing.T) {
	cfg := gridConfig()
	b := newTestBot(t, cfg, Options{PaperMode: true})

	exec := b.Execute(context.Background(), models.MarketData{"ETHUSDT": {Symbol: "ETHUSDT", Price: 2100}}, models.TriggerManual)
	require.Equal(t, models.ExecutionSuccess, exec.Status)
	state := b.State()
	require.NotEmpty(t, state.StrategyState)
	require.NotEmpty(t, state.Positions)

	restored := newTestBot(t, cfg, Options{PaperMode: true})
	require.NoError(t, restored.RestoreState(state))

	assert.Equal(t, b.Positions(), restored.Positions())
	orig, _ := b.strategy.(*Grid)
	again, _ := restored.strategy.(*Grid)
	assert.Equal(t, orig.Levels(), again.Levels())
}

func TestExecutionHistoryIsRecorded(t *testing.T) {
	b := newTestBot(t, dcaConfig(500), Options{PaperMode: true})
	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), spyAt(450), models.TriggerManual)
	}

	all := b.Executions(0)
	require.Len(t, all, 3)
	last := b.Executions(1)
	require.Len(t, last, 1)
	assert.Equal(t, all[2].ID, last[0].ID)
	assert.Equal(t, 3, b.Summary().ExecutionCount)
}
