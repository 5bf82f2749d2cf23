package bot

import (
	"testing"

	"strategy-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func rebalanceConfig(targets map[string]float64, method models.RebalanceMethod) *models.BotConfig {
	return &models.BotConfig{
		BotID:   "balanced",
		BotType: models.BotTypeRebalance,
		Rebalance: &models.RebalanceConfig{
			TargetAllocations: targets,
			DriftThreshold:    0.05,
			Method:            method,
			InitialInvestment: 10000,
		},
		Schedule: models.DefaultScheduleConfig(),
		Risk:     models.DefaultRiskConfig(),
	}
}

func newRebalance(t *testing.T, cfg *models.BotConfig) *Rebalance {
	t.Helper()
	r, err := NewRebalance(cfg, zap.NewNop())
	require.NoError(t, err)
	return r
}

func prices(p map[string]float64) models.MarketData {
	out := models.MarketData{}
	for s, v := range p {
		out[s] = &models.MarketSnapshot{Symbol: s, Price: v}
	}
	return out
}

func positions(p map[string][2]float64) map[string]*models.Position {
	out := map[string]*models.Position{}
	for s, v := range p {
		out[s] = &models.Position{Symbol: s, Quantity: v[0], AvgCost: v[1]}
	}
	return out
}

func TestRebalanceDeploysInitialInvestmentWhenFlat(t *testing.T) {
	r := newRebalance(t, rebalanceConfig(map[string]float64{"SPY": 0.6, "BND": 0.4}, models.RebalanceFull))

	orders, err := r.GenerateOrders(Input{Data: prices(map[string]float64{"SPY": 500, "BND": 80})})

	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "BND", orders[0].Symbol)
	assert.Equal(t, 50.0, orders[0].Quantity)
	assert.Equal(t, "SPY", orders[1].Symbol)
	assert.Equal(t, 12.0, orders[1].Quantity)
	for _, o := range orders {
		assert.Equal(t, models.Buy, o.Side)
	}
}

func TestRebalanceSellsBeforeBuys(t *testing.T) {
	r := newRebalance(t, rebalanceConfig(map[string]float64{"AAA": 0.5, "ZZZ": 0.5}, models.RebalanceFull))

	orders, err := r.GenerateOrders(Input{
		Data:      prices(map[string]float64{"AAA": 100, "ZZZ": 100}),
		Positions: positions(map[string][2]float64{"AAA": {20, 100}, "ZZZ": {80, 100}}),
	})

	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, models.Sell, orders[0].Side)
	assert.Equal(t, "ZZZ", orders[0].Symbol)
	assert.Equal(t, 30.0, orders[0].Quantity)
	assert.Equal(t, models.Buy, orders[1].Side)
	assert.Equal(t, "AAA", orders[1].Symbol)
	assert.Equal(t, 30.0, orders[1].Quantity)
}

func TestRebalanceNoOrdersWithinThreshold(t *testing.T) {
	r := newRebalance(t, rebalanceConfig(map[string]float64{"SPY": 0.5, "BND": 0.5}, models.RebalanceFull))

	orders, err := r.GenerateOrders(Input{
		Data:      prices(map[string]float64{"SPY": 100, "BND": 100}),
		Positions: positions(map[string][2]float64{"SPY": {52, 90}, "BND": {48, 90}}),
	})

	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestRebalanceTaxAwareSellsLossesFirst(t *testing.T) {
	r := newRebalance(t, rebalanceConfig(map[string]float64{"AAA": 0.2, "BBB": 0.2, "CCC": 0.6}, models.RebalanceTaxAware))

	orders, err := r.GenerateOrders(Input{
		Data: prices(map[string]float64{"AAA": 100, "BBB": 100, "CCC": 100}),
		// AAA sits on a gain, BBB on a loss; both are overweight.
		Positions: positions(map[string][2]float64{"AAA": {40, 50}, "BBB": {40, 150}, "CCC": {20, 100}}),
	})

	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, "BBB", orders[0].Symbol)
	assert.Equal(t, models.Sell, orders[0].Side)
	assert.Equal(t, "AAA", orders[1].Symbol)
	assert.Equal(t, models.Sell, orders[1].Side)
	assert.Equal(t, "CCC", orders[2].Symbol)
	assert.Equal(t, models.Buy, orders[2].Side)
}

func TestRebalanceThresholdOnlySkipsSmallDrifts(t *testing.T) {
	r := newRebalance(t, rebalanceConfig(map[string]float64{"AAA": 0.4, "BBB": 0.3, "CCC": 0.3}, models.RebalanceThresholdOnly))

	orders, err := r.GenerateOrders(Input{
		Data:      prices(map[string]float64{"AAA": 100, "BBB": 100, "CCC": 100}),
		Positions: positions(map[string][2]float64{"AAA": {50, 100}, "BBB": {28, 100}, "CCC": {22, 100}}),
	})

	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "AAA", orders[0].Symbol)
	assert.Equal(t, "CCC", orders[1].Symbol)
}

func TestRebalanceDropsTradesBelowMinimum(t *testing.T) {
	cfg := rebalanceConfig(map[string]float64{"AAA": 0.5, "BBB": 0.5}, models.RebalanceFull)
	cfg.Rebalance.MinTradeSize = 5000
	r := newRebalance(t, cfg)

	orders, err := r.GenerateOrders(Input{
		Data:      prices(map[string]float64{"AAA": 100, "BBB": 100}),
		Positions: positions(map[string][2]float64{"AAA": {60, 100}, "BBB": {40, 100}}),
	})

	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestRebalanceSellsUntargetedHoldings(t *testing.T) {
	r := newRebalance(t, rebalanceConfig(map[string]float64{"SPY": 1}, models.RebalanceFull))

	orders, err := r.GenerateOrders(Input{
		Data:      prices(map[string]float64{"SPY": 100, "OLD": 10}),
		Positions: positions(map[string][2]float64{"SPY": {50, 100}, "OLD": {500, 10}}),
	})

	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "OLD", orders[0].Symbol)
	assert.Equal(t, models.Sell, orders[0].Side)
	assert.Equal(t, 500.0, orders[0].Quantity)
}

func TestNewRebalanceValidatesTargets(t *testing.T) {
	_, err := NewRebalance(rebalanceConfig(map[string]float64{"SPY": 0.5, "BND": 0.3}, models.RebalanceFull), zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewRebalance(rebalanceConfig(map[string]float64{"SPY": 1}, "YEARLY"), zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	r, err := NewRebalance(rebalanceConfig(map[string]float64{"SPY": 1}, ""), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, models.RebalanceFull, r.cfg.Method)
}
