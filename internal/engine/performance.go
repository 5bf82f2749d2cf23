package engine

import (
	"time"

	"strategy-bot-go/internal/models"
)

// Performance aggregates a bot's recorded executions.
type Performance struct {
	BotID          string                         `json:"bot_id"`
	Executions     int                            `json:"executions"`
	ByStatus       map[models.ExecutionStatus]int `json:"by_status"`
	// SUCCESS and PARTIAL runs over all runs that were not skipped
	SuccessRate    float64                        `json:"success_rate"`
	OrdersFilled   int                            `json:"orders_filled"`
	OrdersRejected int                            `json:"orders_rejected"`
	BuyVolume      float64                        `json:"buy_volume"`
	SellVolume     float64                        `json:"sell_volume"`
	RealizedPnL    float64                        `json:"realized_pnl"`
	UnrealizedPnL  float64                        `json:"unrealized_pnl"`
	WinningRuns    int                            `json:"winning_runs"`
	LosingRuns     int                            `json:"losing_runs"`
	FirstExecution *time.Time                     `json:"first_execution,omitempty"`
	LastExecution  *time.Time                     `json:"last_execution,omitempty"`
	OpenPositions  int                            `json:"open_positions"`
	PortfolioValue float64                        `json:"portfolio_value"`
}

// GetPerformance computes a performance summary from the bot's in-memory history and positions.
func (e *Engine) GetPerformance(botID string) (*Performance, error) {
	e.mu.Lock()
	b, err := e.getLocked(botID)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	summary := b.Summary()
	perf := ComputePerformance(botID, b.Executions(0), summary.Positions)
	perf.RealizedPnL = summary.RealizedPnL
	return perf, nil
}

// ComputePerformance aggregates executions and positions. RealizedPnL is summed from the
// executions; callers holding a running total may overwrite it.
func ComputePerformance(botID string, executions []*models.Execution, positions []*models.Position) *Performance {
	perf := &Performance{
		BotID:    botID,
		ByStatus: make(map[models.ExecutionStatus]int),
	}

	ran := 0
	succeeded := 0
	for _, exec := range executions {
		perf.Executions++
		perf.ByStatus[exec.Status]++
		switch exec.Status {
		case models.ExecutionSuccess, models.ExecutionPartial:
			succeeded++
			ran++
		case models.ExecutionFailed:
			ran++
		}

		for _, o := range exec.Orders {
			switch {
			case o.IsFilled():
				perf.OrdersFilled++
				notional := o.FilledQuantity * o.FilledPrice
				if o.Side == models.Buy {
					perf.BuyVolume += notional
				} else {
					perf.SellVolume += notional
				}
			case o.Status == models.OrderRejected:
				perf.OrdersRejected++
			}
		}

		perf.RealizedPnL += exec.RealizedPnL
		switch {
		case exec.RealizedPnL > 0:
			perf.WinningRuns++
		case exec.RealizedPnL < 0:
			perf.LosingRuns++
		}

		started := exec.StartedAt
		if perf.FirstExecution == nil || started.Before(*perf.FirstExecution) {
			t := started
			perf.FirstExecution = &t
		}
		if perf.LastExecution == nil || started.After(*perf.LastExecution) {
			t := started
			perf.LastExecution = &t
		}
	}
	if ran > 0 {
		perf.SuccessRate = float64(succeeded) / float64(ran)
	}

	for _, p := range positions {
		if p.Quantity <= 0 {
			continue
		}
		perf.OpenPositions++
		perf.UnrealizedPnL += p.UnrealizedPnL()
		perf.PortfolioValue += p.MarketValue()
	}
	return perf
}
