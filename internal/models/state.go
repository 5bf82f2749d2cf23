package models

import (
	"encoding/json"
	"time"
)

// EngineState is the engine-wide state that survives restarts.
type EngineState struct {
	Version          int       `json:"version"`               // state model version, for future migrations
	EmergencyStopAll bool      `json:"emergency_stop_all"`    // kill switch as last set by the operator
	DailyOrderCount  int       `json:"daily_order_count"`     // orders executed on CounterDay
	CounterDay       string    `json:"counter_day"`           // UTC day the counters belong to, YYYY-MM-DD
	HaltedBots       []string  `json:"halted_bots,omitempty"` // bots the emergency stop will resume
	LastUpdateTime   time.Time `json:"last_update_time"`
}

// BotState is the per-bot state that survives restarts.
type BotState struct {
	BotID          string          `json:"bot_id"`
	Status         BotStatus       `json:"status"`
	Positions      []*Position     `json:"positions"`
	DailyTrades    int             `json:"daily_trades"`
	DailyLoss      float64         `json:"daily_loss"`
	CounterDay     string          `json:"counter_day"`
	RealizedPnL    float64         `json:"realized_pnl"`
	StrategyState  json.RawMessage `json:"strategy_state,omitempty"` // opaque, owned by the strategy
	LastUpdateTime time.Time       `json:"last_update_time"`
}

// DateLayout is the YYYY-MM-DD layout used for counter days and command line dates.
const DateLayout = "2006-01-02"

// UTCDay formats the UTC calendar day of t, the key used for daily counter rollover.
func UTCDay(t time.Time) string {
	return t.UTC().Format(DateLayout)
}
