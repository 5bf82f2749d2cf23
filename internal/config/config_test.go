package config

import (
	"os"
	"path/filepath"
	"testing"

	"strategy-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"tick_interval_sec": 10,
		"engine": {"paper_mode": false, "max_concurrent_orders": 5},
		"bots": [
			{
				"bot_id": "dca-spy",
				"bot_type": "DCA",
				"symbols": ["SPY"],
				"dca": {"amount_per_period": 500, "allocations": {"SPY": 1}},
				"schedule": {"frequency": "weekly", "day_of_week": 0},
				"enabled": true
			},
			{
				"bot_id": "locked",
				"bot_type": "DCA",
				"dca": {"amount_per_period": 100},
				"risk": {"max_daily_trades": 0}
			}
		]
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.TickIntervalSec)
	assert.Equal(t, "America/New_York", cfg.Timezone)
	assert.Equal(t, "USDT", cfg.Exchange.QuoteAsset)
	assert.False(t, cfg.Engine.PaperMode)
	assert.Equal(t, 5, cfg.Engine.MaxConcurrentOrders)
	assert.Equal(t, "09:30", cfg.Engine.TradingHoursStart, "absent engine fields keep defaults")

	require.Len(t, cfg.Bots, 2)
	spy := cfg.Bots[0]
	assert.Equal(t, models.Weekly, spy.Schedule.Frequency)
	assert.Equal(t, models.MarketOpen, spy.Schedule.ExecutionTime)
	assert.True(t, spy.Schedule.SkipHolidays)
	assert.Equal(t, models.DefaultRiskConfig(), spy.Risk, "absent risk section takes defaults")

	locked := cfg.Bots[1]
	assert.Equal(t, 0, locked.Risk.MaxDailyTrades, "explicit zero is kept")
	assert.Equal(t, 1000.0, locked.Risk.MaxDailyLoss)
}

func TestLoadConfigRejectsInvalidFiles(t *testing.T) {
	cases := map[string]string{
		"unknown field":   `{"tick_interval": 5}`,
		"bad timezone":    `{"timezone": "Mars/Olympus"}`,
		"bad holiday":     `{"extra_holidays": ["2024-13-01"]}`,
		"empty hours":     `{"engine": {"trading_hours_start": "16:00", "trading_hours_end": "09:30"}}`,
		"slash in id":     `{"bots": [{"bot_id": "a/b", "bot_type": "DCA"}]}`,
		"duplicate id":    `{"bots": [{"bot_id": "a", "bot_type": "DCA"}, {"bot_id": "a", "bot_type": "GRID"}]}`,
		"missing type":    `{"bots": [{"bot_id": "a"}]}`,
		"bad frequency":   `{"bots": [{"bot_id": "a", "bot_type": "DCA", "schedule": {"frequency": "yearly"}}]}`,
		"negative risk":   `{"bots": [{"bot_id": "a", "bot_type": "DCA", "risk": {"max_daily_loss": -1}}]}`,
		"zero tick":       `{"tick_interval_sec": 0}`,
		"negative budget": `{"engine": {"max_concurrent_orders": -1}}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "config.json", content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateBotAllowsEmptyID(t *testing.T) {
	b := &models.BotConfig{BotType: models.BotTypeGrid, Schedule: models.DefaultScheduleConfig(), Risk: models.DefaultRiskConfig()}
	assert.NoError(t, ValidateBot(b))
}

func TestLoadSecrets(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_SECRET_KEY", "")

	_, _, err := LoadSecrets(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorIs(t, err, ErrMissingCredentials)

	env := writeFile(t, ".env", "BINANCE_API_KEY=key\nBINANCE_SECRET_KEY=secret\n")
	// godotenv does not override variables that are already set, even to "".
	require.NoError(t, os.Unsetenv("BINANCE_API_KEY"))
	require.NoError(t, os.Unsetenv("BINANCE_SECRET_KEY"))
	key, secret, err := LoadSecrets(env)
	require.NoError(t, err)
	assert.Equal(t, "key", key)
	assert.Equal(t, "secret", secret)
}
