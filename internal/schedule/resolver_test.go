package schedule

import (
	"testing"
	"time"

	"strategy-bot-go/internal/calendar"
	"strategy-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func plainSchedule(freq models.Frequency) models.ScheduleConfig {
	return models.ScheduleConfig{
		Frequency:     freq,
		DayOfMonth:    1,
		ExecutionTime: models.MarketOpen,
	}
}

func TestWeeklyFromWednesdayLandsOnNextMonday(t *testing.T) {
	cfg := models.DefaultScheduleConfig()
	cfg.Frequency = models.Weekly
	cfg.DayOfWeek = 0

	next, err := ComputeNextRun(cfg, at(2024, time.June, 12, 10, 0), calendar.NewUSMarket())
	require.NoError(t, err)
	assert.Equal(t, at(2024, time.June, 17, 9, 30), next)
	assert.Equal(t, time.Monday, next.Weekday())
}

func TestWeeklyAlwaysOnConfiguredWeekday(t *testing.T) {
	base := at(2024, time.March, 1, 0, 0)
	for dow := 0; dow < 7; dow++ {
		cfg := plainSchedule(models.Weekly)
		cfg.DayOfWeek = dow
		want := time.Weekday((dow + 1) % 7)

		for h := 0; h < 24*21; h += 7 {
			after := base.Add(time.Duration(h) * time.Hour)
			next, err := ComputeNextRun(cfg, after, nil)
			require.NoError(t, err)
			assert.Equal(t, want, next.Weekday(), "dow=%d after=%s", dow, after)
			assert.True(t, next.After(after), "dow=%d after=%s next=%s", dow, after, next)
			assert.True(t, next.Sub(after) <= 8*24*time.Hour)
		}
	}
}

func TestBiweeklyOnSameWeekdayAddsTwoWeeks(t *testing.T) {
	cfg := plainSchedule(models.Biweekly)
	cfg.DayOfWeek = 0

	next, err := ComputeNextRun(cfg, at(2024, time.June, 17, 8, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, time.July, 1, 9, 30), next)
}

func TestMonthlyNeverPastDay28(t *testing.T) {
	cfg := plainSchedule(models.Monthly)
	cfg.DayOfMonth = 31

	after := at(2024, time.January, 1, 0, 0)
	for i := 0; i < 24; i++ {
		next, err := ComputeNextRun(cfg, after, nil)
		require.NoError(t, err)
		assert.Equal(t, 28, next.Day())
		assert.True(t, next.After(after))
		after = next
	}
}

func TestMonthlyRollsIntoNextMonth(t *testing.T) {
	cfg := plainSchedule(models.Monthly)
	cfg.DayOfMonth = 31

	next, err := ComputeNextRun(cfg, at(2024, time.February, 29, 10, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, time.March, 28, 9, 30), next)

	// Same day but before the execution time stays in the current month.
	next, err = ComputeNextRun(cfg, at(2024, time.March, 28, 9, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, time.March, 28, 9, 30), next)
}

func TestQuarterlySnapsToNextQuarter(t *testing.T) {
	next, err := ComputeNextRun(plainSchedule(models.Quarterly), at(2024, time.May, 10, 12, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, time.July, 1, 9, 30), next)

	next, err = ComputeNextRun(plainSchedule(models.Quarterly), at(2024, time.November, 2, 12, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2025, time.January, 1, 9, 30), next)
}

func TestDailyIsStrictlyAfter(t *testing.T) {
	next, err := ComputeNextRun(plainSchedule(models.Daily), at(2024, time.June, 12, 9, 30), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, time.June, 13, 9, 30), next)

	next, err = ComputeNextRun(plainSchedule(models.Daily), at(2024, time.June, 12, 9, 29), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, time.June, 12, 9, 30), next)
}

func TestSkipsWeekendsAndHolidays(t *testing.T) {
	cal := calendar.NewUSMarket()
	cfg := models.DefaultScheduleConfig()

	next, err := ComputeNextRun(cfg, at(2024, time.June, 14, 10, 0), cal)
	require.NoError(t, err)
	assert.Equal(t, at(2024, time.June, 17, 9, 30), next)

	next, err = ComputeNextRun(cfg, at(2024, time.July, 3, 10, 0), cal)
	require.NoError(t, err)
	assert.Equal(t, at(2024, time.July, 5, 9, 30), next)

	cfg.SkipHolidays = false
	next, err = ComputeNextRun(cfg, at(2024, time.July, 3, 10, 0), cal)
	require.NoError(t, err)
	assert.Equal(t, at(2024, time.July, 4, 9, 30), next)
}

func TestExecutionTimePolicies(t *testing.T) {
	after := at(2024, time.June, 12, 0, 0)
	cases := map[models.ExecutionTime]time.Time{
		models.MarketOpen:  at(2024, time.June, 12, 9, 30),
		models.MarketClose: at(2024, time.June, 12, 15, 55),
		models.Midday:      at(2024, time.June, 12, 12, 0),
	}
	for policy, want := range cases {
		cfg := plainSchedule(models.Daily)
		cfg.ExecutionTime = policy
		next, err := ComputeNextRun(cfg, after, nil)
		require.NoError(t, err)
		assert.Equal(t, want, next, string(policy))
	}

	cfg := plainSchedule(models.Daily)
	cfg.ExecutionTime = models.CustomTime
	cfg.CustomTime = "14:05"
	next, err := ComputeNextRun(cfg, after, nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, time.June, 12, 14, 5), next)
}

func TestHourlyUsesExecutionMinute(t *testing.T) {
	cfg := plainSchedule(models.Hourly)
	cfg.ExecutionTime = models.CustomTime
	cfg.CustomTime = "00:15"

	next, err := ComputeNextRun(cfg, at(2024, time.June, 12, 10, 20), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, time.June, 12, 11, 15), next)

	cfg.SkipWeekends = true
	next, err = ComputeNextRun(cfg, at(2024, time.June, 14, 23, 30), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, time.June, 17, 0, 15), next)
}

func TestDegenerateSchedules(t *testing.T) {
	after := at(2024, time.June, 12, 10, 0)

	cfg := plainSchedule(models.Daily)
	cfg.ExecutionTime = models.CustomTime
	cfg.CustomTime = "25:00"
	_, err := ComputeNextRun(cfg, after, nil)
	assert.ErrorIs(t, err, ErrNoValidTime)

	cfg = plainSchedule(models.Weekly)
	cfg.DayOfWeek = 9
	_, err = ComputeNextRun(cfg, after, nil)
	assert.ErrorIs(t, err, ErrNoValidTime)

	cfg = plainSchedule("yearly")
	_, err = ComputeNextRun(cfg, after, nil)
	assert.ErrorIs(t, err, ErrNoValidTime)
}

func TestComputeNextRunIsPure(t *testing.T) {
	cal := calendar.NewUSMarket()
	cfg := models.DefaultScheduleConfig()
	after := at(2024, time.December, 24, 16, 0)

	first, err := ComputeNextRun(cfg, after, cal)
	require.NoError(t, err)
	second, err := ComputeNextRun(cfg, after, cal)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, at(2024, time.December, 26, 9, 30), first)
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("09:05")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay{Hour: 9, Minute: 5}, tod)
	assert.Equal(t, "09:05", tod.String())

	for _, bad := range []string{"", "9", "aa:bb", "12:60", "-1:00"} {
		_, err := ParseTimeOfDay(bad)
		assert.Error(t, err, bad)
	}
}
