package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func TestUSMarketHolidays2024(t *testing.T) {
	cal := NewUSMarket()

	holidays := map[time.Time]string{
		day(2024, time.January, 1):   "New Year's Day",
		day(2024, time.January, 15):  "Martin Luther King Jr. Day",
		day(2024, time.February, 19): "Washington's Birthday",
		day(2024, time.March, 29):    "Good Friday",
		day(2024, time.May, 27):      "Memorial Day",
		day(2024, time.June, 19):     "Juneteenth",
		day(2024, time.July, 4):      "Independence Day",
		day(2024, time.September, 2): "Labor Day",
		day(2024, time.November, 28): "Thanksgiving Day",
		day(2024, time.December, 25): "Christmas Day",
	}
	for d, want := range holidays {
		name, ok := cal.HolidayName(d)
		require.True(t, ok, "expected %s to be a holiday", d.Format("2006-01-02"))
		assert.Equal(t, want, name)
		assert.False(t, cal.IsTradingDay(d))
	}

	assert.True(t, cal.IsTradingDay(day(2024, time.March, 28)))
	assert.False(t, cal.IsHoliday(day(2024, time.July, 5)))
}

func TestObservedRules(t *testing.T) {
	cal := NewUSMarket()

	// July 4th 2026 is a Saturday, observed on Friday the 3rd.
	assert.True(t, cal.IsHoliday(day(2026, time.July, 3)))
	// Christmas 2022 fell on Sunday, observed Monday the 26th.
	assert.True(t, cal.IsHoliday(day(2022, time.December, 26)))
	// New Year's Day 2022 was a Saturday; NYSE stayed open on Friday Dec 31 2021.
	assert.False(t, cal.IsHoliday(day(2021, time.December, 31)))
	// Juneteenth was not a market holiday before 2022.
	assert.False(t, cal.IsHoliday(day(2021, time.June, 18)))
}

func TestWeekendsAreNotTradingDays(t *testing.T) {
	cal := NewUSMarket()
	assert.False(t, cal.IsTradingDay(day(2024, time.June, 15)))
	assert.False(t, cal.IsTradingDay(day(2024, time.June, 16)))
	assert.True(t, cal.IsTradingDay(day(2024, time.June, 17)))
}

func TestExtraHolidays(t *testing.T) {
	extra, err := ParseExtraHolidays([]string{"2025-01-09"})
	require.NoError(t, err)

	cal := NewUSMarket(extra...)
	assert.True(t, cal.IsHoliday(day(2025, time.January, 9)))

	_, err = ParseExtraHolidays([]string{"09/01/2025"})
	assert.Error(t, err)
}

func TestEaster(t *testing.T) {
	assert.Equal(t, date(2024, time.March, 31), easter(2024))
	assert.Equal(t, date(2025, time.April, 20), easter(2025))
	assert.Equal(t, date(2026, time.April, 5), easter(2026))
}
