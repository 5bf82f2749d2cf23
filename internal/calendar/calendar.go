// Package calendar answers whether a date is a trading day on US equity markets.
package calendar

import (
	"fmt"
	"sync"
	"time"
)

// Calendar is the holiday lookup used by the schedule resolver and the trading-hours gate.
type Calendar interface {
	IsHoliday(t time.Time) bool
	IsTradingDay(t time.Time) bool
}

type dayKey struct {
	year  int
	month time.Month
	day   int
}

func keyOf(t time.Time) dayKey {
	y, m, d := t.Date()
	return dayKey{y, m, d}
}

// USMarket is the NYSE full-day holiday calendar, computed per year from the exchange rules
// and cached. Extra closures (e.g. national days of mourning) can be added explicitly.
type USMarket struct {
	mu    sync.Mutex
	years map[int]map[dayKey]string
	extra map[dayKey]string
}

// NewUSMarket creates a calendar with optional extra closure dates.
func NewUSMarket(extra ...time.Time) *USMarket {
	c := &USMarket{
		years: make(map[int]map[dayKey]string),
		extra: make(map[dayKey]string),
	}
	for _, d := range extra {
		c.extra[keyOf(d)] = "Market closure"
	}
	return c
}

// ParseExtraHolidays parses YYYY-MM-DD strings for NewUSMarket.
func ParseExtraHolidays(days []string) ([]time.Time, error) {
	out := make([]time.Time, 0, len(days))
	for _, s := range days {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", s, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// IsHoliday reports whether the calendar date of t (in t's location) is a market holiday.
func (c *USMarket) IsHoliday(t time.Time) bool {
	_, ok := c.HolidayName(t)
	return ok
}

// HolidayName returns the holiday observed on t's date.
func (c *USMarket) HolidayName(t time.Time) (string, bool) {
	k := keyOf(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.extra[k]; ok {
		return name, true
	}
	days, ok := c.years[k.year]
	if !ok {
		days = holidaysFor(k.year)
		c.years[k.year] = days
	}
	name, ok := days[k]
	return name, ok
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (c *USMarket) IsTradingDay(t time.Time) bool {
	if IsWeekend(t) {
		return false
	}
	return !c.IsHoliday(t)
}

// IsWeekend reports whether t falls on Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func holidaysFor(year int) map[dayKey]string {
	days := make(map[dayKey]string, 10)
	add := func(t time.Time, name string) {
		days[keyOf(t)] = name
	}

	// New Year's Day moves to Monday when on Sunday. NYSE does not observe it on the
	// preceding Friday when it falls on Saturday.
	ny := date(year, time.January, 1)
	if ny.Weekday() == time.Sunday {
		ny = ny.AddDate(0, 0, 1)
	}
	if ny.Weekday() != time.Saturday {
		add(ny, "New Year's Day")
	}

	add(nthWeekday(year, time.January, time.Monday, 3), "Martin Luther King Jr. Day")
	add(nthWeekday(year, time.February, time.Monday, 3), "Washington's Birthday")
	add(easter(year).AddDate(0, 0, -2), "Good Friday")
	add(lastWeekday(year, time.May, time.Monday), "Memorial Day")
	if year >= 2022 {
		add(observed(date(year, time.June, 19)), "Juneteenth")
	}
	add(observed(date(year, time.July, 4)), "Independence Day")
	add(nthWeekday(year, time.September, time.Monday, 1), "Labor Day")
	add(nthWeekday(year, time.November, time.Thursday, 4), "Thanksgiving Day")
	add(observed(date(year, time.December, 25)), "Christmas Day")
	return days
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// observed shifts Saturday holidays to Friday and Sunday holidays to Monday.
func observed(t time.Time) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		return t.AddDate(0, 0, -1)
	case time.Sunday:
		return t.AddDate(0, 0, 1)
	}
	return t
}

func nthWeekday(year int, month time.Month, wd time.Weekday, n int) time.Time {
	first := date(year, month, 1)
	offset := (int(wd) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+7*(n-1))
}

func lastWeekday(year int, month time.Month, wd time.Weekday) time.Time {
	last := date(year, month+1, 1).AddDate(0, 0, -1)
	offset := (int(last.Weekday()) - int(wd) + 7) % 7
	return last.AddDate(0, 0, -offset)
}

// easter computes Western Easter Sunday (anonymous Gregorian algorithm).
func easter(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return date(year, time.Month(month), day)
}
