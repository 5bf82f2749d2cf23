package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"strategy-bot-go/internal/calendar"
	"strategy-bot-go/internal/models"
)

// ErrNoValidTime is returned when a schedule cannot produce a run time.
var ErrNoValidTime = errors.New("no valid run time")

const (
	maxPeriodAdvances = 8
	maxSkipDays       = 31
)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// ResolveTimeOfDay maps an execution-time policy to a wall-clock time.
func ResolveTimeOfDay(cfg models.ScheduleConfig) (TimeOfDay, error) {
	switch cfg.ExecutionTime {
	case models.MarketOpen, "":
		return TimeOfDay{9, 30}, nil
	case models.MarketClose:
		return TimeOfDay{15, 55}, nil
	case models.Midday:
		return TimeOfDay{12, 0}, nil
	case models.CustomTime:
		return ParseTimeOfDay(cfg.CustomTime)
	}
	return TimeOfDay{}, fmt.Errorf("unknown execution time %q", cfg.ExecutionTime)
}

// ComputeNextRun returns the first run time strictly after `after`, in after's location.
// It is pure: the same inputs always produce the same output.
func ComputeNextRun(cfg models.ScheduleConfig, after time.Time, cal calendar.Calendar) (time.Time, error) {
	tod, err := ResolveTimeOfDay(cfg)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrNoValidTime, err)
	}

	date, err := nextDate(cfg, after)
	if err != nil {
		return time.Time{}, err
	}

	loc := after.Location()
	var candidate time.Time
	if cfg.Frequency == models.Hourly {
		candidate = time.Date(after.Year(), after.Month(), after.Day(), after.Hour(), tod.Minute, 0, 0, loc)
	} else {
		candidate = time.Date(date.Year(), date.Month(), date.Day(), tod.Hour, tod.Minute, 0, 0, loc)
	}

	for i := 0; !candidate.After(after); i++ {
		if i >= maxPeriodAdvances {
			return time.Time{}, fmt.Errorf("%w: schedule never passes %s", ErrNoValidTime, after)
		}
		candidate = advancePeriod(cfg.Frequency, candidate)
	}

	if cfg.SkipWeekends || cfg.SkipHolidays {
		for i := 0; !isAllowedDay(cfg, candidate, cal); i++ {
			if i >= maxSkipDays {
				return time.Time{}, fmt.Errorf("%w: no trading day within %d days of %s", ErrNoValidTime, maxSkipDays, candidate.Format("2006-01-02"))
			}
			candidate = candidate.AddDate(0, 0, 1)
			if cfg.Frequency == models.Hourly {
				candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), 0, tod.Minute, 0, 0, loc)
			}
		}
	}
	return candidate, nil
}

// nextDate resolves the calendar date the frequency points at, before the time-of-day is applied.
func nextDate(cfg models.ScheduleConfig, after time.Time) (time.Time, error) {
	loc := after.Location()
	today := time.Date(after.Year(), after.Month(), after.Day(), 0, 0, 0, 0, loc)

	switch cfg.Frequency {
	case models.Hourly, models.Daily:
		return today, nil

	case models.Weekly, models.Biweekly:
		if cfg.DayOfWeek < 0 || cfg.DayOfWeek > 6 {
			return time.Time{}, fmt.Errorf("%w: day_of_week %d out of range 0-6", ErrNoValidTime, cfg.DayOfWeek)
		}
		step := 7
		if cfg.Frequency == models.Biweekly {
			step = 14
		}
		daysAhead := cfg.DayOfWeek - mondayIndex(after.Weekday())
		if daysAhead <= 0 {
			daysAhead += step
		}
		return today.AddDate(0, 0, daysAhead), nil

	case models.Monthly:
		d := clampDayOfMonth(cfg.DayOfMonth)
		candidate := time.Date(after.Year(), after.Month(), d, 0, 0, 0, 0, loc)
		if candidate.Before(today) {
			candidate = candidate.AddDate(0, 1, 0)
		}
		return candidate, nil

	case models.Quarterly:
		quarterStart := ((int(after.Month())-1)/3)*3 + 1
		return time.Date(after.Year(), time.Month(quarterStart), 1, 0, 0, 0, 0, loc).AddDate(0, 3, 0), nil
	}
	return time.Time{}, fmt.Errorf("%w: unknown frequency %q", ErrNoValidTime, cfg.Frequency)
}

func advancePeriod(freq models.Frequency, t time.Time) time.Time {
	switch freq {
	case models.Hourly:
		return t.Add(time.Hour)
	case models.Daily:
		return t.AddDate(0, 0, 1)
	case models.Weekly:
		return t.AddDate(0, 0, 7)
	case models.Biweekly:
		return t.AddDate(0, 0, 14)
	case models.Monthly:
		return t.AddDate(0, 1, 0)
	case models.Quarterly:
		return t.AddDate(0, 3, 0)
	}
	return t.AddDate(0, 0, 1)
}

func isAllowedDay(cfg models.ScheduleConfig, t time.Time, cal calendar.Calendar) bool {
	if cfg.SkipWeekends && calendar.IsWeekend(t) {
		return false
	}
	if cfg.SkipHolidays && cal != nil && cal.IsHoliday(t) {
		return false
	}
	return true
}

// clampDayOfMonth keeps monthly anchors within 1..28 so every month has the day.
func clampDayOfMonth(d int) int {
	if d < 1 {
		return 1
	}
	if d > 28 {
		return 28
	}
	return d
}

// mondayIndex converts Go's Sunday-based weekday to the Monday=0 convention of ScheduleConfig.
func mondayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}
