// Package trigger computes the next fire instant for an alarm definition.
package trigger

import (
	"math"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/dawnbox/dawnbox/internal/domain/alarm"
)

// Result describes the next fire instant of an alarm.
type Result struct {
	At         time.Time // Next fire instant, strictly after the reference time
	DaysUntil  int       // Calendar days between the reference date and the fire date
	IsToday    bool
	IsTomorrow bool
}

// Next computes the next fire instant for the alarm in the given location,
// relative to now. It is a pure function of its arguments: identical inputs
// always produce identical results.
func Next(a *alarm.Alarm, loc *time.Location, now time.Time) Result {
	now = now.In(loc)

	candidate := time.Date(now.Year(), now.Month(), now.Day(), a.Hour, a.Minute, 0, 0, loc)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}

	switch a.Repeat {
	case alarm.RepeatNone, alarm.RepeatDaily:
		// The single candidate is already correct.
	case alarm.RepeatWeekdays:
		switch candidate.Weekday() {
		case time.Saturday:
			candidate = candidate.AddDate(0, 0, 2)
		case time.Sunday:
			candidate = candidate.AddDate(0, 0, 1)
		}
	case alarm.RepeatWeekends:
		if wd := candidate.Weekday(); wd != time.Saturday && wd != time.Sunday {
			candidate = candidate.AddDate(0, 0, int(time.Saturday-wd))
		}
	case alarm.RepeatCustom:
		candidate = nextCustomDay(a, candidate)
	}

	days := daysBetween(now, candidate, loc)
	return Result{
		At:         candidate,
		DaysUntil:  days,
		IsToday:    days == 0,
		IsTomorrow: days == 1,
	}
}

// nextCustomDay scans forward up to six additional days for the first day
// present in the alarm's custom set. An empty set violates the definition
// invariant; it is logged and answered with a plain next-day fallback so a
// corrupted alarm cannot take the scheduler down.
func nextCustomDay(a *alarm.Alarm, candidate time.Time) time.Time {
	if len(a.Days) == 0 {
		zlog.Error().Str("alarm_id", a.ID).
			Msg("trigger: custom repeat with empty day set, falling back to next day")
		return candidate.AddDate(0, 0, 1)
	}
	for i := 0; i <= 6; i++ {
		day := candidate.AddDate(0, 0, i)
		if a.RepeatsOn(day.Weekday()) {
			return day
		}
	}
	// Unreachable with a non-empty set: seven consecutive days cover every weekday.
	return candidate.AddDate(0, 0, 1)
}

// daysBetween counts calendar-day boundaries between two instants in loc.
// Rounding absorbs the 23h/25h days that DST transitions produce.
func daysBetween(from, to time.Time, loc *time.Location) int {
	f := from.In(loc)
	t := to.In(loc)
	fd := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, loc)
	td := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return int(math.Round(td.Sub(fd).Hours() / 24))
}
