// Package alarm provides the alarm definition domain entity.
package alarm

import (
	"time"

	"github.com/cockroachdb/errors"
)

// RepeatPolicy represents how an alarm recurs.
type RepeatPolicy string

const (
	RepeatNone     RepeatPolicy = "NONE"     // Fires once, then must be disabled
	RepeatDaily    RepeatPolicy = "DAILY"    // Every day
	RepeatWeekdays RepeatPolicy = "WEEKDAYS" // Monday through Friday
	RepeatWeekends RepeatPolicy = "WEEKENDS" // Saturday and Sunday
	RepeatCustom   RepeatPolicy = "CUSTOM"   // Explicit day set
)

// WhiteNoise represents the optional white-noise sub-configuration of an alarm.
type WhiteNoise struct {
	SoundID string  // Sound identifier (file stem under the sound directory)
	Volume  float64 // 0.0 - 1.0
	Enabled bool
}

// Alarm represents a single alarm definition.
// The scheduling core treats it as read-only apart from LastTriggeredAt.
type Alarm struct {
	ID             string         // Opaque unique identifier
	Hour           int            // Fire hour (0-23), in the alarm's timezone
	Minute         int            // Fire minute (0-59)
	Repeat         RepeatPolicy   // Repeat policy
	Days           []time.Weekday // Day set, required iff Repeat is CUSTOM
	Enabled        bool
	Timezone       string        // IANA timezone identifier, empty means local
	SoundID        string        // Alarm tone identifier
	Volume         float64       // 0.0 - 1.0
	FadeIn         time.Duration // Fade-in duration, 0 disables
	FadeOut        time.Duration // Fade-out duration, 0 disables
	SnoozeEnabled  bool
	SnoozeDuration time.Duration // Re-fire delay per snooze
	SnoozeLimit    int           // Maximum snooze attempts per occurrence
	WhiteNoise     *WhiteNoise   // Optional white-noise sub-configuration
	LastTriggered  *time.Time    // Stamped by the core when an occurrence fires
}

// Normalize clamps volumes into [0,1] and negative fades to zero.
func (a *Alarm) Normalize() {
	a.Volume = clamp01(a.Volume)
	if a.FadeIn < 0 {
		a.FadeIn = 0
	}
	if a.FadeOut < 0 {
		a.FadeOut = 0
	}
	if a.WhiteNoise != nil {
		a.WhiteNoise.Volume = clamp01(a.WhiteNoise.Volume)
	}
}

// Validate checks the structural invariants of the definition.
func (a *Alarm) Validate() error {
	if a.ID == "" {
		return errors.New("alarm id is required")
	}
	if a.Hour < 0 || a.Hour > 23 {
		return errors.Newf("alarm %s: hour %d out of range", a.ID, a.Hour)
	}
	if a.Minute < 0 || a.Minute > 59 {
		return errors.Newf("alarm %s: minute %d out of range", a.ID, a.Minute)
	}
	switch a.Repeat {
	case RepeatNone, RepeatDaily, RepeatWeekdays, RepeatWeekends:
	case RepeatCustom:
		if len(a.Days) == 0 {
			return errors.Newf("alarm %s: custom repeat requires a non-empty day set", a.ID)
		}
	default:
		return errors.Newf("alarm %s: unknown repeat policy %q", a.ID, a.Repeat)
	}
	if a.SnoozeEnabled {
		if a.SnoozeDuration <= 0 {
			return errors.Newf("alarm %s: snooze duration must be positive", a.ID)
		}
		if a.SnoozeLimit <= 0 {
			return errors.Newf("alarm %s: snooze limit must be positive", a.ID)
		}
	}
	return nil
}

// RepeatsOn reports whether the alarm's repeat policy covers the given weekday.
func (a *Alarm) RepeatsOn(d time.Weekday) bool {
	switch a.Repeat {
	case RepeatDaily:
		return true
	case RepeatWeekdays:
		return d != time.Saturday && d != time.Sunday
	case RepeatWeekends:
		return d == time.Saturday || d == time.Sunday
	case RepeatCustom:
		for _, day := range a.Days {
			if day == d {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Location resolves the alarm's timezone, falling back to the local zone.
func (a *Alarm) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "alarm %s: invalid timezone %q", a.ID, a.Timezone)
	}
	return loc, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
