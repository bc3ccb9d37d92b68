package alarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAlarm_Validate(t *testing.T) {
	tests := []struct {
		name    string
		alarm   Alarm
		wantErr bool
	}{
		{
			name:    "valid daily alarm",
			alarm:   Alarm{ID: "a1", Hour: 7, Minute: 30, Repeat: RepeatDaily},
			wantErr: false,
		},
		{
			name:    "missing id",
			alarm:   Alarm{Hour: 7, Minute: 0, Repeat: RepeatDaily},
			wantErr: true,
		},
		{
			name:    "hour out of range",
			alarm:   Alarm{ID: "a1", Hour: 24, Minute: 0, Repeat: RepeatDaily},
			wantErr: true,
		},
		{
			name:    "custom policy with empty day set",
			alarm:   Alarm{ID: "a1", Hour: 7, Minute: 0, Repeat: RepeatCustom},
			wantErr: true,
		},
		{
			name: "custom policy with days",
			alarm: Alarm{
				ID: "a1", Hour: 7, Minute: 0,
				Repeat: RepeatCustom,
				Days:   []time.Weekday{time.Tuesday, time.Friday},
			},
			wantErr: false,
		},
		{
			name:    "unknown repeat policy",
			alarm:   Alarm{ID: "a1", Hour: 7, Minute: 0, Repeat: "SOMETIMES"},
			wantErr: true,
		},
		{
			name: "snooze enabled without duration",
			alarm: Alarm{
				ID: "a1", Hour: 7, Minute: 0, Repeat: RepeatDaily,
				SnoozeEnabled: true, SnoozeLimit: 3,
			},
			wantErr: true,
		},
		{
			name: "snooze enabled without limit",
			alarm: Alarm{
				ID: "a1", Hour: 7, Minute: 0, Repeat: RepeatDaily,
				SnoozeEnabled: true, SnoozeDuration: 9 * time.Minute,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.alarm.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAlarm_Normalize(t *testing.T) {
	a := Alarm{
		ID: "a1", Volume: 1.7, FadeIn: -time.Second,
		WhiteNoise: &WhiteNoise{SoundID: "rain", Volume: -0.2},
	}
	a.Normalize()

	assert.Equal(t, 1.0, a.Volume)
	assert.Equal(t, time.Duration(0), a.FadeIn)
	assert.Equal(t, 0.0, a.WhiteNoise.Volume)
}

func TestAlarm_RepeatsOn(t *testing.T) {
	tests := []struct {
		name   string
		alarm  Alarm
		day    time.Weekday
		expect bool
	}{
		{"daily covers sunday", Alarm{Repeat: RepeatDaily}, time.Sunday, true},
		{"weekdays excludes saturday", Alarm{Repeat: RepeatWeekdays}, time.Saturday, false},
		{"weekdays includes monday", Alarm{Repeat: RepeatWeekdays}, time.Monday, true},
		{"weekends includes sunday", Alarm{Repeat: RepeatWeekends}, time.Sunday, true},
		{"weekends excludes wednesday", Alarm{Repeat: RepeatWeekends}, time.Wednesday, false},
		{
			"custom matches listed day",
			Alarm{Repeat: RepeatCustom, Days: []time.Weekday{time.Tuesday, time.Friday}},
			time.Friday, true,
		},
		{
			"custom rejects unlisted day",
			Alarm{Repeat: RepeatCustom, Days: []time.Weekday{time.Tuesday, time.Friday}},
			time.Monday, false,
		},
		{"none never repeats", Alarm{Repeat: RepeatNone}, time.Monday, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.alarm.RepeatsOn(tt.day))
		})
	}
}
