// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dawnbox/dawnbox/internal/domain/alarm"
)

// Config represents the application configuration.
type Config struct {
	Engine    EngineConfig   `yaml:"engine"`
	Storage   StorageConfig  `yaml:"storage"`
	Audio     AudioConfig    `yaml:"audio"`
	Battery   BatteryConfig  `yaml:"battery"`
	Playback  PlaybackConfig `yaml:"playback"`
	Scheduler SchedConfig    `yaml:"scheduler"`
	Alarms    []AlarmConfig  `yaml:"alarms" validate:"dive"`
}

// EngineConfig represents engine-level configuration.
type EngineConfig struct {
	ReconcileSpec string `yaml:"reconcile_spec" default:"@every 1h"`
}

// StorageConfig represents bookkeeping storage configuration.
type StorageConfig struct {
	Backend string `yaml:"backend" default:"sqlite" validate:"oneof=sqlite memory"`
	Path    string `yaml:"path" default:"dawnbox.db"`
}

// AudioConfig represents audio output configuration.
type AudioConfig struct {
	Backend  string `yaml:"backend" default:"oto" validate:"oneof=oto fake"`
	SoundDir string `yaml:"sound_dir" default:"sounds"`
}

// BatteryConfig represents battery probing configuration.
type BatteryConfig struct {
	Supply  string `yaml:"supply" default:"BAT0"`
	LowPct  int    `yaml:"low_pct" default:"20" validate:"gte=0,lte=100"`
	HighPct int    `yaml:"high_pct" default:"60" validate:"gte=0,lte=100"`
}

// PlaybackConfig represents playback manager configuration.
type PlaybackConfig struct {
	ProgressTickMs int     `yaml:"progress_tick_ms" default:"1000" validate:"gte=100,lte=10000"`
	CrossFadeMs    int     `yaml:"cross_fade_ms" default:"2000" validate:"gte=0,lte=30000"`
	MaxTimedMin    int     `yaml:"max_timed_min" default:"720" validate:"gt=0"`
	PastGraceSec   int     `yaml:"past_grace_sec" default:"60" validate:"gte=0"`
	DuckVolume     float64 `yaml:"duck_volume" default:"0.3" validate:"gt=0,lt=1"`
	DuckHoldSec    int     `yaml:"duck_hold_sec" default:"5" validate:"gt=0"`
}

// SchedConfig represents wake scheduling limits.
type SchedConfig struct {
	MaxRecurring int `yaml:"max_recurring" default:"50" validate:"gt=0,lte=50"`
	HorizonDays  int `yaml:"horizon_days" default:"30" validate:"gt=0,lte=30"`
	Quota        int `yaml:"quota" default:"128" validate:"gt=0"`
}

// SnoozeConfig represents per-alarm snooze configuration.
type SnoozeConfig struct {
	Enabled bool `yaml:"enabled"`
	Minutes int  `yaml:"minutes" default:"9" validate:"gte=0"`
	Limit   int  `yaml:"limit" default:"3" validate:"gte=0"`
}

// WhiteNoiseConfig represents the optional white-noise sub-configuration.
type WhiteNoiseConfig struct {
	Sound   string  `yaml:"sound"`
	Volume  float64 `yaml:"volume" validate:"gte=0,lte=1"`
	Enabled bool    `yaml:"enabled"`
}

// AlarmConfig represents a single alarm definition as written in the file.
type AlarmConfig struct {
	ID         string            `yaml:"id" validate:"required"`
	Time       string            `yaml:"time" validate:"required"`
	Repeat     string            `yaml:"repeat" default:"NONE"`
	Days       []string          `yaml:"days"`
	Enabled    bool              `yaml:"enabled"`
	Timezone   string            `yaml:"timezone"`
	Sound      string            `yaml:"sound" validate:"required"`
	Volume     float64           `yaml:"volume" default:"0.8" validate:"gte=0,lte=1"`
	FadeInSec  int               `yaml:"fade_in_sec" validate:"gte=0"`
	FadeOutSec int               `yaml:"fade_out_sec" validate:"gte=0"`
	Snooze     SnoozeConfig      `yaml:"snooze"`
	WhiteNoise *WhiteNoiseConfig `yaml:"white_noise"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for path fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("DAWNBOX_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("DAWNBOX_SOUND_DIR"); v != "" {
		c.Audio.SoundDir = v
	}
	if v := os.Getenv("DAWNBOX_BATTERY_SUPPLY"); v != "" {
		c.Battery.Supply = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	if c.Battery.LowPct >= c.Battery.HighPct {
		return errors.Newf("battery low_pct (%d) must be below high_pct (%d)",
			c.Battery.LowPct, c.Battery.HighPct)
	}

	seen := make(map[string]bool, len(c.Alarms))
	for i := range c.Alarms {
		ac := &c.Alarms[i]
		if seen[ac.ID] {
			return errors.Newf("duplicate alarm id %q", ac.ID)
		}
		seen[ac.ID] = true
		a, err := ac.ToAlarm()
		if err != nil {
			return err
		}
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ToAlarm converts the file shape into the domain entity.
func (c *AlarmConfig) ToAlarm() (*alarm.Alarm, error) {
	hour, minute, err := parseClock(c.Time)
	if err != nil {
		return nil, errors.Wrapf(err, "alarm %s", c.ID)
	}

	repeat := alarm.RepeatPolicy(strings.ToUpper(c.Repeat))
	days := make([]time.Weekday, 0, len(c.Days))
	for _, name := range c.Days {
		d, err := parseWeekday(name)
		if err != nil {
			return nil, errors.Wrapf(err, "alarm %s", c.ID)
		}
		days = append(days, d)
	}

	a := &alarm.Alarm{
		ID:             c.ID,
		Hour:           hour,
		Minute:         minute,
		Repeat:         repeat,
		Days:           days,
		Enabled:        c.Enabled,
		Timezone:       c.Timezone,
		SoundID:        c.Sound,
		Volume:         c.Volume,
		FadeIn:         time.Duration(c.FadeInSec) * time.Second,
		FadeOut:        time.Duration(c.FadeOutSec) * time.Second,
		SnoozeEnabled:  c.Snooze.Enabled,
		SnoozeDuration: time.Duration(c.Snooze.Minutes) * time.Minute,
		SnoozeLimit:    c.Snooze.Limit,
	}
	if c.WhiteNoise != nil {
		a.WhiteNoise = &alarm.WhiteNoise{
			SoundID: c.WhiteNoise.Sound,
			Volume:  c.WhiteNoise.Volume,
			Enabled: c.WhiteNoise.Enabled,
		}
	}
	a.Normalize()
	return a, nil
}

// parseClock parses a "HH:MM" wall-clock string.
func parseClock(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Newf("time %q must be HH:MM", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, errors.Newf("time %q must be HH:MM", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, errors.Newf("time %q must be HH:MM", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, errors.Newf("time %q out of range", s)
	}
	return hour, minute, nil
}

func parseWeekday(name string) (time.Weekday, error) {
	switch strings.ToLower(name) {
	case "sunday", "sun":
		return time.Sunday, nil
	case "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	default:
		return 0, errors.Newf("unknown weekday %q", name)
	}
}
