// Package quality chooses audio quality based on battery state and session length.
package quality

import (
	"context"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/dawnbox/dawnbox/internal/infra/battery"
)

// Level represents an audio quality tier.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Choice is the selected quality plus its buffering parameters.
type Choice struct {
	Level    Level
	BufferMs int // Decode buffer size per tier
}

// Config holds the selector thresholds.
type Config struct {
	LowBatteryPct  int           // At or below: force low quality (default 20)
	HighBatteryPct int           // At or above: allow high quality (default 60)
	LongSession    time.Duration // Sessions at least this long drop one tier (default 4h)
}

// Selector picks a quality tier for a session.
type Selector struct {
	provider battery.Provider
	cfg      Config
}

// New creates a selector. provider may be nil; selection then always
// falls back to medium.
func New(provider battery.Provider, cfg Config) *Selector {
	if cfg.LowBatteryPct <= 0 {
		cfg.LowBatteryPct = 20
	}
	if cfg.HighBatteryPct <= 0 {
		cfg.HighBatteryPct = 60
	}
	if cfg.LongSession <= 0 {
		cfg.LongSession = 4 * time.Hour
	}
	return &Selector{provider: provider, cfg: cfg}
}

// Select chooses a tier for a session of the planned length. plannedDuration
// <= 0 means unbounded (continuous playback). Battery provider failures are
// logged and answered with the medium default, never an error.
func (s *Selector) Select(ctx context.Context, plannedDuration time.Duration) Choice {
	if s.provider == nil {
		return choiceFor(LevelMedium)
	}

	level, err := s.provider.CurrentLevel(ctx)
	if err != nil {
		zlog.Warn().Err(err).Msg("quality: battery level unavailable, using medium")
		return choiceFor(LevelMedium)
	}
	charging, err := s.provider.IsCharging(ctx)
	if err != nil {
		zlog.Warn().Err(err).Msg("quality: charging state unavailable, using medium")
		return choiceFor(LevelMedium)
	}

	tier := LevelMedium
	switch {
	case charging:
		tier = LevelHigh
	case level <= s.cfg.LowBatteryPct:
		tier = LevelLow
	case level >= s.cfg.HighBatteryPct:
		tier = LevelHigh
	}

	// On battery, long sessions drop one tier to stretch runtime.
	longSession := plannedDuration <= 0 || plannedDuration >= s.cfg.LongSession
	if !charging && longSession && tier > LevelLow {
		tier--
	}

	return choiceFor(tier)
}

func choiceFor(l Level) Choice {
	switch l {
	case LevelLow:
		return Choice{Level: LevelLow, BufferMs: 2000}
	case LevelHigh:
		return Choice{Level: LevelHigh, BufferMs: 250}
	default:
		return Choice{Level: LevelMedium, BufferMs: 500}
	}
}
