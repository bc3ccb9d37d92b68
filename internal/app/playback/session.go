package playback

import (
	"time"

	"github.com/dawnbox/dawnbox/internal/app/fade"
	"github.com/dawnbox/dawnbox/internal/app/quality"
)

// InfiniteRemaining is the sentinel Remaining value for sessions without a
// planned duration.
const InfiniteRemaining = time.Duration(-1)

// PhaseStep is one entry of a progressive-mode phase plan.
type PhaseStep struct {
	Duration     time.Duration
	TargetVolume float64
}

// ScheduledEvent is one entry of a scheduled-mode event list.
type ScheduledEvent struct {
	At     time.Time
	Action ScheduledAction
	Volume float64       // set_volume only
	Fade   time.Duration // fade_out only, 0 uses the session fade-out
}

// SessionConfig describes a playback session to start.
type SessionConfig struct {
	Mode     Mode
	Source   string  // Sound source passed to the audio primitive
	Volume   float64 // Target volume, clamped to [0,1]
	FadeIn   time.Duration
	FadeOut  time.Duration
	Curve    fade.Curve
	Duration time.Duration    // Timed mode total; progressive derives it from the plan
	Plan     []PhaseStep      // Progressive mode
	Events   []ScheduledEvent // Scheduled mode
}

// PlannedDuration returns the session's total planned duration, or 0 for
// unbounded sessions.
func (c *SessionConfig) PlannedDuration() time.Duration {
	switch c.Mode {
	case ModeTimed:
		return c.Duration
	case ModeProgressive:
		var total time.Duration
		for _, step := range c.Plan {
			total += step.Duration
		}
		return total
	default:
		return 0
	}
}

// Progress is one broadcast sample of session progress.
type Progress struct {
	Seq       uint64 // Broadcast sequence number
	SessionID string
	Mode      Mode
	Phase     Phase
	Elapsed   time.Duration
	Remaining time.Duration // InfiniteRemaining when unbounded
	Volume    float64
	Percent   float64 // 0-100, clamped; 0 when unbounded
}

// Interruption is one broadcast interruption report.
type Interruption struct {
	Seq       uint64 // Broadcast sequence number
	SessionID string
	Kind      InterruptionKind
	Count     int // Session interruption counter after this event
}

// session is the mutable per-session state. All access goes through the
// manager's mutex.
type session struct {
	id            string
	cfg           SessionConfig
	phase         Phase
	handle        string // Audio primitive handle
	volume        float64
	target        float64
	quality       quality.Choice
	total         time.Duration // Planned duration, 0 = unbounded
	start         time.Time
	pausedAt      *time.Time
	pausedElapsed time.Duration
	interruptions int

	planIndex int

	duckedFrom *float64 // Set while volume is ducked

	// Cancellable deferred actions. Always cancel-before-replace.
	endCancel     func()
	fadeOutCancel func()
	phaseCancel   func()
	duckCancel    func()
	eventCancels  []func()
	fadeCancel    func()
	progressStop  func()
}

// cancelTimersLocked cancels the session's relative deferred actions.
// Scheduled-mode events are absolute instants and survive; see
// cancelEventsLocked for teardown.
func (s *session) cancelTimersLocked() {
	for _, c := range []*func(){&s.endCancel, &s.fadeOutCancel, &s.phaseCancel, &s.duckCancel, &s.fadeCancel} {
		if *c != nil {
			(*c)()
			*c = nil
		}
	}
}

// cancelEventsLocked cancels the scheduled-mode event timers.
func (s *session) cancelEventsLocked() {
	for _, c := range s.eventCancels {
		c()
	}
	s.eventCancels = nil
}

// elapsed returns session play time at now, excluding paused spans.
func (s *session) elapsed(now time.Time) time.Duration {
	ref := now
	if s.pausedAt != nil {
		ref = *s.pausedAt
	}
	e := ref.Sub(s.start) - s.pausedElapsed
	if e < 0 {
		return 0
	}
	return e
}
