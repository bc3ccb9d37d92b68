// Package playback orchestrates audio playback sessions.
package playback

// Phase represents a stage in the session state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseFadingIn
	PhasePlaying
	PhasePaused
	PhaseFadingOut
	PhaseEnding
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseFadingIn:
		return "fading_in"
	case PhasePlaying:
		return "playing"
	case PhasePaused:
		return "paused"
	case PhaseFadingOut:
		return "fading_out"
	case PhaseEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Mode represents the playback mode of a session.
type Mode string

const (
	ModeContinuous  Mode = "continuous"
	ModeTimed       Mode = "timed"
	ModeProgressive Mode = "progressive"
	ModeScheduled   Mode = "scheduled"
)

// InterruptionKind classifies an external interruption signal.
type InterruptionKind string

const (
	InterruptionPhoneCall      InterruptionKind = "phone_call"
	InterruptionTransient      InterruptionKind = "transient_notification"
	InterruptionCompetingAlarm InterruptionKind = "competing_alarm"
)

// ScheduledAction is an action in a scheduled-mode event list.
type ScheduledAction string

const (
	ActionPlay      ScheduledAction = "play"
	ActionStop      ScheduledAction = "stop"
	ActionSetVolume ScheduledAction = "set_volume"
	ActionFadeOut   ScheduledAction = "fade_out"
)
