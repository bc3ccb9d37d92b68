package playback

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/dawnbox/dawnbox/internal/app/fade"
	"github.com/dawnbox/dawnbox/internal/app/quality"
	"github.com/dawnbox/dawnbox/internal/infra/audio"
)

// Errors
var (
	ErrSessionConflict  = errors.New("playback: a session is already active")
	ErrNoSession        = errors.New("playback: no active session")
	ErrNotPlaying       = errors.New("playback: session is not playing")
	ErrNotPaused        = errors.New("playback: session is not paused")
	ErrInvalidDuration  = errors.New("playback: invalid session duration")
	ErrInvalidPlan      = errors.New("playback: invalid session plan")
	ErrPlaybackResource = errors.New("playback: audio resource failure")
)

// Config holds manager timing parameters.
type Config struct {
	ProgressTick time.Duration // Progress broadcast cadence (default 1s)
	CrossFade    time.Duration // Progressive-mode phase cross-fade (default 2s)
	FadeSteps    int           // Ramp resolution (default 20)
	MaxTimed     time.Duration // Timed-mode duration ceiling (default 720m)
	PastGrace    time.Duration // Scheduled-mode near-past window (default 60s)
	DuckVolume   float64       // Ducked volume factor for transient interruptions (default 0.3)
	DuckHold     time.Duration // Duck duration before restore (default 5s)
	TimerTick    time.Duration // Wall-clock timer poll interval (default 100ms)
	Clock        func() time.Time
}

func (c *Config) applyDefaults() {
	if c.ProgressTick <= 0 {
		c.ProgressTick = time.Second
	}
	if c.CrossFade <= 0 {
		c.CrossFade = 2 * time.Second
	}
	if c.FadeSteps <= 0 {
		c.FadeSteps = 20
	}
	if c.MaxTimed <= 0 {
		c.MaxTimed = 720 * time.Minute
	}
	if c.PastGrace <= 0 {
		c.PastGrace = 60 * time.Second
	}
	if c.DuckVolume <= 0 || c.DuckVolume >= 1 {
		c.DuckVolume = 0.3
	}
	if c.DuckHold <= 0 {
		c.DuckHold = 5 * time.Second
	}
	if c.TimerTick <= 0 {
		c.TimerTick = 100 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Manager drives at most one playback session at a time through the phase
// state machine. All state is mutated under one mutex from API calls and
// timer callbacks; each deferred action is cancelled before being replaced
// so no callback ever acts on stale state.
type Manager struct {
	mu       sync.Mutex
	player   audio.Player
	fader    *fade.Engine
	selector *quality.Selector // Optional
	registry *Registry
	cfg      Config

	session *session
}

// NewManager creates a playback manager. selector may be nil; quality then
// defaults to medium.
func NewManager(player audio.Player, selector *quality.Selector, registry *Registry, cfg Config) *Manager {
	cfg.applyDefaults()
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{
		player:   player,
		fader:    fade.New(cfg.FadeSteps),
		selector: selector,
		registry: registry,
		cfg:      cfg,
	}
}

// Registry returns the observer registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Start begins a new session. A second session while one is active is
// rejected with ErrSessionConflict and leaves the active session untouched.
func (m *Manager) Start(ctx context.Context, cfg SessionConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return "", ErrSessionConflict
	}
	if err := validateConfig(&cfg, m.cfg.MaxTimed); err != nil {
		return "", err
	}

	cfg.Volume = clamp01(cfg.Volume)
	total := cfg.PlannedDuration()

	choice := quality.Choice{Level: quality.LevelMedium, BufferMs: 500}
	if m.selector != nil {
		planned := total
		if planned == 0 {
			planned = -1 // Unbounded
		}
		choice = m.selector.Select(ctx, planned)
	}

	handle, err := m.player.Create(ctx, cfg.Source)
	if err != nil {
		return "", errors.WithSecondaryError(errors.Wrap(ErrPlaybackResource, "create audio source"), err)
	}

	now := m.cfg.Clock()
	s := &session{
		id:      uuid.New().String(),
		cfg:     cfg,
		phase:   PhaseStarting,
		handle:  handle,
		target:  cfg.Volume,
		quality: choice,
		total:   total,
		start:   now,
	}
	m.session = s

	zlog.Info().Str("session_id", s.id).Str("mode", string(cfg.Mode)).
		Dur("total", total).Str("quality", choice.Level.String()).
		Msg("playback: session starting")

	if cfg.Mode == ModeScheduled {
		// Scheduled sessions stay silent until a play event runs.
		s.phase = PhasePlaying
		m.armScheduledEventsLocked(s, now)
		// An immediate stop event can end the session while arming; don't
		// start a progress loop for a session that is already gone.
		if m.session != s {
			return s.id, nil
		}
	} else {
		if err := m.beginAudioLocked(s); err != nil {
			m.cleanupLocked(s)
			return "", err
		}
		switch cfg.Mode {
		case ModeTimed:
			m.armEndSequenceLocked(s, total)
		case ModeProgressive:
			m.armPlanPhaseLocked(s)
		}
	}

	m.startProgressLoopLocked(s)
	return s.id, nil
}

// beginAudioLocked starts audio output and the fade-in ramp.
func (m *Manager) beginAudioLocked(s *session) error {
	if err := m.player.Play(s.handle); err != nil {
		return errors.WithSecondaryError(errors.Wrap(ErrPlaybackResource, "start audio"), err)
	}

	if s.cfg.FadeIn > 0 {
		if err := m.setVolumeLocked(s, 0); err != nil {
			return err
		}
		s.phase = PhaseFadingIn
		m.runFadeLocked(s, 0, s.target, s.cfg.FadeIn, func() {
			s.phase = PhasePlaying
		})
		return nil
	}

	if err := m.setVolumeLocked(s, s.target); err != nil {
		return err
	}
	s.phase = PhasePlaying
	return nil
}

// Pause pauses the active session without tearing it down.
func (m *Manager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauseLocked()
}

func (m *Manager) pauseLocked() error {
	s := m.session
	if s == nil {
		return ErrNoSession
	}
	if s.phase != PhasePlaying && s.phase != PhaseFadingIn {
		return ErrNotPlaying
	}

	s.cancelTimersLocked()
	now := m.cfg.Clock()
	s.pausedAt = &now
	s.phase = PhasePaused

	if err := m.player.Pause(s.handle); err != nil {
		zlog.Error().Err(err).Str("session_id", s.id).Msg("playback: pause audio")
	}
	return nil
}

// Resume continues a paused session, re-arming its remaining deferred
// actions relative to the accumulated play time.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil {
		return ErrNoSession
	}
	if s.phase != PhasePaused {
		return ErrNotPaused
	}

	now := m.cfg.Clock()
	if s.pausedAt != nil {
		s.pausedElapsed += now.Sub(*s.pausedAt)
		s.pausedAt = nil
	}
	s.phase = PhasePlaying

	if err := m.player.Play(s.handle); err != nil {
		return errors.WithSecondaryError(errors.Wrap(ErrPlaybackResource, "resume audio"), err)
	}
	if err := m.setVolumeLocked(s, s.target); err != nil {
		return err
	}

	elapsed := s.elapsed(now)
	switch s.cfg.Mode {
	case ModeTimed:
		remaining := s.total - elapsed
		if remaining <= 0 {
			m.enterEndingLocked(s)
			return nil
		}
		m.armEndSequenceLocked(s, remaining)
	case ModeProgressive:
		m.resumePlanLocked(s, elapsed)
	}
	// Continuous sessions need no timers; scheduled events stay armed at
	// their absolute instants across pauses.
	return nil
}

// Stop ends the active session immediately and releases its resources.
// Stopping with no active session is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil {
		return nil
	}
	zlog.Info().Str("session_id", s.id).Msg("playback: session stopped")
	m.cleanupLocked(s)
	return nil
}

// Interrupt handles an external interruption signal. Phone calls and
// competing alarms pause the session; transient notifications duck the
// volume and restore it. Interruptions are reported to observers and never
// surfaced as failures.
func (m *Manager) Interrupt(kind InterruptionKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil {
		return
	}

	s.interruptions++
	m.registry.BroadcastInterruption(Interruption{
		SessionID: s.id,
		Kind:      kind,
		Count:     s.interruptions,
	})
	zlog.Info().Str("session_id", s.id).Str("kind", string(kind)).
		Int("count", s.interruptions).Msg("playback: interruption")

	switch kind {
	case InterruptionPhoneCall, InterruptionCompetingAlarm:
		if err := m.pauseLocked(); err != nil && !errors.Is(err, ErrNotPlaying) {
			zlog.Error().Err(err).Msg("playback: pause on interruption")
		}
	case InterruptionTransient:
		m.duckLocked(s)
	}
}

// duckLocked temporarily lowers the volume, restoring it after DuckHold.
func (m *Manager) duckLocked(s *session) {
	if s.duckedFrom == nil {
		from := s.volume
		s.duckedFrom = &from
	}
	if s.duckCancel != nil {
		s.duckCancel()
	}

	if err := m.setVolumeLocked(s, *s.duckedFrom*m.cfg.DuckVolume); err != nil {
		zlog.Error().Err(err).Str("session_id", s.id).Msg("playback: duck volume")
		return
	}

	s.duckCancel = m.startWallClockTimer(m.cfg.DuckHold, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.session != s || s.duckedFrom == nil {
			return
		}
		restore := *s.duckedFrom
		s.duckedFrom = nil
		s.duckCancel = nil
		if err := m.setVolumeLocked(s, restore); err != nil {
			zlog.Error().Err(err).Str("session_id", s.id).Msg("playback: restore volume")
		}
	})
}

// Snapshot returns the current progress sample, or false when idle.
func (m *Manager) Snapshot() (Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil {
		return Progress{}, false
	}
	return m.progressLocked(s), true
}

// Phase returns the current session phase, PhaseIdle when no session exists.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return PhaseIdle
	}
	return m.session.phase
}

// SessionID returns the active session id, empty when idle.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.id
}

// Close stops any active session.
func (m *Manager) Close() {
	_ = m.Stop()
}

// --- deferred-action arming ---

// armEndSequenceLocked arms the fade-out and end timers for the remaining
// play time of a bounded session.
func (m *Manager) armEndSequenceLocked(s *session, remaining time.Duration) {
	fadeOut := s.cfg.FadeOut
	if fadeOut > remaining {
		fadeOut = remaining
	}

	if fadeOut > 0 {
		if s.fadeOutCancel != nil {
			s.fadeOutCancel()
		}
		s.fadeOutCancel = m.startWallClockTimer(remaining-fadeOut, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.session != s {
				return
			}
			s.fadeOutCancel = nil
			m.enterFadingOutLocked(s, fadeOut)
		})
	}

	if s.endCancel != nil {
		s.endCancel()
	}
	s.endCancel = m.startWallClockTimer(remaining, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.session != s {
			return
		}
		s.endCancel = nil
		// Never skip fading-out when one is configured: if the fade timer
		// was starved, force the phase through it.
		if s.cfg.FadeOut > 0 && s.phase != PhaseFadingOut {
			m.enterFadingOutLocked(s, 0)
		}
		m.enterEndingLocked(s)
	})
}

// armPlanPhaseLocked applies the current progressive step and arms the
// advance to the next one.
func (m *Manager) armPlanPhaseLocked(s *session) {
	if s.planIndex >= len(s.cfg.Plan) {
		// Plan exhausted: proceed to the timed-mode end sequence.
		if s.cfg.FadeOut > 0 {
			m.enterFadingOutLocked(s, s.cfg.FadeOut)
			if s.endCancel != nil {
				s.endCancel()
			}
			s.endCancel = m.startWallClockTimer(s.cfg.FadeOut, func() {
				m.mu.Lock()
				defer m.mu.Unlock()
				if m.session != s {
					return
				}
				s.endCancel = nil
				m.enterEndingLocked(s)
			})
			return
		}
		m.enterEndingLocked(s)
		return
	}

	step := s.cfg.Plan[s.planIndex]

	// Cross-fade toward the step target, capped to the step itself.
	cross := m.cfg.CrossFade
	if cross > step.Duration {
		cross = step.Duration
	}
	target := clamp01(step.TargetVolume)
	s.target = target
	m.runFadeLocked(s, s.volume, target, cross, nil)

	if s.phaseCancel != nil {
		s.phaseCancel()
	}
	s.phaseCancel = m.startWallClockTimer(step.Duration, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.session != s {
			return
		}
		s.phaseCancel = nil
		s.planIndex++
		m.armPlanPhaseLocked(s)
	})
}

// resumePlanLocked recomputes the in-flight progressive step from elapsed
// play time and re-arms its remainder.
func (m *Manager) resumePlanLocked(s *session, elapsed time.Duration) {
	var offset time.Duration
	for i, step := range s.cfg.Plan {
		if elapsed < offset+step.Duration {
			s.planIndex = i
			remainder := offset + step.Duration - elapsed
			s.target = clamp01(step.TargetVolume)
			if err := m.setVolumeLocked(s, s.target); err != nil {
				zlog.Error().Err(err).Str("session_id", s.id).Msg("playback: reapply step volume")
			}
			if s.phaseCancel != nil {
				s.phaseCancel()
			}
			s.phaseCancel = m.startWallClockTimer(remainder, func() {
				m.mu.Lock()
				defer m.mu.Unlock()
				if m.session != s {
					return
				}
				s.phaseCancel = nil
				s.planIndex++
				m.armPlanPhaseLocked(s)
			})
			return
		}
		offset += step.Duration
	}
	// Past the last step.
	s.planIndex = len(s.cfg.Plan)
	m.armPlanPhaseLocked(s)
}

// armScheduledEventsLocked arms the scheduled-mode event list. Events more
// than PastGrace in the past are discarded; events in the near past run
// immediately.
func (m *Manager) armScheduledEventsLocked(s *session, now time.Time) {
	for _, ev := range s.cfg.Events {
		ev := ev
		delta := ev.At.Sub(now)
		switch {
		case delta < -m.cfg.PastGrace:
			zlog.Warn().Str("session_id", s.id).Str("action", string(ev.Action)).
				Time("at", ev.At).Msg("playback: discarding stale scheduled event")
		case delta <= 0:
			m.runScheduledEventLocked(s, ev)
			if m.session != s {
				return
			}
		default:
			cancel := m.startWallClockTimer(delta, func() {
				m.mu.Lock()
				defer m.mu.Unlock()
				if m.session != s {
					return
				}
				m.runScheduledEventLocked(s, ev)
			})
			s.eventCancels = append(s.eventCancels, cancel)
		}
	}
}

func (m *Manager) runScheduledEventLocked(s *session, ev ScheduledEvent) {
	zlog.Debug().Str("session_id", s.id).Str("action", string(ev.Action)).
		Msg("playback: scheduled event")

	switch ev.Action {
	case ActionPlay:
		if err := m.player.Play(s.handle); err != nil {
			m.failLocked(s, errors.Wrap(err, "scheduled play"))
			return
		}
		if err := m.setVolumeLocked(s, s.target); err != nil {
			m.failLocked(s, err)
			return
		}
		s.phase = PhasePlaying
	case ActionStop:
		m.enterEndingLocked(s)
	case ActionSetVolume:
		s.target = clamp01(ev.Volume)
		if err := m.setVolumeLocked(s, s.target); err != nil {
			m.failLocked(s, err)
		}
	case ActionFadeOut:
		d := ev.Fade
		if d <= 0 {
			d = s.cfg.FadeOut
		}
		m.enterFadingOutLocked(s, d)
		if s.endCancel != nil {
			s.endCancel()
		}
		s.endCancel = m.startWallClockTimer(d, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.session != s {
				return
			}
			s.endCancel = nil
			m.enterEndingLocked(s)
		})
	}
}

// --- phase transitions ---

// enterFadingOutLocked moves the session into fading-out and starts the
// ramp to silence. duration 0 snaps the volume down without a ramp.
func (m *Manager) enterFadingOutLocked(s *session, duration time.Duration) {
	s.phase = PhaseFadingOut
	if duration <= 0 {
		if err := m.setVolumeLocked(s, 0); err != nil {
			zlog.Error().Err(err).Str("session_id", s.id).Msg("playback: snap to silence")
		}
		return
	}
	m.runFadeLocked(s, s.volume, 0, duration, nil)
}

// enterEndingLocked finishes the session: a final progress sample is
// broadcast in the ending phase, then all resources are released.
func (m *Manager) enterEndingLocked(s *session) {
	s.phase = PhaseEnding
	m.registry.BroadcastProgress(m.progressLocked(s))
	zlog.Info().Str("session_id", s.id).Dur("elapsed", s.elapsed(m.cfg.Clock())).
		Msg("playback: session ended")
	m.cleanupLocked(s)
}

// failLocked force-stops the session after an audio resource failure.
func (m *Manager) failLocked(s *session, err error) {
	zlog.Error().Err(err).Str("session_id", s.id).
		Msg("playback: audio failure, force-stopping session")
	m.cleanupLocked(s)
}

// cleanupLocked cancels every deferred action, releases the audio handle and
// clears the active session.
func (m *Manager) cleanupLocked(s *session) {
	s.cancelTimersLocked()
	s.cancelEventsLocked()
	if s.progressStop != nil {
		s.progressStop()
		s.progressStop = nil
	}
	if s.handle != "" {
		if err := m.player.Stop(s.handle); err != nil {
			zlog.Warn().Err(err).Str("session_id", s.id).Msg("playback: release audio")
		}
		s.handle = ""
	}
	if m.session == s {
		m.session = nil
	}
}

// --- fades, volume, progress ---

// runFadeLocked starts an asynchronous ramp on the session volume. onDone
// runs under the manager lock after the ramp completes successfully.
func (m *Manager) runFadeLocked(s *session, from, to float64, duration time.Duration, onDone func()) {
	if s.fadeCancel != nil {
		s.fadeCancel()
	}

	if duration <= 0 {
		if err := m.setVolumeLocked(s, to); err != nil {
			m.failLocked(s, err)
			return
		}
		if onDone != nil {
			onDone()
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.fadeCancel = cancel

	go func() {
		err := m.fader.Run(ctx, func(v float64) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.session != s {
				return errors.New("session gone")
			}
			return m.setVolumeLocked(s, v)
		}, from, to, duration, s.cfg.Curve)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.session != s {
			return
		}
		s.fadeCancel = nil
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.failLocked(s, errors.Wrap(err, "fade ramp"))
			return
		}
		if onDone != nil {
			onDone()
		}
	}()
}

// setVolumeLocked applies and records one volume sample.
func (m *Manager) setVolumeLocked(s *session, v float64) error {
	if err := m.player.SetVolume(s.handle, v); err != nil {
		return errors.WithSecondaryError(errors.Wrap(ErrPlaybackResource, "set volume"), err)
	}
	s.volume = v
	return nil
}

func (m *Manager) progressLocked(s *session) Progress {
	now := m.cfg.Clock()
	elapsed := s.elapsed(now)

	remaining := InfiniteRemaining
	percent := 0.0
	if s.total > 0 {
		remaining = s.total - elapsed
		if remaining < 0 {
			remaining = 0
		}
		percent = float64(elapsed) / float64(s.total) * 100
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
	}

	return Progress{
		SessionID: s.id,
		Mode:      s.cfg.Mode,
		Phase:     s.phase,
		Elapsed:   elapsed,
		Remaining: remaining,
		Volume:    s.volume,
		Percent:   percent,
	}
}

// startProgressLoopLocked starts the 1 Hz progress broadcast for the
// session. The loop survives pauses and stops with the session.
func (m *Manager) startProgressLoopLocked(s *session) {
	ctx, cancel := context.WithCancel(context.Background())
	s.progressStop = cancel

	go func() {
		ticker := time.NewTicker(m.cfg.ProgressTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.mu.Lock()
				if m.session != s {
					m.mu.Unlock()
					return
				}
				p := m.progressLocked(s)
				m.mu.Unlock()
				m.registry.BroadcastProgress(p)
			}
		}
	}()
}

// startWallClockTimer runs callback once duration has elapsed on the wall
// clock, polling so suspended processes catch up promptly. Returns a cancel
// function.
func (m *Manager) startWallClockTimer(duration time.Duration, callback func()) func() {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		endTime := toWallTime(m.cfg.Clock()).Add(duration)
		ticker := time.NewTicker(m.cfg.TimerTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !toWallTime(m.cfg.Clock()).Before(endTime) {
					callback()
					return
				}
			}
		}
	}()

	return cancel
}

// toWallTime strips the monotonic clock reading so timer comparisons use
// wall-clock time.
func toWallTime(t time.Time) time.Time {
	return time.Unix(t.Unix(), int64(t.Nanosecond()))
}

func validateConfig(cfg *SessionConfig, maxTimed time.Duration) error {
	switch cfg.Mode {
	case ModeContinuous:
	case ModeTimed:
		if cfg.Duration <= 0 || cfg.Duration > maxTimed {
			return errors.Wrapf(ErrInvalidDuration, "duration %v", cfg.Duration)
		}
	case ModeProgressive:
		if len(cfg.Plan) == 0 {
			return errors.Wrap(ErrInvalidPlan, "empty phase plan")
		}
		for i, step := range cfg.Plan {
			if step.Duration <= 0 {
				return errors.Wrapf(ErrInvalidPlan, "phase %d has non-positive duration", i)
			}
		}
	case ModeScheduled:
		if len(cfg.Events) == 0 {
			return errors.Wrap(ErrInvalidPlan, "empty event list")
		}
	default:
		return errors.Wrapf(ErrInvalidPlan, "unknown mode %q", cfg.Mode)
	}
	return nil
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
