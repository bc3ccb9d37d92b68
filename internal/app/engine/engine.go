// Package engine wires the alarm registry, the wake scheduler, the snooze
// machine and the playback manager into one orchestrator.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	zlog "github.com/rs/zerolog/log"

	"github.com/dawnbox/dawnbox/internal/app/playback"
	"github.com/dawnbox/dawnbox/internal/app/sched"
	"github.com/dawnbox/dawnbox/internal/app/snooze"
	"github.com/dawnbox/dawnbox/internal/domain/alarm"
	"github.com/dawnbox/dawnbox/internal/infra/store"
	"github.com/dawnbox/dawnbox/internal/infra/wake"
)

// ErrUnknownAlarm is returned for operations on alarm ids the registry does
// not hold.
var ErrUnknownAlarm = errors.New("engine: unknown alarm")

const alarmPrefix = "alarm/"

// Options configures the engine.
type Options struct {
	Transport     wake.Transport
	Store         store.Store // May be nil; disables persistence
	Playback      *playback.Manager
	Scheduler     sched.Config
	ReconcileSpec string // Cron spec for periodic reconciliation (default @every 1h)
	Clock         func() time.Time

	// OnRing is called after an occurrence starts ringing, so a frontend can
	// offer snooze and dismiss for it. Optional.
	OnRing func(alarmID, occurrenceID string)
}

// Engine owns the alarm registry and drives the full occurrence lifecycle:
// arm, fire, ring, snooze or dismiss, re-arm.
type Engine struct {
	mu        sync.Mutex
	alarms    map[string]*alarm.Alarm
	scheduler *sched.Scheduler
	snoozer   *snooze.Machine
	playback  *playback.Manager
	store     store.Store
	clock     func() time.Time

	reconcileSpec string
	cron          *cron.Cron
	onRing        func(alarmID, occurrenceID string)
}

// New creates an engine. Call Start before use.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Scheduler.Clock == nil {
		opts.Scheduler.Clock = opts.Clock
	}
	if opts.ReconcileSpec == "" {
		opts.ReconcileSpec = "@every 1h"
	}
	return &Engine{
		alarms:        make(map[string]*alarm.Alarm),
		scheduler:     sched.New(opts.Transport, opts.Store, opts.Scheduler),
		snoozer:       snooze.New(opts.Store, opts.Clock),
		playback:      opts.Playback,
		store:         opts.Store,
		clock:         opts.Clock,
		reconcileSpec: opts.ReconcileSpec,
		onRing:        opts.OnRing,
	}
}

// Playback returns the playback manager for session control and observer
// registration.
func (e *Engine) Playback() *playback.Manager { return e.playback }

// Scheduler returns the wake scheduler, mainly for inspection.
func (e *Engine) Scheduler() *sched.Scheduler { return e.scheduler }

// Start restores persisted state, reconciles pending wake requests, re-arms
// every enabled alarm and begins periodic reconciliation. It does not block.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.restoreAlarms(ctx); err != nil {
		return err
	}
	if err := e.scheduler.Restore(ctx); err != nil {
		return err
	}
	if err := e.snoozer.Restore(ctx); err != nil {
		return err
	}
	if _, err := e.scheduler.Reconcile(ctx); err != nil {
		zlog.Error().Err(err).Msg("engine: startup reconciliation failed")
	}

	e.mu.Lock()
	alarms := make([]*alarm.Alarm, 0, len(e.alarms))
	for _, a := range e.alarms {
		alarms = append(alarms, a)
	}
	e.mu.Unlock()

	for _, a := range alarms {
		if !a.Enabled {
			continue
		}
		if _, err := e.scheduler.Schedule(ctx, a); err != nil {
			zlog.Error().Err(err).Str("alarm_id", a.ID).
				Msg("engine: failed to arm alarm at startup")
		}
	}

	e.cron = cron.New()
	if _, err := e.cron.AddFunc(e.reconcileSpec, func() {
		if _, err := e.scheduler.Reconcile(context.Background()); err != nil {
			zlog.Error().Err(err).Msg("engine: periodic reconciliation failed")
		}
	}); err != nil {
		return errors.Wrap(err, "schedule periodic reconciliation")
	}
	e.cron.Start()

	zlog.Info().Int("alarms", len(alarms)).Msg("engine: started")
	return nil
}

// Close stops periodic reconciliation and any active playback session.
func (e *Engine) Close() {
	if e.cron != nil {
		e.cron.Stop()
	}
	if e.playback != nil {
		e.playback.Close()
	}
}

// PutAlarm adds or replaces an alarm definition. Enabled alarms are armed
// immediately; disabling an existing alarm cancels its pending requests.
func (e *Engine) PutAlarm(ctx context.Context, a *alarm.Alarm) (*sched.Result, error) {
	a.Normalize()
	if err := a.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	cp := *a
	e.alarms[a.ID] = &cp
	e.persistAlarmLocked(ctx, &cp)
	e.mu.Unlock()

	if !a.Enabled {
		return nil, e.scheduler.Cancel(ctx, a.ID)
	}
	return e.scheduler.Schedule(ctx, a)
}

// DeleteAlarm removes an alarm and cancels its pending wake requests.
func (e *Engine) DeleteAlarm(ctx context.Context, alarmID string) error {
	e.mu.Lock()
	_, ok := e.alarms[alarmID]
	delete(e.alarms, alarmID)
	if e.store != nil {
		if err := e.store.Delete(ctx, alarmPrefix+alarmID); err != nil {
			zlog.Error().Err(err).Str("alarm_id", alarmID).Msg("engine: delete alarm")
		}
	}
	e.mu.Unlock()

	if !ok {
		return ErrUnknownAlarm
	}
	return e.scheduler.Cancel(ctx, alarmID)
}

// Alarm returns a copy of the alarm definition.
func (e *Engine) Alarm(alarmID string) (alarm.Alarm, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alarms[alarmID]
	if !ok {
		return alarm.Alarm{}, false
	}
	return *a, true
}

// Alarms returns a copy of every registered alarm.
func (e *Engine) Alarms() []alarm.Alarm {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]alarm.Alarm, 0, len(e.alarms))
	for _, a := range e.alarms {
		out = append(out, *a)
	}
	return out
}

// HandleFire processes one wake callback from the transport. Wire it to the
// transport's fire hook. Errors are logged, never surfaced: a fire callback
// has no caller to report to.
func (e *Engine) HandleFire(handle string, data []byte, firedAt time.Time) {
	ctx := context.Background()
	e.scheduler.Forget(ctx, handle)

	payload, err := sched.DecodePayload(data)
	if err != nil {
		zlog.Error().Err(err).Str("handle", handle).
			Msg("engine: dropping undecodable wake payload")
		return
	}

	zlog.Info().Str("alarm_id", payload.AlarmID).Str("kind", string(payload.Kind)).
		Time("fired_at", firedAt).Msg("engine: alarm fired")

	switch payload.Kind {
	case sched.KindSnooze:
		// A snoozed occurrence re-fires: resume ringing, same occurrence.
		e.ring(ctx, payload, payload.OccurrenceID)
	default:
		occurrenceID := uuid.New().String()
		e.beginOccurrence(ctx, payload, occurrenceID, firedAt)
		e.ring(ctx, payload, occurrenceID)
	}
}

// beginOccurrence stamps the alarm, arms its snooze state and re-arms or
// retires the definition depending on the repeat policy.
func (e *Engine) beginOccurrence(ctx context.Context, p *sched.Payload, occurrenceID string, firedAt time.Time) {
	e.snoozer.Begin(ctx, snooze.Occurrence{
		ID:       occurrenceID,
		AlarmID:  p.AlarmID,
		Limit:    p.SnoozeLimit,
		Duration: time.Duration(p.SnoozeMinutes) * time.Minute,
		Enabled:  p.SnoozeEnabled,
	})

	e.mu.Lock()
	a, ok := e.alarms[p.AlarmID]
	if ok {
		t := firedAt
		a.LastTriggered = &t
		if a.Repeat == alarm.RepeatNone {
			// One-shot alarms never fire twice.
			a.Enabled = false
		}
		e.persistAlarmLocked(ctx, a)
	}
	var rearm *alarm.Alarm
	if ok && a.Enabled && a.Repeat != alarm.RepeatNone {
		cp := *a
		rearm = &cp
	}
	e.mu.Unlock()

	if !ok {
		zlog.Warn().Str("alarm_id", p.AlarmID).
			Msg("engine: fired alarm is no longer registered")
		return
	}
	if rearm != nil {
		// Refresh the look-ahead series so the horizon stays topped up.
		if _, err := e.scheduler.Schedule(ctx, rearm); err != nil {
			zlog.Error().Err(err).Str("alarm_id", rearm.ID).
				Msg("engine: failed to re-arm fired alarm")
		}
	}
}

// ring starts the alarm's playback session, displacing any active session.
func (e *Engine) ring(ctx context.Context, p *sched.Payload, occurrenceID string) {
	if e.onRing != nil {
		defer e.onRing(p.AlarmID, occurrenceID)
	}
	if e.playback == nil {
		return
	}

	if e.playback.SessionID() != "" {
		e.playback.Interrupt(playback.InterruptionCompetingAlarm)
		if err := e.playback.Stop(); err != nil {
			zlog.Error().Err(err).Msg("engine: stop displaced session")
		}
	}

	cfg := playback.SessionConfig{
		Mode:    playback.ModeContinuous,
		Source:  p.SoundID,
		Volume:  p.Volume,
		FadeIn:  time.Duration(p.FadeInMs) * time.Millisecond,
		FadeOut: time.Duration(p.FadeOutMs) * time.Millisecond,
	}
	if _, err := e.playback.Start(ctx, cfg); err != nil {
		zlog.Error().Err(err).Str("alarm_id", p.AlarmID).
			Str("occurrence_id", occurrenceID).Msg("engine: failed to ring alarm")
	}
}

// Snooze silences the ringing occurrence and arms its re-fire. It returns
// the attempt number and the re-fire instant. The re-fire is armed before
// the audio stops: if arming fails the attempt is rolled back and the
// session keeps ringing, so a transport failure never leaves the alarm
// silenced with nothing scheduled.
func (e *Engine) Snooze(ctx context.Context, occurrenceID string) (int, time.Time, error) {
	attempt, fireAt, err := e.snoozer.Snooze(ctx, occurrenceID)
	if err != nil {
		return 0, time.Time{}, err
	}

	occ, _ := e.snoozer.Get(occurrenceID)
	a, ok := e.Alarm(occ.AlarmID)
	if !ok {
		e.snoozer.Rescind(ctx, occurrenceID)
		return 0, time.Time{}, ErrUnknownAlarm
	}

	if _, err := e.scheduler.ScheduleSnooze(ctx, &a, occurrenceID, fireAt); err != nil {
		e.snoozer.Rescind(ctx, occurrenceID)
		return 0, time.Time{}, err
	}

	if e.playback != nil {
		if err := e.playback.Stop(); err != nil {
			zlog.Error().Err(err).Msg("engine: stop session on snooze")
		}
	}
	return attempt, fireAt, nil
}

// Dismiss ends the ringing occurrence for good.
func (e *Engine) Dismiss(ctx context.Context, occurrenceID string) {
	e.snoozer.Dismiss(ctx, occurrenceID)
	if e.playback != nil {
		if err := e.playback.Stop(); err != nil {
			zlog.Error().Err(err).Msg("engine: stop session on dismiss")
		}
	}
}

// restoreAlarms loads the persisted alarm registry.
func (e *Engine) restoreAlarms(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	entries, err := e.store.List(ctx, alarmPrefix)
	if err != nil {
		return errors.Wrap(err, "restore alarm registry")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for key, value := range entries {
		var a alarm.Alarm
		if err := json.Unmarshal(value, &a); err != nil {
			zlog.Error().Err(err).Str("key", key).
				Msg("engine: dropping unreadable alarm entry")
			continue
		}
		e.alarms[a.ID] = &a
	}
	return nil
}

// persistAlarmLocked mirrors one alarm to the store. Persistence errors are
// logged, not surfaced.
func (e *Engine) persistAlarmLocked(ctx context.Context, a *alarm.Alarm) {
	if e.store == nil {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		zlog.Error().Err(err).Str("alarm_id", a.ID).Msg("engine: marshal alarm")
		return
	}
	if err := e.store.Save(ctx, alarmPrefix+a.ID, data); err != nil {
		zlog.Error().Err(err).Str("alarm_id", a.ID).Msg("engine: save alarm")
	}
}
