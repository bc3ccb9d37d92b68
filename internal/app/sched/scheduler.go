// Package sched maintains pending wake notifications for alarms.
package sched

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"github.com/teambition/rrule-go"

	"github.com/dawnbox/dawnbox/internal/app/trigger"
	"github.com/dawnbox/dawnbox/internal/domain/alarm"
	"github.com/dawnbox/dawnbox/internal/infra/store"
	"github.com/dawnbox/dawnbox/internal/infra/wake"
)

// Errors
var (
	ErrPermissionDenied  = errors.New("sched: notification permission not granted")
	ErrInvalidTrigger    = errors.New("sched: computed trigger is not in the future")
	ErrAlarmDisabled     = errors.New("sched: alarm is disabled")
	ErrResourceExhausted = errors.New("sched: scheduling quota exhausted")
)

// IsSchedulingDegraded reports whether a Schedule error still left a usable
// partial result, such as a quota cut-off mid-series.
func IsSchedulingDegraded(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

const bookkeepingPrefix = "sched/"

// Config holds scheduler limits.
type Config struct {
	MaxRecurring int           // Cap on materialized recurring instances (default 50)
	Horizon      time.Duration // Look-ahead for recurring instances (default 30 days)
	Clock        func() time.Time
}

// Record describes one pending wake request in the bookkeeping mirror.
type Record struct {
	Handle  string      `json:"handle"`
	AlarmID string      `json:"alarm_id"`
	Kind    TriggerKind `json:"kind"`
	FireAt  time.Time   `json:"fire_at"`
	Payload []byte      `json:"payload"`
}

// Result reports a successful (possibly partial) scheduling run.
type Result struct {
	NextTriggerAt time.Time // Primary fire instant
	Handle        string    // Primary wake handle
	Recurring     int       // Recurring instances actually materialized
	Partial       bool      // True when the recurring series was cut short by quota
}

// Scheduler translates alarm definitions into pending wake requests.
// Every schedule run cancels the alarm's previous requests before creating
// new ones, so stale and fresh requests never coexist.
type Scheduler struct {
	mu        sync.Mutex
	transport wake.Transport
	store     store.Store
	cfg       Config
	pending   map[string][]Record // Alarm ID -> pending requests
}

// New creates a scheduler. store may be nil to disable persistence.
func New(transport wake.Transport, st store.Store, cfg Config) *Scheduler {
	if cfg.MaxRecurring <= 0 {
		cfg.MaxRecurring = 50
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 30 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{
		transport: transport,
		store:     st,
		cfg:       cfg,
		pending:   make(map[string][]Record),
	}
}

// Schedule arms the alarm's next wake request plus its recurring look-ahead
// series. On quota exhaustion mid-series it returns the partial result
// together with ErrResourceExhausted.
func (s *Scheduler) Schedule(ctx context.Context, a *alarm.Alarm) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !a.Enabled {
		return nil, ErrAlarmDisabled
	}

	granted, err := s.transport.RequestPermission(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "request permission")
	}
	if !granted {
		return nil, ErrPermissionDenied
	}

	// Cancel-before-create keeps scheduling idempotent.
	if err := s.cancelLocked(ctx, a.ID); err != nil {
		return nil, err
	}

	loc, err := a.Location()
	if err != nil {
		// The sentinel leads the chain so errors.Is matches; the cause rides
		// along as a secondary error.
		return nil, errors.WithSecondaryError(errors.Wrap(ErrInvalidTrigger, "resolve alarm timezone"), err)
	}

	now := s.cfg.Clock()
	next := trigger.Next(a, loc, now)
	if !next.At.After(now) {
		return nil, ErrInvalidTrigger
	}

	primaryHandle, err := s.createLocked(ctx, a, KindPrimary, next.At)
	if err != nil {
		return nil, err
	}

	result := &Result{
		NextTriggerAt: next.At,
		Handle:        primaryHandle,
	}

	if a.Repeat != alarm.RepeatNone {
		count, seriesErr := s.materializeRecurringLocked(ctx, a, next.At, loc)
		result.Recurring = count
		if seriesErr != nil {
			result.Partial = true
			s.persistLocked(ctx, a.ID)
			return result, seriesErr
		}
	}

	s.persistLocked(ctx, a.ID)
	zlog.Info().Str("alarm_id", a.ID).Time("next", next.At).
		Int("recurring", result.Recurring).Msg("sched: alarm armed")
	return result, nil
}

// ScheduleSnooze arms a single snooze re-fire for an occurrence. Unlike
// Schedule it leaves the alarm's other pending requests in place.
func (s *Scheduler) ScheduleSnooze(ctx context.Context, a *alarm.Alarm, occurrenceID string, fireAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := payloadFor(a, KindSnooze, fireAt)
	payload.OccurrenceID = occurrenceID
	data, err := payload.Encode()
	if err != nil {
		return "", err
	}

	handle, err := s.transport.Create(ctx, data, fireAt)
	if err != nil {
		if errors.Is(err, wake.ErrQuotaExhausted) {
			return "", errors.WithSecondaryError(ErrResourceExhausted, err)
		}
		return "", errors.Wrap(err, "create snooze request")
	}

	s.pending[a.ID] = append(s.pending[a.ID], Record{
		Handle:  handle,
		AlarmID: a.ID,
		Kind:    KindSnooze,
		FireAt:  fireAt,
		Payload: data,
	})
	s.persistLocked(ctx, a.ID)
	return handle, nil
}

// Cancel removes every pending wake request for the alarm.
// Cancelling an alarm with nothing pending is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, alarmID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cancelLocked(ctx, alarmID); err != nil {
		return err
	}
	s.persistLocked(ctx, alarmID)
	return nil
}

// Pending returns the bookkeeping records for an alarm, or all alarms when
// alarmID is empty.
func (s *Scheduler) Pending(alarmID string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	if alarmID != "" {
		out = append(out, s.pending[alarmID]...)
		return out
	}
	for _, recs := range s.pending {
		out = append(out, recs...)
	}
	return out
}

// Forget drops a fired handle from bookkeeping without cancelling it.
func (s *Scheduler) Forget(ctx context.Context, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for alarmID, recs := range s.pending {
		for i, r := range recs {
			if r.Handle == handle {
				s.pending[alarmID] = append(recs[:i], recs[i+1:]...)
				s.persistLocked(ctx, alarmID)
				return
			}
		}
	}
}

// Restore loads persisted bookkeeping into memory. Called once at startup
// before reconciliation.
func (s *Scheduler) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.store.List(ctx, bookkeepingPrefix)
	if err != nil {
		return errors.Wrap(err, "restore scheduling bookkeeping")
	}
	for key, value := range entries {
		var recs []Record
		if err := json.Unmarshal(value, &recs); err != nil {
			zlog.Error().Err(err).Str("key", key).
				Msg("sched: dropping unreadable bookkeeping entry")
			continue
		}
		if len(recs) > 0 {
			s.pending[recs[0].AlarmID] = recs
		}
	}
	return nil
}

// Reconcile compares bookkeeping against the transport's pending set,
// re-creating requests the transport lost and dropping records whose fire
// instant has passed. Returns the number of re-armed requests.
func (s *Scheduler) Reconcile(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles, err := s.transport.ListPending(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list pending wake requests")
	}
	live := make(map[string]bool, len(handles))
	for _, h := range handles {
		live[h] = true
	}

	now := s.cfg.Clock()
	rearmed := 0
	for alarmID, recs := range s.pending {
		kept := recs[:0]
		changed := false
		for _, r := range recs {
			if !r.FireAt.After(now) {
				// Fired (or missed) while we were down; the reconcile caller
				// decides whether to replay missed occurrences.
				changed = true
				continue
			}
			if !live[r.Handle] {
				handle, err := s.transport.Create(ctx, r.Payload, r.FireAt)
				if err != nil {
					zlog.Error().Err(err).Str("alarm_id", alarmID).
						Msg("sched: failed to re-arm wake request")
					continue
				}
				r.Handle = handle
				rearmed++
				changed = true
			}
			kept = append(kept, r)
		}
		s.pending[alarmID] = kept
		if changed {
			s.persistLocked(ctx, alarmID)
		}
	}
	if rearmed > 0 {
		zlog.Info().Int("rearmed", rearmed).Msg("sched: reconciled wake requests")
	}
	return rearmed, nil
}

func (s *Scheduler) cancelLocked(ctx context.Context, alarmID string) error {
	recs := s.pending[alarmID]
	for _, r := range recs {
		if err := s.transport.CancelHandle(ctx, r.Handle); err != nil {
			return errors.Wrapf(err, "cancel handle %s", r.Handle)
		}
	}
	delete(s.pending, alarmID)
	return nil
}

func (s *Scheduler) createLocked(ctx context.Context, a *alarm.Alarm, kind TriggerKind, fireAt time.Time) (string, error) {
	payload := payloadFor(a, kind, fireAt)
	data, err := payload.Encode()
	if err != nil {
		return "", err
	}

	handle, err := s.transport.Create(ctx, data, fireAt)
	if err != nil {
		if errors.Is(err, wake.ErrQuotaExhausted) {
			return "", errors.WithSecondaryError(ErrResourceExhausted, err)
		}
		return "", errors.Wrap(err, "create wake request")
	}

	s.pending[a.ID] = append(s.pending[a.ID], Record{
		Handle:  handle,
		AlarmID: a.ID,
		Kind:    kind,
		FireAt:  fireAt,
		Payload: data,
	})
	return handle, nil
}

// materializeRecurringLocked creates up to MaxRecurring additional instances
// within the horizon, compensating for wake schedulers without native
// recurrence support. Instance dates come from an RRULE series derived from
// the repeat policy.
func (s *Scheduler) materializeRecurringLocked(ctx context.Context, a *alarm.Alarm, first time.Time, loc *time.Location) (int, error) {
	rule, err := recurrenceRule(a, first, loc)
	if err != nil {
		zlog.Error().Err(err).Str("alarm_id", a.ID).
			Msg("sched: cannot build recurrence rule, primary only")
		return 0, nil
	}

	horizonEnd := first.Add(s.cfg.Horizon)
	count := 0
	for _, at := range rule.Between(first, horizonEnd, false) {
		if at.Equal(first) {
			continue
		}
		if count >= s.cfg.MaxRecurring {
			break
		}
		if _, err := s.createLocked(ctx, a, KindRecurring, at); err != nil {
			if errors.Is(err, ErrResourceExhausted) {
				zlog.Warn().Str("alarm_id", a.ID).Int("materialized", count).
					Msg("sched: quota reached while materializing recurring instances")
				return count, err
			}
			return count, err
		}
		count++
	}
	return count, nil
}

// recurrenceRule maps a repeat policy onto an RRULE series anchored at the
// first fire instant.
func recurrenceRule(a *alarm.Alarm, first time.Time, loc *time.Location) (*rrule.RRule, error) {
	opt := rrule.ROption{Dtstart: first.In(loc)}

	switch a.Repeat {
	case alarm.RepeatDaily:
		opt.Freq = rrule.DAILY
	case alarm.RepeatWeekdays:
		opt.Freq = rrule.WEEKLY
		opt.Byweekday = []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR}
	case alarm.RepeatWeekends:
		opt.Freq = rrule.WEEKLY
		opt.Byweekday = []rrule.Weekday{rrule.SA, rrule.SU}
	case alarm.RepeatCustom:
		opt.Freq = rrule.WEEKLY
		for _, d := range a.Days {
			opt.Byweekday = append(opt.Byweekday, rruleWeekday(d))
		}
	default:
		return nil, errors.Newf("repeat policy %q has no recurrence series", a.Repeat)
	}

	return rrule.NewRRule(opt)
}

func rruleWeekday(d time.Weekday) rrule.Weekday {
	switch d {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}

func payloadFor(a *alarm.Alarm, kind TriggerKind, fireAt time.Time) *Payload {
	p := &Payload{
		AlarmID:       a.ID,
		Kind:          kind,
		FireAt:        fireAt,
		SoundID:       a.SoundID,
		Volume:        a.Volume,
		FadeInMs:      int(a.FadeIn / time.Millisecond),
		FadeOutMs:     int(a.FadeOut / time.Millisecond),
		SnoozeEnabled: a.SnoozeEnabled,
		SnoozeMinutes: int(a.SnoozeDuration / time.Minute),
		SnoozeLimit:   a.SnoozeLimit,
	}
	if a.WhiteNoise != nil {
		p.WhiteNoise = &WhiteNoisePayload{
			SoundID: a.WhiteNoise.SoundID,
			Volume:  a.WhiteNoise.Volume,
			Enabled: a.WhiteNoise.Enabled,
		}
	}
	return p
}

// persistLocked mirrors an alarm's records to the store. Persistence errors
// are logged, not surfaced: an unreachable store must not block scheduling.
func (s *Scheduler) persistLocked(ctx context.Context, alarmID string) {
	if s.store == nil {
		return
	}
	key := bookkeepingPrefix + alarmID
	recs := s.pending[alarmID]
	if len(recs) == 0 {
		if err := s.store.Delete(ctx, key); err != nil {
			zlog.Error().Err(err).Str("alarm_id", alarmID).Msg("sched: delete bookkeeping")
		}
		return
	}
	data, err := json.Marshal(recs)
	if err != nil {
		zlog.Error().Err(err).Str("alarm_id", alarmID).Msg("sched: marshal bookkeeping")
		return
	}
	if err := s.store.Save(ctx, key, data); err != nil {
		zlog.Error().Err(err).Str("alarm_id", alarmID).Msg("sched: save bookkeeping")
	}
}
