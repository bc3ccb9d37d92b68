// Package snooze tracks snooze attempts per alarm occurrence.
package snooze

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/dawnbox/dawnbox/internal/infra/store"
)

// Errors
var (
	ErrNoOccurrence   = errors.New("snooze: no active occurrence")
	ErrLimitExceeded  = errors.New("snooze: attempt limit exceeded")
	ErrSnoozeDisabled = errors.New("snooze: disabled for this alarm")
)

const statePrefix = "snooze/"

// Occurrence is the snooze state of one concrete alarm firing.
type Occurrence struct {
	ID       string        `json:"id"`
	AlarmID  string        `json:"alarm_id"`
	Attempts int           `json:"attempts"`
	Limit    int           `json:"limit"`
	Duration time.Duration `json:"duration"`
	Enabled  bool          `json:"enabled"`
}

// Exhausted reports whether the occurrence has used up its snooze budget.
func (o *Occurrence) Exhausted() bool {
	return o.Attempts >= o.Limit
}

// Machine is the per-occurrence snooze state machine. One occurrence starts
// at attempt 0 when its trigger fires; each accepted snooze increments the
// count; reaching the limit is terminal until dismissal.
type Machine struct {
	mu          sync.Mutex
	occurrences map[string]*Occurrence
	store       store.Store
	clock       func() time.Time
}

// New creates a snooze machine. store may be nil to disable persistence.
func New(st store.Store, clock func() time.Time) *Machine {
	if clock == nil {
		clock = time.Now
	}
	return &Machine{
		occurrences: make(map[string]*Occurrence),
		store:       st,
		clock:       clock,
	}
}

// Begin registers a fresh occurrence at attempt 0, replacing any previous
// occurrence state for the same id.
func (m *Machine) Begin(ctx context.Context, occ Occurrence) {
	m.mu.Lock()
	defer m.mu.Unlock()

	occ.Attempts = 0
	m.occurrences[occ.ID] = &occ
	m.persistLocked(ctx, occ.ID)
	zlog.Debug().Str("occurrence_id", occ.ID).Str("alarm_id", occ.AlarmID).
		Int("limit", occ.Limit).Msg("snooze: occurrence armed")
}

// Snooze accepts one snooze request. It returns the attempt number (1-based)
// and the instant the occurrence re-fires. Requests beyond the limit return
// ErrLimitExceeded and leave the state untouched.
func (m *Machine) Snooze(ctx context.Context, occurrenceID string) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	occ, ok := m.occurrences[occurrenceID]
	if !ok {
		return 0, time.Time{}, ErrNoOccurrence
	}
	if !occ.Enabled {
		return 0, time.Time{}, ErrSnoozeDisabled
	}
	if occ.Exhausted() {
		return occ.Attempts, time.Time{}, ErrLimitExceeded
	}

	occ.Attempts++
	fireAt := m.clock().Add(occ.Duration)
	m.persistLocked(ctx, occurrenceID)

	zlog.Info().Str("occurrence_id", occurrenceID).
		Int("attempt", occ.Attempts).Int("limit", occ.Limit).
		Time("refire_at", fireAt).Msg("snooze: accepted")
	return occ.Attempts, fireAt, nil
}

// Rescind rolls back the most recent accepted snooze attempt, for callers
// that accepted one but then failed to arm the re-fire. Rescinding an
// unknown occurrence or one at attempt 0 is a no-op.
func (m *Machine) Rescind(ctx context.Context, occurrenceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	occ, ok := m.occurrences[occurrenceID]
	if !ok || occ.Attempts == 0 {
		return
	}
	occ.Attempts--
	m.persistLocked(ctx, occurrenceID)
	zlog.Warn().Str("occurrence_id", occurrenceID).
		Int("attempts", occ.Attempts).Msg("snooze: attempt rescinded")
}

// Dismiss clears the occurrence state. Dismissing an unknown occurrence is
// a no-op.
func (m *Machine) Dismiss(ctx context.Context, occurrenceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.occurrences[occurrenceID]; !ok {
		return
	}
	delete(m.occurrences, occurrenceID)
	m.persistLocked(ctx, occurrenceID)
	zlog.Debug().Str("occurrence_id", occurrenceID).Msg("snooze: dismissed")
}

// Get returns a copy of the occurrence state.
func (m *Machine) Get(occurrenceID string) (Occurrence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	occ, ok := m.occurrences[occurrenceID]
	if !ok {
		return Occurrence{}, false
	}
	return *occ, true
}

// Restore loads persisted occurrence state, typically after a process
// restart while an alarm was ringing or snoozed.
func (m *Machine) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.store.List(ctx, statePrefix)
	if err != nil {
		return errors.Wrap(err, "restore snooze state")
	}
	for key, value := range entries {
		var occ Occurrence
		if err := json.Unmarshal(value, &occ); err != nil {
			zlog.Error().Err(err).Str("key", key).
				Msg("snooze: dropping unreadable state entry")
			continue
		}
		m.occurrences[occ.ID] = &occ
	}
	return nil
}

func (m *Machine) persistLocked(ctx context.Context, occurrenceID string) {
	if m.store == nil {
		return
	}
	key := statePrefix + occurrenceID
	occ, ok := m.occurrences[occurrenceID]
	if !ok {
		if err := m.store.Delete(ctx, key); err != nil {
			zlog.Error().Err(err).Str("occurrence_id", occurrenceID).
				Msg("snooze: delete state")
		}
		return
	}
	data, err := json.Marshal(occ)
	if err != nil {
		zlog.Error().Err(err).Str("occurrence_id", occurrenceID).
			Msg("snooze: marshal state")
		return
	}
	if err := m.store.Save(ctx, key, data); err != nil {
		zlog.Error().Err(err).Str("occurrence_id", occurrenceID).
			Msg("snooze: save state")
	}
}
