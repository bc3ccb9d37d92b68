package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dawnbox/dawnbox/internal/app/playback"
	"github.com/dawnbox/dawnbox/internal/app/sched"
	"github.com/dawnbox/dawnbox/internal/app/snooze"
	"github.com/dawnbox/dawnbox/internal/domain/alarm"
	"github.com/dawnbox/dawnbox/internal/infra/audio"
	"github.com/dawnbox/dawnbox/internal/infra/store"
)

// Monday, fixed reference instant for deterministic trigger arithmetic.
var testNow = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

type fakeRequest struct {
	payload []byte
	fireAt  time.Time
}

type fakeTransport struct {
	mu         sync.Mutex
	nextID     int
	pending    map[string]fakeRequest
	deny       bool
	failCreate error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{pending: make(map[string]fakeRequest)}
}

func (f *fakeTransport) RequestPermission(ctx context.Context) (bool, error) {
	return !f.deny, nil
}

func (f *fakeTransport) Create(ctx context.Context, payload []byte, fireAt time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return "", f.failCreate
	}
	f.nextID++
	h := "req-" + strconv.Itoa(f.nextID)
	f.pending[h] = fakeRequest{payload: payload, fireAt: fireAt}
	return h, nil
}

func (f *fakeTransport) CancelHandle(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, handle)
	return nil
}

func (f *fakeTransport) ListPending(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.pending))
	for h := range f.pending {
		out = append(out, h)
	}
	return out, nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

type testRing struct {
	mu           sync.Mutex
	alarmID      string
	occurrenceID string
	calls        int
}

func (r *testRing) hook(alarmID, occurrenceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alarmID = alarmID
	r.occurrenceID = occurrenceID
	r.calls++
}

func (r *testRing) last() (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alarmID, r.occurrenceID
}

func newTestEngine(t *testing.T, transport *fakeTransport, st store.Store) (*Engine, *testRing) {
	t.Helper()
	ring := &testRing{}
	player := audio.NewFake()
	pm := playback.NewManager(player, nil, playback.NewRegistry(), playback.Config{
		ProgressTick: 10 * time.Millisecond,
		TimerTick:    2 * time.Millisecond,
	})
	e := New(Options{
		Transport: transport,
		Store:     st,
		Playback:  pm,
		Scheduler: sched.Config{MaxRecurring: 5, Clock: testClock},
		Clock:     testClock,
		OnRing:    ring.hook,
	})
	return e, ring
}

func dailyAlarm(id string) *alarm.Alarm {
	return &alarm.Alarm{
		ID:             id,
		Hour:           11,
		Minute:         0,
		Repeat:         alarm.RepeatDaily,
		Enabled:        true,
		Timezone:       "UTC",
		SoundID:        "chime",
		Volume:         0.5,
		SnoozeEnabled:  true,
		SnoozeDuration: 9 * time.Minute,
		SnoozeLimit:    1,
	}
}

func TestPutAlarm_EnabledArms(t *testing.T) {
	transport := newFakeTransport()
	e, _ := newTestEngine(t, transport, store.NewMemory())
	defer e.Close()

	res, err := e.PutAlarm(context.Background(), dailyAlarm("a1"))
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(time.Hour), res.NextTriggerAt)
	assert.Equal(t, 5, res.Recurring)
	assert.Equal(t, 6, transport.count())

	got, ok := e.Alarm("a1")
	require.True(t, ok)
	assert.Equal(t, "chime", got.SoundID)
}

func TestPutAlarm_InvalidRejected(t *testing.T) {
	transport := newFakeTransport()
	e, _ := newTestEngine(t, transport, nil)
	defer e.Close()

	a := dailyAlarm("a1")
	a.Hour = 24
	_, err := e.PutAlarm(context.Background(), a)
	assert.Error(t, err)
	assert.Zero(t, transport.count())
}

func TestPutAlarm_DisableCancelsPending(t *testing.T) {
	transport := newFakeTransport()
	e, _ := newTestEngine(t, transport, store.NewMemory())
	defer e.Close()

	a := dailyAlarm("a1")
	_, err := e.PutAlarm(context.Background(), a)
	require.NoError(t, err)
	require.NotZero(t, transport.count())

	a.Enabled = false
	_, err = e.PutAlarm(context.Background(), a)
	require.NoError(t, err)
	assert.Zero(t, transport.count())
}

func TestDeleteAlarm(t *testing.T) {
	transport := newFakeTransport()
	e, _ := newTestEngine(t, transport, store.NewMemory())
	defer e.Close()

	_, err := e.PutAlarm(context.Background(), dailyAlarm("a1"))
	require.NoError(t, err)

	require.NoError(t, e.DeleteAlarm(context.Background(), "a1"))
	assert.Zero(t, transport.count())
	_, ok := e.Alarm("a1")
	assert.False(t, ok)

	assert.ErrorIs(t, e.DeleteAlarm(context.Background(), "a1"), ErrUnknownAlarm)
}

// fire simulates the transport delivering the alarm's primary wake request.
func fire(t *testing.T, e *Engine, alarmID string) {
	t.Helper()
	recs := e.Scheduler().Pending(alarmID)
	require.NotEmpty(t, recs)
	var primary *sched.Record
	for i := range recs {
		if recs[i].Kind == sched.KindPrimary {
			primary = &recs[i]
			break
		}
	}
	require.NotNil(t, primary, "no primary wake request pending")
	e.HandleFire(primary.Handle, primary.Payload, primary.FireAt)
}

func TestHandleFire_RingsAndRearms(t *testing.T) {
	transport := newFakeTransport()
	e, ring := newTestEngine(t, transport, store.NewMemory())
	defer e.Close()

	_, err := e.PutAlarm(context.Background(), dailyAlarm("a1"))
	require.NoError(t, err)

	fire(t, e, "a1")

	alarmID, occurrenceID := ring.last()
	assert.Equal(t, "a1", alarmID)
	assert.NotEmpty(t, occurrenceID)

	// The alarm is ringing.
	assert.Equal(t, playback.PhasePlaying, e.Playback().Phase())

	// The definition was stamped and stays enabled.
	got, ok := e.Alarm("a1")
	require.True(t, ok)
	require.NotNil(t, got.LastTriggered)
	assert.True(t, got.Enabled)

	// The series was refreshed: a fresh primary is pending again.
	recs := e.Scheduler().Pending("a1")
	assert.NotEmpty(t, recs)
}

func TestHandleFire_OneShotRetires(t *testing.T) {
	transport := newFakeTransport()
	e, _ := newTestEngine(t, transport, store.NewMemory())
	defer e.Close()

	a := dailyAlarm("a1")
	a.Repeat = alarm.RepeatNone
	_, err := e.PutAlarm(context.Background(), a)
	require.NoError(t, err)

	fire(t, e, "a1")

	got, ok := e.Alarm("a1")
	require.True(t, ok)
	assert.False(t, got.Enabled, "one-shot alarm must not stay armed")
	assert.Empty(t, e.Scheduler().Pending("a1"))
}

func TestHandleFire_BadPayloadDropped(t *testing.T) {
	transport := newFakeTransport()
	e, ring := newTestEngine(t, transport, nil)
	defer e.Close()

	e.HandleFire("req-x", []byte("{not json"), testNow)
	assert.Zero(t, ring.calls)
	assert.Equal(t, playback.PhaseIdle, e.Playback().Phase())
}

func TestSnooze_SilencesAndRearms(t *testing.T) {
	transport := newFakeTransport()
	e, ring := newTestEngine(t, transport, store.NewMemory())
	defer e.Close()

	_, err := e.PutAlarm(context.Background(), dailyAlarm("a1"))
	require.NoError(t, err)
	fire(t, e, "a1")
	_, occurrenceID := ring.last()

	before := transport.count()
	attempt, fireAt, err := e.Snooze(context.Background(), occurrenceID)
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)
	assert.Equal(t, testNow.Add(9*time.Minute), fireAt)

	// Ringing stopped, one extra wake request armed.
	assert.Equal(t, playback.PhaseIdle, e.Playback().Phase())
	assert.Equal(t, before+1, transport.count())

	// The limit is 1, so a second snooze is rejected.
	_, _, err = e.Snooze(context.Background(), occurrenceID)
	assert.ErrorIs(t, err, snooze.ErrLimitExceeded)
}

func TestSnooze_ArmFailureKeepsRinging(t *testing.T) {
	transport := newFakeTransport()
	e, ring := newTestEngine(t, transport, store.NewMemory())
	defer e.Close()

	_, err := e.PutAlarm(context.Background(), dailyAlarm("a1"))
	require.NoError(t, err)
	fire(t, e, "a1")
	_, occurrenceID := ring.last()

	transport.mu.Lock()
	transport.failCreate = errors.New("transport down")
	transport.mu.Unlock()

	_, _, err = e.Snooze(context.Background(), occurrenceID)
	require.Error(t, err)

	// The alarm keeps ringing: a failed snooze must never leave silence
	// with no re-fire armed.
	assert.Equal(t, playback.PhasePlaying, e.Playback().Phase())

	// The attempt was rolled back, so once the transport recovers the
	// single allowed snooze still goes through.
	transport.mu.Lock()
	transport.failCreate = nil
	transport.mu.Unlock()

	attempt, _, err := e.Snooze(context.Background(), occurrenceID)
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)
	assert.Equal(t, playback.PhaseIdle, e.Playback().Phase())
}

func TestSnoozeRefire_ReusesOccurrence(t *testing.T) {
	transport := newFakeTransport()
	e, ring := newTestEngine(t, transport, store.NewMemory())
	defer e.Close()

	_, err := e.PutAlarm(context.Background(), dailyAlarm("a1"))
	require.NoError(t, err)
	fire(t, e, "a1")
	_, occurrenceID := ring.last()

	_, _, err = e.Snooze(context.Background(), occurrenceID)
	require.NoError(t, err)

	// Find and deliver the snooze wake request.
	var snoozeRec *sched.Record
	for _, r := range e.Scheduler().Pending("a1") {
		if r.Kind == sched.KindSnooze {
			r := r
			snoozeRec = &r
			break
		}
	}
	require.NotNil(t, snoozeRec)
	e.HandleFire(snoozeRec.Handle, snoozeRec.Payload, snoozeRec.FireAt)

	// Same occurrence rings again; no new occurrence was created.
	_, refired := ring.last()
	assert.Equal(t, occurrenceID, refired)
	assert.Equal(t, playback.PhasePlaying, e.Playback().Phase())
}

func TestDismiss_ClearsOccurrence(t *testing.T) {
	transport := newFakeTransport()
	e, ring := newTestEngine(t, transport, store.NewMemory())
	defer e.Close()

	_, err := e.PutAlarm(context.Background(), dailyAlarm("a1"))
	require.NoError(t, err)
	fire(t, e, "a1")
	_, occurrenceID := ring.last()

	e.Dismiss(context.Background(), occurrenceID)
	assert.Equal(t, playback.PhaseIdle, e.Playback().Phase())

	_, _, err = e.Snooze(context.Background(), occurrenceID)
	assert.ErrorIs(t, err, snooze.ErrNoOccurrence)
}

func TestStart_RestoresAndRearmsAfterRestart(t *testing.T) {
	st := store.NewMemory()

	first := newFakeTransport()
	e1, _ := newTestEngine(t, first, st)
	_, err := e1.PutAlarm(context.Background(), dailyAlarm("a1"))
	require.NoError(t, err)
	e1.Close()

	// Fresh process: empty transport, same store.
	second := newFakeTransport()
	e2, _ := newTestEngine(t, second, st)
	defer e2.Close()

	require.NoError(t, e2.Start(context.Background()))

	got, ok := e2.Alarm("a1")
	require.True(t, ok)
	assert.True(t, got.Enabled)
	assert.NotZero(t, second.count(), "wake requests were not re-armed")
}
