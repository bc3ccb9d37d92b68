package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dawnbox/dawnbox/internal/infra/audio"
)

func testConfig() Config {
	return Config{
		ProgressTick: 10 * time.Millisecond,
		TimerTick:    2 * time.Millisecond,
		CrossFade:    10 * time.Millisecond,
		DuckHold:     40 * time.Millisecond,
	}
}

func newTestManager() (*Manager, *audio.Fake) {
	player := audio.NewFake()
	m := NewManager(player, nil, NewRegistry(), testConfig())
	return m, player
}

// phaseRecorder collects the phases seen in progress broadcasts.
type phaseRecorder struct {
	mu     sync.Mutex
	phases []Phase
	last   Progress
}

func (r *phaseRecorder) observe(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, p.Phase)
	r.last = p
}

func (r *phaseRecorder) saw(want Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.phases {
		if p == want {
			return true
		}
	}
	return false
}

func (r *phaseRecorder) lastSample() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func TestStart_SecondSessionRejected(t *testing.T) {
	m, _ := newTestManager()
	defer m.Close()

	id, err := m.Start(context.Background(), SessionConfig{Mode: ModeContinuous, Source: "rain", Volume: 0.5})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	phaseBefore := m.Phase()

	_, err = m.Start(context.Background(), SessionConfig{Mode: ModeContinuous, Source: "waves", Volume: 0.5})
	assert.ErrorIs(t, err, ErrSessionConflict)

	// The original session is untouched.
	assert.Equal(t, id, m.SessionID())
	assert.Equal(t, phaseBefore, m.Phase())
}

func TestContinuous_InfiniteRemaining(t *testing.T) {
	m, _ := newTestManager()
	defer m.Close()

	_, err := m.Start(context.Background(), SessionConfig{Mode: ModeContinuous, Source: "rain", Volume: 0.5})
	require.NoError(t, err)

	p, ok := m.Snapshot()
	require.True(t, ok)
	assert.Equal(t, InfiniteRemaining, p.Remaining)
	assert.Zero(t, p.Percent)
	assert.Equal(t, PhasePlaying, p.Phase)
}

func TestTimed_InvalidDurations(t *testing.T) {
	m, _ := newTestManager()
	defer m.Close()

	_, err := m.Start(context.Background(), SessionConfig{Mode: ModeTimed, Source: "rain", Duration: 0})
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = m.Start(context.Background(), SessionConfig{Mode: ModeTimed, Source: "rain", Duration: 13 * time.Hour})
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestTimed_PassesThroughFadingOutBeforeEnding(t *testing.T) {
	m, _ := newTestManager()
	defer m.Close()

	rec := &phaseRecorder{}
	m.Registry().RegisterProgress("rec", rec.observe)

	_, err := m.Start(context.Background(), SessionConfig{
		Mode:     ModeTimed,
		Source:   "rain",
		Volume:   0.8,
		Duration: 300 * time.Millisecond,
		FadeOut:  100 * time.Millisecond,
	})
	require.NoError(t, err)

	// The fade-out phase begins at duration - fadeOut and is observable.
	assert.Eventually(t, func() bool { return rec.saw(PhaseFadingOut) },
		2*time.Second, 5*time.Millisecond, "session never entered fading-out")

	// The session then ends and the manager returns to idle.
	assert.Eventually(t, func() bool { return m.Phase() == PhaseIdle },
		2*time.Second, 5*time.Millisecond, "session never ended")
	// The final progress sample arrives asynchronously.
	assert.Eventually(t, func() bool { return rec.saw(PhaseEnding) },
		time.Second, 5*time.Millisecond, "ending phase was skipped")
}

func TestTimed_StopReleasesAudio(t *testing.T) {
	m, player := newTestManager()

	_, err := m.Start(context.Background(), SessionConfig{
		Mode: ModeTimed, Source: "rain", Volume: 0.5, Duration: time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, m.Stop())
	assert.Equal(t, PhaseIdle, m.Phase())
	assert.False(t, player.Live(firstHandle(t, player)), "audio handle leaked")

	// Stopping again with no session is a no-op.
	assert.NoError(t, m.Stop())
}

func TestFadeIn_RampsMonotonicallyToTarget(t *testing.T) {
	m, player := newTestManager()
	defer m.Close()

	_, err := m.Start(context.Background(), SessionConfig{
		Mode:   ModeContinuous,
		Source: "rain",
		Volume: 0.8,
		FadeIn: 80 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return m.Phase() == PhasePlaying },
		2*time.Second, 5*time.Millisecond, "fade-in never completed")

	p, ok := m.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 0.8, p.Volume)

	handle := firstHandle(t, player)
	vols := player.Volumes(handle)
	require.NotEmpty(t, vols)
	assert.Equal(t, 0.8, vols[len(vols)-1])
	for i := 1; i < len(vols); i++ {
		assert.GreaterOrEqual(t, vols[i], vols[i-1], "fade-in regressed: %v", vols)
	}
}

func TestPauseResume(t *testing.T) {
	m, _ := newTestManager()
	defer m.Close()

	_, err := m.Start(context.Background(), SessionConfig{
		Mode: ModeTimed, Source: "rain", Volume: 0.5, Duration: time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, m.Pause())
	assert.Equal(t, PhasePaused, m.Phase())

	// Pausing a paused session is rejected.
	assert.ErrorIs(t, m.Pause(), ErrNotPlaying)

	require.NoError(t, m.Resume())
	assert.Equal(t, PhasePlaying, m.Phase())

	// Resuming a playing session is rejected.
	assert.ErrorIs(t, m.Resume(), ErrNotPaused)
}

func TestPause_FreezesElapsed(t *testing.T) {
	m, _ := newTestManager()
	defer m.Close()

	_, err := m.Start(context.Background(), SessionConfig{
		Mode: ModeTimed, Source: "rain", Volume: 0.5, Duration: time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, m.Pause())
	p1, ok := m.Snapshot()
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	p2, ok := m.Snapshot()
	require.True(t, ok)
	assert.Equal(t, p1.Elapsed, p2.Elapsed, "elapsed advanced while paused")
}

func TestProgressive_WalksPlanAndEnds(t *testing.T) {
	m, player := newTestManager()
	defer m.Close()

	rec := &phaseRecorder{}
	m.Registry().RegisterProgress("rec", rec.observe)

	plan := []PhaseStep{
		{Duration: 60 * time.Millisecond, TargetVolume: 0.3},
		{Duration: 60 * time.Millisecond, TargetVolume: 0.6},
		{Duration: 60 * time.Millisecond, TargetVolume: 0.2},
	}
	_, err := m.Start(context.Background(), SessionConfig{
		Mode: ModeProgressive, Source: "rain", Volume: 0.3, Plan: plan,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return m.Phase() == PhaseIdle },
		3*time.Second, 5*time.Millisecond, "progressive session never ended")

	// The final sample arrives asynchronously; its elapsed matches the plan
	// sum to within timer slack.
	require.Eventually(t, func() bool { return rec.lastSample().Phase == PhaseEnding },
		time.Second, 5*time.Millisecond, "no final ending sample")
	final := rec.lastSample()
	assert.InDelta(t, float64(180*time.Millisecond), float64(final.Elapsed),
		float64(80*time.Millisecond))

	// Every step target was applied at some point.
	handle := firstHandle(t, player)
	vols := player.Volumes(handle)
	for _, want := range []float64{0.3, 0.6, 0.2} {
		assert.Contains(t, vols, want)
	}
}

func TestProgressive_EmptyPlanRejected(t *testing.T) {
	m, _ := newTestManager()
	defer m.Close()

	_, err := m.Start(context.Background(), SessionConfig{Mode: ModeProgressive, Source: "rain"})
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestScheduled_EventRules(t *testing.T) {
	m, _ := newTestManager()
	defer m.Close()

	now := time.Now()
	_, err := m.Start(context.Background(), SessionConfig{
		Mode:   ModeScheduled,
		Source: "rain",
		Volume: 0.5,
		Events: []ScheduledEvent{
			// Stale stop far in the past: discarded, must not end the session.
			{At: now.Add(-5 * time.Minute), Action: ActionStop},
			// Near past: executes immediately.
			{At: now.Add(-5 * time.Second), Action: ActionPlay},
			// Future: timer-armed.
			{At: now.Add(60 * time.Millisecond), Action: ActionSetVolume, Volume: 0.9},
			{At: now.Add(120 * time.Millisecond), Action: ActionStop},
		},
	})
	require.NoError(t, err)

	// The stale stop was dropped, so the session is still alive now.
	assert.NotEqual(t, PhaseIdle, m.Phase())

	// The set-volume event lands.
	assert.Eventually(t, func() bool {
		p, ok := m.Snapshot()
		return ok && p.Volume == 0.9
	}, 2*time.Second, 5*time.Millisecond, "set-volume event never ran")

	// The future stop ends the session.
	assert.Eventually(t, func() bool { return m.Phase() == PhaseIdle },
		2*time.Second, 5*time.Millisecond, "scheduled stop never ran")
}

func TestScheduled_EventsSurvivePause(t *testing.T) {
	m, _ := newTestManager()
	defer m.Close()

	now := time.Now()
	_, err := m.Start(context.Background(), SessionConfig{
		Mode:   ModeScheduled,
		Source: "rain",
		Volume: 0.5,
		Events: []ScheduledEvent{
			{At: now, Action: ActionPlay},
			{At: now.Add(100 * time.Millisecond), Action: ActionSetVolume, Volume: 0.9},
		},
	})
	require.NoError(t, err)

	// Events are absolute instants; pausing must not tear them down.
	require.NoError(t, m.Pause())
	require.NoError(t, m.Resume())

	assert.Eventually(t, func() bool {
		p, ok := m.Snapshot()
		return ok && p.Volume == 0.9
	}, 2*time.Second, 5*time.Millisecond, "scheduled event lost across pause")
}

func TestScheduled_ImmediateStopEndsCleanly(t *testing.T) {
	m, player := newTestManager()

	now := time.Now()
	id, err := m.Start(context.Background(), SessionConfig{
		Mode:   ModeScheduled,
		Source: "rain",
		Volume: 0.5,
		Events: []ScheduledEvent{
			{At: now, Action: ActionStop},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// The stop ran during arming: no lingering session, audio released.
	assert.Equal(t, PhaseIdle, m.Phase())
	assert.False(t, player.Live(firstHandle(t, player)), "audio handle leaked")
}

func TestScheduled_EmptyEventsRejected(t *testing.T) {
	m, _ := newTestManager()
	defer m.Close()

	_, err := m.Start(context.Background(), SessionConfig{Mode: ModeScheduled, Source: "rain"})
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestInterrupt_PhoneCallPausesAndCounts(t *testing.T) {
	m, _ := newTestManager()
	defer m.Close()

	var reports []Interruption
	var mu sync.Mutex
	m.Registry().RegisterInterruption("rec", func(i Interruption) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, i)
	})

	_, err := m.Start(context.Background(), SessionConfig{Mode: ModeContinuous, Source: "rain", Volume: 0.5})
	require.NoError(t, err)

	m.Interrupt(InterruptionPhoneCall)
	assert.Equal(t, PhasePaused, m.Phase())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reports) == 1 && reports[0].Count == 1 &&
			reports[0].Kind == InterruptionPhoneCall
	}, time.Second, 5*time.Millisecond)

	// The session survives the interruption.
	require.NoError(t, m.Resume())
	assert.Equal(t, PhasePlaying, m.Phase())
}

func TestInterrupt_TransientDucksAndRestores(t *testing.T) {
	m, _ := newTestManager()
	defer m.Close()

	_, err := m.Start(context.Background(), SessionConfig{Mode: ModeContinuous, Source: "rain", Volume: 0.8})
	require.NoError(t, err)

	m.Interrupt(InterruptionTransient)

	// Volume drops without pausing.
	assert.Equal(t, PhasePlaying, m.Phase())
	p, ok := m.Snapshot()
	require.True(t, ok)
	assert.Less(t, p.Volume, 0.8)

	// And restores after the duck hold.
	assert.Eventually(t, func() bool {
		p, ok := m.Snapshot()
		return ok && p.Volume == 0.8
	}, 2*time.Second, 5*time.Millisecond, "volume never restored")
}

func TestInterrupt_NoSessionIsNoOp(t *testing.T) {
	m, _ := newTestManager()
	m.Interrupt(InterruptionPhoneCall) // Must not panic or error.
}

func TestStart_AudioFailureSurfaced(t *testing.T) {
	player := audio.NewFake()
	player.FailPlay = errors.New("device busy")
	m := NewManager(player, nil, NewRegistry(), testConfig())

	_, err := m.Start(context.Background(), SessionConfig{Mode: ModeContinuous, Source: "rain", Volume: 0.5})
	assert.ErrorIs(t, err, ErrPlaybackResource)
	assert.Equal(t, PhaseIdle, m.Phase())
}

func TestProgress_BroadcastsAtCadence(t *testing.T) {
	m, _ := newTestManager()
	defer m.Close()

	rec := &phaseRecorder{}
	m.Registry().RegisterProgress("rec", rec.observe)

	_, err := m.Start(context.Background(), SessionConfig{Mode: ModeContinuous, Source: "rain", Volume: 0.5})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.phases) >= 3
	}, 2*time.Second, 5*time.Millisecond, "progress broadcasts never arrived")
}

func firstHandle(t *testing.T, player *audio.Fake) string {
	t.Helper()
	// The fake hands out sequential handles; the first session gets fake-1.
	return "fake-1"
}
