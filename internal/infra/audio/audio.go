// Package audio provides the audio primitive collaborator.
package audio

import (
	"context"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrUnknownHandle is returned when a handle does not reference a live sound.
var ErrUnknownHandle = errors.New("audio: unknown handle")

// Player is the narrow interface over the platform audio primitive.
// A handle references one prepared sound; Stop releases it.
type Player interface {
	Create(ctx context.Context, source string) (string, error)
	Play(handle string) error
	Pause(handle string) error
	Stop(handle string) error
	SetVolume(handle string, volume float64) error
}

// Fake is an in-memory Player for tests. It records every volume change per
// handle and can inject failures.
type Fake struct {
	mu       sync.Mutex
	handles  map[string]*fakeSound
	nextID   int
	FailPlay error // Returned by Play when set
	FailSet  error // Returned by SetVolume when set
}

type fakeSound struct {
	source  string
	playing bool
	volumes []float64
}

// NewFake creates an empty fake player.
func NewFake() *Fake {
	return &Fake{handles: make(map[string]*fakeSound)}
}

func (f *Fake) Create(ctx context.Context, source string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	h := "fake-" + strconv.Itoa(f.nextID)
	f.handles[h] = &fakeSound{source: source}
	return h, nil
}

func (f *Fake) Play(handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailPlay != nil {
		return f.FailPlay
	}
	s, ok := f.handles[handle]
	if !ok {
		return ErrUnknownHandle
	}
	s.playing = true
	return nil
}

func (f *Fake) Pause(handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.handles[handle]
	if !ok {
		return ErrUnknownHandle
	}
	s.playing = false
	return nil
}

func (f *Fake) Stop(handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, handle)
	return nil
}

func (f *Fake) SetVolume(handle string, volume float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSet != nil {
		return f.FailSet
	}
	s, ok := f.handles[handle]
	if !ok {
		return ErrUnknownHandle
	}
	s.volumes = append(s.volumes, volume)
	return nil
}

// Volumes returns the recorded volume changes for a handle.
func (f *Fake) Volumes(handle string) []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.handles[handle]
	if !ok {
		return nil
	}
	out := make([]float64, len(s.volumes))
	copy(out, s.volumes)
	return out
}

// IsPlaying reports whether the handle is currently playing.
func (f *Fake) IsPlaying(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.handles[handle]
	return ok && s.playing
}

// Live reports whether a handle has not been stopped yet.
func (f *Fake) Live(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handles[handle]
	return ok
}
