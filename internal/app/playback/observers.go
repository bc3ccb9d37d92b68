package playback

import "sync"

// ProgressFunc receives progress broadcasts.
type ProgressFunc func(Progress)

// InterruptionFunc receives interruption reports.
type InterruptionFunc func(Interruption)

// Registry fans out progress and interruption broadcasts to registered
// observers. The manager works fine with zero observers; registration is
// entirely optional.
type Registry struct {
	mu            sync.RWMutex
	progress      map[string]ProgressFunc
	interruptions map[string]InterruptionFunc

	sequenceNo   uint64
	sequenceNoMu sync.Mutex
}

// NewRegistry creates an empty observer registry.
func NewRegistry() *Registry {
	return &Registry{
		progress:      make(map[string]ProgressFunc),
		interruptions: make(map[string]InterruptionFunc),
	}
}

// RegisterProgress adds (or replaces) a progress observer under id.
func (r *Registry) RegisterProgress(id string, fn ProgressFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[id] = fn
}

// UnregisterProgress removes a progress observer. Unknown ids are a no-op.
func (r *Registry) UnregisterProgress(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.progress, id)
}

// RegisterInterruption adds (or replaces) an interruption observer under id.
func (r *Registry) RegisterInterruption(id string, fn InterruptionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interruptions[id] = fn
}

// UnregisterInterruption removes an interruption observer.
func (r *Registry) UnregisterInterruption(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.interruptions, id)
}

// NextSequenceNo returns the next broadcast sequence number.
func (r *Registry) NextSequenceNo() uint64 {
	r.sequenceNoMu.Lock()
	defer r.sequenceNoMu.Unlock()
	r.sequenceNo++
	return r.sequenceNo
}

// BroadcastProgress delivers a progress sample to every observer.
// Each callback runs in its own goroutine so a slow observer can never
// stall the playback manager.
func (r *Registry) BroadcastProgress(p Progress) {
	p.Seq = r.NextSequenceNo()
	r.mu.RLock()
	observers := make([]ProgressFunc, 0, len(r.progress))
	for _, fn := range r.progress {
		observers = append(observers, fn)
	}
	r.mu.RUnlock()

	for _, fn := range observers {
		fn := fn
		go fn(p)
	}
}

// BroadcastInterruption delivers an interruption report to every observer.
func (r *Registry) BroadcastInterruption(i Interruption) {
	i.Seq = r.NextSequenceNo()
	r.mu.RLock()
	observers := make([]InterruptionFunc, 0, len(r.interruptions))
	for _, fn := range r.interruptions {
		observers = append(observers, fn)
	}
	r.mu.RUnlock()

	for _, fn := range observers {
		fn := fn
		go fn(i)
	}
}
