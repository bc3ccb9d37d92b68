package wake

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
)

// FireFunc is invoked when a pending request reaches its fire instant.
type FireFunc func(handle string, payload []byte, firedAt time.Time)

// DispatcherConfig configures the local dispatcher.
type DispatcherConfig struct {
	Quota     int           // Maximum simultaneously pending requests (0 = default 128)
	CheckTick time.Duration // Wall-clock poll interval (0 = default 500ms)
}

// Dispatcher is an in-process Transport backed by wall-clock timers.
// It stands in for a platform notification scheduler when the engine runs
// as a foreground daemon. Timers compare against the wall clock rather than
// the monotonic clock so a suspended process fires promptly on resume.
type Dispatcher struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	onFire  FireFunc
	cfg     DispatcherConfig
	closed  bool
}

type pendingRequest struct {
	handle  string
	payload []byte
	fireAt  time.Time
	cancel  func()
}

// NewDispatcher creates a local dispatcher delivering fires to onFire.
func NewDispatcher(cfg DispatcherConfig, onFire FireFunc) *Dispatcher {
	if cfg.Quota <= 0 {
		cfg.Quota = 128
	}
	if cfg.CheckTick <= 0 {
		cfg.CheckTick = 500 * time.Millisecond
	}
	return &Dispatcher{
		pending: make(map[string]*pendingRequest),
		onFire:  onFire,
		cfg:     cfg,
	}
}

// RequestPermission always grants for the in-process dispatcher.
func (d *Dispatcher) RequestPermission(ctx context.Context) (bool, error) {
	return true, nil
}

// Create schedules a wake request.
func (d *Dispatcher) Create(ctx context.Context, payload []byte, fireAt time.Time) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", errors.New("wake: dispatcher closed")
	}
	if len(d.pending) >= d.cfg.Quota {
		return "", ErrQuotaExhausted
	}

	handle := uuid.New().String()
	req := &pendingRequest{
		handle:  handle,
		payload: payload,
		fireAt:  fireAt,
	}
	req.cancel = d.startWallClockTimer(fireAt, func(firedAt time.Time) {
		d.fire(handle, firedAt)
	})
	d.pending[handle] = req

	zlog.Debug().Str("handle", handle).Time("fire_at", fireAt).
		Msg("wake: request created")
	return handle, nil
}

// CancelHandle removes a pending request. Unknown handles are a no-op.
func (d *Dispatcher) CancelHandle(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	req, ok := d.pending[handle]
	if !ok {
		return nil
	}
	req.cancel()
	delete(d.pending, handle)
	return nil
}

// ListPending returns every pending handle.
func (d *Dispatcher) ListPending(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	handles := make([]string, 0, len(d.pending))
	for h := range d.pending {
		handles = append(handles, h)
	}
	return handles, nil
}

// Close cancels every pending request and rejects further scheduling.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, req := range d.pending {
		req.cancel()
	}
	d.pending = make(map[string]*pendingRequest)
	d.closed = true
}

func (d *Dispatcher) fire(handle string, firedAt time.Time) {
	d.mu.Lock()
	req, ok := d.pending[handle]
	if ok {
		delete(d.pending, handle)
	}
	onFire := d.onFire
	d.mu.Unlock()

	if !ok {
		return
	}

	zlog.Debug().Str("handle", handle).Time("fired_at", firedAt).
		Msg("wake: request fired")
	if onFire != nil {
		onFire(req.handle, req.payload, firedAt)
	}
}

// startWallClockTimer polls the wall clock until fireAt is reached.
// Returns a cancel function.
func (d *Dispatcher) startWallClockTimer(fireAt time.Time, callback func(time.Time)) func() {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(d.cfg.CheckTick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := toWallTime(time.Now())
				if !now.Before(fireAt) {
					callback(now)
					return
				}
			}
		}
	}()

	return cancel
}

// toWallTime strips the monotonic clock reading so comparisons survive
// process suspension and clock adjustments.
func toWallTime(t time.Time) time.Time {
	return time.Unix(t.Unix(), int64(t.Nanosecond()))
}
