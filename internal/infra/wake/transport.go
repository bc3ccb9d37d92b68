// Package wake abstracts the OS-level wake notification transport.
package wake

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrQuotaExhausted is returned by Create when the transport cannot hold
// any more pending requests.
var ErrQuotaExhausted = errors.New("wake: scheduling quota exhausted")

// ErrUnknownHandle is returned when a handle does not reference a pending request.
var ErrUnknownHandle = errors.New("wake: unknown handle")

// Transport is the narrow interface to the platform notification scheduler.
// Payloads are opaque to the transport and returned verbatim on fire.
type Transport interface {
	// RequestPermission reports whether wake notifications may be scheduled.
	RequestPermission(ctx context.Context) (bool, error)
	// Create schedules a wake request and returns its opaque handle.
	Create(ctx context.Context, payload []byte, fireAt time.Time) (string, error)
	// CancelHandle removes a pending request. Unknown handles are a no-op.
	CancelHandle(ctx context.Context, handle string) error
	// ListPending returns the handles of every pending request.
	ListPending(ctx context.Context) ([]string, error)
}
