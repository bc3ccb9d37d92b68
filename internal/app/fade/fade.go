// Package fade provides the stepped volume ramp engine.
package fade

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

// Curve selects the interpolation shape of a ramp.
type Curve string

const (
	CurveLinear  Curve = "linear"
	CurveEaseIn  Curve = "ease-in"
	CurveEaseOut Curve = "ease-out"
)

// SetVolumeFunc applies one volume sample to the underlying audio resource.
type SetVolumeFunc func(volume float64) error

// Engine runs stepped volume ramps. Each ramp is divided into a fixed number
// of steps; the final step always applies exactly the target volume.
type Engine struct {
	steps int
}

// New creates a fade engine. steps <= 0 selects the default of 20.
func New(steps int) *Engine {
	if steps <= 0 {
		steps = 20
	}
	return &Engine{steps: steps}
}

// Run ramps from `from` to `target` over `duration`, calling set once per
// step. It blocks until the ramp completes, the context is cancelled, or set
// fails. On failure the volume rests at the last successfully applied step
// and the error is returned; no timers are left behind.
//
// The sample sequence is strictly monotonic in the fade direction and the
// last sample equals target exactly.
func (e *Engine) Run(ctx context.Context, set SetVolumeFunc, from, target float64, duration time.Duration, curve Curve) error {
	if duration <= 0 || from == target {
		if err := set(target); err != nil {
			return errors.Wrap(err, "apply fade target")
		}
		return nil
	}

	stepDur := duration / time.Duration(e.steps)
	ticker := time.NewTicker(stepDur)
	defer ticker.Stop()

	for i := 1; i <= e.steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		v := sample(from, target, float64(i)/float64(e.steps), curve)
		if i == e.steps {
			v = target
		}
		if err := set(v); err != nil {
			return errors.Wrapf(err, "apply fade step %d/%d", i, e.steps)
		}
	}
	return nil
}

// Samples returns the full sample sequence of a ramp without applying it.
// Exposed for callers that precompute ramps.
func (e *Engine) Samples(from, target float64, curve Curve) []float64 {
	out := make([]float64, e.steps)
	for i := 1; i <= e.steps; i++ {
		v := sample(from, target, float64(i)/float64(e.steps), curve)
		if i == e.steps {
			v = target
		}
		out[i-1] = v
	}
	return out
}

// sample interpolates between from and target at progress t in (0,1].
// All supported curves are strictly increasing in t, which preserves
// monotonicity of the resulting ramp.
func sample(from, target, t float64, curve Curve) float64 {
	var shaped float64
	switch curve {
	case CurveEaseIn:
		shaped = t * t
	case CurveEaseOut:
		shaped = 1 - (1-t)*(1-t)
	default:
		shaped = t
	}
	v := from + (target-from)*shaped
	// Guard against float drift past the target.
	if from < target {
		v = math.Min(v, target)
	} else {
		v = math.Max(v, target)
	}
	return v
}
