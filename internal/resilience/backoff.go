package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays with optional jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is a fraction of the delay (0.25 = ±25%).
	Jitter float64
}

// DefaultBackoff returns 500ms doubling up to 30s with 25% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.25,
	}
}

// BackoffFromMillis builds a Backoff from config values, keeping defaults for
// non-positive inputs. Jitter is off.
func BackoffFromMillis(initialMs, maxMs int, multiplier float64) Backoff {
	b := DefaultBackoff()
	b.Jitter = 0
	if initialMs > 0 {
		b.Initial = time.Duration(initialMs) * time.Millisecond
	}
	if maxMs > 0 {
		b.Max = time.Duration(maxMs) * time.Millisecond
	}
	if multiplier > 0 {
		b.Multiplier = multiplier
	}
	return b
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	initial, maxDelay, mult := b.Initial, b.Max, b.Multiplier
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if mult <= 0 {
		mult = 2.0
	}

	d := float64(initial) * math.Pow(mult, float64(attempt))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	if b.Jitter > 0 {
		spread := d * b.Jitter
		d += (rand.Float64()*2 - 1) * spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
