package managed

import (
	"math"
	"math/rand/v2"
	"time"

	"rconbridge-go/internal/config"
)

// Backoff produces exponentially growing reconnect delays with relative jitter.
// Delay k (0-based) is Base·2^k, capped at Max, multiplied by a factor drawn
// uniformly from [1-Jitter, 1+Jitter] and clamped to Max.
//
// With Jitter ≤ 1/3 consecutive uncapped delays never decrease.
// Backoff is not safe for concurrent use; the supervisor's reconnect loop owns it.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	attempt int
	rand    func() float64
}

// NewBackoff returns a backoff with the given parameters. Zero values fall back to defaults.
func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = config.InitialBackoffDelay
	}
	if max < base {
		max = config.MaxBackoffDelay
		if max < base {
			max = base
		}
	}
	if jitter < 0 || jitter >= 1 {
		jitter = config.BackoffJitter
	}
	return &Backoff{
		Base:   base,
		Max:    max,
		Jitter: jitter,
		rand:   rand.Float64,
	}
}

// Next returns the delay before the next attempt and advances the attempt counter.
func (b *Backoff) Next() time.Duration {
	d := b.nominal(b.attempt)
	b.attempt++

	if b.Jitter > 0 {
		factor := 1 + b.Jitter*(2*b.rand()-1)
		d = time.Duration(float64(d) * factor)
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Reset returns the backoff to its base delay.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) nominal(attempt int) time.Duration {
	raw := float64(b.Base) * math.Pow(2, float64(attempt))
	if raw >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(raw)
}
