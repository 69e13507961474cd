package metrics

import (
	"math"
	"time"
)

// RollingWindow is a fixed-capacity ring buffer of samples. Once full, each
// Push evicts the oldest sample. It is not safe for concurrent use.
type RollingWindow struct {
	data  []float64
	head  int
	count int
}

// NewRollingWindow creates a window holding at most capacity samples.
func NewRollingWindow(capacity int) *RollingWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &RollingWindow{data: make([]float64, capacity)}
}

// Push appends a sample.
func (w *RollingWindow) Push(value float64) {
	w.data[w.head] = value
	w.head = (w.head + 1) % len(w.data)
	if w.count < len(w.data) {
		w.count++
	}
}

// Len returns the number of samples held.
func (w *RollingWindow) Len() int { return w.count }

// Cap returns the window capacity.
func (w *RollingWindow) Cap() int { return len(w.data) }

// Values returns the held samples oldest first.
func (w *RollingWindow) Values() []float64 {
	return w.Last(w.count)
}

// Last returns the newest n samples oldest first; fewer when not enough are held.
func (w *RollingWindow) Last(n int) []float64 {
	if n <= 0 || w.count == 0 {
		return nil
	}
	if n > w.count {
		n = w.count
	}
	size := len(w.data)
	start := (w.head - n + size) % size
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = w.data[(start+i)%size]
	}
	return out
}

// Latest returns the newest sample.
func (w *RollingWindow) Latest() (float64, bool) {
	if w.count == 0 {
		return 0, false
	}
	return w.data[(w.head-1+len(w.data))%len(w.data)], true
}

// Reset drops every sample.
func (w *RollingWindow) Reset() {
	w.head = 0
	w.count = 0
}

// SMA returns the unweighted mean of the window.
func (w *RollingWindow) SMA() (float64, bool) {
	if w.count == 0 {
		return 0, false
	}
	return Mean(w.Values()), true
}

// EMA returns the exponential moving average over the window, seeded with its oldest sample.
func (w *RollingWindow) EMA(alpha float64) (float64, bool) {
	if w.count == 0 {
		return 0, false
	}
	return EMA(w.Values(), alpha), true
}

// Mean returns the arithmetic mean of values, or 0 for none.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// EMA applies ema_t = α·x_t + (1−α)·ema_{t−1} over values, seeded with values[0].
// No warm-up bias correction is applied.
func EMA(values []float64, alpha float64) float64 {
	if len(values) == 0 {
		return 0
	}
	ema := values[0]
	for _, v := range values[1:] {
		ema = alpha*v + (1-alpha)*ema
	}
	return ema
}

// AlphaForHalfLife returns the smoothing factor under which a sample's weight
// halves after halfLife, given one sample per interval.
func AlphaForHalfLife(interval, halfLife time.Duration) float64 {
	if interval <= 0 || halfLife <= 0 {
		return 1
	}
	alpha := 1 - math.Pow(0.5, interval.Seconds()/halfLife.Seconds())
	if alpha > 1 {
		return 1
	}
	return alpha
}
