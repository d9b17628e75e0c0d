// Package scoring wraps github.com/VividCortex/ewma with the
// normalisation and clamping rules shared by the latency prober and the
// CPU collector: every smoothed value lives in [0, 1], higher is better,
// and the first sample initialises the average rather than blending
// against a zero baseline.
package scoring

import (
	"sync"

	"github.com/VividCortex/ewma"
)

// AlphaToAge converts a smoothing factor α ∈ (0,1] into the "age" parameter
// VividCortex/ewma expects, using the standard relation α = 2/(age+1).
func AlphaToAge(alpha float64) float64 {
	if alpha <= 0 || alpha > 1 {
		alpha = 1
	}
	return 2/alpha - 1
}

// Clamp01 clamps x to [0, 1]. NaN and negative inputs clamp to 0.
func Clamp01(x float64) float64 {
	if x != x { // NaN
		return 0
	}
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// Tracker smooths one scalar score with EWMA and is safe for concurrent
// use, since the latency prober updates different nodes from different
// goroutines within the same tick.
type Tracker struct {
	mu     sync.Mutex
	avg    ewma.MovingAverage
	seeded bool
}

// NewTracker creates a tracker smoothing with the given α ∈ (0,1].
func NewTracker(alpha float64) *Tracker {
	return &Tracker{avg: ewma.NewMovingAverage(AlphaToAge(alpha))}
}

// Update feeds one normalised sample in [0,1] and returns the new EWMA
// value.
func (t *Tracker) Update(normalized float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := Clamp01(normalized)
	if !t.seeded {
		// Set bypasses the library's warm-up window, so the first sample
		// becomes the average instead of reading as 0.
		t.avg.Set(v)
		t.seeded = true
	} else {
		t.avg.Add(v)
	}
	return t.avg.Value()
}

// Value returns the current EWMA value without adding a sample.
func (t *Tracker) Value() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.avg.Value()
}
