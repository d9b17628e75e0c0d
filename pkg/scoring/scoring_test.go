package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-1))
	assert.Equal(t, 1.0, Clamp01(2))
	assert.Equal(t, 0.5, Clamp01(0.5))
	assert.Equal(t, 0.0, Clamp01(nan()))
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestTrackerFirstSampleInitialises(t *testing.T) {
	tr := NewTracker(0.5)
	v := tr.Update(0.8)
	require.Equal(t, 0.8, v)
}

func TestTrackerSmooths(t *testing.T) {
	tr := NewTracker(1.0) // alpha=1 behaves like no smoothing
	tr.Update(0.2)
	v := tr.Update(0.8)
	assert.InDelta(t, 0.8, v, 1e-9)
}

func TestTrackerStaysInRange(t *testing.T) {
	tr := NewTracker(0.3)
	for i := 0; i < 20; i++ {
		v := tr.Update(1.0)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}
