package random

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGaussianBoxMuller(t *testing.T) {
	g := New(NewSequence(math.Exp(-0.5), 0))

	// sqrt(-2*ln(e^-0.5)) * cos(0) = 1
	assert.InDelta(t, 1.0, g.Gaussian(), 1e-12)
}

func TestGaussianGuardsLogZero(t *testing.T) {
	g := New(NewSequence(0, 0))

	v := g.Gaussian()
	require.False(t, math.IsInf(v, 0))
	require.False(t, math.IsNaN(v))
	assert.InDelta(t, math.Sqrt(-2*math.Log(minUniform)), v, 1e-9)
}

func TestSeededIsDeterministic(t *testing.T) {
	a := NewSeeded(42)
	b := NewSeeded(42)
	for i := 0; i < 100; i++ {
		require.Equal(t, a.Gaussian(), b.Gaussian())
	}
}

func TestGaussianMoments(t *testing.T) {
	g := NewSeeded(7)
	const n = 50_000
	var sum, sq float64
	for i := 0; i < n; i++ {
		v := g.Gaussian()
		sum += v
		sq += v * v
	}
	mean := sum / n
	variance := sq/n - mean*mean
	assert.InDelta(t, 0, mean, 0.03)
	assert.InDelta(t, 1, variance, 0.05)
}

func TestHelpers(t *testing.T) {
	g := New(NewSequence(0, 0.999999, 0.5))

	assert.Equal(t, 3, g.IntBetween(3, 6))
	assert.Equal(t, 6, g.IntBetween(3, 6))
	assert.Equal(t, 15.0, g.Between(10, 20))

	assert.False(t, g.Chance(0))
	assert.True(t, g.Chance(1))
	assert.Equal(t, 5, g.IntBetween(5, 5))
}
