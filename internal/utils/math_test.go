package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrendSlope(t *testing.T) {
	assert.InDelta(t, 0.5, TrendSlope([]float64{1.0, 1.5}), 1e-9)
	assert.InDelta(t, -1.0, TrendSlope([]float64{3, 2, 1}), 1e-9)
	assert.InDelta(t, 0.0, TrendSlope([]float64{2, 2, 2}), 1e-9)

	// Degenerate inputs
	assert.Equal(t, 0.0, TrendSlope(nil))
	assert.Equal(t, 0.0, TrendSlope([]float64{1.0}))
}

func TestIsClose(t *testing.T) {
	assert.True(t, IsClose(1000, 1000, 0.005))
	assert.True(t, IsClose(1000, 997, 0.005))
	assert.False(t, IsClose(1000, 900, 0.005))
	assert.False(t, IsClose(math.NaN(), 1, 0.5))
	assert.False(t, IsClose(math.Inf(1), 1, 0.5))
}

func TestParseFloat(t *testing.T) {
	assert.Equal(t, 1.05, ParseFloat("1.05"))
	assert.Equal(t, 0.0, ParseFloat(""))
	assert.Equal(t, 0.0, ParseFloat("nope"))
}
