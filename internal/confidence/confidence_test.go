package confidence

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightedAverage(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, 0.0, WeightedAverage(nil, nil))
	})
	t.Run("uniform weights", func(t *testing.T) {
		got := WeightedAverage(map[string]float64{"a": 0.2, "b": 0.8}, nil)
		assert.InDelta(t, 0.5, got, 1e-9)
	})
	t.Run("explicit weights", func(t *testing.T) {
		got := WeightedAverage(
			map[string]float64{"quality": 1.0, "coverage": 0.4},
			map[string]float64{"quality": 3, "coverage": 1},
		)
		assert.InDelta(t, 0.85, got, 1e-9)
	})
	t.Run("zero total weight", func(t *testing.T) {
		got := WeightedAverage(map[string]float64{"a": 1}, map[string]float64{"a": 0})
		assert.Equal(t, 0.0, got)
	})
	t.Run("clamped", func(t *testing.T) {
		assert.Equal(t, 1.0, WeightedAverage(map[string]float64{"a": 4}, nil))
		assert.Equal(t, 0.0, WeightedAverage(map[string]float64{"a": -3}, nil))
	})
}

func TestWeightedAverageAlwaysInUnitInterval(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		factors := map[string]float64{}
		weights := map[string]float64{}
		for j := 0; j < rng.Intn(6); j++ {
			name := string(rune('a' + j))
			factors[name] = rng.Float64()*4 - 2
			weights[name] = rng.Float64()*3 - 0.5
		}
		got := WeightedAverage(factors, weights)
		require.GreaterOrEqual(t, got, 0.0)
		require.LessOrEqual(t, got, 1.0)
	}
}

func TestCalculateThreshold(t *testing.T) {
	assert.InDelta(t, 0.7, CalculateThreshold(0.7, nil, 1, 0), 1e-9)
	assert.InDelta(t, 0.8, CalculateThreshold(0.7, nil, 0, 0), 1e-9)
	assert.InDelta(t, 0.81, CalculateThreshold(0.7, []string{"large_data_volume"}, 0.5, 0.2), 1e-9)
	assert.Equal(t, 0.95, CalculateThreshold(0.7, []string{"a", "b", "c", "d"}, 0, 1))
}

func TestCalculateThresholdBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	risks := []string{"large_data_volume", "sensitive_data_detected", "x"}
	for i := 0; i < 500; i++ {
		base := rng.Float64() * 0.95
		got := CalculateThreshold(base, risks[:rng.Intn(len(risks)+1)], rng.Float64(), rng.Float64())
		require.GreaterOrEqual(t, got, base)
		require.LessOrEqual(t, got, 0.95)
	}
}

func TestThresholdIsMonotonic(t *testing.T) {
	adj := DefaultAdjustments()
	low := adj.Threshold(0.6, nil, 0.9, 0.1)
	assert.LessOrEqual(t, low, adj.Threshold(0.6, []string{"r"}, 0.9, 0.1))
	assert.LessOrEqual(t, low, adj.Threshold(0.6, nil, 0.5, 0.1))
	assert.LessOrEqual(t, low, adj.Threshold(0.6, nil, 0.9, 0.6))
}

func TestThresholdClampsOutOfRangeInputs(t *testing.T) {
	adj := DefaultAdjustments()
	assert.InDelta(t, 0.6, adj.Threshold(0.6, nil, 1.8, -2), 1e-9)
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 0.0, Ratio(3, 0))
	assert.InDelta(t, 0.25, Ratio(1, 4), 1e-9)
}
