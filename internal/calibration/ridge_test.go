package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitRidge_NoPenaltyRecoversLine(t *testing.T) {
	x := [][]float64{{1}, {2}, {3}, {4}, {5}}
	y := []float64{5, 7, 9, 11, 13}

	w, b, err := FitRidge(x, y, 0)

	require.NoError(t, err)
	require.Len(t, w, 1)
	assert.InDelta(t, 2.0, w[0], 1e-9)
	assert.InDelta(t, 3.0, b, 1e-9)
	assert.InDelta(t, 0.0, MeanAbsoluteError(x, y, w, b), 1e-9)
}

func TestFitRidge_ShrinksSlopeNotIntercept(t *testing.T) {
	// Sxx = 10 and Sxy = 20, so w = 20 / (10 + alpha).
	x := [][]float64{{1}, {2}, {3}, {4}, {5}}
	y := []float64{5, 7, 9, 11, 13}

	w, b, err := FitRidge(x, y, 10)

	require.NoError(t, err)
	assert.InDelta(t, 1.0, w[0], 1e-9)
	assert.InDelta(t, 6.0, b, 1e-9, "intercept is ȳ − x̄·w")
}

func TestFitRidge_ConstantColumnsGetZeroWeight(t *testing.T) {
	x := [][]float64{
		{1, 500, 0},
		{2, 500, 0},
		{3, 500, 0},
	}
	y := []float64{1, 1, 1}

	w, b, err := FitRidge(x, y, DefaultAlpha)

	require.NoError(t, err)
	for _, v := range w {
		assert.InDelta(t, 0.0, v, 1e-12)
	}
	assert.InDelta(t, 1.0, b, 1e-12)
}

func TestFitRidge_MoreFeaturesThanRows(t *testing.T) {
	x := [][]float64{
		{10, 20, 30, 300, 500, 1, 0, 0},
		{11, 25, 40, 280, 400, 0.8, 0.1, 0},
	}
	y := []float64{0.3, -0.1}

	w, b, err := FitRidge(x, y, DefaultAlpha)

	require.NoError(t, err)
	assert.Len(t, w, 8)
	pred0 := Predict(x[0], w, b)
	pred1 := Predict(x[1], w, b)
	assert.InDelta(t, 0.1, (pred0+pred1)/2, 1e-9, "fit passes through the means")
}

func TestFitRidge_InputErrors(t *testing.T) {
	_, _, err := FitRidge(nil, nil, 1)
	assert.Error(t, err)

	_, _, err = FitRidge([][]float64{{1}, {2}}, []float64{1}, 1)
	assert.Error(t, err)

	_, _, err = FitRidge([][]float64{{1, 2}, {2}}, []float64{1, 2}, 1)
	assert.Error(t, err)
}

func TestMeanAbsoluteError(t *testing.T) {
	x := [][]float64{{0}, {1}}
	y := []float64{1, 3}

	assert.InDelta(t, 0.5, MeanAbsoluteError(x, y, []float64{1}, 1.5), 1e-12)
	assert.Equal(t, 0.0, MeanAbsoluteError(nil, nil, nil, 0))
}
