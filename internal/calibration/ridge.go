// Package calibration learns per-horizon linear corrections of the rule
// forecast from recorded follow-up outcomes.
package calibration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DefaultAlpha is the L2 penalty used when none is configured.
const DefaultAlpha = 10.0

// FitRidge fits y ≈ X·w + b with an L2 penalty on w. X and y are
// mean-centred before solving (XcᵀXc + αI)w = Xcᵀyc, so the intercept is
// not penalised; b = ȳ − x̄·w. Columns are not variance-scaled.
func FitRidge(x [][]float64, y []float64, alpha float64) ([]float64, float64, error) {
	n := len(x)
	if n == 0 {
		return nil, 0, errors.New("ridge: no rows")
	}
	if len(y) != n {
		return nil, 0, fmt.Errorf("ridge: %d rows but %d targets", n, len(y))
	}
	p := len(x[0])

	xMean := make([]float64, p)
	for i, row := range x {
		if len(row) != p {
			return nil, 0, fmt.Errorf("ridge: row %d has %d features, want %d", i, len(row), p)
		}
		for j, v := range row {
			xMean[j] += v
		}
	}
	yMean := 0.0
	for _, v := range y {
		yMean += v
	}
	for j := range xMean {
		xMean[j] /= float64(n)
	}
	yMean /= float64(n)

	xc := mat.NewDense(n, p, nil)
	yc := mat.NewVecDense(n, nil)
	for i, row := range x {
		for j, v := range row {
			xc.Set(i, j, v-xMean[j])
		}
		yc.SetVec(i, y[i]-yMean)
	}

	var gram mat.Dense
	gram.Mul(xc.T(), xc)
	for j := 0; j < p; j++ {
		gram.Set(j, j, gram.At(j, j)+alpha)
	}

	var rhs mat.VecDense
	rhs.MulVec(xc.T(), yc)

	var w mat.VecDense
	if err := w.SolveVec(&gram, &rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, 0, fmt.Errorf("ridge: solving normal equations: %w", err)
		}
		// Ill-conditioned but solved; the result is still usable.
	}

	weights := make([]float64, p)
	b := yMean
	for j := 0; j < p; j++ {
		weights[j] = w.AtVec(j)
		b -= xMean[j] * weights[j]
	}

	return weights, b, nil
}

// Predict evaluates the fitted model on one row.
func Predict(row []float64, weights []float64, bias float64) float64 {
	v := bias
	for j, w := range weights {
		v += w * row[j]
	}
	return v
}

// MeanAbsoluteError returns the mean |y − ŷ| of the fit over the rows.
func MeanAbsoluteError(x [][]float64, y []float64, weights []float64, bias float64) float64 {
	if len(y) == 0 {
		return 0
	}
	sum := 0.0
	for i, row := range x {
		sum += math.Abs(y[i] - Predict(row, weights, bias))
	}
	return sum / float64(len(y))
}
