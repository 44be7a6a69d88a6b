package domain

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLabs_CalcTSAT(t *testing.T) {
	tests := []struct {
		name   string
		labs   Labs
		want   float64
		wantOK bool
	}{
		{
			name:   "given TSAT wins",
			labs:   Labs{Fe: 50, TIBC: 300, TSAT: Float64Ptr(22.5)},
			want:   22.5,
			wantOK: true,
		},
		{
			name:   "derived from Fe and TIBC",
			labs:   Labs{Fe: 60, TIBC: 300},
			want:   20,
			wantOK: true,
		},
		{
			name:   "zero TIBC cannot be derived",
			labs:   Labs{Fe: 60, TIBC: 0},
			wantOK: false,
		},
		{
			name:   "negative TIBC cannot be derived",
			labs:   Labs{Fe: 60, TIBC: -5},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.labs.CalcTSAT()
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.InDelta(t, tt.want, got, 1e-12)
			}
		})
	}
}

func TestValidHorizon(t *testing.T) {
	assert.True(t, ValidHorizon(12))
	assert.True(t, ValidHorizon(24))
	assert.False(t, ValidHorizon(0))
	assert.False(t, ValidHorizon(6))
	assert.False(t, ValidHorizon(36))
}

func TestFeatures_Order(t *testing.T) {
	labs := Labs{Hb: 10, Fe: 50, Ferritin: 20, TIBC: 250}
	tc := TreatmentContext{DoseMgDay: 400, Adherence: 0.8, Bleed: 0.1, Inflam: 0.2}

	x := Features(labs, tc)

	assert.Equal(t, [NumFeatures]float64{10, 20, 20, 250, 400, 0.8, 0.1, 0.2}, x)
	assert.Equal(t, "hb0", FeatureKeys[0])
	assert.Equal(t, "inflam", FeatureKeys[NumFeatures-1])
}

func TestLinearHead_Apply(t *testing.T) {
	head := LinearHead{Bias: 0.5}
	head.Weights[0] = 0.1
	head.Weights[4] = -0.001

	x := [NumFeatures]float64{10, 0, 0, 0, 500, 0, 0, 0}

	assert.InDelta(t, 0.5+1.0-0.5, head.Apply(x), 1e-12)
}

func TestCalibrationModel_Tag(t *testing.T) {
	m := &CalibrationModel{Version: FormatModelVersion(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))}

	assert.Equal(t, "calibrated:20260304-050607", m.Tag())
}

func TestDefaultTreatmentContext(t *testing.T) {
	tc := DefaultTreatmentContext()

	assert.Equal(t, 500, tc.DoseMgDay)
	assert.Equal(t, 1.0, tc.Adherence)
	assert.Zero(t, tc.Bleed)
	assert.Zero(t, tc.Inflam)
}

func TestCheckFinite(t *testing.T) {
	labs := Labs{Hb: 10, Fe: 50, Ferritin: 20, TIBC: 300}
	assert.NoError(t, labs.CheckFinite())

	bad := labs
	bad.Hb = math.NaN()
	err := bad.CheckFinite()
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.Contains(t, err.Error(), "'hb'")

	bad = labs
	bad.TSAT = Float64Ptr(math.Inf(1))
	assert.Contains(t, bad.CheckFinite().Error(), "'tsat'")

	tc := DefaultTreatmentContext()
	assert.NoError(t, tc.CheckFinite())
	tc.Inflam = math.Inf(-1)
	assert.True(t, errors.Is(tc.CheckFinite(), ErrInvalidInput))
}
