// Package forecast implements the deterministic rule model for iron
// repletion and the calibrated predictor that applies a learned per-horizon
// correction on top of it.
package forecast

import (
	"fmt"
	"strconv"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
)

// Clamp bounds of the forecast outputs.
const (
	MinTSAT     = 5.0
	MaxTSAT     = 40.0
	MinHb       = 5.0
	MaxHb       = 17.5
	MinFerritin = 1.0
	MaxFerritin = 250.0
	MinFe       = 1.0
	MaxFe       = 400.0
)

// Alert thresholds.
const (
	ironExcessTSAT        = 40.0
	highFerritin          = 200.0
	inflammationThreshold = 0.3
)

// Trace exposes the unrounded terms of a rule forecast.
type Trace struct {
	HorizonWeeks int     `json:"horizon_weeks"`
	TSAT0        float64 `json:"tsat0"`
	Scale        float64 `json:"scale"`
	DoseScale    float64 `json:"dose_scale"`
	Eff          float64 `json:"eff"`
	TSAT1        float64 `json:"tsat1"`
	LowHbBoost   float64 `json:"low_hb_boost"`
	IronBoost    float64 `json:"iron_boost"`
	LossPenalty  float64 `json:"loss_penalty"`
	DeltaHb      float64 `json:"delta_hb"`
	Hb1          float64 `json:"hb1"`
	FerritinGain float64 `json:"ferritin_gain"`
	FerritinInfl float64 `json:"ferritin_inflation"`
	Ferritin1    float64 `json:"ferritin1"`
	Fe1          float64 `json:"fe1"`
}

// ComputeTrace evaluates the rule model without rounding.
func ComputeTrace(labs domain.Labs, tc domain.TreatmentContext, horizonWeeks int) (*Trace, error) {
	tsat0, ok := labs.CalcTSAT()
	if !ok {
		return nil, domain.NewValidationError("tsat0", "TSAT cannot be derived: provide tsat or a positive tibc", labs.TIBC)
	}

	t := &Trace{HorizonWeeks: horizonWeeks, TSAT0: tsat0}
	t.Scale = float64(horizonWeeks) / 12.0
	t.DoseScale = clamp(float64(tc.DoseMgDay)/500.0, 0.5, 2.0)
	t.Eff = clamp(tc.Adherence*t.DoseScale, 0.2, 2.0)

	t.TSAT1 = clamp(tsat0+10.0*t.Eff*t.Scale, MinTSAT, MaxTSAT)

	t.LowHbBoost = clamp(1.0+(10.5-labs.Hb)*0.15, 0.8, 1.4)
	t.IronBoost = clamp((t.TSAT1-tsat0)/10.0, 0.0, 1.5)
	t.LossPenalty = 1.0 - clamp(tc.Bleed*0.7, 0.0, 0.7)
	t.DeltaHb = 0.5 * t.Eff * t.Scale * t.LowHbBoost * (0.6 + 0.4*t.IronBoost) * t.LossPenalty
	t.Hb1 = clamp(labs.Hb+t.DeltaHb, MinHb, MaxHb)

	t.FerritinGain = 30.0 * t.Eff * t.Scale * clamp((t.TSAT1-tsat0)/10.0, 0.0, 2.0)
	t.FerritinInfl = tc.Inflam * 30.0 * t.Scale
	t.Ferritin1 = clamp(labs.Ferritin+t.FerritinGain+t.FerritinInfl, MinFerritin, MaxFerritin)

	t.Fe1 = clamp(t.TSAT1*labs.TIBC/100.0, MinFe, MaxFe)

	return t, nil
}

// PredictRule returns the rounded rule forecast for the horizon.
func PredictRule(labs domain.Labs, tc domain.TreatmentContext, horizonWeeks int) (domain.Forecast, error) {
	t, err := ComputeTrace(labs, tc, horizonWeeks)
	if err != nil {
		return domain.Forecast{}, fmt.Errorf("rule forecast: %w", err)
	}

	alerts := []domain.Alert{}
	if t.TSAT1 >= ironExcessTSAT {
		alerts = append(alerts, domain.AlertIronExcess)
	}
	if t.Ferritin1 >= highFerritin {
		alerts = append(alerts, domain.AlertHighFerritin)
	}
	if tc.Inflam > inflammationThreshold {
		alerts = append(alerts, domain.AlertInflammation)
	}

	return domain.Forecast{
		Hb:       Round(t.Hb1, 2),
		Fe:       Round(t.Fe1, 1),
		Ferritin: Round(t.Ferritin1, 1),
		TSAT:     Round(t.TSAT1, 1),
		Alerts:   alerts,
	}, nil
}

// Round rounds x to the given number of decimals using the exact binary
// value of x, with ties to even.
func Round(x float64, decimals int) float64 {
	v, err := strconv.ParseFloat(strconv.FormatFloat(x, 'f', decimals, 64), 64)
	if err != nil {
		return x
	}
	return v
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
