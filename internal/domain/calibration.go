package domain

import (
	"time"
)

// FeatureKeys is the fixed, ordered feature vector used by calibration
// heads. Weights are stored positionally in this order.
var FeatureKeys = [NumFeatures]string{
	"hb0", "tsat0", "ferritin0", "tibc0", "dose", "adherence", "bleed", "inflam",
}

// NumFeatures is the length of the calibration feature vector.
const NumFeatures = 8

// Features builds the calibration feature vector from a baseline panel and
// treatment context. tsat0 is the given or derived baseline TSAT; it falls
// back to 0 when neither is available.
func Features(labs Labs, tc TreatmentContext) [NumFeatures]float64 {
	tsat0, _ := labs.CalcTSAT()
	return [NumFeatures]float64{
		labs.Hb,
		tsat0,
		labs.Ferritin,
		labs.TIBC,
		float64(tc.DoseMgDay),
		tc.Adherence,
		tc.Bleed,
		tc.Inflam,
	}
}

// LinearHead is an additive linear correction: Bias + Σ Weights[i]*x[i].
type LinearHead struct {
	Bias    float64              `json:"bias"`
	Weights [NumFeatures]float64 `json:"weights"`
}

// Apply evaluates the head on a feature vector.
func (h LinearHead) Apply(x [NumFeatures]float64) float64 {
	v := h.Bias
	for i, w := range h.Weights {
		v += w * x[i]
	}
	return v
}

// Adjustments holds one head per corrected target.
type Adjustments struct {
	Hb       LinearHead `json:"hb"`
	TSAT     LinearHead `json:"tsat"`
	Ferritin LinearHead `json:"ferritin"`
}

// Metric keys reported by training.
const (
	MetricMAEHb       = "mae_hb_residual"
	MetricMAETSAT     = "mae_tsat_residual"
	MetricMAEFerritin = "mae_ferritin_residual"
	MetricAlpha       = "alpha"
)

// CalibrationModel is a trained correction for one horizon.
type CalibrationModel struct {
	Version      string              `json:"version"`
	TrainedAt    time.Time           `json:"trained_at"`
	HorizonWeeks int                 `json:"horizon_weeks"`
	NTrain       int                 `json:"n_train"`
	Features     [NumFeatures]string `json:"features"`
	Adjustments  Adjustments         `json:"adjustments"`
	Metrics      map[string]float64  `json:"metrics"`
}

// Tag returns the model tag stored with predictions made by this model.
func (m *CalibrationModel) Tag() string {
	return CalibratedTagPrefix + m.Version
}

// TrainStatus is the outcome of a training attempt.
type TrainStatus string

const (
	TrainStatusTrained TrainStatus = "trained"
	TrainStatusSkipped TrainStatus = "skipped"
	TrainStatusFailed  TrainStatus = "failed"
)

// TrainResult describes a training attempt. Skips are results, not errors.
type TrainResult struct {
	HorizonWeeks int                `json:"horizon_weeks"`
	Status       TrainStatus        `json:"status"`
	Reason       string             `json:"reason,omitempty"`
	Version      string             `json:"version,omitempty"`
	NTrain       int                `json:"n_train"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// FollowupResult is returned by follow-up recording: the saved row and the
// outcome of the automatic calibration attempt that followed.
type FollowupResult struct {
	Saved           bool         `json:"saved"`
	Followup        *Followup    `json:"followup"`
	AutoCalibration *TrainResult `json:"auto_calibration"`
}
