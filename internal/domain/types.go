// Package domain contains the core entities for iron-repletion forecasting:
// laboratory panels, treatment context, cases, follow-up measurements and
// the per-horizon calibration models learned from them.
package domain

import (
	"math"
	"time"
)

// Supported forecast horizons in weeks.
const (
	Horizon12 = 12
	Horizon24 = 24
)

// Horizons lists every supported horizon in ascending order.
var Horizons = []int{Horizon12, Horizon24}

// ValidHorizon reports whether h is one of the supported horizons.
func ValidHorizon(h int) bool {
	return h == Horizon12 || h == Horizon24
}

// Model tags stored alongside predictions.
const (
	RuleModelTag        = "rule_v1"
	CalibratedTagPrefix = "calibrated:"
)

const (
	DefaultDoseMgDay = 500
	DefaultAdherence = 1.0

	timestampVersionForm = "20060102-150405"
)

// Labs is a laboratory panel. TSAT is optional and derived from Fe/TIBC
// when absent.
type Labs struct {
	Hb       float64  `json:"hb"`
	Fe       float64  `json:"fe"`
	Ferritin float64  `json:"ferritin"`
	TIBC     float64  `json:"tibc"`
	TSAT     *float64 `json:"tsat,omitempty"`
}

// CalcTSAT returns the transferrin saturation of the panel: the given value
// when present, otherwise 100*Fe/TIBC. ok is false when neither is possible.
func (l Labs) CalcTSAT() (tsat float64, ok bool) {
	if l.TSAT != nil {
		return *l.TSAT, true
	}
	if l.TIBC > 0 {
		return 100.0 * l.Fe / l.TIBC, true
	}
	return 0, false
}

// CheckFinite rejects NaN and infinite measurements.
func (l Labs) CheckFinite() error {
	if err := finite("hb", l.Hb); err != nil {
		return err
	}
	if err := finite("fe", l.Fe); err != nil {
		return err
	}
	if err := finite("ferritin", l.Ferritin); err != nil {
		return err
	}
	if err := finite("tibc", l.TIBC); err != nil {
		return err
	}
	if l.TSAT != nil {
		return finite("tsat", *l.TSAT)
	}
	return nil
}

// TreatmentContext describes the therapy applied between baseline and
// follow-up. Apart from CheckFinite, values are not validated; the
// predictor clamps them.
type TreatmentContext struct {
	DoseMgDay int     `json:"dose_mg_day"`
	Adherence float64 `json:"adherence"`
	Bleed     float64 `json:"bleed"`
	Inflam    float64 `json:"inflam"`
}

// CheckFinite rejects NaN and infinite context values.
func (tc TreatmentContext) CheckFinite() error {
	if err := finite("adherence", tc.Adherence); err != nil {
		return err
	}
	if err := finite("bleed", tc.Bleed); err != nil {
		return err
	}
	return finite("inflam", tc.Inflam)
}

func finite(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return NewValidationError(field, "must be a finite number", v)
	}
	return nil
}

// DefaultTreatmentContext returns the context used when none is supplied.
func DefaultTreatmentContext() TreatmentContext {
	return TreatmentContext{
		DoseMgDay: DefaultDoseMgDay,
		Adherence: DefaultAdherence,
	}
}

// Alert is a human-readable warning attached to a forecast.
type Alert string

const (
	AlertIronExcess         Alert = "TSAT forecast at or above 40%: watch for iron excess, review the dose"
	AlertHighFerritin       Alert = "Ferritin forecast at or above 200: review the dose"
	AlertInflammation       Alert = "Inflammation flag set: ferritin may read high, interpret with caution"
	AlertCalibrationApplied Alert = "Calibration model applied (learned correction from recorded follow-ups)"
)

// Forecast is the predicted panel at a horizon. Values are rounded at the
// output boundary: Hb to 2 decimals, the rest to 1.
type Forecast struct {
	Hb       float64 `json:"hb"`
	Fe       float64 `json:"fe"`
	Ferritin float64 `json:"ferritin"`
	TSAT     float64 `json:"tsat"`
	Alerts   []Alert `json:"alerts"`
}

// Predictions holds the forecasts for both horizons of a case.
type Predictions struct {
	CaseID   string   `json:"case_id"`
	W12      Forecast `json:"12w"`
	W24      Forecast `json:"24w"`
	ModelW12 string   `json:"model_12w"`
	ModelW24 string   `json:"model_24w"`
}

// Case is a registered baseline with its treatment context and the most
// recently computed predictions.
type Case struct {
	ID         string           `json:"case_id"`
	CreatedAt  time.Time        `json:"created_at"`
	Note       string           `json:"note,omitempty"`
	ExternalID string           `json:"external_id,omitempty"`
	Baseline   Labs             `json:"baseline"`
	Context    TreatmentContext `json:"context"`
	Pred12     Forecast         `json:"pred_12w"`
	Pred24     Forecast         `json:"pred_24w"`
	Model12    string           `json:"model_12w"`
	Model24    string           `json:"model_24w"`
}

// CaseUpdate holds the fields rewritten when a case gets a new treatment
// context. A nil Note or ExternalID leaves the stored value untouched.
type CaseUpdate struct {
	CaseID     string
	Context    TreatmentContext
	Pred12     Forecast
	Pred24     Forecast
	Model12    string
	Model24    string
	Note       *string
	ExternalID *string
}

// Predictions returns the stored predictions of the case.
func (c *Case) Predictions() *Predictions {
	return &Predictions{
		CaseID:   c.ID,
		W12:      c.Pred12,
		W24:      c.Pred24,
		ModelW12: c.Model12,
		ModelW24: c.Model24,
	}
}

// CaseSummary is a row of the case listing.
type CaseSummary struct {
	ID         string    `json:"case_id"`
	CreatedAt  time.Time `json:"created_at"`
	Note       string    `json:"note,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
}

// Followup is a measured panel at a horizon. There is at most one per
// (CaseID, HorizonWeeks); saving again replaces it.
type Followup struct {
	CaseID       string    `json:"case_id"`
	HorizonWeeks int       `json:"horizon_weeks"`
	FollowupAt   time.Time `json:"followup_at"`
	Hb           float64   `json:"hb"`
	Fe           float64   `json:"fe"`
	Ferritin     float64   `json:"ferritin"`
	TIBC         float64   `json:"tibc"`
	TSAT         *float64  `json:"tsat,omitempty"`
}

// TrainingRow joins a case baseline and context with its follow-up at one
// horizon. Baseline TSAT0 and follow-up TSAT may be missing.
type TrainingRow struct {
	CaseID   string
	Baseline Labs
	Context  TreatmentContext
	Actual   Followup
}

// Counts summarises the stored data.
type Counts struct {
	Cases       int `json:"cases"`
	Followups12 int `json:"followups_12w"`
	Followups24 int `json:"followups_24w"`
}

// DeleteResult reports the outcome of a case deletion.
type DeleteResult struct {
	CaseID  string `json:"case_id"`
	Deleted bool   `json:"deleted"`
}

// FormatModelVersion renders the training time as a model version string.
func FormatModelVersion(t time.Time) string {
	return t.UTC().Format(timestampVersionForm)
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 {
	return &v
}
