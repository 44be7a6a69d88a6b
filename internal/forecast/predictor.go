package forecast

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
)

// Predictor produces forecasts, applying the current calibration model of
// the horizon when one exists. The model is loaded from the store on every
// call so a retrained model is visible immediately.
type Predictor struct {
	models domain.ModelStore
	logger *logrus.Logger
}

// NewPredictor creates a predictor backed by the model store.
func NewPredictor(models domain.ModelStore, logger *logrus.Logger) *Predictor {
	return &Predictor{
		models: models,
		logger: logger,
	}
}

// Predict returns the forecast for the horizon and the model tag that
// produced it.
func (p *Predictor) Predict(ctx context.Context, labs domain.Labs, tc domain.TreatmentContext, horizonWeeks int) (domain.Forecast, string, error) {
	model, err := p.models.CurrentModel(ctx, horizonWeeks)
	if err != nil {
		return domain.Forecast{}, "", fmt.Errorf("loading calibration model for %dw: %w", horizonWeeks, err)
	}

	if model == nil {
		fc, err := PredictRule(labs, tc, horizonWeeks)
		if err != nil {
			return domain.Forecast{}, "", err
		}
		return fc, domain.RuleModelTag, nil
	}

	fc, err := ApplyCalibration(labs, tc, horizonWeeks, model)
	if err != nil {
		return domain.Forecast{}, "", err
	}

	p.logger.WithFields(logrus.Fields{
		"horizon_weeks": horizonWeeks,
		"model_version": model.Version,
	}).Debug("Calibrated forecast computed")

	return fc, model.Tag(), nil
}

// PredictAll returns forecasts for every supported horizon.
func (p *Predictor) PredictAll(ctx context.Context, labs domain.Labs, tc domain.TreatmentContext) (*domain.Predictions, error) {
	pred12, tag12, err := p.Predict(ctx, labs, tc, domain.Horizon12)
	if err != nil {
		return nil, err
	}
	pred24, tag24, err := p.Predict(ctx, labs, tc, domain.Horizon24)
	if err != nil {
		return nil, err
	}

	return &domain.Predictions{
		W12:      pred12,
		W24:      pred24,
		ModelW12: tag12,
		ModelW24: tag24,
	}, nil
}

// ApplyCalibration adds the model's learned corrections to the rounded rule
// forecast. Fe is recomputed from the corrected TSAT.
func ApplyCalibration(labs domain.Labs, tc domain.TreatmentContext, horizonWeeks int, model *domain.CalibrationModel) (domain.Forecast, error) {
	base, err := PredictRule(labs, tc, horizonWeeks)
	if err != nil {
		return domain.Forecast{}, err
	}

	x := domain.Features(labs, tc)

	hb := clamp(base.Hb+model.Adjustments.Hb.Apply(x), MinHb, MaxHb)
	tsat := clamp(base.TSAT+model.Adjustments.TSAT.Apply(x), MinTSAT, MaxTSAT)
	ferritin := clamp(base.Ferritin+model.Adjustments.Ferritin.Apply(x), MinFerritin, MaxFerritin)
	fe := clamp(tsat*labs.TIBC/100.0, MinFe, MaxFe)

	return domain.Forecast{
		Hb:       Round(hb, 2),
		Fe:       Round(fe, 1),
		Ferritin: Round(ferritin, 1),
		TSAT:     Round(tsat, 1),
		Alerts:   mergeAlerts(base.Alerts, domain.AlertCalibrationApplied),
	}, nil
}

// mergeAlerts appends extra alerts, dropping duplicates while keeping the
// first-seen order.
func mergeAlerts(base []domain.Alert, extra ...domain.Alert) []domain.Alert {
	seen := make(map[domain.Alert]bool, len(base)+len(extra))
	out := make([]domain.Alert, 0, len(base)+len(extra))
	for _, a := range append(append([]domain.Alert{}, base...), extra...) {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
