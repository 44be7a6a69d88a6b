package calibration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
	"github.com/dmiyatamd-byte/height-riona-app/internal/forecast"
)

// DefaultMinSamples is the number of follow-up rows required before
// automatic training runs.
const DefaultMinSamples = 11

// Skip reasons reported in TrainResult.
const (
	ReasonNoData    = "no followup data for training"
	ReasonNoNewData = "no new data since last training"
)

// Trainer fits calibration models from the case store and persists them in
// the model store. Trainings of the same horizon are serialized.
type Trainer struct {
	cases      domain.CaseStore
	models     domain.ModelStore
	minSamples int
	alpha      float64
	logger     *logrus.Logger
	now        func() time.Time

	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

// TrainerOption is a functional option for Trainer.
type TrainerOption func(*Trainer)

// WithClock sets the time source used for model versions.
func WithClock(now func() time.Time) TrainerOption {
	return func(t *Trainer) {
		t.now = now
	}
}

// NewTrainer creates a trainer. Zero config values fall back to the
// defaults.
func NewTrainer(cases domain.CaseStore, models domain.ModelStore, cfg domain.CalibrationConfig, logger *logrus.Logger, opts ...TrainerOption) *Trainer {
	t := &Trainer{
		cases:      cases,
		models:     models,
		minSamples: cfg.MinSamples,
		alpha:      cfg.Alpha,
		logger:     logger,
		now:        time.Now,
		locks:      make(map[int]*sync.Mutex),
	}
	if t.minSamples <= 0 {
		t.minSamples = DefaultMinSamples
	}
	if t.alpha <= 0 {
		t.alpha = DefaultAlpha
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MinSamples returns the automatic training threshold.
func (t *Trainer) MinSamples() int {
	return t.minSamples
}

func (t *Trainer) horizonLock(h int) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[h]
	if !ok {
		l = &sync.Mutex{}
		t.locks[h] = l
	}
	return l
}

// Train fits a new model for the horizon. Unless force is set, training is
// skipped below the sample threshold or when the row count equals that of
// the current model.
func (t *Trainer) Train(ctx context.Context, horizonWeeks int, force bool) (*domain.TrainResult, error) {
	if !domain.ValidHorizon(horizonWeeks) {
		return nil, domain.NewValidationError("horizon_weeks", "must be 12 or 24", horizonWeeks)
	}

	lock := t.horizonLock(horizonWeeks)
	lock.Lock()
	defer lock.Unlock()

	rows, err := t.cases.TrainingRows(ctx, horizonWeeks)
	if err != nil {
		return nil, fmt.Errorf("fetching training rows: %w", err)
	}
	n := len(rows)

	if n == 0 {
		return skipped(horizonWeeks, ReasonNoData, 0), nil
	}
	if !force && n < t.minSamples {
		return skipped(horizonWeeks, fmt.Sprintf("training rows < %d", t.minSamples), n), nil
	}

	if !force {
		current, err := t.models.CurrentModel(ctx, horizonWeeks)
		if err != nil {
			return nil, fmt.Errorf("loading current model: %w", err)
		}
		if current != nil && current.NTrain == n {
			return skipped(horizonWeeks, ReasonNoNewData, n), nil
		}
	}

	x, yHb, yTSAT, yFerritin, err := buildDataset(rows, horizonWeeks)
	if err != nil {
		return nil, err
	}

	wHb, bHb, err := FitRidge(x, yHb, t.alpha)
	if err != nil {
		return nil, fmt.Errorf("fitting hb head: %w", err)
	}
	wTSAT, bTSAT, err := FitRidge(x, yTSAT, t.alpha)
	if err != nil {
		return nil, fmt.Errorf("fitting tsat head: %w", err)
	}
	wFerritin, bFerritin, err := FitRidge(x, yFerritin, t.alpha)
	if err != nil {
		return nil, fmt.Errorf("fitting ferritin head: %w", err)
	}

	metrics := map[string]float64{
		domain.MetricMAEHb:       MeanAbsoluteError(x, yHb, wHb, bHb),
		domain.MetricMAETSAT:     MeanAbsoluteError(x, yTSAT, wTSAT, bTSAT),
		domain.MetricMAEFerritin: MeanAbsoluteError(x, yFerritin, wFerritin, bFerritin),
		domain.MetricAlpha:       t.alpha,
	}

	trainedAt := t.now().UTC()
	model := &domain.CalibrationModel{
		Version:      domain.FormatModelVersion(trainedAt),
		TrainedAt:    trainedAt.Truncate(time.Second),
		HorizonWeeks: horizonWeeks,
		NTrain:       n,
		Features:     domain.FeatureKeys,
		Adjustments: domain.Adjustments{
			Hb:       head(wHb, bHb),
			TSAT:     head(wTSAT, bTSAT),
			Ferritin: head(wFerritin, bFerritin),
		},
		Metrics: metrics,
	}

	if err := t.models.SaveModel(ctx, model); err != nil {
		return nil, fmt.Errorf("saving calibration model: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"horizon_weeks": horizonWeeks,
		"version":       model.Version,
		"n_train":       n,
		"forced":        force,
		"mae_hb":        metrics[domain.MetricMAEHb],
		"mae_tsat":      metrics[domain.MetricMAETSAT],
		"mae_ferritin":  metrics[domain.MetricMAEFerritin],
	}).Info("Calibration model trained")

	return &domain.TrainResult{
		HorizonWeeks: horizonWeeks,
		Status:       domain.TrainStatusTrained,
		Version:      model.Version,
		NTrain:       n,
		Metrics:      metrics,
	}, nil
}

// buildDataset turns joined rows into the feature matrix and the residual
// targets (actual minus rounded rule forecast). A missing follow-up TSAT
// counts as 0; a missing stored baseline TSAT counts as 0 in the features.
func buildDataset(rows []*domain.TrainingRow, horizonWeeks int) (x [][]float64, yHb, yTSAT, yFerritin []float64, err error) {
	x = make([][]float64, 0, len(rows))
	yHb = make([]float64, 0, len(rows))
	yTSAT = make([]float64, 0, len(rows))
	yFerritin = make([]float64, 0, len(rows))

	for _, r := range rows {
		rule, err := forecast.PredictRule(r.Baseline, r.Context, horizonWeeks)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("rule forecast for case %s: %w", r.CaseID, err)
		}

		actualTSAT := 0.0
		if r.Actual.TSAT != nil {
			actualTSAT = *r.Actual.TSAT
		}
		yHb = append(yHb, r.Actual.Hb-rule.Hb)
		yTSAT = append(yTSAT, actualTSAT-rule.TSAT)
		yFerritin = append(yFerritin, r.Actual.Ferritin-rule.Ferritin)

		features := domain.Features(r.Baseline, r.Context)
		if r.Baseline.TSAT == nil {
			features[1] = 0
		}
		x = append(x, features[:])
	}

	return x, yHb, yTSAT, yFerritin, nil
}

func head(w []float64, b float64) domain.LinearHead {
	h := domain.LinearHead{Bias: b}
	copy(h.Weights[:], w)
	return h
}

func skipped(h int, reason string, n int) *domain.TrainResult {
	return &domain.TrainResult{
		HorizonWeeks: h,
		Status:       domain.TrainStatusSkipped,
		Reason:       reason,
		NTrain:       n,
	}
}
