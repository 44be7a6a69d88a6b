package forecast

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
)

// fakeModelStore serves models from a map and counts loads.
type fakeModelStore struct {
	models map[int]*domain.CalibrationModel
	err    error
	loads  int
}

func (f *fakeModelStore) CurrentModel(_ context.Context, h int) (*domain.CalibrationModel, error) {
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	return f.models[h], nil
}

func (f *fakeModelStore) SaveModel(_ context.Context, m *domain.CalibrationModel) error {
	if f.models == nil {
		f.models = map[int]*domain.CalibrationModel{}
	}
	f.models[m.HorizonWeeks] = m
	return nil
}

func (f *fakeModelStore) ModelHistory(context.Context, int, int) ([]*domain.CalibrationModel, error) {
	return nil, nil
}

func (f *fakeModelStore) Close() error { return nil }

func testModel(h int) *domain.CalibrationModel {
	m := &domain.CalibrationModel{
		Version:      "20260101-000000",
		HorizonWeeks: h,
		NTrain:       11,
		Features:     domain.FeatureKeys,
	}
	m.Adjustments.Hb.Bias = 0.2
	m.Adjustments.Hb.Weights[0] = 0.01
	m.Adjustments.TSAT.Bias = -1.0
	m.Adjustments.Ferritin.Bias = 250
	return m
}

func TestPredictor_NoModelUsesRule(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := NewPredictor(&fakeModelStore{}, logger)

	fc, tag, err := p.Predict(context.Background(), standardLabs(), domain.DefaultTreatmentContext(), 12)

	require.NoError(t, err)
	assert.Equal(t, domain.RuleModelTag, tag)
	assert.Equal(t, 10.54, fc.Hb)
	assert.Equal(t, 26.7, fc.TSAT)
}

func TestPredictor_AppliesCalibration(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := &fakeModelStore{models: map[int]*domain.CalibrationModel{12: testModel(12)}}
	p := NewPredictor(store, logger)

	fc, tag, err := p.Predict(context.Background(), standardLabs(), domain.DefaultTreatmentContext(), 12)

	require.NoError(t, err)
	assert.Equal(t, "calibrated:20260101-000000", tag)
	assert.Equal(t, 10.84, fc.Hb)
	assert.Equal(t, 25.7, fc.TSAT)
	assert.Equal(t, 250.0, fc.Ferritin, "ferritin correction must clamp")
	assert.Equal(t, 77.1, fc.Fe, "Fe follows the corrected TSAT")
	assert.Equal(t, []domain.Alert{domain.AlertCalibrationApplied}, fc.Alerts)
}

func TestPredictor_ReloadsModelEachCall(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := &fakeModelStore{}
	p := NewPredictor(store, logger)
	ctx := context.Background()

	_, tag, err := p.Predict(ctx, standardLabs(), domain.DefaultTreatmentContext(), 12)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleModelTag, tag)

	require.NoError(t, store.SaveModel(ctx, testModel(12)))

	_, tag, err = p.Predict(ctx, standardLabs(), domain.DefaultTreatmentContext(), 12)
	require.NoError(t, err)
	assert.Equal(t, "calibrated:20260101-000000", tag)
	assert.Equal(t, 2, store.loads)
}

func TestPredictor_PredictAll(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := &fakeModelStore{models: map[int]*domain.CalibrationModel{24: testModel(24)}}
	p := NewPredictor(store, logger)

	preds, err := p.PredictAll(context.Background(), standardLabs(), domain.DefaultTreatmentContext())

	require.NoError(t, err)
	assert.Equal(t, domain.RuleModelTag, preds.ModelW12)
	assert.Equal(t, "calibrated:20260101-000000", preds.ModelW24)
	assert.Equal(t, 80.0, preds.W12.Fe)
}

func TestPredictor_StoreError(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := NewPredictor(&fakeModelStore{err: errors.New("redis down")}, logger)

	_, _, err := p.Predict(context.Background(), standardLabs(), domain.DefaultTreatmentContext(), 24)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

func TestApplyCalibration_ClampsTSATAndDedupesAlerts(t *testing.T) {
	m := testModel(12)
	m.Adjustments.TSAT.Bias = 20

	fc, err := ApplyCalibration(standardLabs(), domain.DefaultTreatmentContext(), 12, m)

	require.NoError(t, err)
	assert.Equal(t, 40.0, fc.TSAT)
	assert.Equal(t, 120.0, fc.Fe)
	assert.Equal(t, []domain.Alert{domain.AlertCalibrationApplied}, fc.Alerts,
		"alerts come from the rule forecast, not the corrected values")
}

func TestApplyCalibration_MissingTSAT(t *testing.T) {
	labs := domain.Labs{Hb: 10, Fe: 50, Ferritin: 20}

	_, err := ApplyCalibration(labs, domain.DefaultTreatmentContext(), 12, testModel(12))

	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMergeAlerts(t *testing.T) {
	base := []domain.Alert{domain.AlertInflammation, domain.AlertCalibrationApplied}

	got := mergeAlerts(base, domain.AlertCalibrationApplied)

	assert.Equal(t, []domain.Alert{domain.AlertInflammation, domain.AlertCalibrationApplied}, got)
	assert.Len(t, base, 2)
}
