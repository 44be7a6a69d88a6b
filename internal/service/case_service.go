// Package service implements the case lifecycle: registration, context
// updates, what-if simulation, follow-up recording with automatic
// calibration, identifier resolution and deletion.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dmiyatamd-byte/height-riona-app/internal/calibration"
	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
	"github.com/dmiyatamd-byte/height-riona-app/internal/forecast"
	"github.com/dmiyatamd-byte/height-riona-app/internal/metrics"
)

// Listing and history sizes used when the caller passes no limit.
const (
	DefaultListLimit    = 200
	DefaultHistoryLimit = 20
)

// CaseService coordinates the stores, the predictor and the trainer.
type CaseService struct {
	cases     domain.CaseStore
	models    domain.ModelStore
	predictor *forecast.Predictor
	trainer   *calibration.Trainer
	metrics   *metrics.Manager
	logger    *logrus.Logger

	// aliasMu serializes the external id uniqueness check with the write.
	aliasMu sync.Mutex

	newID func() string
	now   func() time.Time
}

// Option configures a CaseService.
type Option func(*CaseService)

// WithMetrics records operation counters.
func WithMetrics(m *metrics.Manager) Option {
	return func(s *CaseService) {
		s.metrics = m
	}
}

// WithClock overrides the clock used for timestamps and model versions.
func WithClock(now func() time.Time) Option {
	return func(s *CaseService) {
		s.now = now
	}
}

// WithIDGenerator overrides case id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *CaseService) {
		s.newID = newID
	}
}

// NewCaseService creates the lifecycle service.
func NewCaseService(cases domain.CaseStore, models domain.ModelStore, cfg domain.CalibrationConfig, logger *logrus.Logger, opts ...Option) *CaseService {
	s := &CaseService{
		cases:  cases,
		models: models,
		logger: logger,
		newID:  func() string { return uuid.New().String() },
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.predictor = forecast.NewPredictor(models, logger)
	s.trainer = calibration.NewTrainer(cases, models, cfg, logger, calibration.WithClock(s.now))
	return s
}

// RegisterCaseInput carries a new baseline. A nil Context selects the
// default treatment context.
type RegisterCaseInput struct {
	Labs       domain.Labs              `json:"labs"`
	Context    *domain.TreatmentContext `json:"context,omitempty"`
	Note       string                   `json:"note"`
	ExternalID string                   `json:"external_id"`
}

// AddFollowupInput carries a measured panel at a horizon.
type AddFollowupInput struct {
	CaseID       string      `json:"case_id"`
	HorizonWeeks int         `json:"horizon_weeks"`
	Labs         domain.Labs `json:"labs"`
}

// RegisterCase stores a new case with predictions for both horizons.
func (s *CaseService) RegisterCase(ctx context.Context, in RegisterCaseInput) (*domain.Predictions, error) {
	if err := in.Labs.CheckFinite(); err != nil {
		return nil, err
	}
	if in.Context != nil {
		if err := in.Context.CheckFinite(); err != nil {
			return nil, err
		}
	}
	tsat0, ok := in.Labs.CalcTSAT()
	if !ok {
		return nil, domain.NewValidationError("tsat", "TSAT or Fe with a positive TIBC is required", nil)
	}
	labs := in.Labs
	labs.TSAT = &tsat0

	tc := domain.DefaultTreatmentContext()
	if in.Context != nil {
		tc = *in.Context
	}

	preds, err := s.predictor.PredictAll(ctx, labs, tc)
	if err != nil {
		return nil, err
	}

	c := &domain.Case{
		ID:         s.newID(),
		CreatedAt:  s.now().UTC().Truncate(time.Second),
		Note:       in.Note,
		ExternalID: strings.TrimSpace(in.ExternalID),
		Baseline:   labs,
		Context:    tc,
		Pred12:     preds.W12,
		Pred24:     preds.W24,
		Model12:    preds.ModelW12,
		Model24:    preds.ModelW24,
	}

	s.aliasMu.Lock()
	err = s.ensureAliasFree(ctx, c.ExternalID, "")
	if err == nil {
		err = s.cases.CreateCase(ctx, c)
	}
	s.aliasMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("registering case: %w", err)
	}

	preds.CaseID = c.ID
	s.recordPredictions(preds)
	s.metrics.CaseOp(metrics.OpRegister)

	s.logger.WithFields(logrus.Fields{
		"case_id":     c.ID,
		"external_id": c.ExternalID,
		"model_12w":   preds.ModelW12,
		"model_24w":   preds.ModelW24,
	}).Info("Case registered")

	return preds, nil
}

// UpdateCaseContext recomputes the predictions of a case under a new
// treatment context from its original baseline and persists them. A nil
// note or externalID leaves the stored value unchanged.
func (s *CaseService) UpdateCaseContext(ctx context.Context, caseID string, tc domain.TreatmentContext, note *string, externalID *string) (*domain.Predictions, error) {
	if err := tc.CheckFinite(); err != nil {
		return nil, err
	}
	c, err := s.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	preds, err := s.predictor.PredictAll(ctx, c.Baseline, tc)
	if err != nil {
		return nil, err
	}

	u := &domain.CaseUpdate{
		CaseID:  c.ID,
		Context: tc,
		Pred12:  preds.W12,
		Pred24:  preds.W24,
		Model12: preds.ModelW12,
		Model24: preds.ModelW24,
		Note:    note,
	}

	// Unset note and external id keep whatever is stored at write time.
	s.aliasMu.Lock()
	if externalID != nil {
		trimmed := strings.TrimSpace(*externalID)
		u.ExternalID = &trimmed
		err = s.ensureAliasFree(ctx, trimmed, c.ID)
	}
	if err == nil {
		err = s.cases.UpdateCase(ctx, u)
	}
	s.aliasMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("updating case: %w", err)
	}

	preds.CaseID = c.ID
	s.recordPredictions(preds)
	s.metrics.CaseOp(metrics.OpUpdate)

	s.logger.WithFields(logrus.Fields{
		"case_id":     c.ID,
		"dose_mg_day": tc.DoseMgDay,
		"adherence":   tc.Adherence,
	}).Info("Case context updated")

	return preds, nil
}

// SimulatePredictions computes what UpdateCaseContext would store without
// persisting anything.
func (s *CaseService) SimulatePredictions(ctx context.Context, caseID string, tc domain.TreatmentContext) (*domain.Predictions, error) {
	if err := tc.CheckFinite(); err != nil {
		return nil, err
	}
	c, err := s.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	preds, err := s.predictor.PredictAll(ctx, c.Baseline, tc)
	if err != nil {
		return nil, err
	}
	preds.CaseID = c.ID
	s.recordPredictions(preds)
	s.metrics.CaseOp(metrics.OpSimulate)
	return preds, nil
}

// Explain returns the intermediate values of the rule forecast for a
// stored case at a horizon.
func (s *CaseService) Explain(ctx context.Context, caseID string, horizonWeeks int) (*forecast.Trace, error) {
	if !domain.ValidHorizon(horizonWeeks) {
		return nil, domain.NewValidationError("horizon_weeks", "must be 12 or 24", horizonWeeks)
	}
	c, err := s.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return forecast.ComputeTrace(c.Baseline, c.Context, horizonWeeks)
}

// AddFollowup saves a measured panel for (case, horizon), replacing any
// earlier one, and then attempts automatic calibration for the horizon.
// A training error does not undo the save; it is reported as a failed
// calibration result.
func (s *CaseService) AddFollowup(ctx context.Context, in AddFollowupInput) (*domain.FollowupResult, error) {
	if !domain.ValidHorizon(in.HorizonWeeks) {
		return nil, domain.NewValidationError("horizon_weeks", "must be 12 or 24", in.HorizonWeeks)
	}
	if err := in.Labs.CheckFinite(); err != nil {
		return nil, err
	}

	exists, err := s.cases.CaseExists(ctx, in.CaseID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("case %s: %w", in.CaseID, domain.ErrNotFound)
	}

	f := &domain.Followup{
		CaseID:       in.CaseID,
		HorizonWeeks: in.HorizonWeeks,
		FollowupAt:   s.now().UTC().Truncate(time.Second),
		Hb:           in.Labs.Hb,
		Fe:           in.Labs.Fe,
		Ferritin:     in.Labs.Ferritin,
		TIBC:         in.Labs.TIBC,
	}
	if tsat, ok := in.Labs.CalcTSAT(); ok {
		f.TSAT = &tsat
	}

	if err := s.cases.SaveFollowup(ctx, f); err != nil {
		return nil, fmt.Errorf("saving followup: %w", err)
	}
	s.metrics.Followup(in.HorizonWeeks)

	s.logger.WithFields(logrus.Fields{
		"case_id":       in.CaseID,
		"horizon_weeks": in.HorizonWeeks,
	}).Info("Followup saved")

	result, err := s.train(ctx, in.HorizonWeeks, false)
	if err != nil {
		s.logger.WithError(err).WithField("horizon_weeks", in.HorizonWeeks).Warn("Automatic calibration failed")
		result = &domain.TrainResult{
			HorizonWeeks: in.HorizonWeeks,
			Status:       domain.TrainStatusFailed,
			Reason:       err.Error(),
		}
	}

	return &domain.FollowupResult{
		Saved:           true,
		Followup:        f,
		AutoCalibration: result,
	}, nil
}

// TrainCalibration trains the horizon on demand. force bypasses the sample
// threshold and the no-new-data check.
func (s *CaseService) TrainCalibration(ctx context.Context, horizonWeeks int, force bool) (*domain.TrainResult, error) {
	return s.train(ctx, horizonWeeks, force)
}

func (s *CaseService) train(ctx context.Context, horizonWeeks int, force bool) (*domain.TrainResult, error) {
	start := time.Now()
	result, err := s.trainer.Train(ctx, horizonWeeks, force)
	status := domain.TrainStatusFailed
	if err == nil {
		status = result.Status
	}
	s.metrics.Training(horizonWeeks, string(status), time.Since(start).Seconds())
	return result, err
}

// ResolveCaseID maps an identifier to a case id: an exact case id match
// wins over an external id match. It returns "" when nothing matches.
func (s *CaseService) ResolveCaseID(ctx context.Context, identifier string) (string, error) {
	ident := strings.TrimSpace(identifier)
	if ident == "" {
		return "", nil
	}

	exists, err := s.cases.CaseExists(ctx, ident)
	if err != nil {
		return "", err
	}
	if exists {
		return ident, nil
	}
	return s.cases.FindCaseIDByExternalID(ctx, ident)
}

// SetExternalID replaces the alias of a case. An empty value clears it.
func (s *CaseService) SetExternalID(ctx context.Context, caseID, externalID string) error {
	externalID = strings.TrimSpace(externalID)

	s.aliasMu.Lock()
	defer s.aliasMu.Unlock()

	if err := s.ensureAliasFree(ctx, externalID, caseID); err != nil {
		return err
	}
	return s.cases.SetExternalID(ctx, caseID, externalID)
}

// DeleteCase removes the case and its follow-ups. Deleting an absent case
// is not an error; Deleted reports whether anything was removed.
func (s *CaseService) DeleteCase(ctx context.Context, caseID string) (*domain.DeleteResult, error) {
	deleted, err := s.cases.DeleteCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("deleting case: %w", err)
	}
	if deleted {
		s.metrics.CaseOp(metrics.OpDelete)
		s.logger.WithField("case_id", caseID).Info("Case deleted")
	}
	return &domain.DeleteResult{CaseID: caseID, Deleted: deleted}, nil
}

// ModelStatus returns the current model per horizon; horizons without a
// model map to nil.
func (s *CaseService) ModelStatus(ctx context.Context) (map[int]*domain.CalibrationModel, error) {
	status := make(map[int]*domain.CalibrationModel, len(domain.Horizons))
	for _, h := range domain.Horizons {
		m, err := s.models.CurrentModel(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("loading model for %dw: %w", h, err)
		}
		status[h] = m
	}
	return status, nil
}

// ModelHistory returns past models of a horizon, newest first.
func (s *CaseService) ModelHistory(ctx context.Context, horizonWeeks int, limit int) ([]*domain.CalibrationModel, error) {
	if !domain.ValidHorizon(horizonWeeks) {
		return nil, domain.NewValidationError("horizon_weeks", "must be 12 or 24", horizonWeeks)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.models.ModelHistory(ctx, horizonWeeks, limit)
}

// GetCase returns a stored case.
func (s *CaseService) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	return s.cases.GetCase(ctx, caseID)
}

// ListCases returns the newest cases.
func (s *CaseService) ListCases(ctx context.Context, limit int) ([]*domain.CaseSummary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.cases.ListCases(ctx, limit, 0)
}

// GetFollowup returns the follow-up of a case at a horizon, or nil.
func (s *CaseService) GetFollowup(ctx context.Context, caseID string, horizonWeeks int) (*domain.Followup, error) {
	if !domain.ValidHorizon(horizonWeeks) {
		return nil, domain.NewValidationError("horizon_weeks", "must be 12 or 24", horizonWeeks)
	}
	return s.cases.GetFollowup(ctx, caseID, horizonWeeks)
}

// ListFollowups returns every stored follow-up.
func (s *CaseService) ListFollowups(ctx context.Context) ([]*domain.Followup, error) {
	return s.cases.ListFollowups(ctx)
}

// Counts returns the number of cases and follow-ups per horizon.
func (s *CaseService) Counts(ctx context.Context) (*domain.Counts, error) {
	return s.cases.Counts(ctx)
}

// ensureAliasFree fails with ErrConflict when another case already carries
// the external id. Callers hold aliasMu.
func (s *CaseService) ensureAliasFree(ctx context.Context, externalID, ownerID string) error {
	if externalID == "" {
		return nil
	}
	holder, err := s.cases.FindCaseIDByExternalID(ctx, externalID)
	if err != nil {
		return err
	}
	if holder != "" && holder != ownerID {
		return fmt.Errorf("external id %q is used by case %s: %w", externalID, holder, domain.ErrConflict)
	}
	return nil
}

func (s *CaseService) recordPredictions(p *domain.Predictions) {
	s.metrics.Prediction(domain.Horizon12, p.ModelW12)
	s.metrics.Prediction(domain.Horizon24, p.ModelW24)
}
