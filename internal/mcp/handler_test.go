package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
	"github.com/dmiyatamd-byte/height-riona-app/internal/forecast"
	"github.com/dmiyatamd-byte/height-riona-app/internal/service"
)

// mockCaseService implements caseService for tests.
type mockCaseService struct {
	aliases map[string]string
	err     error

	registered *service.RegisterCaseInput
	updatedID  string
	followup   *service.AddFollowupInput
	trainForce bool
	deletedID  string
}

func newMockService() *mockCaseService {
	return &mockCaseService{aliases: map[string]string{"case-01": "case-01", "P-1": "case-01"}}
}

func (m *mockCaseService) predictions(caseID string) *domain.Predictions {
	return &domain.Predictions{
		CaseID:   caseID,
		W12:      domain.Forecast{Hb: 10.54, Fe: 80, Ferritin: 50, TSAT: 26.7, Alerts: []domain.Alert{}},
		ModelW12: domain.RuleModelTag,
		ModelW24: domain.RuleModelTag,
	}
}

func (m *mockCaseService) RegisterCase(_ context.Context, in service.RegisterCaseInput) (*domain.Predictions, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.registered = &in
	return m.predictions("case-02"), nil
}

func (m *mockCaseService) UpdateCaseContext(_ context.Context, caseID string, _ domain.TreatmentContext, _ *string, _ *string) (*domain.Predictions, error) {
	m.updatedID = caseID
	return m.predictions(caseID), m.err
}

func (m *mockCaseService) SimulatePredictions(_ context.Context, caseID string, _ domain.TreatmentContext) (*domain.Predictions, error) {
	return m.predictions(caseID), m.err
}

func (m *mockCaseService) Explain(_ context.Context, _ string, h int) (*forecast.Trace, error) {
	if !domain.ValidHorizon(h) {
		return nil, domain.NewValidationError("horizon_weeks", "must be 12 or 24", h)
	}
	return &forecast.Trace{HorizonWeeks: h, Hb1: 10.54}, nil
}

func (m *mockCaseService) AddFollowup(_ context.Context, in service.AddFollowupInput) (*domain.FollowupResult, error) {
	m.followup = &in
	return &domain.FollowupResult{
		Saved:           true,
		AutoCalibration: &domain.TrainResult{HorizonWeeks: in.HorizonWeeks, Status: domain.TrainStatusSkipped, Reason: "training rows < 11"},
	}, m.err
}

func (m *mockCaseService) TrainCalibration(_ context.Context, h int, force bool) (*domain.TrainResult, error) {
	m.trainForce = force
	return &domain.TrainResult{HorizonWeeks: h, Status: domain.TrainStatusTrained, Version: "20260506-070809", NTrain: 3}, m.err
}

func (m *mockCaseService) ResolveCaseID(_ context.Context, identifier string) (string, error) {
	return m.aliases[identifier], nil
}

func (m *mockCaseService) DeleteCase(_ context.Context, caseID string) (*domain.DeleteResult, error) {
	m.deletedID = caseID
	return &domain.DeleteResult{CaseID: caseID, Deleted: caseID == "case-01"}, m.err
}

func (m *mockCaseService) ModelStatus(_ context.Context) (map[int]*domain.CalibrationModel, error) {
	return map[int]*domain.CalibrationModel{
		12: {Version: "20260506-070809", HorizonWeeks: 12, NTrain: 11},
		24: nil,
	}, m.err
}

func (m *mockCaseService) ModelHistory(_ context.Context, h int, _ int) ([]*domain.CalibrationModel, error) {
	if !domain.ValidHorizon(h) {
		return nil, domain.NewValidationError("horizon_weeks", "must be 12 or 24", h)
	}
	return nil, nil
}

func (m *mockCaseService) GetCase(_ context.Context, caseID string) (*domain.Case, error) {
	return &domain.Case{ID: caseID, ExternalID: "P-1"}, m.err
}

func (m *mockCaseService) GetFollowup(_ context.Context, caseID string, h int) (*domain.Followup, error) {
	if h != 12 {
		return nil, m.err
	}
	return &domain.Followup{CaseID: caseID, HorizonWeeks: h}, m.err
}

func (m *mockCaseService) ListCases(_ context.Context, _ int) ([]*domain.CaseSummary, error) {
	return nil, m.err
}

func (m *mockCaseService) Counts(_ context.Context) (*domain.Counts, error) {
	return &domain.Counts{Cases: 1, Followups12: 1}, m.err
}

func newTestHandler(svc caseService) *Handler {
	logger, _ := test.NewNullLogger()
	return NewHandler(svc, logger)
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestHandler_RegisterCaseTool(t *testing.T) {
	svc := newMockService()
	h := newTestHandler(svc)

	res, _, err := h.RegisterCaseTool()(context.Background(), &mcp.CallToolRequest{}, RegisterCaseInput{
		Labs:       domain.Labs{Hb: 10, Fe: 50, Ferritin: 20, TIBC: 300},
		ExternalID: "P-2",
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var preds domain.Predictions
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &preds))
	assert.Equal(t, "case-02", preds.CaseID)
	assert.Equal(t, 10.54, preds.W12.Hb)
	assert.Equal(t, "P-2", svc.registered.ExternalID)
	assert.Nil(t, svc.registered.Context)
}

func TestHandler_RegisterCaseTool_Error(t *testing.T) {
	svc := newMockService()
	svc.err = domain.ErrConflict
	h := newTestHandler(svc)

	res, _, err := h.RegisterCaseTool()(context.Background(), &mcp.CallToolRequest{}, RegisterCaseInput{})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "Error registering case: conflict", resultText(t, res))
}

func TestHandler_ResolvesIdentifiers(t *testing.T) {
	svc := newMockService()
	h := newTestHandler(svc)
	ctx := context.Background()

	res, _, err := h.UpdateCaseContextTool()(ctx, &mcp.CallToolRequest{}, ContextInput{
		Identifier: "P-1",
		Context:    domain.TreatmentContext{DoseMgDay: 1000, Adherence: 1},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "case-01", svc.updatedID)

	res, _, err = h.AddFollowupTool()(ctx, &mcp.CallToolRequest{}, AddFollowupInput{
		Identifier:   "P-1",
		HorizonWeeks: 24,
		Labs:         domain.Labs{Hb: 11, Fe: 70, Ferritin: 60, TIBC: 280},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "case-01", svc.followup.CaseID)
	assert.Contains(t, resultText(t, res), "training rows < 11")

	res, _, err = h.SimulatePredictionsTool()(ctx, &mcp.CallToolRequest{}, ContextInput{Identifier: "ghost"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), `no case matches "ghost"`)

	res, _, err = h.GetCaseTool()(ctx, &mcp.CallToolRequest{}, IdentifierInput{Identifier: "P-1"})
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), `"case_id": "case-01"`)
}

func TestHandler_GetFollowupTool(t *testing.T) {
	h := newTestHandler(newMockService())
	ctx := context.Background()

	res, _, err := h.GetFollowupTool()(ctx, &mcp.CallToolRequest{}, CaseHorizonInput{Identifier: "P-1", HorizonWeeks: 12})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), `"case_id": "case-01"`)

	res, _, err = h.GetFollowupTool()(ctx, &mcp.CallToolRequest{}, CaseHorizonInput{Identifier: "P-1", HorizonWeeks: 24})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "no 24 week follow-up for case-01")

	res, _, err = h.GetFollowupTool()(ctx, &mcp.CallToolRequest{}, CaseHorizonInput{Identifier: "P-1", HorizonWeeks: 6})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandler_ResolveCaseIDTool(t *testing.T) {
	h := newTestHandler(newMockService())

	res, _, err := h.ResolveCaseIDTool()(context.Background(), &mcp.CallToolRequest{}, IdentifierInput{Identifier: "P-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"case_id":"case-01"}`, resultText(t, res))

	res, _, err = h.ResolveCaseIDTool()(context.Background(), &mcp.CallToolRequest{}, IdentifierInput{Identifier: "nobody"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"case_id":""}`, resultText(t, res))
}

func TestHandler_DeleteCaseTool(t *testing.T) {
	svc := newMockService()
	h := newTestHandler(svc)

	res, _, err := h.DeleteCaseTool()(context.Background(), &mcp.CallToolRequest{}, IdentifierInput{Identifier: "P-1"})
	require.NoError(t, err)
	assert.Equal(t, "P-1", svc.deletedID)
	assert.JSONEq(t, `{"case_id":"P-1","deleted":false}`, resultText(t, res))
}

func TestHandler_TrainCalibrationTool(t *testing.T) {
	svc := newMockService()
	h := newTestHandler(svc)

	res, _, err := h.TrainCalibrationTool()(context.Background(), &mcp.CallToolRequest{}, TrainInput{HorizonWeeks: 12, Force: true})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.True(t, svc.trainForce)
	assert.Contains(t, resultText(t, res), `"status": "trained"`)

	res, _, err = h.TrainCalibrationTool()(context.Background(), &mcp.CallToolRequest{}, TrainInput{HorizonWeeks: 18})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandler_ModelTools(t *testing.T) {
	h := newTestHandler(newMockService())
	ctx := context.Background()

	res, _, err := h.ModelStatusTool()(ctx, &mcp.CallToolRequest{}, StatusInput{})
	require.NoError(t, err)
	var status struct {
		Models12 *domain.CalibrationModel `json:"models_12w"`
		Models24 *domain.CalibrationModel `json:"models_24w"`
		Counts   domain.Counts            `json:"counts"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &status))
	require.NotNil(t, status.Models12)
	assert.Equal(t, "20260506-070809", status.Models12.Version)
	assert.Nil(t, status.Models24)
	assert.Equal(t, 1, status.Counts.Cases)

	res, _, err = h.ModelHistoryTool()(ctx, &mcp.CallToolRequest{}, ModelHistoryInput{HorizonWeeks: 24})
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, res))

	res, _, err = h.ModelHistoryTool()(ctx, &mcp.CallToolRequest{}, ModelHistoryInput{HorizonWeeks: 6})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, _, err = h.ListCasesTool()(ctx, &mcp.CallToolRequest{}, ListCasesInput{})
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, res))

	res, _, err = h.ExplainForecastTool()(ctx, &mcp.CallToolRequest{}, CaseHorizonInput{Identifier: "case-01", HorizonWeeks: 12})
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), `"hb1": 10.54`)
}

func TestHandler_ServiceErrors(t *testing.T) {
	svc := newMockService()
	svc.err = errors.New("db gone")
	h := newTestHandler(svc)

	res, _, err := h.ModelStatusTool()(context.Background(), &mcp.CallToolRequest{}, StatusInput{})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "Error fetching model status: db gone", resultText(t, res))
}

func TestNewServer(t *testing.T) {
	logger, _ := test.NewNullLogger()
	assert.NotPanics(t, func() {
		s := NewServer(domain.MCPConfig{}, newMockService(), logger)
		assert.NotNil(t, s.MCPServer())
	})
}
