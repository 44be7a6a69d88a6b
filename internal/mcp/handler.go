package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
	"github.com/dmiyatamd-byte/height-riona-app/internal/forecast"
	"github.com/dmiyatamd-byte/height-riona-app/internal/service"
)

// caseService is the part of service.CaseService the tools call.
type caseService interface {
	RegisterCase(ctx context.Context, in service.RegisterCaseInput) (*domain.Predictions, error)
	UpdateCaseContext(ctx context.Context, caseID string, tc domain.TreatmentContext, note *string, externalID *string) (*domain.Predictions, error)
	SimulatePredictions(ctx context.Context, caseID string, tc domain.TreatmentContext) (*domain.Predictions, error)
	Explain(ctx context.Context, caseID string, horizonWeeks int) (*forecast.Trace, error)
	AddFollowup(ctx context.Context, in service.AddFollowupInput) (*domain.FollowupResult, error)
	TrainCalibration(ctx context.Context, horizonWeeks int, force bool) (*domain.TrainResult, error)
	ResolveCaseID(ctx context.Context, identifier string) (string, error)
	DeleteCase(ctx context.Context, caseID string) (*domain.DeleteResult, error)
	ModelStatus(ctx context.Context) (map[int]*domain.CalibrationModel, error)
	ModelHistory(ctx context.Context, horizonWeeks int, limit int) ([]*domain.CalibrationModel, error)
	GetCase(ctx context.Context, caseID string) (*domain.Case, error)
	GetFollowup(ctx context.Context, caseID string, horizonWeeks int) (*domain.Followup, error)
	ListCases(ctx context.Context, limit int) ([]*domain.CaseSummary, error)
	Counts(ctx context.Context) (*domain.Counts, error)
}

// Handler turns tool calls into service calls and formats the results.
type Handler struct {
	service caseService
	logger  *logrus.Logger
}

// NewHandler builds a handler with the given service.
func NewHandler(service caseService, logger *logrus.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(prefix string, err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: prefix + ": " + err.Error()}},
		IsError: true,
	}
}

func jsonResult(v interface{}) *mcp.CallToolResult {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("Error encoding response", err)
	}
	return textResult(string(raw))
}

// resolve maps a case id or external id onto a case id.
func (h *Handler) resolve(ctx context.Context, identifier string) (string, error) {
	caseID, err := h.service.ResolveCaseID(ctx, identifier)
	if err != nil {
		return "", err
	}
	if caseID == "" {
		return "", fmt.Errorf("no case matches %q: %w", identifier, domain.ErrNotFound)
	}
	return caseID, nil
}

func (h *Handler) logCall(tool string, fields logrus.Fields) {
	if h.logger == nil {
		return
	}
	h.logger.WithField("tool", tool).WithFields(fields).Info("Tool invoked")
}

// RegisterCaseInput is the input for register_case.
type RegisterCaseInput struct {
	Labs       domain.Labs              `json:"labs" jsonschema:"Baseline panel: hb (g/dL), fe, ferritin, tibc and optional tsat (%)"`
	Context    *domain.TreatmentContext `json:"context,omitempty" jsonschema:"Treatment context; defaults to 500 mg/day with full adherence"`
	Note       string                   `json:"note,omitempty" jsonschema:"Free text note"`
	ExternalID string                   `json:"external_id,omitempty" jsonschema:"Optional alias such as a chart number"`
}

// RegisterCaseTool returns the MCP tool handler for register_case.
func (h *Handler) RegisterCaseTool() func(context.Context, *mcp.CallToolRequest, RegisterCaseInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in RegisterCaseInput) (*mcp.CallToolResult, any, error) {
		h.logCall("register_case", logrus.Fields{"external_id": in.ExternalID})
		preds, err := h.service.RegisterCase(ctx, service.RegisterCaseInput{
			Labs:       in.Labs,
			Context:    in.Context,
			Note:       in.Note,
			ExternalID: in.ExternalID,
		})
		if err != nil {
			return errorResult("Error registering case", err), nil, nil
		}
		return jsonResult(preds), nil, nil
	}
}

// ContextInput is the input for update_case_context and simulate_predictions.
type ContextInput struct {
	Identifier string                  `json:"identifier" jsonschema:"Case id or external id"`
	Context    domain.TreatmentContext `json:"context" jsonschema:"Treatment context: dose_mg_day, adherence (0-1), bleed (0/1), inflam (0/1)"`
	Note       *string                 `json:"note,omitempty" jsonschema:"Replaces the note when present"`
	ExternalID *string                 `json:"external_id,omitempty" jsonschema:"Replaces the external id when present"`
}

// UpdateCaseContextTool returns the MCP tool handler for update_case_context.
func (h *Handler) UpdateCaseContextTool() func(context.Context, *mcp.CallToolRequest, ContextInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in ContextInput) (*mcp.CallToolResult, any, error) {
		h.logCall("update_case_context", logrus.Fields{"identifier": in.Identifier})
		caseID, err := h.resolve(ctx, in.Identifier)
		if err != nil {
			return errorResult("Error resolving case", err), nil, nil
		}
		preds, err := h.service.UpdateCaseContext(ctx, caseID, in.Context, in.Note, in.ExternalID)
		if err != nil {
			return errorResult("Error updating case", err), nil, nil
		}
		return jsonResult(preds), nil, nil
	}
}

// SimulatePredictionsTool returns the MCP tool handler for simulate_predictions.
// Note and external id are ignored; nothing is stored.
func (h *Handler) SimulatePredictionsTool() func(context.Context, *mcp.CallToolRequest, ContextInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in ContextInput) (*mcp.CallToolResult, any, error) {
		h.logCall("simulate_predictions", logrus.Fields{"identifier": in.Identifier})
		caseID, err := h.resolve(ctx, in.Identifier)
		if err != nil {
			return errorResult("Error resolving case", err), nil, nil
		}
		preds, err := h.service.SimulatePredictions(ctx, caseID, in.Context)
		if err != nil {
			return errorResult("Error simulating predictions", err), nil, nil
		}
		return jsonResult(preds), nil, nil
	}
}

// CaseHorizonInput is the input for explain_forecast.
type CaseHorizonInput struct {
	Identifier   string `json:"identifier" jsonschema:"Case id or external id"`
	HorizonWeeks int    `json:"horizon_weeks" jsonschema:"12 or 24"`
}

// ExplainForecastTool returns the MCP tool handler for explain_forecast.
func (h *Handler) ExplainForecastTool() func(context.Context, *mcp.CallToolRequest, CaseHorizonInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in CaseHorizonInput) (*mcp.CallToolResult, any, error) {
		caseID, err := h.resolve(ctx, in.Identifier)
		if err != nil {
			return errorResult("Error resolving case", err), nil, nil
		}
		trace, err := h.service.Explain(ctx, caseID, in.HorizonWeeks)
		if err != nil {
			return errorResult("Error explaining forecast", err), nil, nil
		}
		return jsonResult(trace), nil, nil
	}
}

// GetFollowupTool returns the MCP tool handler for get_followup.
func (h *Handler) GetFollowupTool() func(context.Context, *mcp.CallToolRequest, CaseHorizonInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in CaseHorizonInput) (*mcp.CallToolResult, any, error) {
		if !domain.ValidHorizon(in.HorizonWeeks) {
			return errorResult("Error fetching follow-up", domain.NewValidationError("horizon_weeks", "must be 12 or 24", in.HorizonWeeks)), nil, nil
		}
		caseID, err := h.resolve(ctx, in.Identifier)
		if err != nil {
			return errorResult("Error resolving case", err), nil, nil
		}
		f, err := h.service.GetFollowup(ctx, caseID, in.HorizonWeeks)
		if err != nil {
			return errorResult("Error fetching follow-up", err), nil, nil
		}
		if f == nil {
			return errorResult("Error fetching follow-up", fmt.Errorf("no %d week follow-up for %s: %w", in.HorizonWeeks, caseID, domain.ErrNotFound)), nil, nil
		}
		return jsonResult(f), nil, nil
	}
}

// AddFollowupInput is the input for add_followup.
type AddFollowupInput struct {
	Identifier   string      `json:"identifier" jsonschema:"Case id or external id"`
	HorizonWeeks int         `json:"horizon_weeks" jsonschema:"12 or 24"`
	Labs         domain.Labs `json:"labs" jsonschema:"Measured panel at the horizon"`
}

// AddFollowupTool returns the MCP tool handler for add_followup.
func (h *Handler) AddFollowupTool() func(context.Context, *mcp.CallToolRequest, AddFollowupInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in AddFollowupInput) (*mcp.CallToolResult, any, error) {
		h.logCall("add_followup", logrus.Fields{"identifier": in.Identifier, "horizon_weeks": in.HorizonWeeks})
		caseID, err := h.resolve(ctx, in.Identifier)
		if err != nil {
			return errorResult("Error resolving case", err), nil, nil
		}
		res, err := h.service.AddFollowup(ctx, service.AddFollowupInput{
			CaseID:       caseID,
			HorizonWeeks: in.HorizonWeeks,
			Labs:         in.Labs,
		})
		if err != nil {
			return errorResult("Error saving followup", err), nil, nil
		}
		return jsonResult(res), nil, nil
	}
}

// TrainInput is the input for train_calibration.
type TrainInput struct {
	HorizonWeeks int  `json:"horizon_weeks" jsonschema:"12 or 24"`
	Force        bool `json:"force,omitempty" jsonschema:"Train even below the sample threshold or without new data"`
}

// TrainCalibrationTool returns the MCP tool handler for train_calibration.
func (h *Handler) TrainCalibrationTool() func(context.Context, *mcp.CallToolRequest, TrainInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in TrainInput) (*mcp.CallToolResult, any, error) {
		h.logCall("train_calibration", logrus.Fields{"horizon_weeks": in.HorizonWeeks, "force": in.Force})
		if !domain.ValidHorizon(in.HorizonWeeks) {
			return errorResult("Error training", domain.NewValidationError("horizon_weeks", "must be 12 or 24", in.HorizonWeeks)), nil, nil
		}
		res, err := h.service.TrainCalibration(ctx, in.HorizonWeeks, in.Force)
		if err != nil {
			return errorResult("Error training", err), nil, nil
		}
		return jsonResult(res), nil, nil
	}
}

// IdentifierInput is the input for tools addressing one case.
type IdentifierInput struct {
	Identifier string `json:"identifier" jsonschema:"Case id or external id"`
}

// ResolveCaseIDTool returns the MCP tool handler for resolve_case_id. An
// unknown identifier is not an error; case_id is empty.
func (h *Handler) ResolveCaseIDTool() func(context.Context, *mcp.CallToolRequest, IdentifierInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in IdentifierInput) (*mcp.CallToolResult, any, error) {
		caseID, err := h.service.ResolveCaseID(ctx, in.Identifier)
		if err != nil {
			return errorResult("Error resolving case", err), nil, nil
		}
		return jsonResult(map[string]string{"case_id": caseID}), nil, nil
	}
}

// GetCaseTool returns the MCP tool handler for get_case.
func (h *Handler) GetCaseTool() func(context.Context, *mcp.CallToolRequest, IdentifierInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in IdentifierInput) (*mcp.CallToolResult, any, error) {
		caseID, err := h.resolve(ctx, in.Identifier)
		if err != nil {
			return errorResult("Error resolving case", err), nil, nil
		}
		c, err := h.service.GetCase(ctx, caseID)
		if err != nil {
			return errorResult("Error fetching case", err), nil, nil
		}
		return jsonResult(c), nil, nil
	}
}

// DeleteCaseTool returns the MCP tool handler for delete_case. The
// identifier must be an exact case id; aliases are not followed.
func (h *Handler) DeleteCaseTool() func(context.Context, *mcp.CallToolRequest, IdentifierInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in IdentifierInput) (*mcp.CallToolResult, any, error) {
		h.logCall("delete_case", logrus.Fields{"case_id": in.Identifier})
		res, err := h.service.DeleteCase(ctx, in.Identifier)
		if err != nil {
			return errorResult("Error deleting case", err), nil, nil
		}
		return jsonResult(res), nil, nil
	}
}

// ListCasesInput is the input for list_cases.
type ListCasesInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of cases, newest first (default 200)"`
}

// ListCasesTool returns the MCP tool handler for list_cases.
func (h *Handler) ListCasesTool() func(context.Context, *mcp.CallToolRequest, ListCasesInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in ListCasesInput) (*mcp.CallToolResult, any, error) {
		cases, err := h.service.ListCases(ctx, in.Limit)
		if err != nil {
			return errorResult("Error listing cases", err), nil, nil
		}
		if cases == nil {
			cases = []*domain.CaseSummary{}
		}
		return jsonResult(cases), nil, nil
	}
}

// StatusInput is the empty input of get_model_status.
type StatusInput struct{}

// ModelStatusTool returns the MCP tool handler for get_model_status. It
// includes the stored data counts.
func (h *Handler) ModelStatusTool() func(context.Context, *mcp.CallToolRequest, StatusInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, any, error) {
		status, err := h.service.ModelStatus(ctx)
		if err != nil {
			return errorResult("Error fetching model status", err), nil, nil
		}
		counts, err := h.service.Counts(ctx)
		if err != nil {
			return errorResult("Error fetching counts", err), nil, nil
		}
		return jsonResult(map[string]interface{}{
			"models_12w": status[domain.Horizon12],
			"models_24w": status[domain.Horizon24],
			"counts":     counts,
		}), nil, nil
	}
}

// ModelHistoryInput is the input for get_model_history.
type ModelHistoryInput struct {
	HorizonWeeks int `json:"horizon_weeks" jsonschema:"12 or 24"`
	Limit        int `json:"limit,omitempty" jsonschema:"Maximum number of versions (default 20)"`
}

// ModelHistoryTool returns the MCP tool handler for get_model_history.
func (h *Handler) ModelHistoryTool() func(context.Context, *mcp.CallToolRequest, ModelHistoryInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in ModelHistoryInput) (*mcp.CallToolResult, any, error) {
		history, err := h.service.ModelHistory(ctx, in.HorizonWeeks, in.Limit)
		if err != nil {
			return errorResult("Error fetching model history", err), nil, nil
		}
		if history == nil {
			history = []*domain.CalibrationModel{}
		}
		return jsonResult(history), nil, nil
	}
}
