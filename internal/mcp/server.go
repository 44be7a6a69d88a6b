// Package mcp exposes the case lifecycle as MCP tools over stdio.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
)

// ToolNames lists the registered tools in registration order.
var ToolNames = []string{
	"register_case",
	"update_case_context",
	"simulate_predictions",
	"explain_forecast",
	"add_followup",
	"get_followup",
	"train_calibration",
	"resolve_case_id",
	"get_case",
	"list_cases",
	"delete_case",
	"get_model_status",
	"get_model_history",
}

// Server wraps the SDK server with the forecast tools.
type Server struct {
	mcpServer *mcp.Server
	logger    *logrus.Logger
}

// NewServer builds an MCP server whose tools call svc.
func NewServer(cfg domain.MCPConfig, svc caseService, logger *logrus.Logger) *Server {
	name, version := cfg.ServerName, cfg.ServerVersion
	if name == "" {
		name = "riona-iron-forecast"
	}
	if version == "" {
		version = "1.0.0"
	}

	s := mcp.NewServer(&mcp.Implementation{
		Name:    name,
		Version: version,
	}, nil)
	registerTools(s, NewHandler(svc, logger))

	logger.WithField("tool_count", len(ToolNames)).Info("Registered MCP tools")
	return &Server{mcpServer: s, logger: logger}
}

func registerTools(s *mcp.Server, h *Handler) {
	mcp.AddTool(s, &mcp.Tool{
		Name:        "register_case",
		Description: "Registers a baseline lab panel (hb, fe, ferritin, tibc, optional tsat) with an optional treatment context and returns the 12 and 24 week forecasts. TSAT is derived from fe and tibc when omitted.",
	}, h.RegisterCaseTool())

	mcp.AddTool(s, &mcp.Tool{
		Name:        "update_case_context",
		Description: "Replaces the treatment context of a stored case and recomputes its forecasts from the original baseline. Optional note and external_id replace the stored values.",
	}, h.UpdateCaseContextTool())

	mcp.AddTool(s, &mcp.Tool{
		Name:        "simulate_predictions",
		Description: "What-if forecast for a stored case under another treatment context. Nothing is saved.",
	}, h.SimulatePredictionsTool())

	mcp.AddTool(s, &mcp.Tool{
		Name:        "explain_forecast",
		Description: "Returns the intermediate values of the rule forecast (TSAT, hemoglobin and ferritin terms) for a stored case at 12 or 24 weeks.",
	}, h.ExplainForecastTool())

	mcp.AddTool(s, &mcp.Tool{
		Name:        "add_followup",
		Description: "Records the measured panel of a case at 12 or 24 weeks, replacing an earlier one, then retrains the calibration model of that horizon when enough new data exists.",
	}, h.AddFollowupTool())

	mcp.AddTool(s, &mcp.Tool{
		Name:        "get_followup",
		Description: "Returns the recorded 12 or 24 week follow-up panel of a case.",
	}, h.GetFollowupTool())

	mcp.AddTool(s, &mcp.Tool{
		Name:        "train_calibration",
		Description: "Trains the calibration model of a horizon now. force skips the sample threshold and the new-data check.",
	}, h.TrainCalibrationTool())

	mcp.AddTool(s, &mcp.Tool{
		Name:        "resolve_case_id",
		Description: "Maps a case id or external id to a case id. Exact case ids win. Returns an empty case_id when nothing matches.",
	}, h.ResolveCaseIDTool())

	mcp.AddTool(s, &mcp.Tool{
		Name:        "get_case",
		Description: "Returns a stored case: baseline, treatment context and the last computed forecasts.",
	}, h.GetCaseTool())

	mcp.AddTool(s, &mcp.Tool{
		Name:        "list_cases",
		Description: "Lists stored cases, newest first.",
	}, h.ListCasesTool())

	mcp.AddTool(s, &mcp.Tool{
		Name:        "delete_case",
		Description: "Deletes a case and its follow-ups by exact case id. Deleting an unknown case reports deleted=false.",
	}, h.DeleteCaseTool())

	mcp.AddTool(s, &mcp.Tool{
		Name:        "get_model_status",
		Description: "Returns the current calibration model per horizon (null when none) and the case and follow-up counts.",
	}, h.ModelStatusTool())

	mcp.AddTool(s, &mcp.Tool{
		Name:        "get_model_history",
		Description: "Returns past calibration models of a horizon, newest first.",
	}, h.ModelHistoryTool())
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Start serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting MCP server on stdio")
	if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}
