package api

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
	"github.com/dmiyatamd-byte/height-riona-app/internal/export"
	"github.com/dmiyatamd-byte/height-riona-app/internal/service"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type updateContextRequest struct {
	Context    domain.TreatmentContext `json:"context"`
	Note       *string                 `json:"note"`
	ExternalID *string                 `json:"external_id"`
}

type simulateRequest struct {
	Context domain.TreatmentContext `json:"context"`
}

type externalIDRequest struct {
	ExternalID string `json:"external_id"`
}

type followupRequest struct {
	HorizonWeeks int         `json:"horizon_weeks"`
	Labs         domain.Labs `json:"labs"`
}

func horizonParam(c *gin.Context) (int, error) {
	raw := c.Param("horizon")
	h, err := strconv.Atoi(raw)
	if err != nil || !domain.ValidHorizon(h) {
		return 0, domain.NewValidationError("horizon_weeks", "must be 12 or 24", raw)
	}
	return h, nil
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewValidationError(key, "not an integer", raw)
	}
	return n, nil
}

func (s *Server) handleRegisterCase(c *gin.Context) {
	var in service.RegisterCaseInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	preds, err := s.svc.RegisterCase(c.Request.Context(), in)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, preds)
}

func (s *Server) handleListCases(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		s.respondError(c, err)
		return
	}
	cases, err := s.svc.ListCases(c.Request.Context(), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if cases == nil {
		cases = []*domain.CaseSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"cases": cases})
}

func (s *Server) handleGetCase(c *gin.Context) {
	cs, err := s.svc.GetCase(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cs)
}

func (s *Server) handleDeleteCase(c *gin.Context) {
	res, err := s.svc.DeleteCase(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleUpdateContext(c *gin.Context) {
	var req updateContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	preds, err := s.svc.UpdateCaseContext(c.Request.Context(), c.Param("id"), req.Context, req.Note, req.ExternalID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preds)
}

func (s *Server) handleSimulate(c *gin.Context) {
	var req simulateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	preds, err := s.svc.SimulatePredictions(c.Request.Context(), c.Param("id"), req.Context)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preds)
}

func (s *Server) handleSetExternalID(c *gin.Context) {
	var req externalIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	caseID := c.Param("id")
	if err := s.svc.SetExternalID(c.Request.Context(), caseID, req.ExternalID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case_id": caseID, "external_id": req.ExternalID})
}

func (s *Server) handleExplain(c *gin.Context) {
	h, err := horizonParam(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	trace, err := s.svc.Explain(c.Request.Context(), c.Param("id"), h)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, trace)
}

func (s *Server) handleAddFollowup(c *gin.Context) {
	var req followupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	res, err := s.svc.AddFollowup(c.Request.Context(), service.AddFollowupInput{
		CaseID:       c.Param("id"),
		HorizonWeeks: req.HorizonWeeks,
		Labs:         req.Labs,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleGetFollowup(c *gin.Context) {
	h, err := horizonParam(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	f, err := s.svc.GetFollowup(c.Request.Context(), c.Param("id"), h)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if f == nil {
		s.respondError(c, domain.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *Server) handleResolve(c *gin.Context) {
	caseID, err := s.svc.ResolveCaseID(c.Request.Context(), c.Param("identifier"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if caseID == "" {
		s.respondError(c, domain.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case_id": caseID})
}

func (s *Server) handleCounts(c *gin.Context) {
	counts, err := s.svc.Counts(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) handleModelStatus(c *gin.Context) {
	status, err := s.svc.ModelStatus(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	out := make(map[string]*domain.CalibrationModel, len(status))
	for h, m := range status {
		out[strconv.Itoa(h)+"w"] = m
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleModelHistory(c *gin.Context) {
	h, err := horizonParam(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		s.respondError(c, err)
		return
	}
	history, err := s.svc.ModelHistory(c.Request.Context(), h, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if history == nil {
		history = []*domain.CalibrationModel{}
	}
	c.JSON(http.StatusOK, gin.H{"horizon_weeks": h, "models": history})
}

func (s *Server) handleTrain(c *gin.Context) {
	h, err := horizonParam(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	force, _ := strconv.ParseBool(c.Query("force"))

	res, err := s.svc.TrainCalibration(c.Request.Context(), h, force)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleTemplate(c *gin.Context) {
	var body string
	switch kind := c.Param("kind"); kind {
	case "baseline":
		body = export.BaselineTemplateCSV()
	case "followup":
		body = export.FollowupTemplateCSV()
	default:
		s.respondError(c, domain.NewValidationError("kind", "must be baseline or followup", kind))
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+c.Param("kind")+`_template.csv"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(body))
}

func (s *Server) uploadedRows(c *gin.Context) ([][]string, bool) {
	fh, err := c.FormFile("file")
	if err != nil {
		s.badRequest(c, "multipart field \"file\" is required")
		return nil, false
	}
	f, err := fh.Open()
	if err != nil {
		s.badRequest(c, "failed to open upload: "+err.Error())
		return nil, false
	}
	defer f.Close()

	rows, err := export.ReadRows(fh.Filename, f)
	if err != nil {
		s.badRequest(c, err.Error())
		return nil, false
	}
	return rows, true
}

func (s *Server) handleImportBaselines(c *gin.Context) {
	rows, ok := s.uploadedRows(c)
	if !ok {
		return
	}
	report, err := export.ImportBaselines(c.Request.Context(), s.svc, rows)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleImportFollowups(c *gin.Context) {
	rows, ok := s.uploadedRows(c)
	if !ok {
		return
	}
	report, err := export.ImportFollowups(c.Request.Context(), s.svc, rows)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleExport(c *gin.Context) {
	var buf bytes.Buffer
	if err := export.WriteWorkbook(c.Request.Context(), s.svc, &buf); err != nil {
		s.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="riona_export.xlsx"`)
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}
