package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
	"github.com/dmiyatamd-byte/height-riona-app/internal/export"
	"github.com/dmiyatamd-byte/height-riona-app/internal/metrics"
	"github.com/dmiyatamd-byte/height-riona-app/internal/service"
	"github.com/dmiyatamd-byte/height-riona-app/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "riona.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger, _ := test.NewNullLogger()
	svc := service.NewCaseService(st, st, domain.CalibrationConfig{}, logger)
	return NewServer(domain.ServerConfig{}, svc, logger, opts...)
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func registerStandard(t *testing.T, s *Server, externalID string) string {
	t.Helper()
	w := do(t, s, http.MethodPost, "/api/v1/cases", gin.H{
		"labs":        gin.H{"hb": 10, "fe": 50, "ferritin": 20, "tibc": 300},
		"external_id": externalID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var preds domain.Predictions
	decode(t, w, &preds)
	return preds.CaseID
}

func TestRegisterAndGetCase(t *testing.T) {
	s := setupServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/cases", gin.H{
		"labs": gin.H{"hb": 10, "fe": 50, "ferritin": 20, "tibc": 300},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var preds domain.Predictions
	decode(t, w, &preds)
	assert.NotEmpty(t, preds.CaseID)
	assert.Equal(t, 10.54, preds.W12.Hb)
	assert.Equal(t, 26.7, preds.W12.TSAT)
	assert.Equal(t, domain.RuleModelTag, preds.ModelW12)

	w = do(t, s, http.MethodGet, "/api/v1/cases/"+preds.CaseID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var c domain.Case
	decode(t, w, &c)
	assert.Equal(t, preds.CaseID, c.ID)
	assert.Equal(t, domain.DefaultDoseMgDay, c.Context.DoseMgDay)

	w = do(t, s, http.MethodGet, "/api/v1/cases", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), preds.CaseID)
}

func TestErrorMapping(t *testing.T) {
	s := setupServer(t)
	registerStandard(t, s, "P-1")

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"underivable tsat", http.MethodPost, "/api/v1/cases", gin.H{"labs": gin.H{"hb": 10, "fe": 50}}, http.StatusBadRequest, domain.CodeInvalidInput},
		{"bad json", http.MethodPost, "/api/v1/cases", nil, http.StatusBadRequest, domain.CodeInvalidInput},
		{"missing case", http.MethodGet, "/api/v1/cases/nope", nil, http.StatusNotFound, domain.CodeNotFound},
		{"duplicate alias", http.MethodPost, "/api/v1/cases", gin.H{"labs": gin.H{"hb": 10, "fe": 50, "ferritin": 20, "tibc": 300}, "external_id": "P-1"}, http.StatusConflict, domain.CodeConflict},
		{"bad horizon", http.MethodGet, "/api/v1/models/18/history", nil, http.StatusBadRequest, domain.CodeInvalidInput},
		{"unknown template", http.MethodGet, "/api/v1/templates/other", nil, http.StatusBadRequest, domain.CodeInvalidInput},
		{"unresolved", http.MethodGet, "/api/v1/resolve/ghost", nil, http.StatusNotFound, domain.CodeNotFound},
		{"bad limit", http.MethodGet, "/api/v1/cases?limit=abc", nil, http.StatusBadRequest, domain.CodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			var apiErr domain.APIError
			decode(t, w, &apiErr)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestUpdateSimulateAndExplain(t *testing.T) {
	s := setupServer(t)
	id := registerStandard(t, s, "")

	ctxBody := gin.H{"dose_mg_day": 1000, "adherence": 1.0, "bleed": 0, "inflam": 0}

	w := do(t, s, http.MethodPost, "/api/v1/cases/"+id+"/simulate", gin.H{"context": ctxBody})
	require.Equal(t, http.StatusOK, w.Code)
	var sim domain.Predictions
	decode(t, w, &sim)

	w = do(t, s, http.MethodGet, "/api/v1/cases/"+id, nil)
	var before domain.Case
	decode(t, w, &before)
	assert.Equal(t, 500, before.Context.DoseMgDay)

	w = do(t, s, http.MethodPut, "/api/v1/cases/"+id+"/context", gin.H{"context": ctxBody, "note": "doubled"})
	require.Equal(t, http.StatusOK, w.Code)
	var updated domain.Predictions
	decode(t, w, &updated)
	assert.Equal(t, sim.W12, updated.W12)
	assert.Equal(t, sim.W24, updated.W24)

	w = do(t, s, http.MethodGet, "/api/v1/cases/"+id, nil)
	var after domain.Case
	decode(t, w, &after)
	assert.Equal(t, 1000, after.Context.DoseMgDay)
	assert.Equal(t, "doubled", after.Note)

	w = do(t, s, http.MethodGet, "/api/v1/cases/"+id+"/explain/12", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"hb1"`)
}

func TestFollowupsResolveAndDelete(t *testing.T) {
	s := setupServer(t)
	id := registerStandard(t, s, "P-9")

	w := do(t, s, http.MethodGet, "/api/v1/resolve/P-9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"case_id":"`+id+`"}`, w.Body.String())

	w = do(t, s, http.MethodPost, "/api/v1/cases/"+id+"/followups", gin.H{
		"horizon_weeks": 12,
		"labs":          gin.H{"hb": 10.9, "fe": 70, "ferritin": 45, "tibc": 290},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res domain.FollowupResult
	decode(t, w, &res)
	assert.True(t, res.Saved)
	assert.Equal(t, domain.TrainStatusSkipped, res.AutoCalibration.Status)

	w = do(t, s, http.MethodGet, "/api/v1/cases/"+id+"/followups/12", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, http.MethodGet, "/api/v1/cases/"+id+"/followups/24", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/counts", nil)
	assert.JSONEq(t, `{"cases":1,"followups_12w":1,"followups_24w":0}`, w.Body.String())

	w = do(t, s, http.MethodPut, "/api/v1/cases/"+id+"/external-id", gin.H{"external_id": "P-10"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodDelete, "/api/v1/cases/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"case_id":"`+id+`","deleted":true}`, w.Body.String())

	w = do(t, s, http.MethodDelete, "/api/v1/cases/"+id, nil)
	assert.JSONEq(t, `{"case_id":"`+id+`","deleted":false}`, w.Body.String())
}

func TestModelsAndTraining(t *testing.T) {
	s := setupServer(t)

	w := do(t, s, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"12w":null,"24w":null}`, w.Body.String())

	w = do(t, s, http.MethodPost, "/api/v1/models/24/train", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res domain.TrainResult
	decode(t, w, &res)
	assert.Equal(t, domain.TrainStatusSkipped, res.Status)

	w = do(t, s, http.MethodGet, "/api/v1/models/24/history?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"horizon_weeks":24,"models":[]}`, w.Body.String())
}

func TestTemplatesImportAndExport(t *testing.T) {
	s := setupServer(t)

	w := do(t, s, http.MethodGet, "/api/v1/templates/baseline", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, export.BaselineTemplateCSV(), w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "baseline_template.csv")

	doc := export.BaselineTemplateCSV() + "P-1,,10,50,20,300,,,,,\nP-2,,10,50,20,0,,,,,\n"
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "baselines.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/import/baselines", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report export.ImportReport
	decode(t, w, &report)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Imported)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 3, report.Errors[0].Line)

	w = do(t, s, http.MethodPost, "/api/v1/import/followups", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(export.SheetCases)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestHealthAndMetrics(t *testing.T) {
	m, reg := metrics.NewTestManagerAndRegistry()
	healthy := true
	s := setupServer(t,
		WithMetrics(m, reg),
		WithHealth(func(context.Context) (map[string]string, error) {
			if healthy {
				return map[string]string{"sqlite": "healthy"}, nil
			}
			return map[string]string{"sqlite": "unhealthy"}, errors.New("down")
		}),
	)

	w := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sqlite":"healthy"`)

	healthy = false
	w = do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	registerStandard(t, s, "")
	w = do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "riona_test_server_request"))
}
