package export

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
)

type fakeSource struct {
	cases     map[string]*domain.Case
	followups []*domain.Followup
	models    map[int][]*domain.CalibrationModel
}

func (f *fakeSource) ListCases(_ context.Context, _ int) ([]*domain.CaseSummary, error) {
	var out []*domain.CaseSummary
	for _, c := range f.cases {
		out = append(out, &domain.CaseSummary{ID: c.ID, CreatedAt: c.CreatedAt})
	}
	return out, nil
}

func (f *fakeSource) GetCase(_ context.Context, caseID string) (*domain.Case, error) {
	c, ok := f.cases[caseID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (f *fakeSource) ListFollowups(_ context.Context) ([]*domain.Followup, error) {
	return f.followups, nil
}

func (f *fakeSource) ModelHistory(_ context.Context, h int, _ int) ([]*domain.CalibrationModel, error) {
	return f.models[h], nil
}

func TestWriteWorkbook(t *testing.T) {
	created := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	src := &fakeSource{
		cases: map[string]*domain.Case{
			"case-01": {
				ID:         "case-01",
				CreatedAt:  created,
				ExternalID: "P-1",
				Baseline:   domain.Labs{Hb: 10, Fe: 50, Ferritin: 20, TIBC: 300},
				Context:    domain.DefaultTreatmentContext(),
				Pred12:     domain.Forecast{Hb: 10.54, Fe: 80, Ferritin: 50, TSAT: 26.7},
				Model12:    domain.RuleModelTag,
				Model24:    domain.RuleModelTag,
			},
		},
		followups: []*domain.Followup{
			{CaseID: "case-01", HorizonWeeks: 12, FollowupAt: created, Hb: 10.9, Fe: 70, Ferritin: 45, TIBC: 290, TSAT: domain.Float64Ptr(24.1)},
		},
		models: map[int][]*domain.CalibrationModel{
			12: {{Version: "20260506-070809", TrainedAt: created, HorizonWeeks: 12, NTrain: 11,
				Metrics: map[string]float64{domain.MetricAlpha: 10}}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteWorkbook(context.Background(), src, &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetCases, SheetFollowups, SheetModels}, f.GetSheetList())
	assert.Equal(t, SheetCases, f.GetSheetName(f.GetActiveSheetIndex()))

	rows, err := f.GetRows(SheetCases)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, CasesHeader, rows[0])
	assert.Equal(t, "case-01", rows[1][0])
	assert.Equal(t, "2026-05-06 07:08:09", rows[1][1])
	assert.Equal(t, "P-1", rows[1][2])
	assert.Equal(t, "10.54", rows[1][13])
	assert.Equal(t, domain.RuleModelTag, rows[1][17])

	rows, err = f.GetRows(SheetFollowups)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "12", rows[1][1])
	assert.Equal(t, "24.1", rows[1][7])

	rows, err = f.GetRows(SheetModels)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "20260506-070809", rows[1][1])
	assert.Equal(t, "11", rows[1][3])
}

func TestWriteWorkbook_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteWorkbook(context.Background(), &fakeSource{}, &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetFollowups)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, FollowupsHeader, rows[0])
}
