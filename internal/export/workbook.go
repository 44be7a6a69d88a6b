// Package export writes the case database to an Excel workbook and reads
// bulk baseline and follow-up sheets (CSV or XLSX).
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
)

// Sheet names of the exported workbook.
const (
	SheetCases     = "Cases"
	SheetFollowups = "Followups"
	SheetModels    = "Models"
)

const timeLayout = "2006-01-02 15:04:05"

// CasesHeader is the header row of the Cases sheet.
var CasesHeader = []string{
	"case_id", "created_at", "external_id", "note",
	"hb0", "fe0", "ferritin0", "tibc0", "tsat0",
	"dose_mg_day", "adherence", "bleed", "inflam",
	"pred_hb_12w", "pred_fe_12w", "pred_ferritin_12w", "pred_tsat_12w", "model_12w",
	"pred_hb_24w", "pred_fe_24w", "pred_ferritin_24w", "pred_tsat_24w", "model_24w",
}

// FollowupsHeader is the header row of the Followups sheet.
var FollowupsHeader = []string{
	"case_id", "horizon_weeks", "followup_at", "hb", "fe", "ferritin", "tibc", "tsat",
}

// ModelsHeader is the header row of the Models sheet.
var ModelsHeader = []string{
	"horizon_weeks", "version", "trained_at", "n_train",
	"mae_hb_residual", "mae_tsat_residual", "mae_ferritin_residual", "alpha",
	"hb_bias", "tsat_bias", "ferritin_bias",
}

// Source is the read side of the case service used by the exporter.
type Source interface {
	ListCases(ctx context.Context, limit int) ([]*domain.CaseSummary, error)
	GetCase(ctx context.Context, caseID string) (*domain.Case, error)
	ListFollowups(ctx context.Context) ([]*domain.Followup, error)
	ModelHistory(ctx context.Context, horizonWeeks int, limit int) ([]*domain.CalibrationModel, error)
}

// Row caps of the exported sheets.
const (
	maxExportCases  = 100000
	maxExportModels = 1000
)

// WriteWorkbook renders cases, follow-ups and the model history into an
// .xlsx document.
func WriteWorkbook(ctx context.Context, src Source, w io.Writer) error {
	summaries, err := src.ListCases(ctx, maxExportCases)
	if err != nil {
		return fmt.Errorf("failed to list cases: %w", err)
	}
	cases := make([][]interface{}, 0, len(summaries))
	for _, s := range summaries {
		c, err := src.GetCase(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("failed to load case %s: %w", s.ID, err)
		}
		cases = append(cases, caseRow(c))
	}

	followups, err := src.ListFollowups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list followups: %w", err)
	}
	fRows := make([][]interface{}, 0, len(followups))
	for _, fu := range followups {
		fRows = append(fRows, followupRow(fu))
	}

	var mRows [][]interface{}
	for _, h := range domain.Horizons {
		history, err := src.ModelHistory(ctx, h, maxExportModels)
		if err != nil {
			return fmt.Errorf("failed to list models for %dw: %w", h, err)
		}
		for _, m := range history {
			mRows = append(mRows, modelRow(m))
		}
	}

	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := newHeaderStyle(f)
	if err != nil {
		return err
	}

	sheets := []struct {
		name   string
		header []string
		rows   [][]interface{}
	}{
		{SheetCases, CasesHeader, cases},
		{SheetFollowups, FollowupsHeader, fRows},
		{SheetModels, ModelsHeader, mRows},
	}
	for _, s := range sheets {
		if _, err := f.NewSheet(s.name); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", s.name, err)
		}
		if err := writeSheet(f, s.name, s.header, s.rows, headerStyle); err != nil {
			return err
		}
	}

	// Remove the default sheet
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("failed to delete default sheet: %w", err)
	}
	index, err := f.GetSheetIndex(SheetCases)
	if err != nil {
		return fmt.Errorf("failed to find sheet %s: %w", SheetCases, err)
	}
	f.SetActiveSheet(index)

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	_, err = io.Copy(w, &buf)
	return err
}

func newHeaderStyle(f *excelize.File) (int, error) {
	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold: true,
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#FDE9E7"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create header style: %w", err)
	}
	return style, nil
}

func writeSheet(f *excelize.File, sheet string, header []string, rows [][]interface{}, headerStyle int) error {
	for col, name := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, name); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}

		colName, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		width := float64(len(name) + 4)
		if strings.HasSuffix(name, "_id") || strings.HasSuffix(name, "_at") {
			width = 38
		}
		if err := f.SetColWidth(sheet, colName, colName, width); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for r, values := range rows {
		for c, v := range values {
			if v == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("failed to set cell %s!%s: %w", sheet, cell, err)
			}
		}
	}
	return nil
}

func optional(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func caseRow(c *domain.Case) []interface{} {
	return []interface{}{
		c.ID, c.CreatedAt.UTC().Format(timeLayout), c.ExternalID, c.Note,
		c.Baseline.Hb, c.Baseline.Fe, c.Baseline.Ferritin, c.Baseline.TIBC, optional(c.Baseline.TSAT),
		c.Context.DoseMgDay, c.Context.Adherence, c.Context.Bleed, c.Context.Inflam,
		c.Pred12.Hb, c.Pred12.Fe, c.Pred12.Ferritin, c.Pred12.TSAT, c.Model12,
		c.Pred24.Hb, c.Pred24.Fe, c.Pred24.Ferritin, c.Pred24.TSAT, c.Model24,
	}
}

func followupRow(f *domain.Followup) []interface{} {
	return []interface{}{
		f.CaseID, f.HorizonWeeks, f.FollowupAt.UTC().Format(timeLayout),
		f.Hb, f.Fe, f.Ferritin, f.TIBC, optional(f.TSAT),
	}
}

func modelRow(m *domain.CalibrationModel) []interface{} {
	return []interface{}{
		m.HorizonWeeks, m.Version, m.TrainedAt.UTC().Format(timeLayout), m.NTrain,
		m.Metrics[domain.MetricMAEHb], m.Metrics[domain.MetricMAETSAT], m.Metrics[domain.MetricMAEFerritin], m.Metrics[domain.MetricAlpha],
		m.Adjustments.Hb.Bias, m.Adjustments.TSAT.Bias, m.Adjustments.Ferritin.Bias,
	}
}
