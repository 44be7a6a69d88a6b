package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
	"github.com/dmiyatamd-byte/height-riona-app/internal/service"
)

// BaselineColumns is the header of the baseline import sheet.
var BaselineColumns = []string{
	"external_id", "note", "hb0", "fe0", "ferritin0", "tibc0", "tsat0",
	"dose_mg_day", "adherence", "bleed", "inflam",
}

// FollowupColumns is the header of the follow-up import sheet. identifier
// is a case id or an external id.
var FollowupColumns = []string{
	"identifier", "horizon_weeks", "hb", "fe", "ferritin", "tibc", "tsat",
}

// BaselineTemplateCSV returns an empty baseline sheet.
func BaselineTemplateCSV() string {
	return strings.Join(BaselineColumns, ",") + "\n"
}

// FollowupTemplateCSV returns an empty follow-up sheet.
func FollowupTemplateCSV() string {
	return strings.Join(FollowupColumns, ",") + "\n"
}

// Importer is the write side of the case service used by bulk imports.
type Importer interface {
	RegisterCase(ctx context.Context, in service.RegisterCaseInput) (*domain.Predictions, error)
	AddFollowup(ctx context.Context, in service.AddFollowupInput) (*domain.FollowupResult, error)
	ResolveCaseID(ctx context.Context, identifier string) (string, error)
}

// RowError describes a rejected data row. Line is 1-based and counts the
// header.
type RowError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// ImportReport summarizes a bulk import. Rows fail independently.
type ImportReport struct {
	Total       int                         `json:"total"`
	Imported    int                         `json:"imported"`
	CaseIDs     []string                    `json:"case_ids,omitempty"`
	Errors      []RowError                  `json:"errors"`
	Calibration map[int]*domain.TrainResult `json:"calibration,omitempty"`
}

func (r *ImportReport) fail(line int, err error) {
	r.Errors = append(r.Errors, RowError{Line: line, Message: err.Error()})
}

// ReadRows parses a CSV or XLSX document, chosen by the file extension of
// name. XLSX input is read from its first sheet.
func ReadRows(name string, r io.Reader) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return readXLSX(r)
	default:
		return readCSV(r)
	}
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\uFEFF")
	}
	return rows, nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read workbook: %w", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Excel file: %w", err)
	}
	defer f.Close()

	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		return nil, fmt.Errorf("Excel file has no sheets")
	}
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return rows, nil
}

// sheet gives named access to the cells of a parsed document.
type sheet struct {
	index map[string]int
	rows  [][]string
}

func newSheet(rows [][]string, required ...string) (*sheet, error) {
	if len(rows) == 0 {
		return nil, domain.NewValidationError("header", "the sheet is empty", nil)
	}
	index := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range required {
		if _, ok := index[col]; !ok {
			return nil, domain.NewValidationError("header", "missing column "+col, col)
		}
	}
	return &sheet{index: index, rows: rows[1:]}, nil
}

func (s *sheet) cell(row []string, col string) string {
	i, ok := s.index[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (s *sheet) float(row []string, col string, def float64) (float64, error) {
	v := s.cell(row, col)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, domain.NewValidationError(col, "not a number", v)
	}
	return f, nil
}

func (s *sheet) optionalFloat(row []string, col string) (*float64, error) {
	if s.cell(row, col) == "" {
		return nil, nil
	}
	f, err := s.float(row, col, 0)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *sheet) int(row []string, col string, def int) (int, error) {
	v := s.cell(row, col)
	if v == "" {
		return def, nil
	}
	// Spreadsheets often hand integers over as "500.0".
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, domain.NewValidationError(col, "not a number", v)
	}
	return int(f), nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func (s *sheet) labs(row []string, prefix string, suffix string) (domain.Labs, error) {
	var labs domain.Labs
	var err error
	if labs.Hb, err = s.float(row, prefix+"hb"+suffix, 0); err != nil {
		return labs, err
	}
	if labs.Fe, err = s.float(row, prefix+"fe"+suffix, 0); err != nil {
		return labs, err
	}
	if labs.Ferritin, err = s.float(row, prefix+"ferritin"+suffix, 0); err != nil {
		return labs, err
	}
	if labs.TIBC, err = s.float(row, prefix+"tibc"+suffix, 0); err != nil {
		return labs, err
	}
	labs.TSAT, err = s.optionalFloat(row, prefix+"tsat"+suffix)
	return labs, err
}

// ImportBaselines registers one case per data row.
func ImportBaselines(ctx context.Context, imp Importer, rows [][]string) (*ImportReport, error) {
	sh, err := newSheet(rows, "hb0", "fe0", "ferritin0", "tibc0")
	if err != nil {
		return nil, err
	}

	report := &ImportReport{Errors: []RowError{}}
	for i, row := range sh.rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if blank(row) {
			continue
		}
		line := i + 2
		report.Total++

		in, err := sh.baselineInput(row)
		if err != nil {
			report.fail(line, err)
			continue
		}
		preds, err := imp.RegisterCase(ctx, in)
		if err != nil {
			report.fail(line, err)
			continue
		}
		report.Imported++
		report.CaseIDs = append(report.CaseIDs, preds.CaseID)
	}
	return report, nil
}

func (s *sheet) baselineInput(row []string) (service.RegisterCaseInput, error) {
	labs, err := s.labs(row, "", "0")
	if err != nil {
		return service.RegisterCaseInput{}, err
	}

	tc := domain.DefaultTreatmentContext()
	if tc.DoseMgDay, err = s.int(row, "dose_mg_day", domain.DefaultDoseMgDay); err != nil {
		return service.RegisterCaseInput{}, err
	}
	if tc.Adherence, err = s.float(row, "adherence", domain.DefaultAdherence); err != nil {
		return service.RegisterCaseInput{}, err
	}
	if tc.Bleed, err = s.float(row, "bleed", 0); err != nil {
		return service.RegisterCaseInput{}, err
	}
	if tc.Inflam, err = s.float(row, "inflam", 0); err != nil {
		return service.RegisterCaseInput{}, err
	}

	return service.RegisterCaseInput{
		Labs:       labs,
		Context:    &tc,
		Note:       s.cell(row, "note"),
		ExternalID: s.cell(row, "external_id"),
	}, nil
}

// ImportFollowups records one follow-up per data row. The identifier column
// is resolved like ResolveCaseID. The report keeps the last automatic
// calibration result per horizon.
func ImportFollowups(ctx context.Context, imp Importer, rows [][]string) (*ImportReport, error) {
	sh, err := newSheet(rows, "identifier", "horizon_weeks", "hb", "fe", "ferritin", "tibc")
	if err != nil {
		return nil, err
	}

	report := &ImportReport{Errors: []RowError{}, Calibration: map[int]*domain.TrainResult{}}
	for i, row := range sh.rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if blank(row) {
			continue
		}
		line := i + 2
		report.Total++

		identifier := sh.cell(row, "identifier")
		caseID, err := imp.ResolveCaseID(ctx, identifier)
		if err != nil {
			report.fail(line, err)
			continue
		}
		if caseID == "" {
			report.fail(line, fmt.Errorf("case %q: %w", identifier, domain.ErrNotFound))
			continue
		}

		h, err := sh.int(row, "horizon_weeks", 0)
		if err != nil {
			report.fail(line, err)
			continue
		}
		labs, err := sh.labs(row, "", "")
		if err != nil {
			report.fail(line, err)
			continue
		}

		res, err := imp.AddFollowup(ctx, service.AddFollowupInput{CaseID: caseID, HorizonWeeks: h, Labs: labs})
		if err != nil {
			report.fail(line, err)
			continue
		}
		report.Imported++
		report.CaseIDs = append(report.CaseIDs, caseID)
		report.Calibration[h] = res.AutoCalibration
	}
	return report, nil
}
