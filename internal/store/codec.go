// Package store provides persistence for cases, follow-ups and calibration
// models on SQLite, PostgreSQL and Redis.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
)

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func encodeForecast(f domain.Forecast) (string, error) {
	if f.Alerts == nil {
		f.Alerts = []domain.Alert{}
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to encode forecast: %w", err)
	}
	return string(b), nil
}

func decodeForecast(data []byte) (domain.Forecast, error) {
	var f domain.Forecast
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to decode forecast: %w", err)
	}
	return f, nil
}

func encodeModel(m *domain.CalibrationModel) (model string, metrics string, err error) {
	mb, err := json.Marshal(m)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode model: %w", err)
	}
	xb, err := json.Marshal(m.Metrics)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode metrics: %w", err)
	}
	return string(mb), string(xb), nil
}

func decodeModel(data []byte) (*domain.CalibrationModel, error) {
	m := &domain.CalibrationModel{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	return m, nil
}

// nullFloat converts an optional value into a nullable column argument.
func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// isUniqueViolation matches SQLite unique constraint failures.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
