package domain

import (
	"context"
)

// CaseStore persists cases and their follow-up measurements.
type CaseStore interface {
	// CreateCase inserts a new case. The ID must already be assigned.
	CreateCase(ctx context.Context, c *Case) error

	// GetCase returns the case or an error wrapping ErrNotFound.
	GetCase(ctx context.Context, caseID string) (*Case, error)

	// UpdateCase overwrites context and predictions, and note and external
	// id only when set in u.
	UpdateCase(ctx context.Context, u *CaseUpdate) error

	// SetExternalID replaces the alias of a case.
	SetExternalID(ctx context.Context, caseID, externalID string) error

	// DeleteCase removes the case and its follow-ups. It reports whether the
	// case existed.
	DeleteCase(ctx context.Context, caseID string) (bool, error)

	// CaseExists reports whether a case with the exact id exists.
	CaseExists(ctx context.Context, caseID string) (bool, error)

	// FindCaseIDByExternalID returns the id of the case carrying the alias,
	// or "" when there is none.
	FindCaseIDByExternalID(ctx context.Context, externalID string) (string, error)

	// ListCases returns cases, newest first.
	ListCases(ctx context.Context, limit, offset int) ([]*CaseSummary, error)

	// SaveFollowup inserts or replaces the follow-up for (case, horizon).
	SaveFollowup(ctx context.Context, f *Followup) error

	// GetFollowup returns the follow-up or (nil, nil) when absent.
	GetFollowup(ctx context.Context, caseID string, horizonWeeks int) (*Followup, error)

	// ListFollowups returns every follow-up, ordered by case and horizon.
	ListFollowups(ctx context.Context) ([]*Followup, error)

	// TrainingRows joins cases with their follow-ups at the horizon.
	TrainingRows(ctx context.Context, horizonWeeks int) ([]*TrainingRow, error)

	// Counts returns case and per-horizon follow-up totals.
	Counts(ctx context.Context) (*Counts, error)

	// Close releases resources.
	Close() error
}

// ModelStore persists calibration models: one current model per horizon
// plus an append-only history.
type ModelStore interface {
	// CurrentModel returns the current model or (nil, nil) when none exists.
	CurrentModel(ctx context.Context, horizonWeeks int) (*CalibrationModel, error)

	// SaveModel atomically replaces the current model of its horizon and
	// appends it to the history.
	SaveModel(ctx context.Context, m *CalibrationModel) error

	// ModelHistory returns past models of a horizon, newest first.
	ModelHistory(ctx context.Context, horizonWeeks int, limit int) ([]*CalibrationModel, error)

	// Close releases resources.
	Close() error
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	GetStorageConfig() *StorageConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetDatabaseURL() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
