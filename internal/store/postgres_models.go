package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
)

// PostgresModelStore implements ModelStore using PostgreSQL.
type PostgresModelStore struct {
	db *sql.DB
}

// NewPostgresModelStore creates a new PostgreSQL model store.
// It expects the schema to already exist (created via migrations).
func NewPostgresModelStore(db *sql.DB) (*PostgresModelStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresModelStore{db: db}, nil
}

// NewPostgresModelStoreFromURL creates a new PostgreSQL model store from a connection URL.
func NewPostgresModelStoreFromURL(databaseURL string) (*PostgresModelStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresModelStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// CurrentModel returns the current model of the horizon or (nil, nil).
func (s *PostgresModelStore) CurrentModel(ctx context.Context, horizonWeeks int) (*domain.CalibrationModel, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT model_json FROM calibration_models WHERE horizon_weeks = $1", horizonWeeks,
	).Scan(&data)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return decodeModel(data)
}

// SaveModel upserts the current model and appends it to the history in
// one transaction.
func (s *PostgresModelStore) SaveModel(ctx context.Context, m *domain.CalibrationModel) error {
	modelJSON, metricsJSON, err := encodeModel(m)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calibration_models (horizon_weeks, version, trained_at, n_train, model_json)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (horizon_weeks) DO UPDATE SET
			version = EXCLUDED.version,
			trained_at = EXCLUDED.trained_at,
			n_train = EXCLUDED.n_train,
			model_json = EXCLUDED.model_json
	`, m.HorizonWeeks, m.Version, m.TrainedAt, m.NTrain, modelJSON)
	if err != nil {
		return fmt.Errorf("failed to save current model: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO model_versions (horizon_weeks, version, trained_at, n_train, metrics_json, model_json)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.HorizonWeeks, m.Version, m.TrainedAt, m.NTrain, metricsJSON, modelJSON)
	if err != nil {
		return fmt.Errorf("failed to append model history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit model: %w", err)
	}
	return nil
}

// ModelHistory returns past models of a horizon, newest first.
func (s *PostgresModelStore) ModelHistory(ctx context.Context, horizonWeeks int, limit int) ([]*domain.CalibrationModel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_json FROM model_versions
		WHERE horizon_weeks = $1
		ORDER BY id DESC
		LIMIT $2
	`, horizonWeeks, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list model history: %w", err)
	}
	defer rows.Close()

	var result []*domain.CalibrationModel
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		m, err := decodeModel(data)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}

	return result, rows.Err()
}

// Close closes the store and releases resources.
func (s *PostgresModelStore) Close() error {
	return s.db.Close()
}
