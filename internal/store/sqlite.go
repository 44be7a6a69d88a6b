package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
)

// SQLiteStore implements CaseStore and ModelStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps per-connection
	// pragmas in effect.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cases (
		case_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		hb0 REAL NOT NULL,
		fe0 REAL NOT NULL,
		ferritin0 REAL NOT NULL,
		tibc0 REAL NOT NULL,
		tsat0 REAL,
		dose_mg_day INTEGER NOT NULL,
		adherence REAL NOT NULL,
		bleed REAL NOT NULL,
		inflam REAL NOT NULL,
		pred_12w TEXT NOT NULL,
		pred_24w TEXT NOT NULL,
		model_12w TEXT NOT NULL,
		model_24w TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_cases_external_id ON cases(external_id) WHERE external_id <> '';
	CREATE INDEX IF NOT EXISTS idx_cases_created_at ON cases(created_at);

	CREATE TABLE IF NOT EXISTS followups (
		case_id TEXT NOT NULL REFERENCES cases(case_id) ON DELETE CASCADE,
		horizon_weeks INTEGER NOT NULL,
		followup_at INTEGER NOT NULL,
		hb REAL NOT NULL,
		fe REAL NOT NULL,
		ferritin REAL NOT NULL,
		tibc REAL NOT NULL,
		tsat REAL,
		PRIMARY KEY (case_id, horizon_weeks)
	);

	CREATE TABLE IF NOT EXISTS calibration_models (
		horizon_weeks INTEGER PRIMARY KEY,
		version TEXT NOT NULL,
		trained_at INTEGER NOT NULL,
		n_train INTEGER NOT NULL,
		model_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS model_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		horizon_weeks INTEGER NOT NULL,
		version TEXT NOT NULL,
		trained_at INTEGER NOT NULL,
		n_train INTEGER NOT NULL,
		metrics_json TEXT NOT NULL,
		model_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_model_versions_horizon ON model_versions(horizon_weeks, id);
	`

	_, err := db.Exec(schema)
	return err
}

const caseColumns = `case_id, created_at, note, external_id,
	hb0, fe0, ferritin0, tibc0, tsat0,
	dose_mg_day, adherence, bleed, inflam,
	pred_12w, pred_24w, model_12w, model_24w`

// scanCase scans a row into a Case struct.
func scanCase(s scanner) (*domain.Case, error) {
	c := &domain.Case{}
	var createdAt int64
	var tsat0 sql.NullFloat64
	var pred12, pred24 string

	err := s.Scan(
		&c.ID, &createdAt, &c.Note, &c.ExternalID,
		&c.Baseline.Hb, &c.Baseline.Fe, &c.Baseline.Ferritin, &c.Baseline.TIBC, &tsat0,
		&c.Context.DoseMgDay, &c.Context.Adherence, &c.Context.Bleed, &c.Context.Inflam,
		&pred12, &pred24, &c.Model12, &c.Model24,
	)
	if err != nil {
		return nil, err
	}

	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.Baseline.TSAT = floatPtr(tsat0)
	if c.Pred12, err = decodeForecast([]byte(pred12)); err != nil {
		return nil, err
	}
	if c.Pred24, err = decodeForecast([]byte(pred24)); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateCase inserts a new case.
func (s *SQLiteStore) CreateCase(ctx context.Context, c *domain.Case) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	pred12, err := encodeForecast(c.Pred12)
	if err != nil {
		return err
	}
	pred24, err := encodeForecast(c.Pred24)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cases (`+caseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.CreatedAt.Unix(), c.Note, c.ExternalID,
		c.Baseline.Hb, c.Baseline.Fe, c.Baseline.Ferritin, c.Baseline.TIBC, nullFloat(c.Baseline.TSAT),
		c.Context.DoseMgDay, c.Context.Adherence, c.Context.Bleed, c.Context.Inflam,
		pred12, pred24, c.Model12, c.Model24,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("case %s: %w", c.ID, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert case: %w", err)
	}
	return nil
}

// GetCase retrieves a case by id.
func (s *SQLiteStore) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_id = ?`, caseID)

	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("case %s: %w", caseID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan case: %w", err)
	}
	return c, nil
}

// UpdateCase overwrites the context and predictions of a case. Note and
// external id are written only when set.
func (s *SQLiteStore) UpdateCase(ctx context.Context, u *domain.CaseUpdate) error {
	pred12, err := encodeForecast(u.Pred12)
	if err != nil {
		return err
	}
	pred24, err := encodeForecast(u.Pred24)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE cases SET
			note = COALESCE(?, note),
			external_id = COALESCE(?, external_id),
			dose_mg_day = ?,
			adherence = ?,
			bleed = ?,
			inflam = ?,
			pred_12w = ?,
			pred_24w = ?,
			model_12w = ?,
			model_24w = ?
		WHERE case_id = ?
	`,
		u.Note, u.ExternalID,
		u.Context.DoseMgDay, u.Context.Adherence, u.Context.Bleed, u.Context.Inflam,
		pred12, pred24, u.Model12, u.Model24,
		u.CaseID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("external id %q: %w", derefString(u.ExternalID), domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to update case: %w", err)
	}
	return requireAffected(result, u.CaseID)
}

// SetExternalID replaces the alias of a case.
func (s *SQLiteStore) SetExternalID(ctx context.Context, caseID, externalID string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE cases SET external_id = ? WHERE case_id = ?", externalID, caseID)
	if isUniqueViolation(err) {
		return fmt.Errorf("external id %q: %w", externalID, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to set external id: %w", err)
	}
	return requireAffected(result, caseID)
}

func requireAffected(result sql.Result, caseID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("case %s: %w", caseID, domain.ErrNotFound)
	}
	return nil
}

// DeleteCase removes a case and its follow-ups in one transaction.
func (s *SQLiteStore) DeleteCase(ctx context.Context, caseID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM followups WHERE case_id = ?", caseID); err != nil {
		return false, fmt.Errorf("failed to delete followups: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM cases WHERE case_id = ?", caseID)
	if err != nil {
		return false, fmt.Errorf("failed to delete case: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return n > 0, nil
}

// CaseExists reports whether the exact case id exists.
func (s *SQLiteStore) CaseExists(ctx context.Context, caseID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM cases WHERE case_id = ? LIMIT 1", caseID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check case: %w", err)
	}
	return true, nil
}

// FindCaseIDByExternalID returns the case id for the alias, or "".
func (s *SQLiteStore) FindCaseIDByExternalID(ctx context.Context, externalID string) (string, error) {
	if externalID == "" {
		return "", nil
	}
	var caseID string
	err := s.db.QueryRowContext(ctx,
		"SELECT case_id FROM cases WHERE external_id = ? ORDER BY created_at DESC LIMIT 1", externalID,
	).Scan(&caseID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find case by external id: %w", err)
	}
	return caseID, nil
}

// ListCases returns cases with pagination, newest first.
func (s *SQLiteStore) ListCases(ctx context.Context, limit, offset int) ([]*domain.CaseSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT case_id, created_at, note, external_id
		FROM cases
		ORDER BY created_at DESC, case_id
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*domain.CaseSummary
	for rows.Next() {
		cs := &domain.CaseSummary{}
		var createdAt int64
		if err := rows.Scan(&cs.ID, &createdAt, &cs.Note, &cs.ExternalID); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		cs.CreatedAt = time.Unix(createdAt, 0).UTC()
		result = append(result, cs)
	}
	return result, rows.Err()
}

// SaveFollowup inserts or replaces the follow-up of (case, horizon).
func (s *SQLiteStore) SaveFollowup(ctx context.Context, f *domain.Followup) error {
	if f.FollowupAt.IsZero() {
		f.FollowupAt = time.Now().UTC().Truncate(time.Second)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO followups (case_id, horizon_weeks, followup_at, hb, fe, ferritin, tibc, tsat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (case_id, horizon_weeks) DO UPDATE SET
			followup_at = excluded.followup_at,
			hb = excluded.hb,
			fe = excluded.fe,
			ferritin = excluded.ferritin,
			tibc = excluded.tibc,
			tsat = excluded.tsat
	`,
		f.CaseID, f.HorizonWeeks, f.FollowupAt.Unix(),
		f.Hb, f.Fe, f.Ferritin, f.TIBC, nullFloat(f.TSAT),
	)
	if err != nil {
		return fmt.Errorf("failed to save followup: %w", err)
	}
	return nil
}

func scanFollowup(s scanner) (*domain.Followup, error) {
	f := &domain.Followup{}
	var at int64
	var tsat sql.NullFloat64
	if err := s.Scan(&f.CaseID, &f.HorizonWeeks, &at, &f.Hb, &f.Fe, &f.Ferritin, &f.TIBC, &tsat); err != nil {
		return nil, err
	}
	f.FollowupAt = time.Unix(at, 0).UTC()
	f.TSAT = floatPtr(tsat)
	return f, nil
}

// GetFollowup returns the follow-up or (nil, nil).
func (s *SQLiteStore) GetFollowup(ctx context.Context, caseID string, horizonWeeks int) (*domain.Followup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT case_id, horizon_weeks, followup_at, hb, fe, ferritin, tibc, tsat
		FROM followups
		WHERE case_id = ? AND horizon_weeks = ?
	`, caseID, horizonWeeks)

	f, err := scanFollowup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan followup: %w", err)
	}
	return f, nil
}

// ListFollowups returns all follow-ups ordered by case and horizon.
func (s *SQLiteStore) ListFollowups(ctx context.Context) ([]*domain.Followup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT case_id, horizon_weeks, followup_at, hb, fe, ferritin, tibc, tsat
		FROM followups
		ORDER BY case_id, horizon_weeks
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query followups: %w", err)
	}
	defer rows.Close()

	var result []*domain.Followup
	for rows.Next() {
		f, err := scanFollowup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

// TrainingRows joins cases with their follow-ups at the horizon.
func (s *SQLiteStore) TrainingRows(ctx context.Context, horizonWeeks int) ([]*domain.TrainingRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.case_id,
			c.hb0, c.fe0, c.ferritin0, c.tibc0, c.tsat0,
			c.dose_mg_day, c.adherence, c.bleed, c.inflam,
			f.followup_at, f.hb, f.fe, f.ferritin, f.tibc, f.tsat
		FROM cases c
		JOIN followups f ON f.case_id = c.case_id
		WHERE f.horizon_weeks = ?
		ORDER BY f.followup_at, c.case_id
	`, horizonWeeks)
	if err != nil {
		return nil, fmt.Errorf("failed to query training rows: %w", err)
	}
	defer rows.Close()

	var result []*domain.TrainingRow
	for rows.Next() {
		r := &domain.TrainingRow{}
		var tsat0, tsat sql.NullFloat64
		var at int64
		err := rows.Scan(
			&r.CaseID,
			&r.Baseline.Hb, &r.Baseline.Fe, &r.Baseline.Ferritin, &r.Baseline.TIBC, &tsat0,
			&r.Context.DoseMgDay, &r.Context.Adherence, &r.Context.Bleed, &r.Context.Inflam,
			&at, &r.Actual.Hb, &r.Actual.Fe, &r.Actual.Ferritin, &r.Actual.TIBC, &tsat,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan training row: %w", err)
		}
		r.Baseline.TSAT = floatPtr(tsat0)
		r.Actual.CaseID = r.CaseID
		r.Actual.HorizonWeeks = horizonWeeks
		r.Actual.FollowupAt = time.Unix(at, 0).UTC()
		r.Actual.TSAT = floatPtr(tsat)
		result = append(result, r)
	}
	return result, rows.Err()
}

// Counts returns case and follow-up totals.
func (s *SQLiteStore) Counts(ctx context.Context) (*domain.Counts, error) {
	c := &domain.Counts{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM cases),
			(SELECT COUNT(*) FROM followups WHERE horizon_weeks = 12),
			(SELECT COUNT(*) FROM followups WHERE horizon_weeks = 24)
	`).Scan(&c.Cases, &c.Followups12, &c.Followups24)
	if err != nil {
		return nil, fmt.Errorf("failed to count: %w", err)
	}
	return c, nil
}

// CurrentModel returns the current model of the horizon or (nil, nil).
func (s *SQLiteStore) CurrentModel(ctx context.Context, horizonWeeks int) (*domain.CalibrationModel, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT model_json FROM calibration_models WHERE horizon_weeks = ?", horizonWeeks,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	return decodeModel([]byte(data))
}

// SaveModel replaces the current model and appends it to the history in
// one transaction.
func (s *SQLiteStore) SaveModel(ctx context.Context, m *domain.CalibrationModel) error {
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
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (horizon_weeks) DO UPDATE SET
			version = excluded.version,
			trained_at = excluded.trained_at,
			n_train = excluded.n_train,
			model_json = excluded.model_json
	`, m.HorizonWeeks, m.Version, m.TrainedAt.Unix(), m.NTrain, modelJSON)
	if err != nil {
		return fmt.Errorf("failed to save current model: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO model_versions (horizon_weeks, version, trained_at, n_train, metrics_json, model_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.HorizonWeeks, m.Version, m.TrainedAt.Unix(), m.NTrain, metricsJSON, modelJSON)
	if err != nil {
		return fmt.Errorf("failed to append model history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ModelHistory returns past models of a horizon, newest first.
func (s *SQLiteStore) ModelHistory(ctx context.Context, horizonWeeks int, limit int) ([]*domain.CalibrationModel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_json FROM model_versions
		WHERE horizon_weeks = ?
		ORDER BY id DESC
		LIMIT ?
	`, horizonWeeks, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query model history: %w", err)
	}
	defer rows.Close()

	var result []*domain.CalibrationModel
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		m, err := decodeModel([]byte(data))
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database file is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
