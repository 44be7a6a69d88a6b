package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
)

const pgUniqueViolation = "23505"

// PostgresCaseStore handles case and follow-up persistence on PostgreSQL.
// The schema is created by the migrations.
type PostgresCaseStore struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPostgresCaseStore creates a new case store on the pool
func NewPostgresCaseStore(db *pgxpool.Pool, logger *logrus.Logger) *PostgresCaseStore {
	return &PostgresCaseStore{
		db:  db,
		log: logger,
	}
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// CreateCase inserts a new case
func (r *PostgresCaseStore) CreateCase(ctx context.Context, c *domain.Case) error {
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

	query := `
		INSERT INTO cases (` + caseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err = r.db.Exec(ctx, query,
		c.ID, c.CreatedAt, c.Note, c.ExternalID,
		c.Baseline.Hb, c.Baseline.Fe, c.Baseline.Ferritin, c.Baseline.TIBC, c.Baseline.TSAT,
		c.Context.DoseMgDay, c.Context.Adherence, c.Context.Bleed, c.Context.Inflam,
		[]byte(pred12), []byte(pred24), c.Model12, c.Model24,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("case %s: %w", c.ID, domain.ErrConflict)
		}
		r.log.WithFields(logrus.Fields{
			"case_id": c.ID,
			"error":   err,
		}).Error("Failed to create case")
		return fmt.Errorf("creating case: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"case_id":     c.ID,
		"external_id": c.ExternalID,
	}).Info("Case created successfully")

	return nil
}

// GetCase retrieves a case by its id
func (r *PostgresCaseStore) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE case_id = $1`

	var c domain.Case
	var pred12, pred24 []byte

	err := r.db.QueryRow(ctx, query, caseID).Scan(
		&c.ID, &c.CreatedAt, &c.Note, &c.ExternalID,
		&c.Baseline.Hb, &c.Baseline.Fe, &c.Baseline.Ferritin, &c.Baseline.TIBC, &c.Baseline.TSAT,
		&c.Context.DoseMgDay, &c.Context.Adherence, &c.Context.Bleed, &c.Context.Inflam,
		&pred12, &pred24, &c.Model12, &c.Model24,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("case %s: %w", caseID, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"case_id": caseID,
			"error":   err,
		}).Error("Failed to get case")
		return nil, fmt.Errorf("getting case: %w", err)
	}

	c.CreatedAt = c.CreatedAt.UTC()
	if c.Pred12, err = decodeForecast(pred12); err != nil {
		return nil, err
	}
	if c.Pred24, err = decodeForecast(pred24); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCase overwrites context and predictions; note and external id only
// when set
func (r *PostgresCaseStore) UpdateCase(ctx context.Context, u *domain.CaseUpdate) error {
	pred12, err := encodeForecast(u.Pred12)
	if err != nil {
		return err
	}
	pred24, err := encodeForecast(u.Pred24)
	if err != nil {
		return err
	}

	query := `
		UPDATE cases SET
			note = COALESCE($2, note), external_id = COALESCE($3, external_id),
			dose_mg_day = $4, adherence = $5, bleed = $6, inflam = $7,
			pred_12w = $8, pred_24w = $9, model_12w = $10, model_24w = $11
		WHERE case_id = $1`

	result, err := r.db.Exec(ctx, query,
		u.CaseID, u.Note, u.ExternalID,
		u.Context.DoseMgDay, u.Context.Adherence, u.Context.Bleed, u.Context.Inflam,
		[]byte(pred12), []byte(pred24), u.Model12, u.Model24,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("external id %q: %w", derefString(u.ExternalID), domain.ErrConflict)
		}
		r.log.WithFields(logrus.Fields{
			"case_id": u.CaseID,
			"error":   err,
		}).Error("Failed to update case")
		return fmt.Errorf("updating case: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("case %s: %w", u.CaseID, domain.ErrNotFound)
	}

	r.log.WithFields(logrus.Fields{
		"case_id":   u.CaseID,
		"model_12w": u.Model12,
		"model_24w": u.Model24,
	}).Info("Case updated successfully")

	return nil
}

// SetExternalID replaces the alias of a case
func (r *PostgresCaseStore) SetExternalID(ctx context.Context, caseID, externalID string) error {
	result, err := r.db.Exec(ctx, `UPDATE cases SET external_id = $2 WHERE case_id = $1`, caseID, externalID)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("external id %q: %w", externalID, domain.ErrConflict)
		}
		return fmt.Errorf("setting external id: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("case %s: %w", caseID, domain.ErrNotFound)
	}
	return nil
}

// DeleteCase removes a case; follow-ups go with it
func (r *PostgresCaseStore) DeleteCase(ctx context.Context, caseID string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM followups WHERE case_id = $1`, caseID); err != nil {
		return false, fmt.Errorf("deleting followups: %w", err)
	}
	result, err := tx.Exec(ctx, `DELETE FROM cases WHERE case_id = $1`, caseID)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"case_id": caseID,
			"error":   err,
		}).Error("Failed to delete case")
		return false, fmt.Errorf("deleting case: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing delete: %w", err)
	}

	deleted := result.RowsAffected() > 0
	if deleted {
		r.log.WithField("case_id", caseID).Info("Case deleted successfully")
	}
	return deleted, nil
}

// CaseExists reports whether the exact case id exists
func (r *PostgresCaseStore) CaseExists(ctx context.Context, caseID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cases WHERE case_id = $1)`, caseID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking case: %w", err)
	}
	return exists, nil
}

// FindCaseIDByExternalID returns the id of the aliased case, or ""
func (r *PostgresCaseStore) FindCaseIDByExternalID(ctx context.Context, externalID string) (string, error) {
	if externalID == "" {
		return "", nil
	}
	var caseID string
	err := r.db.QueryRow(ctx,
		`SELECT case_id FROM cases WHERE external_id = $1 ORDER BY created_at DESC LIMIT 1`, externalID,
	).Scan(&caseID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("finding case by external id: %w", err)
	}
	return caseID, nil
}

// ListCases returns cases, newest first
func (r *PostgresCaseStore) ListCases(ctx context.Context, limit, offset int) ([]*domain.CaseSummary, error) {
	rows, err := r.db.Query(ctx, `
		SELECT case_id, created_at, note, external_id
		FROM cases
		ORDER BY created_at DESC, case_id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing cases: %w", err)
	}
	defer rows.Close()

	var result []*domain.CaseSummary
	for rows.Next() {
		var cs domain.CaseSummary
		if err := rows.Scan(&cs.ID, &cs.CreatedAt, &cs.Note, &cs.ExternalID); err != nil {
			return nil, fmt.Errorf("scanning case: %w", err)
		}
		cs.CreatedAt = cs.CreatedAt.UTC()
		result = append(result, &cs)
	}
	return result, rows.Err()
}

// SaveFollowup inserts or replaces the follow-up of (case, horizon)
func (r *PostgresCaseStore) SaveFollowup(ctx context.Context, f *domain.Followup) error {
	if f.FollowupAt.IsZero() {
		f.FollowupAt = time.Now().UTC().Truncate(time.Second)
	}

	query := `
		INSERT INTO followups (case_id, horizon_weeks, followup_at, hb, fe, ferritin, tibc, tsat)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (case_id, horizon_weeks) DO UPDATE SET
			followup_at = EXCLUDED.followup_at,
			hb = EXCLUDED.hb,
			fe = EXCLUDED.fe,
			ferritin = EXCLUDED.ferritin,
			tibc = EXCLUDED.tibc,
			tsat = EXCLUDED.tsat`

	_, err := r.db.Exec(ctx, query,
		f.CaseID, f.HorizonWeeks, f.FollowupAt,
		f.Hb, f.Fe, f.Ferritin, f.TIBC, f.TSAT,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"case_id":       f.CaseID,
			"horizon_weeks": f.HorizonWeeks,
			"error":         err,
		}).Error("Failed to save followup")
		return fmt.Errorf("saving followup: %w", err)
	}
	return nil
}

const followupColumns = `case_id, horizon_weeks, followup_at, hb, fe, ferritin, tibc, tsat`

func scanPgFollowup(row pgx.Row) (*domain.Followup, error) {
	var f domain.Followup
	if err := row.Scan(&f.CaseID, &f.HorizonWeeks, &f.FollowupAt, &f.Hb, &f.Fe, &f.Ferritin, &f.TIBC, &f.TSAT); err != nil {
		return nil, err
	}
	f.FollowupAt = f.FollowupAt.UTC()
	return &f, nil
}

// GetFollowup returns the follow-up or (nil, nil)
func (r *PostgresCaseStore) GetFollowup(ctx context.Context, caseID string, horizonWeeks int) (*domain.Followup, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+followupColumns+` FROM followups WHERE case_id = $1 AND horizon_weeks = $2`,
		caseID, horizonWeeks)

	f, err := scanPgFollowup(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("getting followup: %w", err)
	}
	return f, nil
}

// ListFollowups returns every follow-up ordered by case and horizon
func (r *PostgresCaseStore) ListFollowups(ctx context.Context) ([]*domain.Followup, error) {
	rows, err := r.db.Query(ctx, `SELECT `+followupColumns+` FROM followups ORDER BY case_id, horizon_weeks`)
	if err != nil {
		return nil, fmt.Errorf("listing followups: %w", err)
	}
	defer rows.Close()

	var result []*domain.Followup
	for rows.Next() {
		f, err := scanPgFollowup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning followup: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

// TrainingRows joins cases with their follow-ups at the horizon
func (r *PostgresCaseStore) TrainingRows(ctx context.Context, horizonWeeks int) ([]*domain.TrainingRow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.case_id,
			c.hb0, c.fe0, c.ferritin0, c.tibc0, c.tsat0,
			c.dose_mg_day, c.adherence, c.bleed, c.inflam,
			f.followup_at, f.hb, f.fe, f.ferritin, f.tibc, f.tsat
		FROM cases c
		JOIN followups f ON f.case_id = c.case_id
		WHERE f.horizon_weeks = $1
		ORDER BY f.followup_at, c.case_id`, horizonWeeks)
	if err != nil {
		return nil, fmt.Errorf("querying training rows: %w", err)
	}
	defer rows.Close()

	var result []*domain.TrainingRow
	for rows.Next() {
		var tr domain.TrainingRow
		err := rows.Scan(
			&tr.CaseID,
			&tr.Baseline.Hb, &tr.Baseline.Fe, &tr.Baseline.Ferritin, &tr.Baseline.TIBC, &tr.Baseline.TSAT,
			&tr.Context.DoseMgDay, &tr.Context.Adherence, &tr.Context.Bleed, &tr.Context.Inflam,
			&tr.Actual.FollowupAt, &tr.Actual.Hb, &tr.Actual.Fe, &tr.Actual.Ferritin, &tr.Actual.TIBC, &tr.Actual.TSAT,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning training row: %w", err)
		}
		tr.Actual.CaseID = tr.CaseID
		tr.Actual.HorizonWeeks = horizonWeeks
		result = append(result, &tr)
	}
	return result, rows.Err()
}

// Counts returns case and follow-up totals
func (r *PostgresCaseStore) Counts(ctx context.Context) (*domain.Counts, error) {
	var c domain.Counts
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM cases),
			(SELECT COUNT(*) FROM followups WHERE horizon_weeks = 12),
			(SELECT COUNT(*) FROM followups WHERE horizon_weeks = 24)`,
	).Scan(&c.Cases, &c.Followups12, &c.Followups24)
	if err != nil {
		return nil, fmt.Errorf("counting: %w", err)
	}
	return &c, nil
}

// Close is a no-op; the pool is owned by the caller
func (r *PostgresCaseStore) Close() error {
	return nil
}
