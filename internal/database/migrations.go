package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

// Migration directions accepted by Apply.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// MigrationRunner applies the case and calibration schema migrations.
type MigrationRunner struct {
	migrate *migrate.Migrate
	log     *logrus.Logger
}

// NewMigrationRunner creates a new migration runner
func NewMigrationRunner(databaseURL, migrationsPath string, logger *logrus.Logger) (*MigrationRunner, error) {
	m, err := migrate.New("file://"+migrationsPath, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating migration instance: %w", err)
	}

	return &MigrationRunner{
		migrate: m,
		log:     logger,
	}, nil
}

// Apply runs the migrations in the given direction.
func (mr *MigrationRunner) Apply(ctx context.Context, direction string) error {
	switch direction {
	case DirectionUp:
		return mr.Up(ctx)
	case DirectionDown:
		return mr.Down(ctx)
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
}

// Up runs all pending migrations
func (mr *MigrationRunner) Up(ctx context.Context) error {
	mr.log.Info("Applying schema migrations")
	return mr.finish("up", mr.migrate.Up())
}

// Down rolls back one migration
func (mr *MigrationRunner) Down(ctx context.Context) error {
	mr.log.Info("Rolling back one schema migration")
	return mr.finish("down", mr.migrate.Steps(-1))
}

func (mr *MigrationRunner) finish(direction string, err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		mr.log.WithField("direction", direction).Info("Schema already current")
		return nil
	}
	if err != nil {
		return fmt.Errorf("running migrations %s: %w", direction, err)
	}

	version, dirty, verr := mr.migrate.Version()
	if verr != nil {
		mr.log.WithError(verr).Warn("Could not read schema version")
		return nil
	}
	mr.log.WithFields(logrus.Fields{
		"direction": direction,
		"version":   version,
		"dirty":     dirty,
	}).Info("Schema migration finished")
	return nil
}

// Version returns the current migration version
func (mr *MigrationRunner) Version() (uint, bool, error) {
	return mr.migrate.Version()
}

// Close closes the migration runner
func (mr *MigrationRunner) Close() error {
	sourceErr, dbErr := mr.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("closing migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration database: %w", dbErr)
	}
	return nil
}
