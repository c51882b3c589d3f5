// Package schema versions the relational store's DDL. The event payloads
// themselves never migrate: they are content-addressed and immutable, so
// evolution happens at the table level only.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Migration moves the schema up one version. Up runs inside a transaction
// together with the version bump, so a failed migration leaves the schema
// untouched.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
}

// Migrator applies registered migrations in version order, tracking the
// current version in SQLite's user_version pragma.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	logger     *zap.Logger
}

// NewMigrator creates a migrator for the given database
func NewMigrator(db *sql.DB, logger *zap.Logger) *Migrator {
	return &Migrator{db: db, logger: logger}
}

// Register adds a migration. Versions must be unique and positive.
func (m *Migrator) Register(migration Migration) error {
	if migration.Version < 1 {
		return fmt.Errorf("schema: migration version %d must be positive", migration.Version)
	}
	if migration.Up == nil {
		return fmt.Errorf("schema: migration %d has no up function", migration.Version)
	}
	for _, existing := range m.migrations {
		if existing.Version == migration.Version {
			return fmt.Errorf("schema: migration %d already registered", migration.Version)
		}
	}
	m.migrations = append(m.migrations, migration)
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
	return nil
}

// Version returns the schema version currently applied to the database
func (m *Migrator) Version(ctx context.Context) (int, error) {
	var version int
	if err := m.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("schema: read user_version: %w", err)
	}
	return version, nil
}

// Migrate applies every registered migration above the current version.
// Registered versions must be contiguous from 1; a gap means a deploy is
// missing a migration and aborts before anything runs.
func (m *Migrator) Migrate(ctx context.Context) error {
	for i, migration := range m.migrations {
		if migration.Version != i+1 {
			return fmt.Errorf("schema: migrations not contiguous, expected version %d got %d", i+1, migration.Version)
		}
	}

	current, err := m.Version(ctx)
	if err != nil {
		return err
	}

	for _, migration := range m.migrations {
		if migration.Version <= current {
			continue
		}
		start := time.Now()
		if err := m.apply(ctx, migration); err != nil {
			return fmt.Errorf("schema: migration %d (%s): %w", migration.Version, migration.Description, err)
		}
		m.logger.Info("Schema migration applied",
			zap.Int("version", migration.Version),
			zap.String("description", migration.Description),
			zap.Duration("took", time.Since(start)),
		)
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return err
	}
	// PRAGMA does not accept bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); err != nil {
		return err
	}
	return tx.Commit()
}
