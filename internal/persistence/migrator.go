package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const migrationsTable = "public.cdp_schema_migrations"

// Migrator runs SQL migration files in order.
// File naming: {version}_{name}.up.sql / .down.sql, version all digits.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

// MigrationStatus is one migration file and whether it has been applied
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: migrationsDir, logger: logger.With().Str("migrations_dir", migrationsDir).Logger()}
}

// Up applies all pending up-migrations in version order.
func (m *Migrator) Up(ctx context.Context) error {
	status, err := m.Status(ctx)
	if err != nil {
		return err
	}

	for _, s := range status {
		if s.Applied {
			continue
		}
		m.logger.Info().Str("file", s.Filename).Msg("applying migration")
		err := m.apply(ctx, s.Filename, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO `+migrationsTable+` (version, filename) VALUES ($1, $2)`,
				s.Version, s.Filename,
			)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back the most recently applied migration. A no-op when
// nothing has been applied.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM `+migrationsTable+` ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	downFile := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
	m.logger.Info().Str("file", downFile).Msg("rolling back migration")
	return m.apply(ctx, downFile, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM `+migrationsTable+` WHERE version = $1`, version)
		return err
	})
}

// Status lists every up-migration file with its applied flag, in order
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("applied versions: %w", err)
	}

	files, err := m.upFiles()
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		v := extractVersion(f)
		out = append(out, MigrationStatus{Version: v, Filename: f, Applied: applied[v]})
	}
	return out, nil
}

// apply executes one migration file and its bookkeeping in a single tx
func (m *Migrator) apply(ctx context.Context, file string, record func(*sql.Tx) error) error {
	content, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}

	m.logger.Info().Str("file", file).Msg("migration done")
	return nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM `+migrationsTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// upFiles returns the versioned .up.sql files, sorted. Files without a
// numeric version prefix are skipped with a warning.
func (m *Migrator) upFiles() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		if extractVersion(name) == "" {
			m.logger.Warn().Str("file", name).Msg("skipping migration without version prefix")
			continue
		}
		files = append(files, name)
	}

	sort.Strings(files)
	return files, nil
}

// extractVersion returns the numeric prefix of a migration filename, or ""
// when there is none. "000001_event_log.up.sql" -> "000001"
func extractVersion(filename string) string {
	prefix, _, found := strings.Cut(filename, "_")
	if !found || prefix == "" {
		return ""
	}
	for _, r := range prefix {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return prefix
}
