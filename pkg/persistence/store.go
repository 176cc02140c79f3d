// Package persistence provides SQLite-based storage for heal runs and
// bug lifecycle records.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"triangulum/pkg/logx"
)

// CurrentSchemaVersion defines the schema version for migration support.
const CurrentSchemaVersion = 1

// Store wraps the SQLite connection. One Store per process; callers pass
// it explicitly instead of reaching for a global.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (or creates) the database at dbPath with WAL mode and the
// schema at the current version. Safe to call on an existing database.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logx.NewLogger("persistence")}
	store.logger.Info("Database initialized: %s", dbPath)
	return store, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// initializeSchema brings the database to the current schema version.
func initializeSchema(db *sql.DB) error {
	version, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if version == 0 {
		return createSchema(db)
	}
	if version == CurrentSchemaVersion {
		return nil
	}
	return fmt.Errorf("unsupported schema version %d (want %d)", version, CurrentSchemaVersion)
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	if err := db.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE schema_version (
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE heal_runs (
			id              TEXT PRIMARY KEY,
			folder          TEXT NOT NULL,
			started_at      TIMESTAMP NOT NULL,
			finished_at     TIMESTAMP,
			dry_run         INTEGER NOT NULL DEFAULT 0,
			files_analyzed  INTEGER NOT NULL DEFAULT 0,
			files_healed    INTEGER NOT NULL DEFAULT 0,
			files_failed    INTEGER NOT NULL DEFAULT 0,
			bugs_detected   INTEGER NOT NULL DEFAULT 0,
			bugs_fixed      INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'running'
		)`,
		`CREATE TABLE bugs (
			id           TEXT PRIMARY KEY,
			run_id       TEXT NOT NULL REFERENCES heal_runs(id),
			target       TEXT NOT NULL,
			phase        TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			bugs_found   INTEGER NOT NULL DEFAULT 0,
			scheduled_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE bug_history (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			bug_id       TEXT NOT NULL REFERENCES bugs(id),
			ts           TIMESTAMP NOT NULL,
			from_phase   TEXT NOT NULL,
			to_phase     TEXT NOT NULL,
			reason       TEXT NOT NULL,
			acting_agent TEXT NOT NULL
		)`,
		`CREATE INDEX idx_bugs_run ON bugs(run_id)`,
		`CREATE INDEX idx_bug_history_bug ON bug_history(bug_id)`,
		`INSERT INTO schema_version (version) VALUES (1)`,
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}
