package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

type Config struct {
	Path string
}

type Migration struct {
	Version string
	SQL     string
}

var migrations = []Migration{
	{
		Version: "0001_print_jobs",
		SQL: `
			CREATE TABLE print_jobs (
				id TEXT PRIMARY KEY,
				seq INTEGER NOT NULL,
				rule_id TEXT NOT NULL DEFAULT '',
				template_id TEXT NOT NULL,
				target TEXT NOT NULL,
				printer_id TEXT NOT NULL DEFAULT '',
				priority INTEGER NOT NULL,
				payload_json TEXT NOT NULL DEFAULT '{}',
				pages_estimate INTEGER NOT NULL DEFAULT 1,
				copies INTEGER NOT NULL DEFAULT 1,
				preview_required INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 0,
				retry_delay_ms INTEGER NOT NULL DEFAULT 0,
				batch_id TEXT NOT NULL DEFAULT '',
				actor TEXT NOT NULL DEFAULT '',
				scheduled_at DATETIME,
				created_at DATETIME NOT NULL,
				started_at DATETIME,
				completed_at DATETIME,
				error_message TEXT NOT NULL DEFAULT ''
			);
			CREATE INDEX idx_print_jobs_status ON print_jobs(status);
			CREATE INDEX idx_print_jobs_seq ON print_jobs(seq);
		`,
	},
	{
		Version: "0002_batch_jobs",
		SQL: `
			CREATE TABLE batch_jobs (
				id TEXT PRIMARY KEY,
				rule_id TEXT NOT NULL,
				scheduled_at DATETIME NOT NULL,
				total_jobs INTEGER NOT NULL DEFAULT 0,
				completed_jobs INTEGER NOT NULL DEFAULT 0,
				failed_jobs INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				job_ids_json TEXT NOT NULL DEFAULT '[]',
				created_at DATETIME NOT NULL,
				completed_at DATETIME
			);
			CREATE INDEX idx_batch_jobs_status ON batch_jobs(status);
		`,
	},
	{
		Version: "0003_audit_log",
		SQL: `
			CREATE TABLE audit_log (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				job_id TEXT NOT NULL DEFAULT '',
				action TEXT NOT NULL,
				message TEXT NOT NULL DEFAULT '',
				details_json TEXT NOT NULL DEFAULT '{}',
				actor TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL
			);
			CREATE INDEX idx_audit_log_job ON audit_log(job_id, seq);
		`,
	},
}

// Open connects to the SQLite file at cfg.Path, creating its directory when
// needed, and applies pending migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db), nil
}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	pending := append([]Migration(nil), migrations...)
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Version < pending[j].Version
	})

	for _, m := range pending {
		if applied[m.Version] {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}
	}

	return nil
}
