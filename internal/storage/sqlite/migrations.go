package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migrate runs database migrations
func (s *SQLiteDB) migrate() error {
	ctx := context.Background()

	if err := s.createMigrationsTable(ctx); err != nil {
		return err
	}

	migrations := []migration{
		{version: 1, name: "initial_schema", up: migrateV1},
		{version: 2, name: "label_tables", up: migrateV2},
	}

	for _, m := range migrations {
		if err := s.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}

	return nil
}

type migration struct {
	version int
	name    string
	up      func(context.Context, *sql.Tx) error
}

func (s *SQLiteDB) createMigrationsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLiteDB) runMigration(ctx context.Context, m migration) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := m.up(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.version, m.name, time.Now().Unix()); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Debug().Int("version", m.version).Str("name", m.name).Msg("Migration applied")
	return nil
}

func migrateV1(ctx context.Context, tx *sql.Tx) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		status TEXT NOT NULL,
		paused_from TEXT,
		progress REAL NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		request TEXT NOT NULL DEFAULT '',
		num_input_granules INTEGER NOT NULL DEFAULT 0,
		ignore_errors INTEGER NOT NULL DEFAULT 0,
		is_synchronous INTEGER NOT NULL DEFAULT 0,
		destination_url TEXT NOT NULL DEFAULT '',
		collection_ids TEXT NOT NULL DEFAULT '[]',
		terminal_reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_username_status ON jobs(username, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at);

	CREATE TABLE IF NOT EXISTS workflow_steps (
		job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
		step_index INTEGER NOT NULL,
		service_id TEXT NOT NULL,
		operation TEXT NOT NULL DEFAULT '{}',
		work_item_count INTEGER NOT NULL DEFAULT 0,
		completed_count INTEGER NOT NULL DEFAULT 0,
		progress_weight REAL NOT NULL DEFAULT 0,
		is_sequential INTEGER NOT NULL DEFAULT 0,
		has_aggregated_output INTEGER NOT NULL DEFAULT 0,
		is_complete INTEGER NOT NULL DEFAULT 0,
		operations TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (job_id, step_index)
	);

	CREATE TABLE IF NOT EXISTS work_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
		step_index INTEGER NOT NULL,
		service_id TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		stac_catalog_location TEXT NOT NULL DEFAULT '',
		result_uris TEXT NOT NULL DEFAULT '[]',
		output_item_sizes TEXT NOT NULL DEFAULT '[]',
		sort_index INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER,
		leased_until INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_work_items_service_status ON work_items(service_id, status);
	CREATE INDEX IF NOT EXISTS idx_work_items_job_step ON work_items(job_id, step_index);
	CREATE INDEX IF NOT EXISTS idx_work_items_leased ON work_items(status, leased_until);

	CREATE TABLE IF NOT EXISTS user_work (
		username TEXT NOT NULL,
		service_id TEXT NOT NULL,
		ready_count INTEGER NOT NULL DEFAULT 0,
		running_count INTEGER NOT NULL DEFAULT 0,
		last_worked_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (username, service_id)
	);

	CREATE TABLE IF NOT EXISTS job_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
		href TEXT NOT NULL,
		rel TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		bbox TEXT NOT NULL DEFAULT '',
		temporal_start INTEGER,
		temporal_end INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_links_job ON job_links(job_id);

	CREATE TABLE IF NOT EXISTS job_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
		url TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_errors_job ON job_errors(job_id);
	`
	_, err := tx.ExecContext(ctx, schema)
	return err
}

func migrateV2(ctx context.Context, tx *sql.Tx) error {
	schema := `
	CREATE TABLE IF NOT EXISTS raw_labels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		value TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs_raw_labels (
		job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
		label_id INTEGER NOT NULL REFERENCES raw_labels(id) ON DELETE CASCADE,
		PRIMARY KEY (job_id, label_id)
	);
	`
	_, err := tx.ExecContext(ctx, schema)
	return err
}
