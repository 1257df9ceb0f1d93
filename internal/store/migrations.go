package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	// Create migrations table if it doesn't exist
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get the current schema version
	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("Current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE replica_tasks (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					task_key TEXT NOT NULL UNIQUE,
					name TEXT NOT NULL UNIQUE,
					local_project_id TEXT NOT NULL,
					local_repo_name TEXT NOT NULL,
					remote_project_id TEXT NOT NULL DEFAULT '',
					remote_repo_name TEXT NOT NULL DEFAULT '',
					repo_type TEXT NOT NULL DEFAULT '',
					object_type TEXT NOT NULL,
					replica_type TEXT NOT NULL,
					setting_json TEXT NOT NULL DEFAULT '{}',
					cron_expression TEXT NOT NULL DEFAULT '',
					remote_clusters TEXT NOT NULL DEFAULT '[]',
					package_constraints TEXT NOT NULL DEFAULT '[]',
					path_constraints TEXT NOT NULL DEFAULT '[]',
					description TEXT NOT NULL DEFAULT '',
					enabled BOOLEAN NOT NULL DEFAULT 1,
					status TEXT NOT NULL DEFAULT 'WAITING',
					last_execution_status TEXT NOT NULL DEFAULT '',
					last_execution_time DATETIME NOT NULL,
					next_execution_time DATETIME NOT NULL,
					created_by TEXT NOT NULL DEFAULT '',
					created_date DATETIME NOT NULL,
					last_modified_by TEXT NOT NULL DEFAULT '',
					last_modified_date DATETIME NOT NULL
				);

				CREATE INDEX idx_replica_tasks_due
					ON replica_tasks(enabled, status, next_execution_time);

				CREATE TABLE replica_records (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					task_key TEXT NOT NULL,
					run_key TEXT NOT NULL UNIQUE,
					status TEXT NOT NULL,
					start_time DATETIME NOT NULL,
					end_time DATETIME NOT NULL,
					error_reason TEXT NOT NULL DEFAULT ''
				);

				CREATE INDEX idx_replica_records_task
					ON replica_records(task_key, start_time);

				CREATE UNIQUE INDEX idx_replica_records_active
					ON replica_records(task_key) WHERE status = 'RUNNING';

				CREATE TABLE replica_record_details (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					record_id INTEGER NOT NULL,
					local_cluster TEXT NOT NULL,
					remote_cluster TEXT NOT NULL,
					local_repo_name TEXT NOT NULL,
					repo_type TEXT NOT NULL DEFAULT '',
					package_constraints TEXT NOT NULL DEFAULT '[]',
					path_constraints TEXT NOT NULL DEFAULT '[]',
					status TEXT NOT NULL,
					success_count INTEGER NOT NULL DEFAULT 0,
					skip_count INTEGER NOT NULL DEFAULT 0,
					failed_count INTEGER NOT NULL DEFAULT 0,
					total_size INTEGER NOT NULL DEFAULT 0,
					start_time DATETIME NOT NULL,
					end_time DATETIME NOT NULL,
					error_reason TEXT NOT NULL DEFAULT '',
					UNIQUE(record_id, remote_cluster),
					FOREIGN KEY(record_id) REFERENCES replica_records(id)
				);
			`,
		},
	}

	// Run pending migrations
	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("Running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}

			s.logger.Info("Migration completed", "version", mig.version)
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
