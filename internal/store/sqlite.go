package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a task, record or detail lookup misses.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert or conditional update collides
	// with an existing row.
	ErrConflict = errors.New("conflict")
)

// Store provides SQLite-backed persistence for tasks, records and details
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:" databases
	// alive for the lifetime of the Store.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// dsn appends the time format parameter so DATETIME columns sort lexically.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_time_format=sqlite"
}

// utc normalizes timestamps before they are written.
func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}.UTC()
	}
	return t.UTC()
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return true
	}
	return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}

func marshalJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// ============================================================================
// Task Operations
// ============================================================================

const taskColumns = `
	id, task_key, name, local_project_id, local_repo_name, remote_project_id,
	remote_repo_name, repo_type, object_type, replica_type, setting_json,
	remote_clusters, package_constraints, path_constraints, description, enabled,
	status, last_execution_status, last_execution_time, next_execution_time,
	created_by, created_date, last_modified_by, last_modified_date
`

type taskJSON struct {
	setting     string
	clusters    string
	packages    string
	paths       string
	cronExpress string
}

func encodeTask(task *Task) (*taskJSON, error) {
	setting, err := marshalJSON(task.Setting)
	if err != nil {
		return nil, fmt.Errorf("failed to encode setting: %w", err)
	}
	clusters := task.RemoteClusters
	if clusters == nil {
		clusters = []string{}
	}
	clustersJSON, err := marshalJSON(clusters)
	if err != nil {
		return nil, fmt.Errorf("failed to encode remote clusters: %w", err)
	}
	packages := task.PackageConstraints
	if packages == nil {
		packages = []PackageConstraint{}
	}
	packagesJSON, err := marshalJSON(packages)
	if err != nil {
		return nil, fmt.Errorf("failed to encode package constraints: %w", err)
	}
	paths := task.PathConstraints
	if paths == nil {
		paths = []string{}
	}
	pathsJSON, err := marshalJSON(paths)
	if err != nil {
		return nil, fmt.Errorf("failed to encode path constraints: %w", err)
	}
	return &taskJSON{
		setting:     setting,
		clusters:    clustersJSON,
		packages:    packagesJSON,
		paths:       pathsJSON,
		cronExpress: strings.TrimSpace(task.Setting.CronExpression),
	}, nil
}

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	var setting, clusters, packages, paths string
	err := row.Scan(
		&task.ID, &task.Key, &task.Name, &task.LocalProjectID, &task.LocalRepoName,
		&task.RemoteProjectID, &task.RemoteRepoName, &task.RepoType, &task.ObjectType,
		&task.ReplicaType, &setting, &clusters, &packages, &paths, &task.Description,
		&task.Enabled, &task.Status, &task.LastExecutionStatus, &task.LastExecutionTime,
		&task.NextExecutionTime, &task.CreatedBy, &task.CreatedDate, &task.LastModifiedBy,
		&task.LastModifiedDate,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(setting), &task.Setting); err != nil {
		return nil, fmt.Errorf("failed to decode setting for task %s: %w", task.Key, err)
	}
	if err := json.Unmarshal([]byte(clusters), &task.RemoteClusters); err != nil {
		return nil, fmt.Errorf("failed to decode remote clusters for task %s: %w", task.Key, err)
	}
	if err := json.Unmarshal([]byte(packages), &task.PackageConstraints); err != nil {
		return nil, fmt.Errorf("failed to decode package constraints for task %s: %w", task.Key, err)
	}
	if err := json.Unmarshal([]byte(paths), &task.PathConstraints); err != nil {
		return nil, fmt.Errorf("failed to decode path constraints for task %s: %w", task.Key, err)
	}
	return task, nil
}

// CreateTask inserts a new Task and sets its ID. A duplicate key or name
// returns ErrConflict.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	const query = `
		INSERT INTO replica_tasks (
			task_key, name, local_project_id, local_repo_name, remote_project_id,
			remote_repo_name, repo_type, object_type, replica_type, setting_json,
			cron_expression, remote_clusters, package_constraints, path_constraints,
			description, enabled, status, last_execution_status, last_execution_time,
			next_execution_time, created_by, created_date, last_modified_by, last_modified_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	enc, err := encodeTask(task)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(
		ctx, query,
		task.Key, task.Name, task.LocalProjectID, task.LocalRepoName, task.RemoteProjectID,
		task.RemoteRepoName, task.RepoType, task.ObjectType, task.ReplicaType, enc.setting,
		enc.cronExpress, enc.clusters, enc.packages, enc.paths,
		task.Description, task.Enabled, task.Status, task.LastExecutionStatus,
		utc(task.LastExecutionTime), utc(task.NextExecutionTime), task.CreatedBy,
		utc(task.CreatedDate), task.LastModifiedBy, utc(task.LastModifiedDate),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %s (%s) already exists: %w", task.Key, task.Name, ErrConflict)
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	task.ID = id
	return nil
}

// UpdateTask writes the definition of an existing Task by ID together with
// its status and next execution time. The row is only written while its
// stored status still equals expected; otherwise ErrConflict is returned.
// last_execution_status and last_execution_time belong to runs and are only
// written by StartRun and CompleteRun.
func (s *Store) UpdateTask(ctx context.Context, task *Task, expected TaskStatus) error {
	const query = `
		UPDATE replica_tasks SET
			task_key = ?, name = ?, local_project_id = ?, local_repo_name = ?,
			remote_project_id = ?, remote_repo_name = ?, repo_type = ?, object_type = ?,
			replica_type = ?, setting_json = ?, cron_expression = ?, remote_clusters = ?,
			package_constraints = ?, path_constraints = ?, description = ?, enabled = ?,
			status = ?, next_execution_time = ?, created_by = ?, created_date = ?,
			last_modified_by = ?, last_modified_date = ?
		WHERE id = ? AND status = ?
	`

	enc, err := encodeTask(task)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(
		ctx, query,
		task.Key, task.Name, task.LocalProjectID, task.LocalRepoName,
		task.RemoteProjectID, task.RemoteRepoName, task.RepoType, task.ObjectType,
		task.ReplicaType, enc.setting, enc.cronExpress, enc.clusters,
		enc.packages, enc.paths, task.Description, task.Enabled,
		task.Status, utc(task.NextExecutionTime), task.CreatedBy, utc(task.CreatedDate),
		task.LastModifiedBy, utc(task.LastModifiedDate), task.ID, expected,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task name %s already in use: %w", task.Name, ErrConflict)
		}
		return fmt.Errorf("failed to update task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM replica_tasks WHERE id = ?", task.ID).Scan(&count); err != nil {
			return fmt.Errorf("failed to check task: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("task %d: %w", task.ID, ErrNotFound)
		}
		return fmt.Errorf("task %s is no longer %s: %w", task.Key, expected, ErrConflict)
	}

	return nil
}

// GetTask retrieves a Task by key
func (s *Store) GetTask(ctx context.Context, key string) (*Task, error) {
	query := "SELECT " + taskColumns + " FROM replica_tasks WHERE task_key = ?"

	task, err := scanTask(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	return task, nil
}

// GetTaskByName retrieves a Task by its unique name
func (s *Store) GetTaskByName(ctx context.Context, name string) (*Task, error) {
	query := "SELECT " + taskColumns + " FROM replica_tasks WHERE name = ?"

	task, err := scanTask(s.db.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task named %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	return task, nil
}

// ListTasks retrieves one page of Tasks ordered by name
func (s *Store) ListTasks(ctx context.Context, page PageRequest) (Page[Task], error) {
	page = page.Normalize()

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM replica_tasks").Scan(&total); err != nil {
		return Page[Task]{}, fmt.Errorf("failed to count tasks: %w", err)
	}

	query := "SELECT " + taskColumns + " FROM replica_tasks ORDER BY name LIMIT ? OFFSET ?"
	tasks, err := s.queryTasks(ctx, query, page.PageSize, page.Offset())
	if err != nil {
		return Page[Task]{}, err
	}

	return NewPage(page, total, tasks), nil
}

// ListDueTasks returns enabled cron tasks in WAITING whose next execution
// time is at or before now.
func (s *Store) ListDueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	query := "SELECT " + taskColumns + ` FROM replica_tasks
		WHERE enabled = 1 AND status = ? AND cron_expression <> '' AND next_execution_time <= ?
		ORDER BY next_execution_time ASC`

	return s.queryTasks(ctx, query, TaskWaiting, utc(now))
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// DeleteTask deletes a Task by key. Records must be removed first.
func (s *Store) DeleteTask(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM replica_tasks WHERE task_key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("task %s: %w", key, ErrNotFound)
	}

	return nil
}

// ============================================================================
// Run Transitions
// ============================================================================

// StartRun atomically moves the task from expected to task.Status and inserts
// the RUNNING record. The task row is only written when its stored status
// still equals expected; otherwise ErrConflict is returned and nothing changes.
func (s *Store) StartRun(ctx context.Context, task *Task, expected TaskStatus, rec *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := swapTaskStatus(ctx, tx, task, expected); err != nil {
		return err
	}

	const insertRecord = `
		INSERT INTO replica_records (task_key, run_key, status, start_time, end_time, error_reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(
		ctx, insertRecord,
		rec.TaskKey, rec.RunKey, rec.Status, utc(rec.StartTime), utc(rec.EndTime), rec.ErrorReason,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("record %s for task %s conflicts with an existing record: %w", rec.RunKey, rec.TaskKey, ErrConflict)
		}
		return fmt.Errorf("failed to insert record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run start: %w", err)
	}

	rec.ID = id
	return nil
}

// CompleteRun replaces the record and moves the task out of expected in one
// transaction.
func (s *Store) CompleteRun(ctx context.Context, rec *Record, task *Task, expected TaskStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := replaceRecord(ctx, tx, rec); err != nil {
		return err
	}

	if err := swapTaskStatus(ctx, tx, task, expected); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run completion: %w", err)
	}

	return nil
}

// swapTaskStatus writes the execution fields of task guarded by its current status.
func swapTaskStatus(ctx context.Context, tx *sql.Tx, task *Task, expected TaskStatus) error {
	const query = `
		UPDATE replica_tasks SET
			status = ?, last_execution_status = ?, last_execution_time = ?,
			next_execution_time = ?, last_modified_date = ?
		WHERE task_key = ? AND status = ?
	`

	result, err := tx.ExecContext(
		ctx, query,
		task.Status, task.LastExecutionStatus, utc(task.LastExecutionTime),
		utc(task.NextExecutionTime), utc(task.LastModifiedDate), task.Key, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 1 {
		return nil
	}

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM replica_tasks WHERE task_key = ?", task.Key).Scan(&count); err != nil {
		return fmt.Errorf("failed to check task: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("task %s: %w", task.Key, ErrNotFound)
	}
	return fmt.Errorf("task %s is no longer %s: %w", task.Key, expected, ErrConflict)
}
