package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ============================================================================
// Record Operations
// ============================================================================

const recordColumns = `id, task_key, run_key, status, start_time, end_time, error_reason`

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	err := row.Scan(
		&rec.ID, &rec.TaskKey, &rec.RunKey, &rec.Status,
		&rec.StartTime, &rec.EndTime, &rec.ErrorReason,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetRecord retrieves a Record by ID
func (s *Store) GetRecord(ctx context.Context, id int64) (*Record, error) {
	query := "SELECT " + recordColumns + " FROM replica_records WHERE id = ?"

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query record: %w", err)
	}

	return rec, nil
}

// GetRecordByRunKey retrieves a Record by its run key
func (s *Store) GetRecordByRunKey(ctx context.Context, runKey string) (*Record, error) {
	query := "SELECT " + recordColumns + " FROM replica_records WHERE run_key = ?"

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, runKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record with run key %s: %w", runKey, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query record: %w", err)
	}

	return rec, nil
}

// replaceRecord overwrites the mutable fields of an existing Record
func replaceRecord(ctx context.Context, db execer, rec *Record) error {
	const query = `
		UPDATE replica_records SET status = ?, start_time = ?, end_time = ?, error_reason = ?
		WHERE id = ?
	`

	result, err := db.ExecContext(
		ctx, query,
		rec.Status, utc(rec.StartTime), utc(rec.EndTime), rec.ErrorReason, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("record %d: %w", rec.ID, ErrNotFound)
	}

	return nil
}

// ListRecordsByTaskKey returns every Record of a task, newest first
func (s *Store) ListRecordsByTaskKey(ctx context.Context, taskKey string) ([]Record, error) {
	query := "SELECT " + recordColumns + " FROM replica_records WHERE task_key = ? ORDER BY start_time DESC, id DESC"
	return s.queryRecords(ctx, query, taskKey)
}

// ListRecordsPage returns one page of a task's Records, newest first
func (s *Store) ListRecordsPage(ctx context.Context, taskKey string, page PageRequest) (Page[Record], error) {
	page = page.Normalize()

	var total int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM replica_records WHERE task_key = ?", taskKey).Scan(&total)
	if err != nil {
		return Page[Record]{}, fmt.Errorf("failed to count records: %w", err)
	}

	query := "SELECT " + recordColumns + ` FROM replica_records WHERE task_key = ?
		ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`
	records, err := s.queryRecords(ctx, query, taskKey, page.PageSize, page.Offset())
	if err != nil {
		return Page[Record]{}, err
	}

	return NewPage(page, total, records), nil
}

// ListActiveRecords returns every RUNNING Record
func (s *Store) ListActiveRecords(ctx context.Context) ([]Record, error) {
	query := "SELECT " + recordColumns + " FROM replica_records WHERE status = ? ORDER BY start_time ASC"
	return s.queryRecords(ctx, query, ExecutionRunning)
}

// ListExpiredRecords returns terminal Records of a task that started before cutoff
func (s *Store) ListExpiredRecords(ctx context.Context, taskKey string, cutoff time.Time) ([]Record, error) {
	query := "SELECT " + recordColumns + ` FROM replica_records
		WHERE task_key = ? AND status <> ? AND start_time < ?
		ORDER BY start_time ASC`
	return s.queryRecords(ctx, query, taskKey, ExecutionRunning, utc(cutoff))
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...interface{}) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

// DeleteRecord deletes a Record and its details
func (s *Store) DeleteRecord(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM replica_record_details WHERE record_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete record details: %w", err)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM replica_records WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("record %d: %w", id, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record delete: %w", err)
	}

	return nil
}

// DeleteRecordsByTaskKey deletes every Record of a task and their details.
// It returns the number of records removed.
func (s *Store) DeleteRecordsByTaskKey(ctx context.Context, taskKey string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const deleteDetails = `
		DELETE FROM replica_record_details
		WHERE record_id IN (SELECT id FROM replica_records WHERE task_key = ?)
	`
	if _, err := tx.ExecContext(ctx, deleteDetails, taskKey); err != nil {
		return 0, fmt.Errorf("failed to delete record details: %w", err)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM replica_records WHERE task_key = ?", taskKey)
	if err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit records delete: %w", err)
	}

	return removed, nil
}

// ============================================================================
// Detail Operations
// ============================================================================

const detailColumns = `
	id, record_id, local_cluster, remote_cluster, local_repo_name, repo_type,
	package_constraints, path_constraints, status, success_count, skip_count,
	failed_count, total_size, start_time, end_time, error_reason
`

func scanDetail(row rowScanner) (*Detail, error) {
	d := &Detail{}
	var packages, paths string
	err := row.Scan(
		&d.ID, &d.RecordID, &d.LocalCluster, &d.RemoteCluster, &d.LocalRepoName,
		&d.RepoType, &packages, &paths, &d.Status, &d.Progress.Success,
		&d.Progress.Skip, &d.Progress.Failed, &d.Progress.TotalSize,
		&d.StartTime, &d.EndTime, &d.ErrorReason,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(packages), &d.PackageConstraints); err != nil {
		return nil, fmt.Errorf("failed to decode package constraints for detail %d: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(paths), &d.PathConstraints); err != nil {
		return nil, fmt.Errorf("failed to decode path constraints for detail %d: %w", d.ID, err)
	}
	return d, nil
}

func encodeConstraints(packages []PackageConstraint, paths []string) (string, string, error) {
	if packages == nil {
		packages = []PackageConstraint{}
	}
	if paths == nil {
		paths = []string{}
	}
	pkgJSON, err := marshalJSON(packages)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode package constraints: %w", err)
	}
	pathJSON, err := marshalJSON(paths)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode path constraints: %w", err)
	}
	return pkgJSON, pathJSON, nil
}

// InsertDetail inserts a new Detail and sets its ID. A second detail for the
// same (record, remote cluster) returns ErrConflict.
func (s *Store) InsertDetail(ctx context.Context, d *Detail) error {
	const query = `
		INSERT INTO replica_record_details (
			record_id, local_cluster, remote_cluster, local_repo_name, repo_type,
			package_constraints, path_constraints, status, success_count, skip_count,
			failed_count, total_size, start_time, end_time, error_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	packages, paths, err := encodeConstraints(d.PackageConstraints, d.PathConstraints)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(
		ctx, query,
		d.RecordID, d.LocalCluster, d.RemoteCluster, d.LocalRepoName, d.RepoType,
		packages, paths, d.Status, d.Progress.Success, d.Progress.Skip,
		d.Progress.Failed, d.Progress.TotalSize, utc(d.StartTime), utc(d.EndTime), d.ErrorReason,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("detail for record %d and cluster %s already exists: %w", d.RecordID, d.RemoteCluster, ErrConflict)
		}
		return fmt.Errorf("failed to insert detail: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	d.ID = id
	return nil
}

// ReplaceDetail overwrites the mutable fields of an existing Detail
func (s *Store) ReplaceDetail(ctx context.Context, d *Detail) error {
	const query = `
		UPDATE replica_record_details SET
			status = ?, success_count = ?, skip_count = ?, failed_count = ?,
			total_size = ?, start_time = ?, end_time = ?, error_reason = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(
		ctx, query,
		d.Status, d.Progress.Success, d.Progress.Skip, d.Progress.Failed,
		d.Progress.TotalSize, utc(d.StartTime), utc(d.EndTime), d.ErrorReason, d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update detail: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("detail %d: %w", d.ID, ErrNotFound)
	}

	return nil
}

// UpdateDetailProgress writes only the progress counters of a RUNNING
// Detail. A terminal Detail keeps its final progress and ErrConflict is
// returned.
func (s *Store) UpdateDetailProgress(ctx context.Context, id int64, p Progress) error {
	const query = `
		UPDATE replica_record_details SET
			success_count = ?, skip_count = ?, failed_count = ?, total_size = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query, p.Success, p.Skip, p.Failed, p.TotalSize, id, ExecutionRunning)
	if err != nil {
		return fmt.Errorf("failed to update detail progress: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var status ExecutionStatus
		err := s.db.QueryRowContext(ctx, "SELECT status FROM replica_record_details WHERE id = ?", id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("detail %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check detail: %w", err)
		}
		return fmt.Errorf("detail %d is already %s: %w", id, status, ErrConflict)
	}

	return nil
}

// GetDetail retrieves a Detail by ID
func (s *Store) GetDetail(ctx context.Context, id int64) (*Detail, error) {
	query := "SELECT " + detailColumns + " FROM replica_record_details WHERE id = ?"

	d, err := scanDetail(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("detail %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query detail: %w", err)
	}

	return d, nil
}

// ListDetailsByRecordID returns every Detail of a record ordered by remote cluster
func (s *Store) ListDetailsByRecordID(ctx context.Context, recordID int64) ([]Detail, error) {
	query := "SELECT " + detailColumns + " FROM replica_record_details WHERE record_id = ? ORDER BY remote_cluster ASC"
	return s.queryDetails(ctx, query, recordID)
}

// ListDetailsPage returns one filtered page of a record's Details
func (s *Store) ListDetailsPage(ctx context.Context, recordID int64, opt DetailListOption) (Page[Detail], error) {
	page := opt.Page.Normalize()

	where := []string{"record_id = ?"}
	args := []interface{}{recordID}
	if opt.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opt.Status)
	}
	if opt.RemoteCluster != "" {
		where = append(where, "remote_cluster = ?")
		args = append(args, opt.RemoteCluster)
	}
	if opt.RepoName != "" {
		where = append(where, "local_repo_name = ?")
		args = append(args, opt.RepoName)
	}
	if !opt.StartedAfter.IsZero() {
		where = append(where, "start_time >= ?")
		args = append(args, utc(opt.StartedAfter))
	}
	if !opt.StartedBefore.IsZero() {
		where = append(where, "start_time < ?")
		args = append(args, utc(opt.StartedBefore))
	}
	clause := strings.Join(where, " AND ")

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM replica_record_details WHERE "+clause, args...).Scan(&total); err != nil {
		return Page[Detail]{}, fmt.Errorf("failed to count details: %w", err)
	}

	query := "SELECT " + detailColumns + " FROM replica_record_details WHERE " + clause +
		" ORDER BY remote_cluster ASC, id ASC LIMIT ? OFFSET ?"
	details, err := s.queryDetails(ctx, query, append(args, page.PageSize, page.Offset())...)
	if err != nil {
		return Page[Detail]{}, err
	}

	return NewPage(page, total, details), nil
}

func (s *Store) queryDetails(ctx context.Context, query string, args ...interface{}) ([]Detail, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query details: %w", err)
	}
	defer rows.Close()

	var details []Detail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detail: %w", err)
		}
		details = append(details, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating details: %w", err)
	}

	return details, nil
}
