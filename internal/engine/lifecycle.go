package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BadgerOps/artsync/internal/metrics"
	"github.com/BadgerOps/artsync/internal/schedule"
	"github.com/BadgerOps/artsync/internal/store"
)

// Lifecycle is the only writer of records, details and task execution state.
type Lifecycle struct {
	store   Store
	eval    *schedule.Evaluator
	metrics *metrics.Collector
	now     func() time.Time
	logger  *slog.Logger
}

// NewLifecycle creates a Lifecycle. A nil collector records nothing.
func NewLifecycle(st Store, eval *schedule.Evaluator, m *metrics.Collector, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:   st,
		eval:    eval,
		metrics: m,
		now:     time.Now,
		logger:  logger,
	}
}

func (l *Lifecycle) clock() time.Time {
	return l.now().UTC()
}

// ============================================================================
// Records
// ============================================================================

// StartNewRecord creates the RUNNING record for a run and moves the task to
// REPLICATING. The move only succeeds if nobody changed the task status in
// between; a second concurrent start gets store.ErrConflict.
func (l *Lifecycle) StartNewRecord(ctx context.Context, taskKey, runKey string) (*store.Record, error) {
	task, err := l.store.GetTask(ctx, taskKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	if task.Status == store.TaskReplicating {
		return nil, fmt.Errorf("task %s already has a run in progress: %w", taskKey, store.ErrConflict)
	}

	cron := schedule.IsCronTask(task)
	next, err := Transition(task.Status, startEvent(cron))
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", taskKey, err)
	}

	now := l.clock()
	expected := task.Status
	task.Status = next
	task.LastExecutionStatus = store.ExecutionRunning
	task.LastExecutionTime = now
	task.LastModifiedDate = now
	if cron {
		nextRun, err := l.eval.Next(task.Setting.CronExpression, now)
		if err != nil {
			return nil, err
		}
		task.NextExecutionTime = nextRun
	}

	rec := &store.Record{
		TaskKey:   taskKey,
		RunKey:    runKey,
		Status:    store.ExecutionRunning,
		StartTime: now,
	}
	if err := l.store.StartRun(ctx, task, expected, rec); err != nil {
		return nil, err
	}

	l.logger.Info("record started", "task_key", taskKey, "run_key", runKey, "record_id", rec.ID)
	return rec, nil
}

// CompleteRecord makes the record terminal and moves its task out of
// REPLICATING: back to WAITING for cron tasks, to COMPLETED otherwise.
func (l *Lifecycle) CompleteRecord(ctx context.Context, recordID int64, status store.ExecutionStatus, errorReason string) (*store.Record, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("completion status %q is not terminal: %w", status, ErrInvalidArgument)
	}

	rec, err := l.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	if rec.Status.Terminal() {
		return nil, fmt.Errorf("record %d is already %s: %w", recordID, rec.Status, store.ErrConflict)
	}

	task, err := l.store.GetTask(ctx, rec.TaskKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load task of record %d: %w", recordID, err)
	}

	cron := schedule.IsCronTask(task)
	next, err := Transition(task.Status, finishEvent(cron))
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.Key, err)
	}

	now := l.clock()
	rec.Status = status
	rec.EndTime = now
	rec.ErrorReason = ""
	if status == store.ExecutionFailed {
		rec.ErrorReason = errorReason
	}

	expected := task.Status
	task.Status = next
	task.LastExecutionStatus = status
	task.LastModifiedDate = now
	if cron {
		nextRun, err := l.eval.Next(task.Setting.CronExpression, now)
		if err != nil {
			// The record outcome still has to be stored.
			l.logger.Error("failed to compute next execution time", "task_key", task.Key, "error", err)
		} else {
			task.NextExecutionTime = nextRun
		}
	}

	if err := l.store.CompleteRun(ctx, rec, task, expected); err != nil {
		return nil, err
	}

	l.logger.Info("record completed",
		"task_key", task.Key,
		"run_key", rec.RunKey,
		"record_id", rec.ID,
		"status", status,
		"task_status", task.Status,
	)
	return rec, nil
}

// FinalizeRecord aggregates the details of a record into its final status
// and completes it. A non-nil preflight error means the run never reached
// its legs; the record fails with that error as the reason.
func (l *Lifecycle) FinalizeRecord(ctx context.Context, recordID int64, preflight error) (*store.Record, error) {
	if preflight != nil {
		return l.CompleteRecord(ctx, recordID, store.ExecutionFailed, preflight.Error())
	}

	details, err := l.store.ListDetailsByRecordID(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list details: %w", err)
	}

	status, reason := aggregate(details)
	if status == store.ExecutionRunning {
		return nil, fmt.Errorf("record %d: %w", recordID, ErrDetailsRunning)
	}
	return l.CompleteRecord(ctx, recordID, status, reason)
}

// aggregate returns SUCCESS when every detail succeeded, FAILED with the
// reason of the first failed detail otherwise, and RUNNING while any detail
// is unfinished. details must be ordered by remote cluster.
func aggregate(details []store.Detail) (store.ExecutionStatus, string) {
	status := store.ExecutionSuccess
	var reason string
	for _, d := range details {
		switch d.Status {
		case store.ExecutionSuccess:
		case store.ExecutionRunning:
			return store.ExecutionRunning, ""
		default:
			if status == store.ExecutionSuccess {
				status = store.ExecutionFailed
				reason = d.ErrorReason
				if reason == "" {
					reason = fmt.Sprintf("replication to %s failed", d.RemoteCluster)
				}
			}
		}
	}
	return status, reason
}

// DeleteByTaskKey removes every record of a task together with its details.
// The task itself is left alone.
func (l *Lifecycle) DeleteByTaskKey(ctx context.Context, taskKey string) (int64, error) {
	n, err := l.store.DeleteRecordsByTaskKey(ctx, taskKey)
	if err != nil {
		return 0, err
	}
	l.logger.Info("records deleted", "task_key", taskKey, "count", n)
	return n, nil
}

// PurgeExpiredRecords removes finished records older than their task's
// retention window. Tasks with a non-positive retention keep everything.
func (l *Lifecycle) PurgeExpiredRecords(ctx context.Context, now time.Time) (int, error) {
	var tasks []store.Task
	req := store.PageRequest{PageNumber: 1, PageSize: store.MaxPageSize}
	for {
		page, err := l.store.ListTasks(ctx, req)
		if err != nil {
			return 0, fmt.Errorf("failed to list tasks: %w", err)
		}
		tasks = append(tasks, page.Records...)
		if int64(req.PageNumber) >= page.TotalPages {
			break
		}
		req.PageNumber++
	}

	purged := 0
	for _, task := range tasks {
		days := task.Setting.RecordReserveDays
		if days <= 0 {
			continue
		}
		cutoff := now.UTC().AddDate(0, 0, -days)
		expired, err := l.store.ListExpiredRecords(ctx, task.Key, cutoff)
		if err != nil {
			return purged, fmt.Errorf("failed to list expired records for task %s: %w", task.Key, err)
		}
		for _, rec := range expired {
			if err := l.store.DeleteRecord(ctx, rec.ID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return purged, fmt.Errorf("failed to delete record %d: %w", rec.ID, err)
			}
			purged++
		}
	}

	l.metrics.RecordsPurged(purged)
	if purged > 0 {
		l.logger.Info("expired records purged", "count", purged)
	}
	return purged, nil
}

// RecoverInterruptedRecords fails every record still RUNNING, together with
// its running details, and releases the owning task. It is meant for startup,
// before any run is admitted, when no RUNNING record can still be owned by a
// live run.
func (l *Lifecycle) RecoverInterruptedRecords(ctx context.Context, reason string) (int, error) {
	active, err := l.store.ListActiveRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active records: %w", err)
	}

	recovered := 0
	for _, rec := range active {
		if _, err := l.AbortRecord(ctx, rec.ID, reason); err != nil {
			return recovered, err
		}
		l.logger.Warn("interrupted record failed", "task_key", rec.TaskKey, "run_key", rec.RunKey, "record_id", rec.ID)
		recovered++
	}
	return recovered, nil
}

// AbortRecord fails a record whose run cannot finish normally. Every detail
// that is not yet terminal is failed first with its last stored progress, so
// the record never ends ahead of its details. If any of those writes fails
// the record is left RUNNING for RecoverInterruptedRecords.
func (l *Lifecycle) AbortRecord(ctx context.Context, recordID int64, reason string) (*store.Record, error) {
	details, err := l.store.ListDetailsByRecordID(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list details of record %d: %w", recordID, err)
	}
	for _, d := range details {
		if d.Status.Terminal() {
			continue
		}
		res := DetailResult{Status: store.ExecutionFailed, Progress: d.Progress, ErrorReason: reason}
		if _, err := l.CompleteRecordDetail(ctx, d.ID, res); err != nil {
			return nil, fmt.Errorf("failed to abort detail %d of record %d: %w", d.ID, recordID, err)
		}
	}
	return l.CompleteRecord(ctx, recordID, store.ExecutionFailed, reason)
}

// ============================================================================
// Details
// ============================================================================

// DetailRequest describes the leg a detail is created for.
type DetailRequest struct {
	RecordID           int64
	LocalCluster       string
	RemoteCluster      string
	LocalRepoName      string
	RepoType           string
	PackageConstraints []store.PackageConstraint
	PathConstraints    []string
}

// DetailResult is the terminal outcome of a leg.
type DetailResult struct {
	Status      store.ExecutionStatus
	Progress    store.Progress
	ErrorReason string
}

// InitialRecordDetail creates the RUNNING detail of one leg. A second detail
// for the same record and remote cluster fails with store.ErrConflict.
func (l *Lifecycle) InitialRecordDetail(ctx context.Context, req DetailRequest) (*store.Detail, error) {
	rec, err := l.store.GetRecord(ctx, req.RecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	if rec.Status != store.ExecutionRunning {
		return nil, fmt.Errorf("record %d is already %s: %w", rec.ID, rec.Status, store.ErrConflict)
	}

	d := &store.Detail{
		RecordID:           req.RecordID,
		LocalCluster:       req.LocalCluster,
		RemoteCluster:      req.RemoteCluster,
		LocalRepoName:      req.LocalRepoName,
		RepoType:           req.RepoType,
		PackageConstraints: copyPackageConstraints(req.PackageConstraints),
		PathConstraints:    append([]string(nil), req.PathConstraints...),
		Status:             store.ExecutionRunning,
		StartTime:          l.clock(),
	}
	if err := l.store.InsertDetail(ctx, d); err != nil {
		return nil, err
	}

	l.logger.Debug("detail created", "record_id", d.RecordID, "detail_id", d.ID, "remote_cluster", d.RemoteCluster)
	return d, nil
}

// UpdateRecordDetailProgress overwrites the stored progress of a running
// detail. Once the detail is terminal the write fails with store.ErrConflict.
func (l *Lifecycle) UpdateRecordDetailProgress(ctx context.Context, detailID int64, p store.Progress) error {
	if err := validateProgress(p); err != nil {
		return err
	}
	return l.store.UpdateDetailProgress(ctx, detailID, p)
}

// CompleteRecordDetail makes a detail terminal with its final progress.
func (l *Lifecycle) CompleteRecordDetail(ctx context.Context, detailID int64, res DetailResult) (*store.Detail, error) {
	if !res.Status.Terminal() {
		return nil, fmt.Errorf("completion status %q is not terminal: %w", res.Status, ErrInvalidArgument)
	}
	if err := validateProgress(res.Progress); err != nil {
		return nil, err
	}

	d, err := l.store.GetDetail(ctx, detailID)
	if err != nil {
		return nil, fmt.Errorf("failed to load detail: %w", err)
	}
	if d.Status.Terminal() {
		return nil, fmt.Errorf("detail %d is already %s: %w", detailID, d.Status, store.ErrConflict)
	}

	d.Status = res.Status
	d.Progress = res.Progress
	d.EndTime = l.clock()
	d.ErrorReason = ""
	if res.Status == store.ExecutionFailed {
		d.ErrorReason = res.ErrorReason
	}
	if err := l.store.ReplaceDetail(ctx, d); err != nil {
		return nil, err
	}

	l.logger.Debug("detail completed", "record_id", d.RecordID, "detail_id", d.ID, "remote_cluster", d.RemoteCluster, "status", d.Status)
	return d, nil
}

func validateProgress(p store.Progress) error {
	if p.Success < 0 || p.Skip < 0 || p.Failed < 0 || p.TotalSize < 0 {
		return fmt.Errorf("negative progress %+v: %w", p, ErrInvalidArgument)
	}
	return nil
}

// ============================================================================
// Queries
// ============================================================================

// GetRecord returns one record.
func (l *Lifecycle) GetRecord(ctx context.Context, id int64) (*store.Record, error) {
	return l.store.GetRecord(ctx, id)
}

// GetRecordByRunKey returns the record of one run.
func (l *Lifecycle) GetRecordByRunKey(ctx context.Context, runKey string) (*store.Record, error) {
	return l.store.GetRecordByRunKey(ctx, runKey)
}

// GetRecordDetail returns one detail.
func (l *Lifecycle) GetRecordDetail(ctx context.Context, id int64) (*store.Detail, error) {
	return l.store.GetDetail(ctx, id)
}

// GetRecordAndTask returns a record together with the task it belongs to.
func (l *Lifecycle) GetRecordAndTask(ctx context.Context, recordID int64) (*store.Record, *store.Task, error) {
	rec, err := l.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, nil, err
	}
	task, err := l.store.GetTask(ctx, rec.TaskKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load task of record %d: %w", recordID, err)
	}
	return rec, task, nil
}

// ListRecordsByTaskKey returns every record of a task, newest first.
func (l *Lifecycle) ListRecordsByTaskKey(ctx context.Context, taskKey string) ([]store.Record, error) {
	return l.store.ListRecordsByTaskKey(ctx, taskKey)
}

// ListRecordsPage returns one page of a task's records, newest first.
func (l *Lifecycle) ListRecordsPage(ctx context.Context, taskKey string, page store.PageRequest) (store.Page[store.Record], error) {
	return l.store.ListRecordsPage(ctx, taskKey, page)
}

// ListDetailsByRecordID returns every detail of a record ordered by remote cluster.
func (l *Lifecycle) ListDetailsByRecordID(ctx context.Context, recordID int64) ([]store.Detail, error) {
	return l.store.ListDetailsByRecordID(ctx, recordID)
}

// ListRecordDetailPage returns one filtered page of a record's details.
func (l *Lifecycle) ListRecordDetailPage(ctx context.Context, recordID int64, opt store.DetailListOption) (store.Page[store.Detail], error) {
	return l.store.ListDetailsPage(ctx, recordID, opt)
}
