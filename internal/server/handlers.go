package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/artsync/internal/cluster"
	"github.com/BadgerOps/artsync/internal/engine"
	"github.com/BadgerOps/artsync/internal/schedule"
	"github.com/BadgerOps/artsync/internal/store"
)

// ============================================================================
// JSON views
// ============================================================================

type taskJSON struct {
	Key                 string                    `json:"key"`
	Name                string                    `json:"name"`
	LocalProjectID      string                    `json:"local_project_id"`
	LocalRepoName       string                    `json:"local_repo_name"`
	RemoteProjectID     string                    `json:"remote_project_id,omitempty"`
	RemoteRepoName      string                    `json:"remote_repo_name,omitempty"`
	RepoType            string                    `json:"repo_type"`
	ObjectType          store.ObjectType          `json:"object_type"`
	ReplicaType         store.ReplicaType         `json:"replica_type"`
	Setting             store.Setting             `json:"setting"`
	RemoteClusters      []string                  `json:"remote_clusters"`
	PackageConstraints  []store.PackageConstraint `json:"package_constraints,omitempty"`
	PathConstraints     []string                  `json:"path_constraints,omitempty"`
	Description         string                    `json:"description,omitempty"`
	Enabled             bool                      `json:"enabled"`
	Status              store.TaskStatus          `json:"status"`
	LastExecutionStatus store.ExecutionStatus     `json:"last_execution_status,omitempty"`
	LastExecutionTime   *time.Time                `json:"last_execution_time,omitempty"`
	NextExecutionTime   *time.Time                `json:"next_execution_time,omitempty"`
	CreatedBy           string                    `json:"created_by,omitempty"`
	CreatedDate         time.Time                 `json:"created_date"`
	LastModifiedBy      string                    `json:"last_modified_by,omitempty"`
	LastModifiedDate    time.Time                 `json:"last_modified_date"`
}

type recordJSON struct {
	ID          int64                 `json:"id"`
	TaskKey     string                `json:"task_key"`
	RunKey      string                `json:"run_key"`
	Status      store.ExecutionStatus `json:"status"`
	StartTime   time.Time             `json:"start_time"`
	EndTime     *time.Time            `json:"end_time,omitempty"`
	ErrorReason string                `json:"error_reason,omitempty"`
}

type detailJSON struct {
	ID                 int64                     `json:"id"`
	RecordID           int64                     `json:"record_id"`
	LocalCluster       string                    `json:"local_cluster"`
	RemoteCluster      string                    `json:"remote_cluster"`
	LocalRepoName      string                    `json:"local_repo_name"`
	RepoType           string                    `json:"repo_type"`
	PackageConstraints []store.PackageConstraint `json:"package_constraints,omitempty"`
	PathConstraints    []string                  `json:"path_constraints,omitempty"`
	Status             store.ExecutionStatus     `json:"status"`
	Progress           store.Progress            `json:"progress"`
	StartTime          time.Time                 `json:"start_time"`
	EndTime            *time.Time                `json:"end_time,omitempty"`
	ErrorReason        string                    `json:"error_reason,omitempty"`
}

type recordWithTaskJSON struct {
	Record  recordJSON     `json:"record"`
	Task    taskJSON       `json:"task"`
	Details []detailJSON   `json:"details"`
	Totals  store.Progress `json:"totals"`
}

type runStartedJSON struct {
	RunKey string     `json:"run_key"`
	Record recordJSON `json:"record"`
}

type runReportJSON struct {
	Record  recordJSON     `json:"record"`
	Details []detailJSON   `json:"details"`
	Totals  store.Progress `json:"totals"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toTaskJSON(t *store.Task) taskJSON {
	return taskJSON{
		Key:                 t.Key,
		Name:                t.Name,
		LocalProjectID:      t.LocalProjectID,
		LocalRepoName:       t.LocalRepoName,
		RemoteProjectID:     t.RemoteProjectID,
		RemoteRepoName:      t.RemoteRepoName,
		RepoType:            t.RepoType,
		ObjectType:          t.ObjectType,
		ReplicaType:         t.ReplicaType,
		Setting:             t.Setting,
		RemoteClusters:      t.RemoteClusters,
		PackageConstraints:  t.PackageConstraints,
		PathConstraints:     t.PathConstraints,
		Description:         t.Description,
		Enabled:             t.Enabled,
		Status:              t.Status,
		LastExecutionStatus: t.LastExecutionStatus,
		LastExecutionTime:   optionalTime(t.LastExecutionTime),
		NextExecutionTime:   optionalTime(t.NextExecutionTime),
		CreatedBy:           t.CreatedBy,
		CreatedDate:         t.CreatedDate,
		LastModifiedBy:      t.LastModifiedBy,
		LastModifiedDate:    t.LastModifiedDate,
	}
}

func toRecordJSON(r *store.Record) recordJSON {
	return recordJSON{
		ID:          r.ID,
		TaskKey:     r.TaskKey,
		RunKey:      r.RunKey,
		Status:      r.Status,
		StartTime:   r.StartTime,
		EndTime:     optionalTime(r.EndTime),
		ErrorReason: r.ErrorReason,
	}
}

func toDetailJSON(d store.Detail) detailJSON {
	return detailJSON{
		ID:                 d.ID,
		RecordID:           d.RecordID,
		LocalCluster:       d.LocalCluster,
		RemoteCluster:      d.RemoteCluster,
		LocalRepoName:      d.LocalRepoName,
		RepoType:           d.RepoType,
		PackageConstraints: d.PackageConstraints,
		PathConstraints:    d.PathConstraints,
		Status:             d.Status,
		Progress:           d.Progress,
		StartTime:          d.StartTime,
		EndTime:            optionalTime(d.EndTime),
		ErrorReason:        d.ErrorReason,
	}
}

func toDetailsJSON(details []store.Detail) []detailJSON {
	out := make([]detailJSON, 0, len(details))
	for _, d := range details {
		out = append(out, toDetailJSON(d))
	}
	return out
}

// ============================================================================
// Helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusFor maps engine and store errors to HTTP status codes.
func statusFor(err error) int {
	var schedErr *schedule.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, engine.ErrIllegalTransition),
		errors.Is(err, engine.ErrTaskDisabled),
		errors.Is(err, engine.ErrDetailsRunning):
		return http.StatusConflict
	case errors.As(err, &schedErr),
		errors.Is(err, engine.ErrInvalidTask),
		errors.Is(err, engine.ErrInvalidArgument),
		errors.Is(err, cluster.ErrUnknownCluster):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	jsonError(w, code, err.Error())
}

// parsePage reads the page and size query parameters.
func parsePage(r *http.Request) (store.PageRequest, error) {
	var page store.PageRequest
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return page, fmt.Errorf("invalid page %q", v)
		}
		page.PageNumber = n
	}
	if v := q.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return page, fmt.Errorf("invalid size %q", v)
		}
		page.PageSize = n
	}
	return page.Normalize(), nil
}

func parseTime(q string, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: must be RFC 3339", q, v)
	}
	return t, nil
}

func parseRecordID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid record id %q", raw)
	}
	return id, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"active_runs": len(s.orch.ActiveRuns()),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	req, err := parsePage(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := s.tasks.List(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]taskJSON, 0, len(page.Records))
	for i := range page.Records {
		out = append(out, toTaskJSON(&page.Records[i]))
	}
	writeJSON(w, http.StatusOK, store.Page[taskJSON]{
		PageNumber:   page.PageNumber,
		PageSize:     page.PageSize,
		TotalRecords: page.TotalRecords,
		TotalPages:   page.TotalPages,
		Records:      out,
	})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateTaskRequest
	if err := decodeBody(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.tasks.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskJSON(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Lookup(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskJSON(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req engine.UpdateTaskRequest
	if err := decodeBody(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.tasks.Update(r.Context(), r.PathValue("key"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskJSON(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Delete(r.Context(), r.PathValue("key")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Toggle(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskJSON(task))
}

// handleRunTask starts a manual run. By default it answers 202 as soon as
// the record exists; with ?wait=true it blocks and returns the run report.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Lookup(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// The run outlives the request.
	run, err := s.orch.Start(context.WithoutCancel(r.Context()), task.Key, engine.TriggerManual)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		writeJSON(w, http.StatusAccepted, runStartedJSON{
			RunKey: run.RunKey,
			Record: toRecordJSON(run.Record),
		})
		return
	}

	select {
	case <-run.Done():
	case <-r.Context().Done():
		// The run keeps going; the client can follow it by run key.
		return
	}
	report, err := run.Wait()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runReportJSON{
		Record:  toRecordJSON(report.Record),
		Details: toDetailsJSON(report.Details),
		Totals:  report.Totals,
	})
}

func (s *Server) handleListTaskRecords(w http.ResponseWriter, r *http.Request) {
	req, err := parsePage(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := r.PathValue("key")
	if _, err := s.tasks.Get(r.Context(), key); err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := s.lifecycle.ListRecordsPage(r.Context(), key, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]recordJSON, 0, len(page.Records))
	for i := range page.Records {
		out = append(out, toRecordJSON(&page.Records[i]))
	}
	writeJSON(w, http.StatusOK, store.Page[recordJSON]{
		PageNumber:   page.PageNumber,
		PageSize:     page.PageSize,
		TotalRecords: page.TotalRecords,
		TotalPages:   page.TotalPages,
		Records:      out,
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := parseRecordID(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeRecord(w, r, id)
}

// handleGetRun returns the record of a run by its run key, whether or not the
// run is still active.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lifecycle.GetRecordByRunKey(r.Context(), r.PathValue("runKey"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRecord(w, r, rec.ID)
}

func (s *Server) writeRecord(w http.ResponseWriter, r *http.Request, id int64) {
	rec, task, err := s.lifecycle.GetRecordAndTask(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	details, err := s.lifecycle.ListDetailsByRecordID(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var totals store.Progress
	for _, d := range details {
		totals.Success += d.Progress.Success
		totals.Skip += d.Progress.Skip
		totals.Failed += d.Progress.Failed
		totals.TotalSize += d.Progress.TotalSize
	}
	writeJSON(w, http.StatusOK, recordWithTaskJSON{
		Record:  toRecordJSON(rec),
		Task:    toTaskJSON(task),
		Details: toDetailsJSON(details),
		Totals:  totals,
	})
}

func (s *Server) handleListRecordDetails(w http.ResponseWriter, r *http.Request) {
	id, err := parseRecordID(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := parsePage(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	opt := store.DetailListOption{
		Status:        store.ExecutionStatus(strings.ToUpper(q.Get("status"))),
		RemoteCluster: q.Get("cluster"),
		RepoName:      q.Get("repo"),
		Page:          page,
	}
	switch opt.Status {
	case "", store.ExecutionRunning, store.ExecutionSuccess, store.ExecutionFailed:
	default:
		jsonError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", q.Get("status")))
		return
	}
	if opt.StartedAfter, err = parseTime("started_after", q.Get("started_after")); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opt.StartedBefore, err = parseTime("started_before", q.Get("started_before")); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.lifecycle.GetRecord(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.lifecycle.ListRecordDetailPage(r.Context(), id, opt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, store.Page[detailJSON]{
		PageNumber:   result.PageNumber,
		PageSize:     result.PageSize,
		TotalRecords: result.TotalRecords,
		TotalPages:   result.TotalPages,
		Records:      toDetailsJSON(result.Records),
	})
}

func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.ActiveRuns())
}
