package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/artsync/internal/cluster"
	"github.com/BadgerOps/artsync/internal/schedule"
	"github.com/BadgerOps/artsync/internal/store"
)

func validRequest() CreateTaskRequest {
	return CreateTaskRequest{
		Name:           "nightly",
		LocalProjectID: "proj",
		LocalRepoName:  "repo",
		RemoteClusters: []string{"a", "b"},
	}
}

func TestCreateTaskDefaults(t *testing.T) {
	h := newHarness(t)
	task, err := h.tasks.Create(context.Background(), validRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, task.Key)
	assert.True(t, task.Enabled)
	assert.Equal(t, store.TaskWaiting, task.Status)
	assert.Equal(t, store.ReplicaScheduled, task.ReplicaType)
	assert.Equal(t, store.ObjectRepository, task.ObjectType)
	assert.Equal(t, DefaultRepoType, task.RepoType)
	assert.Equal(t, store.Setting{
		ValidateConnectivity: true,
		RecordReserveDays:    DefaultRecordReserveDays,
		ConflictStrategy:     store.ConflictSkip,
		ErrorStrategy:        store.ErrorContinue,
	}, task.Setting)
	assert.True(t, task.NextExecutionTime.IsZero())
	assert.Empty(t, task.LastExecutionStatus)

	stored := h.getTask(t, task.Key)
	assert.Equal(t, task.Name, stored.Name)
}

func TestCreateTaskCronSchedulesNext(t *testing.T) {
	h := newHarness(t)
	req := validRequest()
	req.CronExpression = "0 0 2 * * ?"
	task, err := h.tasks.Create(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, task.NextExecutionTime.Equal(time.Date(2024, 3, 11, 2, 0, 0, 0, time.UTC)), "next = %s", task.NextExecutionTime)

	req.Name = "paused"
	req.Enabled = boolPtr(false)
	task, err = h.tasks.Create(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, task.NextExecutionTime.IsZero(), "disabled tasks are not scheduled")
}

func TestCreateTaskObjectType(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := validRequest()
	req.PathConstraints = []string{"docs"}
	task, err := h.tasks.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, store.ObjectPath, task.ObjectType)

	req = validRequest()
	req.Name = "packages"
	req.PackageConstraints = []store.PackageConstraint{{PackageKey: "tool"}}
	task, err = h.tasks.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, store.ObjectPackage, task.ObjectType)
}

func TestCreateTaskValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*CreateTaskRequest)
		target error
	}{
		{"missing name", func(r *CreateTaskRequest) { r.Name = "  " }, ErrInvalidTask},
		{"missing project", func(r *CreateTaskRequest) { r.LocalProjectID = "" }, ErrInvalidTask},
		{"missing repo", func(r *CreateTaskRequest) { r.LocalRepoName = "" }, ErrInvalidTask},
		{"no clusters", func(r *CreateTaskRequest) { r.RemoteClusters = nil }, ErrInvalidTask},
		{"unknown cluster", func(r *CreateTaskRequest) { r.RemoteClusters = []string{"nowhere"} }, cluster.ErrUnknownCluster},
		{"run once with cron", func(r *CreateTaskRequest) {
			r.ReplicaType = store.ReplicaRunOnce
			r.CronExpression = "0 0 * * *"
		}, ErrInvalidTask},
		{"real time", func(r *CreateTaskRequest) { r.ReplicaType = store.ReplicaRealTime }, ErrInvalidTask},
		{"unknown replica type", func(r *CreateTaskRequest) { r.ReplicaType = "SOMETIMES" }, ErrInvalidTask},
		{"bad conflict strategy", func(r *CreateTaskRequest) { r.ConflictStrategy = "MERGE" }, ErrInvalidTask},
		{"bad error strategy", func(r *CreateTaskRequest) { r.ErrorStrategy = "RETRY" }, ErrInvalidTask},
		{"negative retention", func(r *CreateTaskRequest) { r.RecordReserveDays = intPtr(-1) }, ErrInvalidTask},
		{"empty package key", func(r *CreateTaskRequest) {
			r.PackageConstraints = []store.PackageConstraint{{PackageKey: " "}}
		}, ErrInvalidTask},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := validRequest()
			tt.modify(&req)

			_, err := h.tasks.Create(context.Background(), req)
			assert.ErrorIs(t, err, tt.target)

			page, err := h.tasks.List(context.Background(), store.PageRequest{})
			require.NoError(t, err)
			assert.Zero(t, page.TotalRecords)
		})
	}
}

func TestCreateTaskBadCron(t *testing.T) {
	h := newHarness(t)
	req := validRequest()
	req.CronExpression = "every tuesday"

	_, err := h.tasks.Create(context.Background(), req)
	var schedErr *schedule.Error
	require.True(t, errors.As(err, &schedErr), "got %v", err)
	assert.Equal(t, "every tuesday", schedErr.Expression)
}

func TestCreateTaskDuplicateName(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.tasks.Create(ctx, validRequest())
	require.NoError(t, err)

	_, err = h.tasks.Create(ctx, validRequest())
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestUpdateTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.createTask(t, "", "a")

	name := "renamed"
	cron := "0 30 * * * ?"
	clusters := []string{"b", "c"}
	updated, err := h.tasks.Update(ctx, task.Key, UpdateTaskRequest{
		Name:           &name,
		CronExpression: &cron,
		RemoteClusters: &clusters,
		ModifiedBy:     "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "ops", updated.LastModifiedBy)
	assert.True(t, updated.NextExecutionTime.Equal(time.Date(2024, 3, 10, 16, 30, 0, 0, time.UTC)), "next = %s", updated.NextExecutionTime)

	stored := h.getTask(t, task.Key)
	assert.Equal(t, []string{"b", "c"}, stored.RemoteClusters)
	assert.Equal(t, "0 30 * * * ?", stored.Setting.CronExpression)

	bad := "61 * * * *"
	_, err = h.tasks.Update(ctx, task.Key, UpdateTaskRequest{CronExpression: &bad})
	var schedErr *schedule.Error
	assert.True(t, errors.As(err, &schedErr))
	assert.Equal(t, "0 30 * * * ?", h.getTask(t, task.Key).Setting.CronExpression)

	_, err = h.tasks.Update(ctx, "missing", UpdateTaskRequest{Name: &name})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateTaskResetsCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.createTask(t, "", "a")
	_, err := h.orch.Run(ctx, task.Key, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, h.getTask(t, task.Key).Status)

	desc := "run it again"
	updated, err := h.tasks.Update(ctx, task.Key, UpdateTaskRequest{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, store.TaskWaiting, updated.Status)

	report, err := h.orch.Run(ctx, task.Key, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionSuccess, report.Record.Status)
}

func TestTaskChangesRejectedWhileReplicating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.createTask(t, "", "a")
	_, err := h.lifecycle.StartNewRecord(ctx, task.Key, "run-1")
	require.NoError(t, err)

	desc := "changed"
	_, err = h.tasks.Update(ctx, task.Key, UpdateTaskRequest{Description: &desc})
	assert.ErrorIs(t, err, store.ErrConflict)

	err = h.tasks.Delete(ctx, task.Key)
	assert.ErrorIs(t, err, store.ErrConflict)

	// Disabling is allowed and leaves the run alone.
	toggled, err := h.tasks.Toggle(ctx, task.Key)
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)
	assert.Equal(t, store.TaskReplicating, h.getTask(t, task.Key).Status)
}

func TestToggleTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.createTask(t, "0 0 * * *", "a")

	off, err := h.tasks.Toggle(ctx, task.Key)
	require.NoError(t, err)
	assert.False(t, off.Enabled)
	assert.True(t, off.NextExecutionTime.IsZero())

	h.setClock(baseTime.Add(48 * time.Hour))
	on, err := h.tasks.Toggle(ctx, task.Key)
	require.NoError(t, err)
	assert.True(t, on.Enabled)
	assert.True(t, on.NextExecutionTime.Equal(time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)), "next = %s", on.NextExecutionTime)
}

func TestDeleteTaskCascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.createTask(t, "", "a", "b")
	other := h.createTask(t, "", "a")

	report, err := h.orch.Run(ctx, task.Key, TriggerManual)
	require.NoError(t, err)
	_, err = h.orch.Run(ctx, other.Key, TriggerManual)
	require.NoError(t, err)

	require.NoError(t, h.tasks.Delete(ctx, task.Key))

	_, err = h.tasks.Get(ctx, task.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.lifecycle.GetRecord(ctx, report.Record.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.lifecycle.GetRecordDetail(ctx, report.Details[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	records, err := h.lifecycle.ListRecordsByTaskKey(ctx, other.Key)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	assert.ErrorIs(t, h.tasks.Delete(ctx, task.Key), store.ErrNotFound)
}

func TestLookupTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.tasks.Create(ctx, validRequest())
	require.NoError(t, err)

	byKey, err := h.tasks.Lookup(ctx, task.Key)
	require.NoError(t, err)
	byName, err := h.tasks.Lookup(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, byKey.ID, byName.ID)

	_, err = h.tasks.Lookup(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// runBeforeWriteStore lets a whole run of the task happen between the
// service's read and its write.
type runBeforeWriteStore struct {
	*store.Store
	orch *Orchestrator
	ran  bool
	err  error
}

func (s *runBeforeWriteStore) UpdateTask(ctx context.Context, task *store.Task, expected store.TaskStatus) error {
	if !s.ran {
		s.ran = true
		_, s.err = s.orch.Run(ctx, task.Key, TriggerManual)
	}
	return s.Store.UpdateTask(ctx, task, expected)
}

func TestTaskEditsKeepRunState(t *testing.T) {
	tests := []struct {
		name string
		edit func(ctx context.Context, tasks *TaskService, key string) (*store.Task, error)
	}{
		{"toggle", func(ctx context.Context, tasks *TaskService, key string) (*store.Task, error) {
			return tasks.Toggle(ctx, key)
		}},
		{"update", func(ctx context.Context, tasks *TaskService, key string) (*store.Task, error) {
			desc := "edited"
			return tasks.Update(ctx, key, UpdateTaskRequest{Description: &desc})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			task := h.createTask(t, "0 0 * * * ?", "a")

			st := &runBeforeWriteStore{Store: h.store, orch: h.orch}
			_, tasks, _ := h.wire(st)

			got, err := tt.edit(ctx, tasks, task.Key)
			require.NoError(t, err)
			require.True(t, st.ran)
			require.NoError(t, st.err)

			stored := h.getTask(t, task.Key)
			assert.Equal(t, store.TaskWaiting, stored.Status)
			assert.Equal(t, store.ExecutionSuccess, stored.LastExecutionStatus)
			assert.True(t, stored.LastExecutionTime.Equal(baseTime), "last run = %s", stored.LastExecutionTime)
			assert.Equal(t, store.ExecutionSuccess, got.LastExecutionStatus)
		})
	}
}
