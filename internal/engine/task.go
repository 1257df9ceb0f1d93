package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/artsync/internal/schedule"
	"github.com/BadgerOps/artsync/internal/store"
)

// Task defaults applied on create.
const (
	DefaultRecordReserveDays = 30
	DefaultRepoType          = "GENERIC"
)

// CreateTaskRequest describes a new task. Zero values take defaults.
type CreateTaskRequest struct {
	Name                 string                    `json:"name" yaml:"name"`
	LocalProjectID       string                    `json:"local_project_id" yaml:"local_project_id"`
	LocalRepoName        string                    `json:"local_repo_name" yaml:"local_repo_name"`
	RemoteProjectID      string                    `json:"remote_project_id,omitempty" yaml:"remote_project_id,omitempty"`
	RemoteRepoName       string                    `json:"remote_repo_name,omitempty" yaml:"remote_repo_name,omitempty"`
	RepoType             string                    `json:"repo_type,omitempty" yaml:"repo_type,omitempty"`
	ReplicaType          store.ReplicaType         `json:"replica_type,omitempty" yaml:"replica_type,omitempty"`
	CronExpression       string                    `json:"cron_expression,omitempty" yaml:"cron_expression,omitempty"`
	ValidateConnectivity *bool                     `json:"validate_connectivity,omitempty" yaml:"validate_connectivity,omitempty"`
	RecordReserveDays    *int                      `json:"record_reserve_days,omitempty" yaml:"record_reserve_days,omitempty"`
	ConflictStrategy     store.ConflictStrategy    `json:"conflict_strategy,omitempty" yaml:"conflict_strategy,omitempty"`
	ErrorStrategy        store.ErrorStrategy       `json:"error_strategy,omitempty" yaml:"error_strategy,omitempty"`
	RemoteClusters       []string                  `json:"remote_clusters" yaml:"remote_clusters"`
	PackageConstraints   []store.PackageConstraint `json:"package_constraints,omitempty" yaml:"package_constraints,omitempty"`
	PathConstraints      []string                  `json:"path_constraints,omitempty" yaml:"path_constraints,omitempty"`
	Description          string                    `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled              *bool                     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	CreatedBy            string                    `json:"created_by,omitempty" yaml:"created_by,omitempty"`
}

// UpdateTaskRequest changes a task. Nil fields are left as they are.
type UpdateTaskRequest struct {
	Name                 *string                    `json:"name,omitempty"`
	RemoteProjectID      *string                    `json:"remote_project_id,omitempty"`
	RemoteRepoName       *string                    `json:"remote_repo_name,omitempty"`
	CronExpression       *string                    `json:"cron_expression,omitempty"`
	ValidateConnectivity *bool                      `json:"validate_connectivity,omitempty"`
	RecordReserveDays    *int                       `json:"record_reserve_days,omitempty"`
	ConflictStrategy     *store.ConflictStrategy    `json:"conflict_strategy,omitempty"`
	ErrorStrategy        *store.ErrorStrategy       `json:"error_strategy,omitempty"`
	RemoteClusters       *[]string                  `json:"remote_clusters,omitempty"`
	PackageConstraints   *[]store.PackageConstraint `json:"package_constraints,omitempty"`
	PathConstraints      *[]string                  `json:"path_constraints,omitempty"`
	Description          *string                    `json:"description,omitempty"`
	ModifiedBy           string                     `json:"modified_by,omitempty"`
}

// TaskService manages task definitions.
type TaskService struct {
	store     Store
	registry  ClusterRegistry
	eval      *schedule.Evaluator
	lifecycle *Lifecycle
	newKey    func() string
	now       func() time.Time
	logger    *slog.Logger
}

// NewTaskService creates a TaskService.
func NewTaskService(st Store, registry ClusterRegistry, eval *schedule.Evaluator, lifecycle *Lifecycle, logger *slog.Logger) *TaskService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskService{
		store:     st,
		registry:  registry,
		eval:      eval,
		lifecycle: lifecycle,
		newKey:    uuid.NewString,
		now:       time.Now,
		logger:    logger,
	}
}

// Create validates and stores a new task in WAITING.
func (s *TaskService) Create(ctx context.Context, req CreateTaskRequest) (*store.Task, error) {
	now := s.now().UTC()
	task := &store.Task{
		Key:             s.newKey(),
		Name:            strings.TrimSpace(req.Name),
		LocalProjectID:  req.LocalProjectID,
		LocalRepoName:   req.LocalRepoName,
		RemoteProjectID: req.RemoteProjectID,
		RemoteRepoName:  req.RemoteRepoName,
		RepoType:        strings.ToUpper(strings.TrimSpace(req.RepoType)),
		ReplicaType:     req.ReplicaType,
		Setting: store.Setting{
			CronExpression:       strings.TrimSpace(req.CronExpression),
			ValidateConnectivity: true,
			RecordReserveDays:    DefaultRecordReserveDays,
			ConflictStrategy:     req.ConflictStrategy,
			ErrorStrategy:        req.ErrorStrategy,
		},
		RemoteClusters:     append([]string(nil), req.RemoteClusters...),
		PackageConstraints: copyPackageConstraints(req.PackageConstraints),
		PathConstraints:    append([]string(nil), req.PathConstraints...),
		Description:        req.Description,
		Enabled:            true,
		Status:             store.TaskWaiting,
		CreatedBy:          req.CreatedBy,
		CreatedDate:        now,
		LastModifiedBy:     req.CreatedBy,
		LastModifiedDate:   now,
	}
	if task.RepoType == "" {
		task.RepoType = DefaultRepoType
	}
	if task.ReplicaType == "" {
		task.ReplicaType = store.ReplicaScheduled
	}
	if task.Setting.ConflictStrategy == "" {
		task.Setting.ConflictStrategy = store.ConflictSkip
	}
	if task.Setting.ErrorStrategy == "" {
		task.Setting.ErrorStrategy = store.ErrorContinue
	}
	if req.ValidateConnectivity != nil {
		task.Setting.ValidateConnectivity = *req.ValidateConnectivity
	}
	if req.RecordReserveDays != nil {
		task.Setting.RecordReserveDays = *req.RecordReserveDays
	}
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
	}
	task.ObjectType = objectTypeOf(task)

	if err := s.validate(task); err != nil {
		return nil, err
	}
	if err := s.reschedule(task, now); err != nil {
		return nil, err
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info("task created", "task_key", task.Key, "name", task.Name, "clusters", task.RemoteClusters)
	return task, nil
}

// Get returns one task.
func (s *TaskService) Get(ctx context.Context, key string) (*store.Task, error) {
	return s.store.GetTask(ctx, key)
}

// Lookup returns a task by key, falling back to its name.
func (s *TaskService) Lookup(ctx context.Context, keyOrName string) (*store.Task, error) {
	task, err := s.store.GetTask(ctx, keyOrName)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return task, err
	}
	return s.store.GetTaskByName(ctx, keyOrName)
}

// List returns one page of tasks.
func (s *TaskService) List(ctx context.Context, page store.PageRequest) (store.Page[store.Task], error) {
	return s.store.ListTasks(ctx, page)
}

// Update applies req to a task that is not replicating. A COMPLETED task is
// reset to WAITING so that it can run again.
func (s *TaskService) Update(ctx context.Context, key string, req UpdateTaskRequest) (*store.Task, error) {
	task, err := s.store.GetTask(ctx, key)
	if err != nil {
		return nil, err
	}
	if task.Status == store.TaskReplicating {
		return nil, fmt.Errorf("task %s cannot be edited while replicating: %w", key, store.ErrConflict)
	}

	if req.Name != nil {
		task.Name = strings.TrimSpace(*req.Name)
	}
	if req.RemoteProjectID != nil {
		task.RemoteProjectID = *req.RemoteProjectID
	}
	if req.RemoteRepoName != nil {
		task.RemoteRepoName = *req.RemoteRepoName
	}
	if req.CronExpression != nil {
		task.Setting.CronExpression = strings.TrimSpace(*req.CronExpression)
	}
	if req.ValidateConnectivity != nil {
		task.Setting.ValidateConnectivity = *req.ValidateConnectivity
	}
	if req.RecordReserveDays != nil {
		task.Setting.RecordReserveDays = *req.RecordReserveDays
	}
	if req.ConflictStrategy != nil {
		task.Setting.ConflictStrategy = *req.ConflictStrategy
	}
	if req.ErrorStrategy != nil {
		task.Setting.ErrorStrategy = *req.ErrorStrategy
	}
	if req.RemoteClusters != nil {
		task.RemoteClusters = append([]string(nil), (*req.RemoteClusters)...)
	}
	if req.PackageConstraints != nil {
		task.PackageConstraints = copyPackageConstraints(*req.PackageConstraints)
	}
	if req.PathConstraints != nil {
		task.PathConstraints = append([]string(nil), (*req.PathConstraints)...)
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	task.ObjectType = objectTypeOf(task)

	if err := s.validate(task); err != nil {
		return nil, err
	}

	expected := task.Status
	if task.Status, err = Transition(task.Status, EventReset); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.reschedule(task, now); err != nil {
		return nil, err
	}
	task.LastModifiedBy = req.ModifiedBy
	task.LastModifiedDate = now

	if err := s.store.UpdateTask(ctx, task, expected); err != nil {
		return nil, err
	}

	s.logger.Info("task updated", "task_key", task.Key, "name", task.Name, "status", task.Status)
	return s.store.GetTask(ctx, key)
}

// Toggle flips the enabled flag. Disabling a replicating task does not stop
// the run in progress; it only prevents future starts. The returned task is
// re-read so it carries the latest run state.
func (s *TaskService) Toggle(ctx context.Context, key string) (*store.Task, error) {
	task, err := s.store.GetTask(ctx, key)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	task.Enabled = !task.Enabled
	task.LastModifiedDate = now
	if task.Status != store.TaskReplicating {
		if err := s.reschedule(task, now); err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdateTask(ctx, task, task.Status); err != nil {
		return nil, err
	}

	s.logger.Info("task toggled", "task_key", task.Key, "enabled", task.Enabled)
	return s.store.GetTask(ctx, key)
}

// Delete removes a task with all of its records and details.
func (s *TaskService) Delete(ctx context.Context, key string) error {
	task, err := s.store.GetTask(ctx, key)
	if err != nil {
		return err
	}
	if task.Status == store.TaskReplicating {
		return fmt.Errorf("task %s cannot be deleted while replicating: %w", key, store.ErrConflict)
	}

	if _, err := s.lifecycle.DeleteByTaskKey(ctx, key); err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, key); err != nil {
		return err
	}

	s.logger.Info("task deleted", "task_key", key, "name", task.Name)
	return nil
}

// reschedule sets the next execution time of an enabled cron task and clears
// it otherwise.
func (s *TaskService) reschedule(task *store.Task, now time.Time) error {
	task.NextExecutionTime = time.Time{}
	if !task.Enabled || !schedule.IsCronTask(task) {
		return nil
	}
	next, err := s.eval.Next(task.Setting.CronExpression, now)
	if err != nil {
		return err
	}
	task.NextExecutionTime = next
	return nil
}

func (s *TaskService) validate(task *store.Task) error {
	switch {
	case task.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	case task.LocalProjectID == "":
		return fmt.Errorf("%w: local project is required", ErrInvalidTask)
	case task.LocalRepoName == "":
		return fmt.Errorf("%w: local repository is required", ErrInvalidTask)
	case len(task.RemoteClusters) == 0:
		return fmt.Errorf("%w: at least one remote cluster is required", ErrInvalidTask)
	case task.Setting.RecordReserveDays < 0:
		return fmt.Errorf("%w: record reserve days must not be negative", ErrInvalidTask)
	}

	switch task.ReplicaType {
	case store.ReplicaScheduled:
	case store.ReplicaRunOnce:
		if schedule.IsCronTask(task) {
			return fmt.Errorf("%w: %s tasks cannot have a cron expression", ErrInvalidTask, task.ReplicaType)
		}
	case store.ReplicaRealTime:
		return fmt.Errorf("%w: replica type %s is not supported", ErrInvalidTask, task.ReplicaType)
	default:
		return fmt.Errorf("%w: unknown replica type %q", ErrInvalidTask, task.ReplicaType)
	}

	switch task.Setting.ConflictStrategy {
	case store.ConflictSkip, store.ConflictOverwrite, store.ConflictFastFail:
	default:
		return fmt.Errorf("%w: unknown conflict strategy %q", ErrInvalidTask, task.Setting.ConflictStrategy)
	}
	switch task.Setting.ErrorStrategy {
	case store.ErrorContinue, store.ErrorFastFail:
	default:
		return fmt.Errorf("%w: unknown error strategy %q", ErrInvalidTask, task.Setting.ErrorStrategy)
	}

	for _, pc := range task.PackageConstraints {
		if strings.TrimSpace(pc.PackageKey) == "" {
			return fmt.Errorf("%w: package constraint without package key", ErrInvalidTask)
		}
	}

	if _, err := s.registry.Resolve(task.RemoteClusters, ""); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}

	if schedule.IsCronTask(task) {
		if err := s.eval.Validate(task.Setting.CronExpression); err != nil {
			return err
		}
	}
	return nil
}

func objectTypeOf(task *store.Task) store.ObjectType {
	switch {
	case len(task.PackageConstraints) > 0:
		return store.ObjectPackage
	case len(task.PathConstraints) > 0:
		return store.ObjectPath
	default:
		return store.ObjectRepository
	}
}
