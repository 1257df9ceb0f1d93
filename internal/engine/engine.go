// Package engine runs replication tasks: it owns the task status machine,
// the record/detail lifecycle and the fan-out of one run across remote
// clusters.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/BadgerOps/artsync/internal/cluster"
	"github.com/BadgerOps/artsync/internal/store"
	"github.com/BadgerOps/artsync/internal/transport"
)

var (
	// ErrIllegalTransition is returned when an event does not apply to the
	// task's current status.
	ErrIllegalTransition = errors.New("illegal task status transition")
	// ErrTaskDisabled is returned when a run is requested for a disabled task.
	ErrTaskDisabled = errors.New("task is disabled")
	// ErrDetailsRunning is returned when a record is finalized before all of
	// its details are terminal.
	ErrDetailsRunning = errors.New("record still has running details")
	// ErrNoTargets is the pre-flight failure for a run with nothing to replicate to.
	ErrNoTargets = errors.New("no replication targets")
	// ErrInvalidTask wraps task validation failures.
	ErrInvalidTask = errors.New("invalid task")
	// ErrInvalidArgument covers malformed lifecycle inputs such as negative
	// progress or a non-terminal completion status.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Store is the persistence the engine needs. *store.Store implements it.
type Store interface {
	CreateTask(ctx context.Context, task *store.Task) error
	UpdateTask(ctx context.Context, task *store.Task, expected store.TaskStatus) error
	GetTask(ctx context.Context, key string) (*store.Task, error)
	GetTaskByName(ctx context.Context, name string) (*store.Task, error)
	ListTasks(ctx context.Context, page store.PageRequest) (store.Page[store.Task], error)
	DeleteTask(ctx context.Context, key string) error

	StartRun(ctx context.Context, task *store.Task, expected store.TaskStatus, rec *store.Record) error
	CompleteRun(ctx context.Context, rec *store.Record, task *store.Task, expected store.TaskStatus) error

	GetRecord(ctx context.Context, id int64) (*store.Record, error)
	GetRecordByRunKey(ctx context.Context, runKey string) (*store.Record, error)
	ListRecordsByTaskKey(ctx context.Context, taskKey string) ([]store.Record, error)
	ListRecordsPage(ctx context.Context, taskKey string, page store.PageRequest) (store.Page[store.Record], error)
	ListActiveRecords(ctx context.Context) ([]store.Record, error)
	ListExpiredRecords(ctx context.Context, taskKey string, cutoff time.Time) ([]store.Record, error)
	DeleteRecord(ctx context.Context, id int64) error
	DeleteRecordsByTaskKey(ctx context.Context, taskKey string) (int64, error)

	InsertDetail(ctx context.Context, d *store.Detail) error
	ReplaceDetail(ctx context.Context, d *store.Detail) error
	UpdateDetailProgress(ctx context.Context, id int64, p store.Progress) error
	GetDetail(ctx context.Context, id int64) (*store.Detail, error)
	ListDetailsByRecordID(ctx context.Context, recordID int64) ([]store.Detail, error)
	ListDetailsPage(ctx context.Context, recordID int64, opt store.DetailListOption) (store.Page[store.Detail], error)
}

// ClusterRegistry resolves cluster names. *cluster.Registry implements it.
type ClusterRegistry interface {
	Local() cluster.Node
	Resolve(names []string, repoType string) ([]cluster.Node, error)
}

// Prober checks that a remote cluster is reachable before a leg starts.
type Prober interface {
	Probe(ctx context.Context, node cluster.Node) error
}

// Transport moves the bytes of one leg.
type Transport interface {
	Replicate(ctx context.Context, target cluster.Node, req transport.Request, onProgress transport.ProgressFunc) (store.Progress, error)
}
