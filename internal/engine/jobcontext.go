package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/BadgerOps/artsync/internal/cluster"
	"github.com/BadgerOps/artsync/internal/schedule"
	"github.com/BadgerOps/artsync/internal/store"
)

// TaskSnapshot is a read-only copy of the fields of a task that a run needs.
// It never aliases the stored task.
type TaskSnapshot struct {
	key                string
	name               string
	localProjectID     string
	localRepoName      string
	remoteProjectID    string
	remoteRepoName     string
	repoType           string
	objectType         store.ObjectType
	replicaType        store.ReplicaType
	setting            store.Setting
	enabled            bool
	remoteClusters     []string
	packageConstraints []store.PackageConstraint
	pathConstraints    []string
}

// NewTaskSnapshot deep-copies task.
func NewTaskSnapshot(task *store.Task) TaskSnapshot {
	return TaskSnapshot{
		key:                task.Key,
		name:               task.Name,
		localProjectID:     task.LocalProjectID,
		localRepoName:      task.LocalRepoName,
		remoteProjectID:    task.RemoteProjectID,
		remoteRepoName:     task.RemoteRepoName,
		repoType:           task.RepoType,
		objectType:         task.ObjectType,
		replicaType:        task.ReplicaType,
		setting:            task.Setting,
		enabled:            task.Enabled,
		remoteClusters:     append([]string(nil), task.RemoteClusters...),
		packageConstraints: copyPackageConstraints(task.PackageConstraints),
		pathConstraints:    append([]string(nil), task.PathConstraints...),
	}
}

func (s TaskSnapshot) Key() string { return s.key }
func (s TaskSnapshot) Name() string { return s.name }
func (s TaskSnapshot) LocalProjectID() string { return s.localProjectID }
func (s TaskSnapshot) LocalRepoName() string { return s.localRepoName }
func (s TaskSnapshot) RemoteProjectID() string { return s.remoteProjectID }
func (s TaskSnapshot) RemoteRepoName() string { return s.remoteRepoName }
func (s TaskSnapshot) RepoType() string { return s.repoType }
func (s TaskSnapshot) ObjectType() store.ObjectType { return s.objectType }
func (s TaskSnapshot) ReplicaType() store.ReplicaType { return s.replicaType }
func (s TaskSnapshot) Setting() store.Setting { return s.setting }
func (s TaskSnapshot) Enabled() bool { return s.enabled }

// IsCron reports whether the snapshot was taken from a cron task.
func (s TaskSnapshot) IsCron() bool {
	return schedule.IsCronTask(&store.Task{Setting: s.setting})
}

// RemoteClusters returns a copy of the target cluster names.
func (s TaskSnapshot) RemoteClusters() []string {
	return append([]string(nil), s.remoteClusters...)
}

// PackageConstraints returns a copy of the package constraints.
func (s TaskSnapshot) PackageConstraints() []store.PackageConstraint {
	return copyPackageConstraints(s.packageConstraints)
}

// PathConstraints returns a copy of the path constraints.
func (s TaskSnapshot) PathConstraints() []string {
	return append([]string(nil), s.pathConstraints...)
}

func copyPackageConstraints(in []store.PackageConstraint) []store.PackageConstraint {
	if in == nil {
		return nil
	}
	out := make([]store.PackageConstraint, len(in))
	for i, pc := range in {
		out[i] = store.PackageConstraint{
			PackageKey: pc.PackageKey,
			Versions:   append([]string(nil), pc.Versions...),
		}
	}
	return out
}

// JobContext is everything one run needs: the task snapshot, the run key
// that correlates the record, its details and log lines, the local cluster
// identity and the aggregate progress tracker.
type JobContext struct {
	Task         TaskSnapshot
	RunKey       string
	LocalCluster cluster.Node
	Tracker      *RunTracker
}

// JobContextBuilder assembles JobContexts. It only reads.
type JobContextBuilder struct {
	store    Store
	registry ClusterRegistry
	newKey   func() string
}

// NewJobContextBuilder creates a builder that mints UUID run keys.
func NewJobContextBuilder(st Store, registry ClusterRegistry) *JobContextBuilder {
	return &JobContextBuilder{
		store:    st,
		registry: registry,
		newKey:   uuid.NewString,
	}
}

// Build loads taskKey and returns a fresh JobContext for it.
func (b *JobContextBuilder) Build(ctx context.Context, taskKey string) (*JobContext, error) {
	task, err := b.store.GetTask(ctx, taskKey)
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}

	snap := NewTaskSnapshot(task)
	runKey := b.newKey()
	return &JobContext{
		Task:         snap,
		RunKey:       runKey,
		LocalCluster: b.registry.Local(),
		Tracker:      NewRunTracker(snap.Key(), runKey),
	}, nil
}
