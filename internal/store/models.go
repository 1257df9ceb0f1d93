package store

import "time"

// TaskStatus is the scheduling state of a replication task.
type TaskStatus string

const (
	TaskWaiting     TaskStatus = "WAITING"
	TaskReplicating TaskStatus = "REPLICATING"
	TaskCompleted   TaskStatus = "COMPLETED"
)

// ExecutionStatus is the state of a record or a record detail.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// Terminal reports whether the status is a final outcome.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed
}

// ReplicaType is the replication mode of a task.
type ReplicaType string

const (
	ReplicaScheduled ReplicaType = "SCHEDULED"
	ReplicaRunOnce   ReplicaType = "RUN_ONCE"
	ReplicaRealTime  ReplicaType = "REAL_TIME"
)

// ObjectType describes what a task replicates.
type ObjectType string

const (
	ObjectRepository ObjectType = "REPOSITORY"
	ObjectPackage    ObjectType = "PACKAGE"
	ObjectPath       ObjectType = "PATH"
)

// ConflictStrategy decides what happens when an artifact already exists remotely.
type ConflictStrategy string

const (
	ConflictSkip      ConflictStrategy = "SKIP"
	ConflictOverwrite ConflictStrategy = "OVERWRITE"
	ConflictFastFail  ConflictStrategy = "FAST_FAIL"
)

// ErrorStrategy decides whether a leg continues after a failed artifact.
type ErrorStrategy string

const (
	ErrorContinue ErrorStrategy = "CONTINUE"
	ErrorFastFail ErrorStrategy = "FAST_FAIL"
)

// PackageConstraint limits replication to one package and optionally some versions.
type PackageConstraint struct {
	PackageKey string   `json:"package_key" yaml:"package_key"`
	Versions   []string `json:"versions,omitempty" yaml:"versions,omitempty"`
}

// Setting holds the per-task execution settings.
type Setting struct {
	CronExpression       string           `json:"cron_expression,omitempty" yaml:"cron_expression,omitempty"`
	ValidateConnectivity bool             `json:"validate_connectivity" yaml:"validate_connectivity"`
	RecordReserveDays    int              `json:"record_reserve_days" yaml:"record_reserve_days"`
	ConflictStrategy     ConflictStrategy `json:"conflict_strategy" yaml:"conflict_strategy"`
	ErrorStrategy        ErrorStrategy    `json:"error_strategy" yaml:"error_strategy"`
}

// Task is a stored replication intent
type Task struct {
	ID                  int64
	Key                 string
	Name                string
	LocalProjectID      string
	LocalRepoName       string
	RemoteProjectID     string // empty means same as local
	RemoteRepoName      string // empty means same as local
	RepoType            string // "GENERIC", "DOCKER", "MAVEN", ...
	ObjectType          ObjectType
	ReplicaType         ReplicaType
	Setting             Setting
	RemoteClusters      []string
	PackageConstraints  []PackageConstraint
	PathConstraints     []string
	Description         string
	Enabled             bool
	Status              TaskStatus
	LastExecutionStatus ExecutionStatus // empty until the first run
	LastExecutionTime   time.Time
	NextExecutionTime   time.Time
	CreatedBy           string
	CreatedDate         time.Time
	LastModifiedBy      string
	LastModifiedDate    time.Time
}

// Progress counts artifacts handled by one leg
type Progress struct {
	Success   int64 `json:"success"`
	Skip      int64 `json:"skip"`
	Failed    int64 `json:"failed"`
	TotalSize int64 `json:"total_size"`
}

// Record is one execution attempt of a task
type Record struct {
	ID          int64
	TaskKey     string
	RunKey      string
	Status      ExecutionStatus
	StartTime   time.Time
	EndTime     time.Time // zero until completed
	ErrorReason string
}

// Detail is the per-remote-cluster leg of a record
type Detail struct {
	ID                 int64
	RecordID           int64
	LocalCluster       string
	RemoteCluster      string
	LocalRepoName      string
	RepoType           string
	PackageConstraints []PackageConstraint
	PathConstraints    []string
	Status             ExecutionStatus
	Progress           Progress
	StartTime          time.Time
	EndTime            time.Time
	ErrorReason        string
}
