package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/artsync/internal/store"
)

// RunPhase represents the current phase of a replication run.
type RunPhase string

const (
	PhaseStarting    RunPhase = "starting"
	PhaseReplicating RunPhase = "replicating"
	PhaseFinalizing  RunPhase = "finalizing"
	PhaseComplete    RunPhase = "complete"
	PhaseFailed      RunPhase = "failed"
)

// LegProgress is the live state of one fan-out leg.
type LegProgress struct {
	RemoteCluster string                `json:"remote_cluster"`
	DetailID      int64                 `json:"detail_id"`
	Status        store.ExecutionStatus `json:"status"`
	Progress      store.Progress        `json:"progress"`
	Error         string                `json:"error,omitempty"`
}

// RunProgress is a snapshot of a run, safe for JSON serialization.
type RunProgress struct {
	TaskKey        string         `json:"task_key"`
	RunKey         string         `json:"run_key"`
	RecordID       int64          `json:"record_id,omitempty"`
	Phase          RunPhase       `json:"phase"`
	Legs           []LegProgress  `json:"legs"`
	Totals         store.Progress `json:"totals"`
	BytesPerSecond int64          `json:"bytes_per_second"`
	StartTime      time.Time      `json:"start_time"`
	Elapsed        string         `json:"elapsed"`
	Message        string         `json:"message,omitempty"`
}

// RunTracker aggregates progress from concurrent legs in a thread-safe manner.
// Listeners use Wait() to block until new updates are available.
type RunTracker struct {
	mu sync.Mutex

	taskKey   string
	runKey    string
	recordID  int64
	phase     RunPhase
	startTime time.Time
	message   string

	// Per-leg progress keyed by remote cluster
	legs map[string]*LegProgress

	// Notification channel: close-and-replace pattern.
	// Any update closes the old channel and replaces it with a new one.
	notify chan struct{}
}

// NewRunTracker creates a tracker for one run of a task.
func NewRunTracker(taskKey, runKey string) *RunTracker {
	return &RunTracker{
		taskKey:   taskKey,
		runKey:    runKey,
		phase:     PhaseStarting,
		startTime: time.Now(),
		legs:      make(map[string]*LegProgress),
		notify:    make(chan struct{}),
	}
}

// Snapshot returns a copy of the current progress state.
func (t *RunTracker) Snapshot() RunProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	legs := make([]LegProgress, 0, len(t.legs))
	var totals store.Progress
	for _, lp := range t.legs {
		legs = append(legs, *lp)
		totals.Success += lp.Progress.Success
		totals.Skip += lp.Progress.Skip
		totals.Failed += lp.Progress.Failed
		totals.TotalSize += lp.Progress.TotalSize
	}
	sort.Slice(legs, func(i, j int) bool {
		return legs[i].RemoteCluster < legs[j].RemoteCluster
	})

	elapsed := time.Since(t.startTime)
	var bytesPerSecond int64
	if elapsed > time.Second && totals.TotalSize > 0 {
		bytesPerSecond = int64(float64(totals.TotalSize) / elapsed.Seconds())
	}

	return RunProgress{
		TaskKey:        t.taskKey,
		RunKey:         t.runKey,
		RecordID:       t.recordID,
		Phase:          t.phase,
		Legs:           legs,
		Totals:         totals,
		BytesPerSecond: bytesPerSecond,
		StartTime:      t.startTime,
		Elapsed:        elapsed.Truncate(time.Second).String(),
		Message:        t.message,
	}
}

// Wait returns a channel that will be closed when the next update occurs.
// Callers should select on this channel alongside a timeout for heartbeats.
func (t *RunTracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal closes the current notify channel and replaces it with a new one.
// Must be called with t.mu held.
func (t *RunTracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// SetPhase updates the current run phase.
func (t *RunTracker) SetPhase(phase RunPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.signal()
}

// SetRecord stores the id of the record created for this run.
func (t *RunTracker) SetRecord(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordID = id
	t.signal()
}

// SetMessage sets a human-readable status message.
func (t *RunTracker) SetMessage(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.message = msg
	t.signal()
}

// LegStarted registers a leg once its detail exists.
func (t *RunTracker) LegStarted(remoteCluster string, detailID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.legs[remoteCluster] = &LegProgress{
		RemoteCluster: remoteCluster,
		DetailID:      detailID,
		Status:        store.ExecutionRunning,
	}
	t.signal()
}

// UpdateLeg overwrites the progress of a leg. Updates for unknown legs are ignored.
func (t *RunTracker) UpdateLeg(remoteCluster string, p store.Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lp, ok := t.legs[remoteCluster]
	if !ok {
		return
	}
	lp.Progress = p
	t.signal()
}

// LegFinished records the terminal outcome of a leg.
func (t *RunTracker) LegFinished(remoteCluster string, status store.ExecutionStatus, p store.Progress, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lp, ok := t.legs[remoteCluster]
	if !ok {
		lp = &LegProgress{RemoteCluster: remoteCluster}
		t.legs[remoteCluster] = lp
	}
	lp.Status = status
	lp.Progress = p
	lp.Error = errMsg
	t.signal()
}
