package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/artsync/internal/cluster"
	"github.com/BadgerOps/artsync/internal/metrics"
	"github.com/BadgerOps/artsync/internal/store"
	"github.com/BadgerOps/artsync/internal/tracing"
	"github.com/BadgerOps/artsync/internal/transport"
)

// Trigger says what started a run.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
)

const defaultMaxConcurrentLegs = 4

// Options tunes an Orchestrator. Zero values are usable.
type Options struct {
	MaxConcurrentLegs int
	Metrics           *metrics.Collector
	Tracer            trace.Tracer
	Logger            *slog.Logger
}

// RunReport is the outcome of one run.
type RunReport struct {
	Record  *store.Record  `json:"record"`
	Details []store.Detail `json:"details"`
	Totals  store.Progress `json:"totals"`
}

// Orchestrator fans one run of a task out to its remote clusters.
type Orchestrator struct {
	builder   *JobContextBuilder
	lifecycle *Lifecycle
	registry  ClusterRegistry
	prober    Prober
	transport Transport

	maxLegs int
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*RunTracker // keyed by run key
}

// NewOrchestrator creates an Orchestrator. prober may be nil, in which case
// connectivity is never prechecked.
func NewOrchestrator(builder *JobContextBuilder, lifecycle *Lifecycle, registry ClusterRegistry, prober Prober, tr Transport, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("artsync/engine")
	}
	if opts.MaxConcurrentLegs <= 0 {
		opts.MaxConcurrentLegs = defaultMaxConcurrentLegs
	}
	return &Orchestrator{
		builder:   builder,
		lifecycle: lifecycle,
		registry:  registry,
		prober:    prober,
		transport: tr,
		maxLegs:   opts.MaxConcurrentLegs,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    opts.Logger,
		active:    make(map[string]*RunTracker),
	}
}

// ActiveRun is a run that has been admitted. Its record exists and the
// task is REPLICATING until Done is closed.
type ActiveRun struct {
	TaskKey string
	RunKey  string
	Record  *store.Record
	Tracker *RunTracker

	done   chan struct{}
	report *RunReport
	err    error
}

// Done is closed once the run's record is terminal or the run aborted.
func (r *ActiveRun) Done() <-chan struct{} { return r.done }

// Wait blocks until the run is over and returns its outcome.
func (r *ActiveRun) Wait() (*RunReport, error) {
	<-r.done
	return r.report, r.err
}

// Run executes one run of taskKey and blocks until its record is terminal.
// Leg failures are reported in the returned record, not as an error; the
// error is non-nil only when the run could not start or its state could not
// be persisted.
func (o *Orchestrator) Run(ctx context.Context, taskKey string, trigger Trigger) (*RunReport, error) {
	run, err := o.Start(ctx, taskKey, trigger)
	if err != nil {
		return nil, err
	}
	return run.Wait()
}

// Start admits a run of taskKey and executes its legs in the background.
// Admission errors (unknown or disabled task, a run already in progress,
// an illegal transition) are returned before anything runs. The legs use
// ctx, so callers that return early should pass a context that outlives them.
func (o *Orchestrator) Start(ctx context.Context, taskKey string, trigger Trigger) (*ActiveRun, error) {
	job, err := o.builder.Build(ctx, taskKey)
	if err != nil {
		return nil, err
	}
	if !job.Task.Enabled() {
		return nil, fmt.Errorf("task %s: %w", taskKey, ErrTaskDisabled)
	}

	task := job.Task
	ctx, span := o.tracer.Start(ctx, "replica.run", trace.WithAttributes(
		attribute.String(tracing.AttrTaskKey, taskKey),
		attribute.String(tracing.AttrRunKey, job.RunKey),
		attribute.String("replica.trigger", string(trigger)),
		attribute.String("replica.object_type", string(task.ObjectType())),
		attribute.String("replica.replica_type", string(task.ReplicaType())),
		attribute.Bool("replica.cron", task.IsCron()),
	))

	rec, err := o.lifecycle.StartNewRecord(ctx, taskKey, job.RunKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.Int64(tracing.AttrRecordID, rec.ID))
	job.Tracker.SetRecord(rec.ID)
	o.metrics.RunStarted(string(trigger))
	o.track(job)

	run := &ActiveRun{
		TaskKey: taskKey,
		RunKey:  job.RunKey,
		Record:  rec,
		Tracker: job.Tracker,
		done:    make(chan struct{}),
	}
	logger := o.logger.With("task_key", taskKey, "run_key", job.RunKey, "record_id", rec.ID)
	logger.Info("run started", "task", task.Name(), "trigger", trigger, "targets", task.RemoteClusters())

	go func() {
		defer close(run.done)
		defer o.untrack(job.RunKey)
		defer span.End()
		run.report, run.err = o.execute(ctx, job, rec, span, logger)
	}()
	return run, nil
}

// Tracker returns the progress tracker of an active run.
func (o *Orchestrator) Tracker(runKey string) (*RunTracker, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.active[runKey]
	return t, ok
}

func (o *Orchestrator) execute(ctx context.Context, job *JobContext, rec *store.Record, span trace.Span, logger *slog.Logger) (*RunReport, error) {
	started := time.Now()

	targets, preflight := o.resolveTargets(job)
	if preflight != nil {
		logger.Warn("run pre-flight failed", "error", preflight)
		job.Tracker.SetMessage(preflight.Error())
	} else {
		job.Tracker.SetPhase(PhaseReplicating)
		if err := o.runLegs(ctx, job, rec.ID, targets, logger); err != nil {
			logger.Error("run aborted", "error", err)
			if _, aerr := o.lifecycle.AbortRecord(ctx, rec.ID, err.Error()); aerr != nil {
				logger.Error("record left running for recovery", "error", aerr)
			}
			o.finish(job, span, store.ExecutionFailed, started)
			span.RecordError(err)
			return nil, err
		}
	}

	job.Tracker.SetPhase(PhaseFinalizing)
	final, err := o.lifecycle.FinalizeRecord(ctx, rec.ID, preflight)
	if err != nil {
		logger.Error("failed to finalize record", "error", err)
		o.finish(job, span, store.ExecutionFailed, started)
		span.RecordError(err)
		return nil, err
	}

	details, err := o.lifecycle.ListDetailsByRecordID(ctx, rec.ID)
	if err != nil {
		o.finish(job, span, final.Status, started)
		return nil, fmt.Errorf("failed to list details: %w", err)
	}

	report := &RunReport{Record: final, Details: details, Totals: sumProgress(details)}
	o.finish(job, span, final.Status, started)

	logger.Info("run finished",
		"status", final.Status,
		"legs", len(details),
		"success", report.Totals.Success,
		"skip", report.Totals.Skip,
		"failed", report.Totals.Failed,
		"bytes", report.Totals.TotalSize,
		"duration", time.Since(started).Truncate(time.Millisecond),
	)
	return report, nil
}

// ActiveRuns returns a snapshot of every run in progress, oldest first.
func (o *Orchestrator) ActiveRuns() []RunProgress {
	o.mu.Lock()
	trackers := make([]*RunTracker, 0, len(o.active))
	for _, t := range o.active {
		trackers = append(trackers, t)
	}
	o.mu.Unlock()

	runs := make([]RunProgress, 0, len(trackers))
	for _, t := range trackers {
		runs = append(runs, t.Snapshot())
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartTime.Equal(runs[j].StartTime) {
			return runs[i].RunKey < runs[j].RunKey
		}
		return runs[i].StartTime.Before(runs[j].StartTime)
	})
	return runs
}

func (o *Orchestrator) track(job *JobContext) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[job.RunKey] = job.Tracker
}

func (o *Orchestrator) untrack(runKey string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, runKey)
}

func (o *Orchestrator) finish(job *JobContext, span trace.Span, status store.ExecutionStatus, started time.Time) {
	o.metrics.RunFinished(string(status), time.Since(started).Seconds())
	span.SetAttributes(attribute.String(tracing.AttrStatus, string(status)))
	if status == store.ExecutionSuccess {
		job.Tracker.SetPhase(PhaseComplete)
		span.SetStatus(codes.Ok, "")
		return
	}
	job.Tracker.SetPhase(PhaseFailed)
	span.SetStatus(codes.Error, "run failed")
}

func (o *Orchestrator) resolveTargets(job *JobContext) ([]cluster.Node, error) {
	targets, err := o.registry.Resolve(job.Task.RemoteClusters(), job.Task.RepoType())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve remote clusters: %w", err)
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	return targets, nil
}

// runLegs runs one leg per target. Legs do not cancel each other; the
// returned error is the first persistence failure, if any.
func (o *Orchestrator) runLegs(ctx context.Context, job *JobContext, recordID int64, targets []cluster.Node, logger *slog.Logger) error {
	var g errgroup.Group
	g.SetLimit(o.maxLegs)
	for _, target := range targets {
		g.Go(func() error {
			return o.runLeg(ctx, job, recordID, target, logger)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) runLeg(ctx context.Context, job *JobContext, recordID int64, target cluster.Node, logger *slog.Logger) error {
	ctx, span := o.tracer.Start(ctx, "replica.leg", trace.WithAttributes(
		attribute.String(tracing.AttrRemoteCluster, target.Name),
		attribute.Int64(tracing.AttrRecordID, recordID),
	))
	defer span.End()

	task := job.Task
	detail, err := o.lifecycle.InitialRecordDetail(ctx, DetailRequest{
		RecordID:           recordID,
		LocalCluster:       job.LocalCluster.Name,
		RemoteCluster:      target.Name,
		LocalRepoName:      task.LocalRepoName(),
		RepoType:           task.RepoType(),
		PackageConstraints: task.PackageConstraints(),
		PathConstraints:    task.PathConstraints(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create detail for %s: %w", target.Name, err)
	}

	span.SetAttributes(attribute.Int64(tracing.AttrDetailID, detail.ID))
	job.Tracker.LegStarted(target.Name, detail.ID)
	logger = logger.With("remote_cluster", target.Name, "detail_id", detail.ID)
	logger.Debug("leg started")
	started := time.Now()

	result := o.transfer(ctx, job, detail.ID, target, logger)

	if _, err := o.lifecycle.CompleteRecordDetail(ctx, detail.ID, result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to complete detail for %s: %w", target.Name, err)
	}

	p := result.Progress
	job.Tracker.LegFinished(target.Name, result.Status, p, result.ErrorReason)
	o.metrics.LegFinished(target.Name, string(result.Status), time.Since(started).Seconds(), p.Success, p.Skip, p.Failed, p.TotalSize)

	span.SetAttributes(attribute.String(tracing.AttrStatus, string(result.Status)))
	if result.Status == store.ExecutionFailed {
		span.SetStatus(codes.Error, result.ErrorReason)
		logger.Warn("leg failed", "error", result.ErrorReason, "success", p.Success, "failed", p.Failed)
		return nil
	}
	logger.Info("leg finished", "success", p.Success, "skip", p.Skip, "bytes", p.TotalSize)
	return nil
}

// transfer probes the target when the task asks for it and then hands the
// leg to the transport. Transport failures become a FAILED result.
func (o *Orchestrator) transfer(ctx context.Context, job *JobContext, detailID int64, target cluster.Node, logger *slog.Logger) DetailResult {
	task := job.Task
	if task.Setting().ValidateConnectivity && o.prober != nil {
		if err := o.prober.Probe(ctx, target); err != nil {
			logger.Warn("remote cluster unreachable", "error", err)
			return DetailResult{
				Status:      store.ExecutionFailed,
				ErrorReason: fmt.Sprintf("remote cluster %s is unreachable: %v", target.Name, err),
			}
		}
	}

	req := transport.Request{
		RunKey:             job.RunKey,
		LocalProjectID:     task.LocalProjectID(),
		LocalRepoName:      task.LocalRepoName(),
		RemoteProjectID:    task.RemoteProjectID(),
		RemoteRepoName:     task.RemoteRepoName(),
		RepoType:           task.RepoType(),
		PackageConstraints: task.PackageConstraints(),
		PathConstraints:    task.PathConstraints(),
		ConflictStrategy:   task.Setting().ConflictStrategy,
		ErrorStrategy:      task.Setting().ErrorStrategy,
	}
	progress, err := o.transport.Replicate(ctx, target, req, func(p store.Progress) {
		if err := o.lifecycle.UpdateRecordDetailProgress(ctx, detailID, p); err != nil {
			logger.Warn("failed to store leg progress", "error", err)
		}
		job.Tracker.UpdateLeg(target.Name, p)
	})
	if err != nil {
		return DetailResult{Status: store.ExecutionFailed, Progress: progress, ErrorReason: err.Error()}
	}
	return DetailResult{Status: store.ExecutionSuccess, Progress: progress}
}

func sumProgress(details []store.Detail) store.Progress {
	var total store.Progress
	for _, d := range details {
		total.Success += d.Progress.Success
		total.Skip += d.Progress.Skip
		total.Failed += d.Progress.Failed
		total.TotalSize += d.Progress.TotalSize
	}
	return total
}
