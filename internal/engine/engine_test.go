package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/artsync/internal/cluster"
	"github.com/BadgerOps/artsync/internal/config"
	"github.com/BadgerOps/artsync/internal/metrics"
	"github.com/BadgerOps/artsync/internal/schedule"
	"github.com/BadgerOps/artsync/internal/store"
	"github.com/BadgerOps/artsync/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var baseTime = time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)

// legOutcome scripts what the fake transport does for one cluster.
type legOutcome struct {
	updates []store.Progress
	final   store.Progress
	err     error
	block   chan struct{} // when set, Replicate waits for it to close
}

type fakeTransport struct {
	mu       sync.Mutex
	outcomes map[string]legOutcome
	calls    []string
	requests []transport.Request
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{outcomes: make(map[string]legOutcome)}
}

func (f *fakeTransport) Replicate(ctx context.Context, target cluster.Node, req transport.Request, onProgress transport.ProgressFunc) (store.Progress, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target.Name)
	f.requests = append(f.requests, req)
	out, ok := f.outcomes[target.Name]
	f.mu.Unlock()

	if !ok {
		out = legOutcome{final: store.Progress{Success: 1, TotalSize: 10}}
	}
	if out.block != nil {
		<-out.block
	}
	for _, p := range out.updates {
		if onProgress != nil {
			onProgress(p)
		}
	}
	return out.final, out.err
}

func (f *fakeTransport) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeProber struct {
	mu          sync.Mutex
	unreachable map[string]error
	probed      []string
}

func (p *fakeProber) Probe(ctx context.Context, node cluster.Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, node.Name)
	return p.unreachable[node.Name]
}

type harness struct {
	store     *store.Store
	lifecycle *Lifecycle
	tasks     *TaskService
	orch      *Orchestrator
	transport *fakeTransport
	prober    *fakeProber
	registry  *cluster.Registry
	eval      *schedule.Evaluator
	clock     time.Time
}

// setClock moves the time seen by the lifecycle and the task service.
func (h *harness) setClock(t time.Time) {
	h.clock = t
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "engine.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry, err := cluster.NewRegistry(config.ClustersConfig{
		Local: "center",
		Nodes: []config.ClusterNode{
			{Name: "a", URL: "http://a.example:8080"},
			{Name: "b", URL: "http://b.example:8080"},
			{Name: "c", URL: "http://c.example:8080"},
			{Name: "docker-only", URL: "http://d.example:8080", RepoTypes: []string{"DOCKER"}},
		},
	}, testLogger())
	require.NoError(t, err)

	eval, err := schedule.NewEvaluator("UTC")
	require.NoError(t, err)

	h := &harness{
		store:     st,
		transport: newFakeTransport(),
		prober:    &fakeProber{unreachable: make(map[string]error)},
		registry:  registry,
		eval:      eval,
		clock:     baseTime,
	}
	h.lifecycle, h.tasks, h.orch = h.wire(st)
	return h
}

// wire builds the lifecycle, task service and orchestrator over st, sharing
// the harness clock, registry, prober and transport.
func (h *harness) wire(st Store) (*Lifecycle, *TaskService, *Orchestrator) {
	now := func() time.Time { return h.clock }

	lifecycle := NewLifecycle(st, h.eval, metrics.NewCollector(), testLogger())
	lifecycle.now = now
	tasks := NewTaskService(st, h.registry, h.eval, lifecycle, testLogger())
	tasks.now = now
	orch := NewOrchestrator(
		NewJobContextBuilder(st, h.registry),
		lifecycle,
		h.registry,
		h.prober,
		h.transport,
		Options{MaxConcurrentLegs: 2, Metrics: metrics.NewCollector(), Logger: testLogger()},
	)
	return lifecycle, tasks, orch
}

var taskSeq int

func (h *harness) createTask(t *testing.T, cron string, clusters ...string) *store.Task {
	t.Helper()
	taskSeq++
	task, err := h.tasks.Create(context.Background(), CreateTaskRequest{
		Name:           fmt.Sprintf("task-%d", taskSeq),
		LocalProjectID: "proj",
		LocalRepoName:  "repo",
		CronExpression: cron,
		RemoteClusters: clusters,
	})
	require.NoError(t, err)
	return task
}

func (h *harness) getTask(t *testing.T, key string) *store.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), key)
	require.NoError(t, err)
	return task
}

func boolPtr(b bool) *bool { return &b }
