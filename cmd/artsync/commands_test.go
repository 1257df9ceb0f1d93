package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/artsync/internal/cluster"
	"github.com/BadgerOps/artsync/internal/config"
	"github.com/BadgerOps/artsync/internal/engine"
	"github.com/BadgerOps/artsync/internal/schedule"
	"github.com/BadgerOps/artsync/internal/store"
	"github.com/BadgerOps/artsync/internal/transport"
)

type stubTransport struct {
	fail map[string]string
}

func (s *stubTransport) Replicate(ctx context.Context, target cluster.Node, req transport.Request, onProgress transport.ProgressFunc) (store.Progress, error) {
	if reason, ok := s.fail[target.Name]; ok {
		return store.Progress{Failed: 1}, errors.New(reason)
	}
	return store.Progress{Success: 3, TotalSize: 3 << 20}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// setupTestEngine wires the global components against an in-memory store.
// Legs to the clusters named in fail return that error.
func setupTestEngine(t *testing.T, fail map[string]string) {
	t.Helper()
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	st := newTestStore(t)

	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Clusters = config.ClustersConfig{
		Local: "center",
		Nodes: []config.ClusterNode{
			{Name: "edge-1", URL: "http://edge-1.example:8080"},
			{Name: "edge-2", URL: "http://edge-2.example:8080"},
		},
	}
	registry, err := cluster.NewRegistry(cfg.Clusters, logger)
	if err != nil {
		t.Fatal(err)
	}
	eval, err := schedule.NewEvaluator("UTC")
	if err != nil {
		t.Fatal(err)
	}

	lifecycle := engine.NewLifecycle(st, eval, nil, logger)
	tasks := engine.NewTaskService(st, registry, eval, lifecycle, logger)
	orch := engine.NewOrchestrator(engine.NewJobContextBuilder(st, registry), lifecycle, registry, nil,
		&stubTransport{fail: fail}, engine.Options{Logger: logger})

	globalCfg, globalStore, globalLifecycle, globalTasks, globalOrch = cfg, st, lifecycle, tasks, orch
	quiet = false
	t.Cleanup(func() {
		globalCfg, globalStore, globalLifecycle, globalTasks, globalOrch = nil, nil, nil, nil, nil
	})
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	_ = w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading captured stdout: %v", err)
	}
	_ = r.Close()
	return string(data)
}

func writeTaskFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func createTaskFromFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := newTaskCreateCmd()
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("parsing flags: %v", err)
	}
	captureStdout(t, func() {
		if err := taskCreateRun(cmd, nil); err != nil {
			t.Fatalf("taskCreateRun returned error: %v", err)
		}
	})
	return cmd
}

func TestTaskCreateFromFile(t *testing.T) {
	setupTestEngine(t, nil)
	path := writeTaskFile(t, `name: nightly
local_project_id: proj
local_repo_name: libs
cron_expression: "0 0 2 * * ?"
remote_clusters: [edge-1, edge-2]
path_constraints: [release/]
record_reserve_days: 7
`)

	cmd := newTaskCreateCmd()
	if err := cmd.ParseFlags([]string{"--file", path}); err != nil {
		t.Fatal(err)
	}
	out := captureStdout(t, func() {
		if err := taskCreateRun(cmd, nil); err != nil {
			t.Fatalf("taskCreateRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "Created task nightly") || !strings.Contains(out, "Next run:") {
		t.Fatalf("unexpected output: %s", out)
	}

	task, err := globalTasks.Lookup(context.Background(), "nightly")
	if err != nil {
		t.Fatal(err)
	}
	if task.ObjectType != store.ObjectPath {
		t.Errorf("expected PATH object type, got %s", task.ObjectType)
	}
	if task.Setting.RecordReserveDays != 7 {
		t.Errorf("expected 7 retention days, got %d", task.Setting.RecordReserveDays)
	}
}

func TestLoadTaskFileRejectsUnknownFields(t *testing.T) {
	path := writeTaskFile(t, "name: x\nschedule: nightly\n")
	if _, err := loadTaskFile(path); err == nil {
		t.Fatal("expected an error for an unknown field")
	}
	if _, err := loadTaskFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestTaskCreateFromFlags(t *testing.T) {
	setupTestEngine(t, nil)
	createTaskFromFlags(t,
		"--name", "once", "--project", "proj", "--repo", "libs",
		"--clusters", "edge-1,edge-2", "--replica-type", "run_once",
		"--no-precheck", "--disabled", "--conflict", "overwrite",
	)

	task, err := globalTasks.Lookup(context.Background(), "once")
	if err != nil {
		t.Fatal(err)
	}
	if task.ReplicaType != store.ReplicaRunOnce {
		t.Errorf("expected RUN_ONCE, got %s", task.ReplicaType)
	}
	if task.Enabled {
		t.Error("expected task to be created disabled")
	}
	if task.Setting.ValidateConnectivity {
		t.Error("expected connectivity precheck to be off")
	}
	if task.Setting.ConflictStrategy != store.ConflictOverwrite {
		t.Errorf("expected OVERWRITE, got %s", task.Setting.ConflictStrategy)
	}
	if len(task.RemoteClusters) != 2 {
		t.Errorf("expected 2 clusters, got %v", task.RemoteClusters)
	}
}

func TestTaskCreateInvalid(t *testing.T) {
	setupTestEngine(t, nil)
	cmd := newTaskCreateCmd()
	if err := cmd.ParseFlags([]string{"--name", "x", "--project", "p", "--repo", "r", "--clusters", "mars"}); err != nil {
		t.Fatal(err)
	}
	err := taskCreateRun(cmd, nil)
	if !errors.Is(err, cluster.ErrUnknownCluster) {
		t.Fatalf("expected unknown cluster error, got %v", err)
	}
}

func TestTaskListRun(t *testing.T) {
	setupTestEngine(t, nil)

	newTaskListCmd()
	out := captureStdout(t, func() {
		if err := taskListRun(nil, nil); err != nil {
			t.Fatalf("taskListRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "No tasks defined.") {
		t.Fatalf("expected empty message, got: %s", out)
	}

	createTaskFromFlags(t, "--name", "nightly", "--project", "proj", "--repo", "libs", "--clusters", "edge-1", "--cron", "0 0 * * *")
	createTaskFromFlags(t, "--name", "adhoc", "--project", "proj", "--repo", "libs", "--clusters", "edge-2")

	out = captureStdout(t, func() {
		if err := taskListRun(nil, nil); err != nil {
			t.Fatalf("taskListRun returned error: %v", err)
		}
	})
	for _, want := range []string{"nightly", "adhoc", "0 0 * * *", "manual", "WAITING", "(2 tasks)"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestTaskEnableDisable(t *testing.T) {
	setupTestEngine(t, nil)
	createTaskFromFlags(t, "--name", "nightly", "--project", "proj", "--repo", "libs", "--clusters", "edge-1")
	ctx := context.Background()

	for _, step := range []struct {
		enable bool
		want   string
	}{
		{false, "is disabled"},
		{false, "is disabled"},
		{true, "is enabled"},
	} {
		out := captureStdout(t, func() {
			if err := taskSetEnabled(ctx, "nightly", step.enable); err != nil {
				t.Fatalf("taskSetEnabled returned error: %v", err)
			}
		})
		if !strings.Contains(out, step.want) {
			t.Errorf("expected %q, got: %s", step.want, out)
		}
	}

	if err := taskSetEnabled(ctx, "missing", true); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRunAndRecordCommands(t *testing.T) {
	setupTestEngine(t, map[string]string{"edge-2": "remote returned 503"})
	createTaskFromFlags(t, "--name", "nightly", "--project", "proj", "--repo", "libs", "--clusters", "edge-1,edge-2")

	newRunCmd()
	var runErr error
	out := captureStdout(t, func() {
		runErr = runRun(nil, []string{"nightly"})
	})
	if runErr == nil || !strings.Contains(runErr.Error(), "remote returned 503") {
		t.Fatalf("expected the run to fail with the leg error, got %v", runErr)
	}
	for _, want := range []string{"Started run", "FAILED", "edge-1", "SUCCESS", "3.0 MiB"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in run output, got: %s", want, out)
		}
	}

	newRecordListCmd()
	out = captureStdout(t, func() {
		if err := recordListRun(nil, []string{"nightly"}); err != nil {
			t.Fatalf("recordListRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "(1 records)") {
		t.Fatalf("expected one record, got: %s", out)
	}

	records, err := globalLifecycle.ListRecordsByTaskKey(context.Background(), mustLookup(t, "nightly").Key)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one record, got %v (%v)", records, err)
	}

	showCmd := newRecordShowCmd()
	if err := showCmd.ParseFlags([]string{"--status", "failed"}); err != nil {
		t.Fatal(err)
	}
	out = captureStdout(t, func() {
		if err := recordShowRun(showCmd, []string{strconv.FormatInt(records[0].ID, 10)}); err != nil {
			t.Fatalf("recordShowRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "edge-2") || strings.Contains(out, "edge-1") {
		t.Errorf("expected only the failed edge-2 detail, got: %s", out)
	}

	if err := recordShowRun(showCmd, []string{"abc"}); err == nil {
		t.Error("expected an error for a bad record id")
	}
	if err := recordShowRun(showCmd, []string{"9999"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	out = captureStdout(t, func() {
		if err := recordPurgeRun(nil, nil); err != nil {
			t.Fatalf("recordPurgeRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "Purged 0 expired records") {
		t.Errorf("unexpected purge output: %s", out)
	}
}

func TestTaskDeleteRun(t *testing.T) {
	setupTestEngine(t, nil)
	createTaskFromFlags(t, "--name", "nightly", "--project", "proj", "--repo", "libs", "--clusters", "edge-1")

	out := captureStdout(t, func() {
		if err := taskDeleteRun(nil, []string{"nightly"}); err != nil {
			t.Fatalf("taskDeleteRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "Deleted task nightly") {
		t.Errorf("unexpected output: %s", out)
	}
	if _, err := globalTasks.Lookup(context.Background(), "nightly"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected task to be gone, got %v", err)
	}
}

func TestConfigValidateRun(t *testing.T) {
	globalCfg = config.DefaultConfig()
	t.Cleanup(func() { globalCfg = nil })

	out := captureStdout(t, func() {
		if err := configValidateRun(nil, nil); err != nil {
			t.Fatalf("configValidateRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "Configuration OK") {
		t.Errorf("unexpected output: %s", out)
	}

	globalCfg.Replication.MaxConcurrentLegs = 0
	if err := configValidateRun(nil, nil); err == nil {
		t.Error("expected a validation error")
	}
}

func TestShouldSkipComponentInit(t *testing.T) {
	root := NewRootCmd()
	show, _, err := root.Find([]string{"config", "show"})
	if err != nil {
		t.Fatal(err)
	}
	if !shouldSkipComponentInit(show) {
		t.Error("config subcommands must not open the store")
	}
	list, _, err := root.Find([]string{"task", "list"})
	if err != nil {
		t.Fatal(err)
	}
	if shouldSkipComponentInit(list) {
		t.Error("task list needs the store")
	}
}

func TestFormatHelpers(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{formatBytes(0), "0 B"},
		{formatBytes(1536), "1.5 KiB"},
		{formatBytes(-5), "0 B"},
		{formatTime(time.Time{}), "-"},
		{formatRelative(time.Time{}), "never"},
		{formatDuration(time.Time{}, time.Time{}), "-"},
		{formatDuration(time.Unix(0, 0), time.Unix(90, 0)), "1m30s"},
		{truncate("abcdefgh", 5), "ab..."},
		{truncate("abc", 5), "abc"},
		{orDash(" "), "-"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func mustLookup(t *testing.T, ref string) *store.Task {
	t.Helper()
	task, err := globalTasks.Lookup(context.Background(), ref)
	if err != nil {
		t.Fatal(err)
	}
	return task
}
