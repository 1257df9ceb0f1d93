package server

import (
	"context"
	"testing"
	"time"

	"github.com/BadgerOps/artsync/internal/store"
)

func newTestScheduler(env *testEnv) *Scheduler {
	return NewScheduler(env.store, env.orch, env.lifecycle, SchedulerOptions{
		PollInterval:  time.Hour,
		PurgeInterval: time.Hour,
		Logger:        env.srv.logger,
	})
}

func TestSchedulerTickStartsDueTasks(t *testing.T) {
	env := setupTestServer(t)
	due := env.createTask(t, "every-second", "* * * * * ?")
	manual := env.createTask(t, "manual", "")

	sched := newTestScheduler(env)
	sched.now = func() time.Time { return time.Now().Add(time.Hour) }

	if n := sched.Tick(context.Background()); n != 1 {
		t.Fatalf("expected 1 run started, got %d", n)
	}
	sched.Wait()

	records, err := env.lifecycle.ListRecordsByTaskKey(context.Background(), due.Key)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Status != store.ExecutionSuccess {
		t.Fatalf("expected one successful record, got %+v", records)
	}
	got, err := env.tasks.Get(context.Background(), due.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.TaskWaiting {
		t.Errorf("expected WAITING after a scheduled run, got %s", got.Status)
	}

	records, err = env.lifecycle.ListRecordsByTaskKey(context.Background(), manual.Key)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("manual task must not be scheduled, got %d records", len(records))
	}
}

func TestSchedulerSkipsReplicatingTasks(t *testing.T) {
	env := setupTestServer(t)
	release := make(chan struct{})
	env.transport.block = release
	env.createTask(t, "every-second", "* * * * * ?")

	sched := newTestScheduler(env)
	sched.now = func() time.Time { return time.Now().Add(time.Hour) }

	if n := sched.Tick(context.Background()); n != 1 {
		t.Fatalf("expected 1 run started, got %d", n)
	}
	if n := sched.Tick(context.Background()); n != 0 {
		t.Errorf("expected no run while the task is replicating, got %d", n)
	}

	close(release)
	sched.Wait()
}

func TestSchedulerPurge(t *testing.T) {
	env := setupTestServer(t)
	task := env.createTask(t, "nightly", "")
	if _, err := env.orch.Run(context.Background(), task.Key, "manual"); err != nil {
		t.Fatal(err)
	}

	sched := newTestScheduler(env)
	if n := sched.Purge(context.Background()); n != 0 {
		t.Fatalf("expected nothing to purge yet, got %d", n)
	}

	sched.now = func() time.Time { return time.Now().AddDate(0, 0, 40) }
	if n := sched.Purge(context.Background()); n != 1 {
		t.Fatalf("expected 1 record purged, got %d", n)
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	env := setupTestServer(t)
	sched := newTestScheduler(env)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
