package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/BadgerOps/artsync/internal/store"
)

func TestRunTrackerSnapshot(t *testing.T) {
	tracker := NewRunTracker("task-1", "run-1")
	tracker.SetRecord(7)
	tracker.SetPhase(PhaseReplicating)
	tracker.LegStarted("b", 2)
	tracker.LegStarted("a", 1)
	tracker.UpdateLeg("a", store.Progress{Success: 1, TotalSize: 100})
	tracker.UpdateLeg("a", store.Progress{Success: 2, TotalSize: 150})
	tracker.UpdateLeg("unknown", store.Progress{Success: 99})
	tracker.LegFinished("b", store.ExecutionFailed, store.Progress{Failed: 1}, "boom")

	snap := tracker.Snapshot()
	if snap.TaskKey != "task-1" || snap.RunKey != "run-1" || snap.RecordID != 7 {
		t.Errorf("unexpected identity: %+v", snap)
	}
	if snap.Phase != PhaseReplicating {
		t.Errorf("Phase = %s, want replicating", snap.Phase)
	}
	if len(snap.Legs) != 2 || snap.Legs[0].RemoteCluster != "a" || snap.Legs[1].RemoteCluster != "b" {
		t.Fatalf("legs not sorted by cluster: %+v", snap.Legs)
	}
	if snap.Legs[0].Progress != (store.Progress{Success: 2, TotalSize: 150}) {
		t.Errorf("leg a progress = %+v, want last update", snap.Legs[0].Progress)
	}
	if snap.Legs[1].Status != store.ExecutionFailed || snap.Legs[1].Error != "boom" {
		t.Errorf("leg b = %+v", snap.Legs[1])
	}
	want := store.Progress{Success: 2, Failed: 1, TotalSize: 150}
	if snap.Totals != want {
		t.Errorf("Totals = %+v, want %+v", snap.Totals, want)
	}
}

func TestRunTrackerWait(t *testing.T) {
	tracker := NewRunTracker("task-1", "run-1")
	ch := tracker.Wait()

	select {
	case <-ch:
		t.Fatal("channel closed before any update")
	default:
	}

	tracker.SetMessage("resolving targets")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("channel not closed after update")
	}

	if next := tracker.Wait(); next == ch {
		t.Error("Wait returned the closed channel")
	}
	if got := tracker.Snapshot().Message; got != "resolving targets" {
		t.Errorf("Message = %q", got)
	}
}

func TestRunTrackerConcurrentLegs(t *testing.T) {
	tracker := NewRunTracker("task-1", "run-1")
	clusters := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for i, name := range clusters {
		wg.Add(1)
		go func(id int64, name string) {
			defer wg.Done()
			tracker.LegStarted(name, id)
			for n := int64(1); n <= 50; n++ {
				tracker.UpdateLeg(name, store.Progress{Success: n, TotalSize: n * 10})
			}
			tracker.LegFinished(name, store.ExecutionSuccess, store.Progress{Success: 50, TotalSize: 500}, "")
		}(int64(i+1), name)
	}
	wg.Wait()

	snap := tracker.Snapshot()
	if snap.Totals.Success != 200 || snap.Totals.TotalSize != 2000 {
		t.Errorf("Totals = %+v", snap.Totals)
	}
}
