package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/artsync/internal/engine"
	"github.com/BadgerOps/artsync/internal/store"
)

var runFollow bool

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run KEY|NAME",
		Short: "Run a replication task now",
		Long: `Run a task immediately and wait for every remote cluster to finish.
The command exits non-zero when the run fails on any cluster; the record and
its per-cluster details are kept either way.`,
		Example: `  artsync run nightly
  artsync run nightly --follow`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	cmd.Flags().BoolVar(&runFollow, "follow", false, "print progress while the run is in flight")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	if globalTasks == nil || globalOrch == nil {
		return fmt.Errorf("engine not initialized")
	}
	ctx := cmdContext(cmd)

	task, err := globalTasks.Lookup(ctx, args[0])
	if err != nil {
		return err
	}

	run, err := globalOrch.Start(ctx, task.Key, engine.TriggerManual)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	if !quiet {
		fmt.Printf("Started run %s of %s (record %d)\n", run.RunKey, task.Name, run.Record.ID)
	}

	if runFollow && !quiet {
		followRun(run)
	}

	report, err := run.Wait()
	if err != nil {
		return fmt.Errorf("run aborted: %w", err)
	}

	if !quiet {
		fmt.Println()
		printReport(report)
	}
	if report.Record.Status != store.ExecutionSuccess {
		return fmt.Errorf("run %s failed: %s", report.Record.RunKey, report.Record.ErrorReason)
	}
	return nil
}

// followRun prints one line per tracker update until the run is done.
func followRun(run *engine.ActiveRun) {
	var last string
	for {
		updated := run.Tracker.Wait()
		snap := run.Tracker.Snapshot()
		line := fmt.Sprintf("[%s] %-12s %s", snap.Elapsed, snap.Phase, formatProgress(snap.Totals))
		if line != last {
			fmt.Println(line)
			last = line
		}
		if snap.Phase == engine.PhaseComplete || snap.Phase == engine.PhaseFailed {
			return
		}
		select {
		case <-updated:
		case <-run.Done():
			return
		}
	}
}

func printReport(report *engine.RunReport) {
	rec := report.Record
	fmt.Printf("Record %d: %s in %s\n", rec.ID, rec.Status, formatDuration(rec.StartTime, rec.EndTime))
	if rec.ErrorReason != "" {
		fmt.Printf("Reason: %s\n", rec.ErrorReason)
	}
	if len(report.Details) > 0 {
		fmt.Println()
		printDetailTable(report.Details)
	}
	fmt.Printf("\nTotal: %s\n", formatProgress(report.Totals))
}

func printDetailTable(details []store.Detail) {
	fmt.Printf("%-8s %-20s %-8s %8s %8s %8s %10s  %s\n", "Detail", "Cluster", "Status", "OK", "Skipped", "Failed", "Size", "Error")
	fmt.Println(strings.Repeat("-", 100))
	for _, d := range details {
		fmt.Printf("%-8d %-20s %-8s %8d %8d %8d %10s  %s\n",
			d.ID,
			truncate(d.RemoteCluster, 20),
			d.Status,
			d.Progress.Success,
			d.Progress.Skip,
			d.Progress.Failed,
			formatBytes(d.Progress.TotalSize),
			truncate(d.ErrorReason, 60),
		)
	}
}
