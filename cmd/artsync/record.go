package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/artsync/internal/store"
)

var (
	recordPage    int
	recordSize    int
	recordStatus  string
	recordCluster string
)

func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Inspect execution records",
		Long: `Every run of a task creates an execution record with one detail per
remote cluster. Records are kept for the task's retention period.`,
		Example: `  artsync record list nightly
  artsync record show 42 --status FAILED
  artsync record purge`,
	}

	cmd.AddCommand(
		newRecordListCmd(),
		newRecordShowCmd(),
		newRecordPurgeCmd(),
	)
	return cmd
}

func newRecordListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list KEY|NAME",
		Short: "List the records of a task, newest first",
		Args:  cobra.ExactArgs(1),
		RunE:  recordListRun,
	}
	cmd.Flags().IntVar(&recordPage, "page", 1, "page number")
	cmd.Flags().IntVar(&recordSize, "size", store.DefaultPageSize, "records per page")
	return cmd
}

func recordListRun(cmd *cobra.Command, args []string) error {
	if globalTasks == nil || globalLifecycle == nil {
		return fmt.Errorf("engine not initialized")
	}
	ctx := cmdContext(cmd)

	task, err := globalTasks.Lookup(ctx, args[0])
	if err != nil {
		return err
	}
	page, err := globalLifecycle.ListRecordsPage(ctx, task.Key, store.PageRequest{PageNumber: recordPage, PageSize: recordSize})
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}
	if page.TotalRecords == 0 {
		fmt.Printf("No records for %s.\n", task.Name)
		return nil
	}

	printRecordTable(page.Records)
	fmt.Printf("\nPage %d of %d (%d records)\n", page.PageNumber, page.TotalPages, page.TotalRecords)
	return nil
}

func printRecordTable(records []store.Record) {
	fmt.Printf("%-8s %-36s %-8s %-20s %-14s %s\n", "Record", "Run", "Status", "Started", "Duration", "Error")
	fmt.Println(strings.Repeat("-", 110))
	for _, r := range records {
		fmt.Printf("%-8d %-36s %-8s %-20s %-14s %s\n",
			r.ID,
			r.RunKey,
			r.Status,
			formatTime(r.StartTime),
			formatDuration(r.StartTime, r.EndTime),
			truncate(r.ErrorReason, 40),
		)
	}
}

func newRecordShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show a record and its per-cluster details",
		Args:  cobra.ExactArgs(1),
		RunE:  recordShowRun,
	}
	cmd.Flags().StringVar(&recordStatus, "status", "", "only details with this status (RUNNING, SUCCESS, FAILED)")
	cmd.Flags().StringVar(&recordCluster, "cluster", "", "only the detail for this remote cluster")
	cmd.Flags().IntVar(&recordPage, "page", 1, "page number")
	cmd.Flags().IntVar(&recordSize, "size", store.DefaultPageSize, "details per page")
	return cmd
}

func recordShowRun(cmd *cobra.Command, args []string) error {
	if globalLifecycle == nil {
		return fmt.Errorf("engine not initialized")
	}
	ctx := cmdContext(cmd)

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid record id %q", args[0])
	}

	rec, task, err := globalLifecycle.GetRecordAndTask(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("Record:    %d\n", rec.ID)
	fmt.Printf("Task:      %s (%s)\n", task.Name, task.Key)
	fmt.Printf("Run:       %s\n", rec.RunKey)
	fmt.Printf("Status:    %s\n", rec.Status)
	fmt.Printf("Started:   %s\n", formatTime(rec.StartTime))
	fmt.Printf("Finished:  %s\n", formatTime(rec.EndTime))
	fmt.Printf("Duration:  %s\n", formatDuration(rec.StartTime, rec.EndTime))
	if rec.ErrorReason != "" {
		fmt.Printf("Reason:    %s\n", rec.ErrorReason)
	}

	page, err := globalLifecycle.ListRecordDetailPage(ctx, id, store.DetailListOption{
		Status:        store.ExecutionStatus(strings.ToUpper(recordStatus)),
		RemoteCluster: recordCluster,
		Page:          store.PageRequest{PageNumber: recordPage, PageSize: recordSize},
	})
	if err != nil {
		return fmt.Errorf("failed to list details: %w", err)
	}
	fmt.Println()
	if len(page.Records) == 0 {
		fmt.Println("No matching details.")
		return nil
	}
	printDetailTable(page.Records)
	if page.TotalPages > 1 {
		fmt.Printf("\nPage %d of %d (%d details)\n", page.PageNumber, page.TotalPages, page.TotalRecords)
	}
	return nil
}

func newRecordPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete records older than their task's retention period",
		Args:  cobra.NoArgs,
		RunE:  recordPurgeRun,
	}
}

func recordPurgeRun(cmd *cobra.Command, args []string) error {
	if globalLifecycle == nil {
		return fmt.Errorf("engine not initialized")
	}
	n, err := globalLifecycle.PurgeExpiredRecords(cmdContext(cmd), time.Now())
	if err != nil {
		return fmt.Errorf("failed to purge records: %w", err)
	}
	if !quiet {
		fmt.Printf("Purged %d expired records\n", n)
	}
	return nil
}
