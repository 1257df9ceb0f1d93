package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/artsync/internal/engine"
	"github.com/BadgerOps/artsync/internal/store"
)

var (
	taskFile            string
	taskName            string
	taskProject         string
	taskRepo            string
	taskRemoteProject   string
	taskRemoteRepo      string
	taskRepoType        string
	taskReplicaType     string
	taskCron            string
	taskClusters        []string
	taskPaths           []string
	taskDescription     string
	taskNoPrecheck      bool
	taskRetentionDays   int
	taskConflict        string
	taskErrorStrategy   string
	taskDisabled        bool
	taskListPage        int
	taskListSize        int
	taskShowRecentCount int
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage replication tasks",
		Long: `Create, inspect and remove replication tasks. A task names a local
repository, the remote clusters it is copied to and an optional cron schedule.`,
		Example: `  artsync task create --file nightly.yaml
  artsync task create --name nightly --project proj --repo libs --clusters edge-1,edge-2 --cron "0 0 2 * * ?"
  artsync task list
  artsync task show nightly
  artsync task disable nightly`,
	}

	cmd.AddCommand(
		newTaskCreateCmd(),
		newTaskListCmd(),
		newTaskShowCmd(),
		newTaskToggleCmd("enable", true),
		newTaskToggleCmd("disable", false),
		newTaskDeleteCmd(),
	)

	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a replication task",
		Long: `Create a task from a YAML definition file or from flags. The file uses
the same field names as the JSON API, for example:

  name: nightly
  local_project_id: proj
  local_repo_name: libs
  cron_expression: "0 0 2 * * ?"
  remote_clusters: [edge-1, edge-2]
  path_constraints: [release/]`,
		Example: `  artsync task create --file nightly.yaml
  artsync task create --name once --project proj --repo libs --clusters edge-1 --replica-type RUN_ONCE`,
		RunE: taskCreateRun,
	}

	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "YAML task definition")
	cmd.Flags().StringVar(&taskName, "name", "", "task name")
	cmd.Flags().StringVar(&taskProject, "project", "", "local project id")
	cmd.Flags().StringVar(&taskRepo, "repo", "", "local repository name")
	cmd.Flags().StringVar(&taskRemoteProject, "remote-project", "", "remote project id (defaults to the local one)")
	cmd.Flags().StringVar(&taskRemoteRepo, "remote-repo", "", "remote repository name (defaults to the local one)")
	cmd.Flags().StringVar(&taskRepoType, "repo-type", "", "repository type (default GENERIC)")
	cmd.Flags().StringVar(&taskReplicaType, "replica-type", "", "SCHEDULED or RUN_ONCE (default SCHEDULED)")
	cmd.Flags().StringVar(&taskCron, "cron", "", "cron expression, seconds field optional")
	cmd.Flags().StringSliceVar(&taskClusters, "clusters", nil, "comma-separated remote cluster names")
	cmd.Flags().StringSliceVar(&taskPaths, "paths", nil, "comma-separated path prefixes to replicate")
	cmd.Flags().StringVar(&taskDescription, "description", "", "free-form description")
	cmd.Flags().BoolVar(&taskNoPrecheck, "no-precheck", false, "skip the remote connectivity check")
	cmd.Flags().IntVar(&taskRetentionDays, "retention-days", -1, "days to keep execution records (default 30)")
	cmd.Flags().StringVar(&taskConflict, "conflict", "", "SKIP, OVERWRITE or FAST_FAIL (default SKIP)")
	cmd.Flags().StringVar(&taskErrorStrategy, "error-strategy", "", "CONTINUE or FAST_FAIL (default CONTINUE)")
	cmd.Flags().BoolVar(&taskDisabled, "disabled", false, "create the task disabled")

	return cmd
}

// loadTaskFile reads a YAML task definition.
func loadTaskFile(path string) (engine.CreateTaskRequest, error) {
	var req engine.CreateTaskRequest
	f, err := os.Open(path)
	if err != nil {
		return req, fmt.Errorf("reading task file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("parsing task file: %w", err)
	}
	return req, nil
}

func taskRequestFromFlags(cmd *cobra.Command) engine.CreateTaskRequest {
	req := engine.CreateTaskRequest{
		Name:             taskName,
		LocalProjectID:   taskProject,
		LocalRepoName:    taskRepo,
		RemoteProjectID:  taskRemoteProject,
		RemoteRepoName:   taskRemoteRepo,
		RepoType:         strings.ToUpper(taskRepoType),
		ReplicaType:      store.ReplicaType(strings.ToUpper(taskReplicaType)),
		CronExpression:   taskCron,
		ConflictStrategy: store.ConflictStrategy(strings.ToUpper(taskConflict)),
		ErrorStrategy:    store.ErrorStrategy(strings.ToUpper(taskErrorStrategy)),
		RemoteClusters:   taskClusters,
		PathConstraints:  taskPaths,
		Description:      taskDescription,
		CreatedBy:        currentUser(),
	}
	if cmd.Flags().Changed("no-precheck") {
		v := !taskNoPrecheck
		req.ValidateConnectivity = &v
	}
	if cmd.Flags().Changed("retention-days") {
		v := taskRetentionDays
		req.RecordReserveDays = &v
	}
	if cmd.Flags().Changed("disabled") {
		v := !taskDisabled
		req.Enabled = &v
	}
	return req
}

func taskCreateRun(cmd *cobra.Command, args []string) error {
	if globalTasks == nil {
		return fmt.Errorf("task service not initialized")
	}

	var req engine.CreateTaskRequest
	if taskFile != "" {
		var err error
		if req, err = loadTaskFile(taskFile); err != nil {
			return err
		}
		if req.CreatedBy == "" {
			req.CreatedBy = currentUser()
		}
	} else {
		req = taskRequestFromFlags(cmd)
	}

	task, err := globalTasks.Create(cmdContext(cmd), req)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if !quiet {
		fmt.Printf("Created task %s (%s)\n", task.Name, task.Key)
		if !task.NextExecutionTime.IsZero() {
			fmt.Printf("Next run: %s (%s)\n", formatTime(task.NextExecutionTime), formatRelative(task.NextExecutionTime))
		}
	}
	return nil
}

func newTaskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List replication tasks",
		Example: `  artsync task list --page 2 --size 50`,
		RunE:    taskListRun,
	}
	cmd.Flags().IntVar(&taskListPage, "page", 1, "page number")
	cmd.Flags().IntVar(&taskListSize, "size", store.DefaultPageSize, "tasks per page")
	return cmd
}

func taskListRun(cmd *cobra.Command, args []string) error {
	if globalTasks == nil {
		return fmt.Errorf("task service not initialized")
	}

	page, err := globalTasks.List(cmdContext(cmd), store.PageRequest{PageNumber: taskListPage, PageSize: taskListSize})
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	if page.TotalRecords == 0 {
		fmt.Println("No tasks defined.")
		return nil
	}

	fmt.Printf("%-24s %-12s %-8s %-10s %-22s %-18s %s\n", "Name", "Status", "Enabled", "Last", "Schedule", "Next Run", "Clusters")
	fmt.Println(strings.Repeat("-", 120))
	for _, t := range page.Records {
		enabled := "yes"
		if !t.Enabled {
			enabled = "no"
		}
		sched := t.Setting.CronExpression
		if sched == "" {
			sched = "manual"
		}
		next := "-"
		if !t.NextExecutionTime.IsZero() {
			next = formatRelative(t.NextExecutionTime)
		}
		fmt.Printf("%-24s %-12s %-8s %-10s %-22s %-18s %s\n",
			truncate(t.Name, 24),
			t.Status,
			enabled,
			orDash(string(t.LastExecutionStatus)),
			truncate(sched, 22),
			next,
			strings.Join(t.RemoteClusters, ","),
		)
	}
	fmt.Printf("\nPage %d of %d (%d tasks)\n", page.PageNumber, page.TotalPages, page.TotalRecords)
	return nil
}

func newTaskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show KEY|NAME",
		Short: "Show a task and its recent records",
		Args:  cobra.ExactArgs(1),
		RunE:  taskShowRun,
	}
	cmd.Flags().IntVar(&taskShowRecentCount, "records", 5, "number of recent records to show")
	return cmd
}

func taskShowRun(cmd *cobra.Command, args []string) error {
	if globalTasks == nil || globalLifecycle == nil {
		return fmt.Errorf("task service not initialized")
	}
	ctx := cmdContext(cmd)

	t, err := globalTasks.Lookup(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Task:          %s\n", t.Name)
	fmt.Printf("Key:           %s\n", t.Key)
	fmt.Printf("Status:        %s\n", t.Status)
	fmt.Printf("Enabled:       %t\n", t.Enabled)
	fmt.Printf("Source:        %s/%s (%s, %s)\n", t.LocalProjectID, t.LocalRepoName, t.RepoType, t.ObjectType)
	if t.RemoteProjectID != "" || t.RemoteRepoName != "" {
		fmt.Printf("Destination:   %s/%s\n", orDash(t.RemoteProjectID), orDash(t.RemoteRepoName))
	}
	fmt.Printf("Clusters:      %s\n", strings.Join(t.RemoteClusters, ", "))
	fmt.Printf("Replica type:  %s\n", t.ReplicaType)
	fmt.Printf("Schedule:      %s\n", orDash(t.Setting.CronExpression))
	fmt.Printf("Next run:      %s\n", formatTime(t.NextExecutionTime))
	fmt.Printf("Last run:      %s %s\n", formatTime(t.LastExecutionTime), orDash(string(t.LastExecutionStatus)))
	fmt.Printf("Precheck:      %t\n", t.Setting.ValidateConnectivity)
	fmt.Printf("Conflicts:     %s, errors: %s\n", t.Setting.ConflictStrategy, t.Setting.ErrorStrategy)
	fmt.Printf("Retention:     %d days\n", t.Setting.RecordReserveDays)
	if len(t.PathConstraints) > 0 {
		fmt.Printf("Paths:         %s\n", strings.Join(t.PathConstraints, ", "))
	}
	for _, pc := range t.PackageConstraints {
		versions := "all versions"
		if len(pc.Versions) > 0 {
			versions = strings.Join(pc.Versions, ", ")
		}
		fmt.Printf("Package:       %s (%s)\n", pc.PackageKey, versions)
	}
	if t.Description != "" {
		fmt.Printf("Description:   %s\n", t.Description)
	}

	if taskShowRecentCount <= 0 {
		return nil
	}
	records, err := globalLifecycle.ListRecordsPage(ctx, t.Key, store.PageRequest{PageNumber: 1, PageSize: taskShowRecentCount})
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}
	fmt.Println()
	if len(records.Records) == 0 {
		fmt.Println("No records yet.")
		return nil
	}
	printRecordTable(records.Records)
	return nil
}

func newTaskToggleCmd(use string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " KEY|NAME",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a replication task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskSetEnabled(cmdContext(cmd), args[0], enable)
		},
	}
}

// taskSetEnabled toggles the task only when it is not already in the wanted state.
func taskSetEnabled(ctx context.Context, ref string, enable bool) error {
	if globalTasks == nil {
		return fmt.Errorf("task service not initialized")
	}
	t, err := globalTasks.Lookup(ctx, ref)
	if err != nil {
		return err
	}
	if t.Enabled != enable {
		if t, err = globalTasks.Toggle(ctx, t.Key); err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
	}
	if !quiet {
		state := "disabled"
		if t.Enabled {
			state = "enabled"
		}
		fmt.Printf("Task %s is %s\n", t.Name, state)
	}
	return nil
}

func newTaskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY|NAME",
		Short: "Delete a task together with its records",
		Args:  cobra.ExactArgs(1),
		RunE:  taskDeleteRun,
	}
}

func taskDeleteRun(cmd *cobra.Command, args []string) error {
	if globalTasks == nil {
		return fmt.Errorf("task service not initialized")
	}
	ctx := cmdContext(cmd)
	t, err := globalTasks.Lookup(ctx, args[0])
	if err != nil {
		return err
	}
	if err := globalTasks.Delete(ctx, t.Key); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if !quiet {
		fmt.Printf("Deleted task %s (%s)\n", t.Name, t.Key)
	}
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
