package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/artsync/internal/server"
)

var (
	serveListen     string
	serveNoSchedule bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the cron scheduler",
		Long: `Start the HTTP server exposing the task and record JSON API, Prometheus
metrics and live run progress. Unless disabled, the scheduler starts due cron
tasks and purges expired records in the background.

Records left RUNNING by a previous process are failed at startup.

By default, the server listens on the address configured in the config file
(default: 0.0.0.0:8080). Use --listen to override.`,
		Example: `  artsync serve
  artsync serve --listen 127.0.0.1:9000
  artsync serve --no-schedule`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")
	cmd.Flags().BoolVar(&serveNoSchedule, "no-schedule", false, "do not trigger cron tasks")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalOrch == nil {
		return fmt.Errorf("engine not initialized")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := globalLifecycle.RecoverInterruptedRecords(ctx, "interrupted: artsync restarted before the run finished")
	if err != nil {
		return fmt.Errorf("failed to recover interrupted records: %w", err)
	}
	if n > 0 {
		log.Warn("failed interrupted records", "count", n)
	}

	log.Info("server starting", "listen", listen, "data_dir", globalCfg.Server.DataDir, "schedule", globalCfg.Schedule.Enabled && !serveNoSchedule)

	srv := server.NewServer(globalTasks, globalLifecycle, globalOrch, globalMetrics, globalCfg, logger)

	// Channel to listen for errors from server
	errChan := make(chan error, 1)

	go func() {
		fmt.Printf("Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	var sched *server.Scheduler
	schedDone := make(chan struct{})
	if globalCfg.Schedule.Enabled && !serveNoSchedule {
		sched = server.NewScheduler(globalStore, globalOrch, globalLifecycle, server.SchedulerOptions{
			PollInterval:  globalCfg.Schedule.PollInterval,
			PurgeInterval: globalCfg.Schedule.PurgeInterval,
			Logger:        logger,
		})
		go func() {
			defer close(schedDone)
			if err := sched.Run(ctx); err != nil {
				log.Error("scheduler stopped with error", "error", err)
			}
		}()
	} else {
		close(schedDone)
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for either an error or a shutdown signal
	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
		fmt.Println("\nShutting down server...")
	}

	cancel()
	<-schedDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if sched != nil {
		waited := make(chan struct{})
		go func() {
			sched.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-shutdownCtx.Done():
			log.Warn("scheduled runs still in flight at shutdown; they will be failed on next start")
		}
	}

	fmt.Println("Server stopped gracefully")
	return nil
}
