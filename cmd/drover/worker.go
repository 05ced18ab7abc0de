package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/roles"
	"github.com/droverhq/drover/pkg/types"
	"github.com/droverhq/drover/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage workers",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a remote worker",
	Long: `Run a worker that leases stage tasks from the shared queue and
reports liveness to the control plane at --server.

Remote workers need the redis queue backend; point --config at the
same queue configuration the control plane uses.`,
	RunE: runWorker,
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		workers, err := c.ListWorkers(cmd.Context())
		if err != nil {
			return err
		}
		if len(workers) == 0 {
			fmt.Println("No workers registered.")
			return nil
		}
		fmt.Printf("%-24s %-8s %6s/%-6s %-12s %s\n", "WORKER", "STATUS", "ACTIVE", "MAX", "HEARTBEAT", "CAPABILITIES")
		for _, w := range workers {
			fmt.Printf("%-24s %-8s %6d/%-6d %-12s %s\n",
				w.ID, w.Status, w.ActiveTasks, w.MaxConcurrent,
				time.Since(w.LastHeartbeat).Round(time.Second).String()+" ago",
				strings.Join(w.Capabilities, ","))
		}
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerRunCmd)
	workerCmd.AddCommand(workerListCmd)

	workerRunCmd.Flags().StringP("config", "c", "", "Config file (YAML)")
	workerRunCmd.Flags().String("id", "", "Worker ID (default: hostname-pid)")
	workerRunCmd.Flags().StringSlice("capability", []string{"product", "data", "execution", "evaluation"}, "Capability tag (repeatable)")
	workerRunCmd.Flags().Int("max-concurrent", 4, "Concurrent task limit")
	workerRunCmd.Flags().String("trace-dir", "", "Directory for execution trace files")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	if cfg.Queue.Backend != "redis" {
		return fmt.Errorf("remote workers need queue.backend \"redis\", got %q", cfg.Queue.Backend)
	}

	id, _ := cmd.Flags().GetString("id")
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	caps, _ := cmd.Flags().GetStringSlice("capability")
	maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
	traceDir, _ := cmd.Flags().GetString("trace-dir")

	cp, err := apiClient(cmd)
	if err != nil {
		return err
	}

	q, err := queue.NewRedis(cfg.Queue, nil)
	if err != nil {
		return fmt.Errorf("failed to open queue: %v", err)
	}

	w, err := worker.New(worker.Options{
		ID:            id,
		Capabilities:  caps,
		MaxConcurrent: maxConcurrent,
		LeaseDuration: cfg.Queue.LeaseDuration,
		TraceDir:      traceDir,
	}, cfg.Workers, q, cp, roles.DefaultRegistry())
	if err != nil {
		return err
	}

	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %v", err)
	}
	fmt.Printf("✓ Worker %s running (capabilities: %s)\n", id, strings.Join(caps, ", "))
	fmt.Println("Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nDraining in-flight tasks...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worker stop: %v\n", err)
	}
	if err := q.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "queue close: %v\n", err)
	}
	fmt.Println("✓ Worker stopped")
	return nil
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the task queue",
}

var queueSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show queue depths by task state",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		snap, err := c.QueueSnapshot(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(snap)
		}
		fmt.Printf("Queue as of %s\n", snap.AsOf.Format(time.RFC3339))
		for _, state := range []types.TaskState{
			types.TaskPending, types.TaskLeased, types.TaskSucceeded, types.TaskFailed, types.TaskDead,
		} {
			fmt.Printf("  %-10s %d\n", state, snap.Counts[state])
		}
		if len(snap.Dead) > 0 {
			fmt.Println("\nDead letters:")
			for _, task := range snap.Dead {
				fmt.Printf("  %s  run=%s node=%s attempts=%d\n", task.ID, task.RunID, task.NodeID, task.Attempts)
			}
		}
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueSnapshotCmd)
	queueSnapshotCmd.Flags().Bool("json", false, "Print the full snapshot as JSON")
}
