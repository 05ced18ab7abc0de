package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/api"
	"github.com/droverhq/drover/pkg/artifact"
	"github.com/droverhq/drover/pkg/auth"
	"github.com/droverhq/drover/pkg/budget"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/controlplane"
	"github.com/droverhq/drover/pkg/engine"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/governance"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/plan"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/reconciler"
	"github.com/droverhq/drover/pkg/roles"
	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/state"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/tenant"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the drover control plane",
	Long: `Run the drover control plane: admission, planning, governed
execution, and the operator API in one process.

With queue.backend set to "redis", stage execution is distributed to
remote workers started with "drover worker run".`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringP("config", "c", "", "Config file (YAML)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	fmt.Println("Starting drover control plane...")
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	fmt.Printf("  Artifact Root:  %s\n", cfg.ArtifactRoot)
	fmt.Printf("  Queue Backend:  %s\n", cfg.Queue.Backend)
	fmt.Printf("  Dispatch:       %s\n", cfg.Engine.Dispatch)
	fmt.Printf("  API Address:    %s\n", cfg.API.Listen)
	fmt.Println()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %v", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}

	artifacts, err := artifact.NewStore(cfg.ArtifactRoot)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %v", err)
	}

	broker := events.NewBroker()
	broker.Start()

	tenants := tenant.NewRegistry(store, artifacts)
	ctrl := budget.NewController(store, tenants, artifacts, broker, cfg.Budget)
	if err := ctrl.Recover(); err != nil {
		return fmt.Errorf("failed to recover admission state: %v", err)
	}
	st := state.NewManager(store, broker)

	var q queue.Queue
	switch cfg.Queue.Backend {
	case "redis":
		q, err = queue.NewRedis(cfg.Queue, broker)
	default:
		q, err = queue.NewLocal(cfg.Queue, cfg.DataDir, broker)
	}
	if err != nil {
		return fmt.Errorf("failed to open queue: %v", err)
	}
	fmt.Printf("✓ Queue ready (%s)\n", cfg.Queue.Backend)

	workers := controlplane.NewRegistry(cfg.Registry, q, broker)
	adapters := roles.DefaultRegistry()

	var runner engine.Runner
	if cfg.Engine.Dispatch == "queue" {
		runner = engine.NewQueueRunner(q, cfg.Engine)
	} else {
		runner = engine.NewPoolRunner(cfg.Pool, cfg.Engine.StepTimeout, adapters)
	}

	eng, err := engine.New(engine.Deps{
		State:      st,
		Tenants:    tenants,
		Budget:     ctrl,
		Artifacts:  artifacts,
		Plans:      plan.NewRegistry(),
		Governance: governance.NewEngine(ctrl),
		Runner:     runner,
		Broker:     broker,
	})
	if err != nil {
		return fmt.Errorf("failed to build engine: %v", err)
	}
	fmt.Println("✓ Engine ready")

	var keyring *auth.Keyring
	if cfg.API.AuthEnabled {
		keyring, err = auth.New(store)
		if err != nil {
			return fmt.Errorf("failed to load credentials: %v", err)
		}
		secret, cred, err := keyring.Bootstrap()
		if err != nil {
			return fmt.Errorf("failed to bootstrap admin credential: %v", err)
		}
		if cred != nil {
			// Shown exactly once: only the digest is stored.
			fmt.Printf("✓ Admin credential minted (%s). Store this token now:\n", cred.ID)
			fmt.Printf("  %s\n", secret)
		}
	}

	srv, err := api.New(cfg.API, api.Deps{
		Engine:    eng,
		State:     st,
		Tenants:   tenants,
		Budget:    ctrl,
		Artifacts: artifacts,
		Queue:     q,
		Workers:   workers,
		Auth:      keyring,
	})
	if err != nil {
		return fmt.Errorf("failed to build API server: %v", err)
	}

	sched := scheduler.New(cfg.Scheduler, eng, st)
	rec := reconciler.New(cfg.Reconciler, reconciler.Deps{
		Engine:    eng,
		State:     st,
		Budget:    ctrl,
		Artifacts: artifacts,
		Broker:    broker,
		Keyring:   keyring,
	})
	collector := metrics.NewCollector(store, store, 15*time.Second)
	fmt.Println("✓ Scheduler and reconciler running")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()
	fmt.Printf("✓ API listening on %s\n", cfg.API.Listen)

	fmt.Println()
	fmt.Println("Control plane is running. Press Ctrl+C to stop.")

	// Wait for interrupt signal or API server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	// The scheduler stops first so nothing new launches while the API
	// drains. In-flight runs park paused during API shutdown, so the
	// registry and queue close after it; the store closes last because
	// every loop above it still reads through it.
	_ = sched.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "API shutdown: %v\n", err)
	}
	_ = rec.Close()
	if err := workers.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "registry shutdown: %v\n", err)
	}
	if err := q.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "queue shutdown: %v\n", err)
	}
	broker.Stop()
	_ = collector.Close()
	if err := store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %v", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}
