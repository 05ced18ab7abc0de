package reconciler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/artifact"
	"github.com/droverhq/drover/pkg/auth"
	"github.com/droverhq/drover/pkg/budget"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/engine"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/state"
	"github.com/droverhq/drover/pkg/types"
)

// Repair actions, the labels on the repairs counter
const (
	actionParked   = "parked"
	actionReleased = "released_admission"
	actionSealed   = "sealed_bundle"
	actionSwept    = "swept_credential"
)

// Reconciler enforces the invariants that hold between the run store,
// the engine, the budget controller, and the artifact store. It is
// level-triggered: each cycle reads current state and repairs whatever
// violates an invariant, regardless of how it got that way.
//
// Three invariants are enforced:
//
//  1. Every RUNNING run has a driver. The engine claims a run before
//     it ever turns RUNNING and parks it before releasing the claim,
//     so a RUNNING run nobody is driving means a process died mid-run.
//     Those are paused with reason "crash recovery" for an operator
//     decision, the same repair drover-repair applies offline.
//  2. Terminal runs hold no admission slot.
//  3. Terminal runs have sealed bundles.
//
// With a keyring wired in, each cycle also sweeps expired credentials
// out of the store.
type Reconciler struct {
	cfg       config.ReconcilerConfig
	engine    *engine.Engine
	state     *state.Manager
	budget    *budget.Controller
	artifacts *artifact.Store
	broker    *events.Broker
	keyring   *auth.Keyring
	logger    zerolog.Logger

	stop    chan struct{}
	stopped sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// Deps are the subsystems the reconciler inspects and repairs. Broker
// and Keyring are optional; everything else is required.
type Deps struct {
	Engine    *engine.Engine
	State     *state.Manager
	Budget    *budget.Controller
	Artifacts *artifact.Store
	Broker    *events.Broker
	Keyring   *auth.Keyring
}

// New builds the reconciler and starts its repair loop
func New(cfg config.ReconcilerConfig, deps Deps) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}

	r := &Reconciler{
		cfg:       cfg,
		engine:    deps.Engine,
		state:     deps.State,
		budget:    deps.Budget,
		artifacts: deps.Artifacts,
		broker:    deps.Broker,
		keyring:   deps.Keyring,
		logger:    log.WithComponent("reconciler"),
		stop:      make(chan struct{}),
	}
	r.stopped.Add(1)
	go r.loop()
	return r
}

// Close stops the repair loop. Safe to call twice.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stop)
	r.stopped.Wait()
	return nil
}

func (r *Reconciler) loop() {
	defer r.stopped.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stop:
			return
		}
	}
}

// reconcile performs one repair cycle over every run
func (r *Reconciler) reconcile() {
	runs, err := r.state.List()
	if err != nil {
		r.logger.Error().Err(err).Msg("Reconcile cycle could not list runs")
		return
	}

	for _, run := range runs {
		switch {
		case run.State == types.RunStateRunning && !r.engine.Driving(run.ID):
			r.park(run)
		case run.State.IsTerminal():
			if run.AdmissionToken != "" && r.budget.Release(run.AdmissionToken) {
				metrics.ReconcileRepairs.WithLabelValues(actionReleased).Inc()
				r.logger.Warn().
					Str("run_id", run.ID).
					Str("tenant_id", run.TenantID).
					Msg("Released admission slot leaked by a terminal run")
			}
			r.seal(run)
		}
	}
	if r.keyring != nil {
		if n := r.keyring.Sweep(); n > 0 {
			metrics.ReconcileRepairs.WithLabelValues(actionSwept).Add(float64(n))
		}
	}
	metrics.ReconcileCycles.Inc()
}

// park pauses a stranded run. The run record survives the dead driver;
// its in-flight work does not, so the operator decides between resume
// and stop once the evidence is inspected.
func (r *Reconciler) park(run *types.Run) {
	parked, err := r.state.Transition(run.ID, types.RunStatePaused, state.TransitionOpts{
		Reason: "crash recovery",
		Actor:  "reconciler",
	})
	if err != nil {
		// The run moved on between the list and the repair; next cycle
		// sees the new state
		r.logger.Debug().Err(err).Str("run_id", run.ID).Msg("Stranded run moved before parking")
		return
	}

	metrics.ReconcileRepairs.WithLabelValues(actionParked).Inc()
	r.logger.Warn().
		Str("run_id", run.ID).
		Str("tenant_id", run.TenantID).
		Msg("Parked stranded run for operator decision")

	ev := &types.Event{
		Type:      events.EventSystemError,
		Timestamp: time.Now().UTC(),
		TenantID:  parked.TenantID,
		RunID:     parked.ID,
		Message:   "run had no driver; parked for crash recovery",
	}
	if err := r.artifacts.AppendEvent(parked.ID, ev); err != nil {
		r.logger.Warn().Err(err).Str("run_id", parked.ID).Msg("Failed to append crash recovery event")
	}
	if r.broker != nil {
		r.broker.Publish(ev)
	}
}

// seal closes the bundle of a terminal run that was left open. The
// engine seals before the terminal transition, so an open bundle on a
// terminal run means that ordering was violated by a crash or by hand.
func (r *Reconciler) seal(run *types.Run) {
	if !r.artifacts.Exists(run.ID) || r.artifacts.Sealed(run.ID) {
		return
	}
	if _, err := r.artifacts.Seal(run.ID); err != nil {
		r.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to seal terminal run's bundle")
		return
	}
	metrics.ReconcileRepairs.WithLabelValues(actionSealed).Inc()
	r.logger.Warn().Str("run_id", run.ID).Msg("Sealed bundle left open by a terminal run")
}
