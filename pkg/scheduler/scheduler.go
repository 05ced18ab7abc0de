package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/engine"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/state"
	"github.com/droverhq/drover/pkg/types"
)

// Scheduler dispatches admitted runs to the engine. The API drives the
// runs it admits itself; the scheduler covers what that path misses:
// runs that were SPEC_READY when the process last stopped, and runs
// admitted by embedders that never call Execute. Each pass scans for
// SPEC_READY runs nobody is driving and hands the most urgent, oldest
// ones to the engine. Double dispatch is harmless because the engine
// admits one driver per run and turns the rest away at the claim.
type Scheduler struct {
	cfg    config.SchedulerConfig
	engine *engine.Engine
	state  *state.Manager
	logger zerolog.Logger

	// drives run on dispatchCtx so Close can park them through the
	// engine's pause-on-cancel path
	dispatchCtx context.Context
	cancel      context.CancelFunc
	drives      sync.WaitGroup

	stop    chan struct{}
	stopped sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// New builds the scheduler and starts its dispatch loop
func New(cfg config.SchedulerConfig, eng *engine.Engine, st *state.Manager) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Burst < 1 {
		cfg.Burst = 16
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:         cfg,
		engine:      eng,
		state:       st,
		logger:      log.WithComponent("scheduler"),
		dispatchCtx: ctx,
		cancel:      cancel,
		stop:        make(chan struct{}),
	}
	s.stopped.Add(1)
	go s.loop()
	return s
}

// Close stops the dispatch loop, cancels every run it is driving, and
// waits for them to park. Safe to call twice.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.stopped.Wait()
	s.cancel()
	s.drives.Wait()
	return nil
}

func (s *Scheduler) loop() {
	defer s.stopped.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.dispatch()
		case <-s.stop:
			return
		}
	}
}

// dispatch performs one pass: collect undriven SPEC_READY runs, order
// them critical-first then by admission time, launch up to Burst.
func (s *Scheduler) dispatch() {
	runs, err := s.state.List()
	if err != nil {
		s.logger.Error().Err(err).Msg("Dispatch pass could not list runs")
		return
	}

	var ready []*types.Run
	for _, run := range runs {
		if run.State == types.RunStateSpecReady && !s.engine.Driving(run.ID) {
			ready = append(ready, run)
		}
	}
	if len(ready) == 0 {
		return
	}

	sort.Slice(ready, func(i, j int) bool {
		if a, b := ready[i].Priority.Rank(), ready[j].Priority.Rank(); a != b {
			return a < b
		}
		if !ready[i].AdmittedAt.Equal(ready[j].AdmittedAt) {
			return ready[i].AdmittedAt.Before(ready[j].AdmittedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	if len(ready) > s.cfg.Burst {
		ready = ready[:s.cfg.Burst]
	}

	for _, run := range ready {
		s.launch(run)
	}
}

func (s *Scheduler) launch(run *types.Run) {
	s.drives.Add(1)
	go func() {
		defer s.drives.Done()
		_, err := s.engine.Execute(s.dispatchCtx, run.ID)
		switch {
		case err == nil:
		case fault.CodeOf(err) == fault.CodeTransitionIllegal:
			// another dispatcher or an API drive got there first
			s.logger.Debug().Str("run_id", run.ID).Msg("Run already taken")
		default:
			s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Dispatched run ended with error")
		}
	}()

	metrics.RunsDispatched.Inc()
	s.logger.Info().
		Str("run_id", run.ID).
		Str("tenant_id", run.TenantID).
		Str("priority", string(run.Priority)).
		Msg("Run dispatched")
}
