package state

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

// Manager owns run lifecycle state. Every state change goes through
// Transition, which validates against the transition table, persists
// the run and an audit record, and publishes an event. Concurrent
// transitions on one run serialize on a per-run lock; the loser of a
// race sees the winner's state and fails the table check.
type Manager struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a run state manager
func NewManager(store storage.Store, broker *events.Broker) *Manager {
	return &Manager{
		store:  store,
		broker: broker,
		logger: log.WithComponent("state"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *Manager) runLock(runID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[runID] = lock
	}
	return lock
}

// Create persists a new run in IDLE state
func (m *Manager) Create(run *types.Run) error {
	if run.State == "" {
		run.State = types.RunStateIdle
	}
	if run.State != types.RunStateIdle {
		return fault.Newf(fault.CodeTransitionIllegal, "runs start in %s, got %s", types.RunStateIdle, run.State)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if err := m.store.CreateRun(run); err != nil {
		return err
	}

	m.publish(&types.Event{
		Type:     events.EventRunCreated,
		TenantID: run.TenantID,
		RunID:    run.ID,
	})
	m.logger.Info().Str("run_id", run.ID).Str("tenant_id", run.TenantID).Msg("Run created")
	return nil
}

// Get returns one run
func (m *Manager) Get(runID string) (*types.Run, error) {
	return m.store.GetRun(runID)
}

// List returns all runs
func (m *Manager) List() ([]*types.Run, error) {
	return m.store.ListRuns()
}

// ListByTenant returns a tenant's runs
func (m *Manager) ListByTenant(tenantID string) ([]*types.Run, error) {
	return m.store.ListRunsByTenant(tenantID)
}

// History returns the ordered transition records for a run
func (m *Manager) History(runID string) ([]*types.TransitionRecord, error) {
	if _, err := m.store.GetRun(runID); err != nil {
		return nil, err
	}
	return m.store.ListTransitions(runID)
}

// TransitionOpts carries the audit fields and side effects of a
// transition
type TransitionOpts struct {
	Reason string
	Actor  string

	// Mode applies on transitions into RUNNING. A RUNNING to RUNNING
	// transition exists precisely to carry a mode change.
	Mode types.ExecutionMode

	// FailureCode and Error annotate transitions into FAILED
	FailureCode string
	Error       string
}

// Transition moves a run to a new state. Illegal transitions fail with
// TransitionIllegal and leave the run untouched.
func (m *Manager) Transition(runID string, to types.RunState, opts TransitionOpts) (*types.Run, error) {
	lock := m.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := m.store.GetRun(runID)
	if err != nil {
		return nil, err
	}

	from := run.State
	if !types.CanTransition(from, to) {
		return nil, fault.Newf(fault.CodeTransitionIllegal, "run %s cannot move %s -> %s", runID, from, to)
	}

	now := time.Now().UTC()
	run.State = to
	if opts.Mode != "" && to == types.RunStateRunning {
		run.Mode = opts.Mode
	}
	if to == types.RunStateRunning && run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if to.IsTerminal() {
		run.FinishedAt = now
	}
	if to == types.RunStateFailed {
		run.FailureCode = opts.FailureCode
		run.Error = opts.Error
	}

	if err := m.store.UpdateRun(run); err != nil {
		return nil, err
	}

	record := &types.TransitionRecord{
		RunID:  runID,
		From:   from,
		To:     to,
		Reason: opts.Reason,
		Actor:  opts.Actor,
		At:     now,
	}
	if err := m.store.AppendTransition(record); err != nil {
		m.logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to append transition record")
	}

	m.afterTransition(run, record)
	return run, nil
}

func (m *Manager) afterTransition(run *types.Run, record *types.TransitionRecord) {
	m.logger.Info().
		Str("run_id", run.ID).
		Str("from", string(record.From)).
		Str("to", string(record.To)).
		Str("reason", record.Reason).
		Str("actor", record.Actor).
		Msg("Run transitioned")

	data := map[string]string{
		"from":   string(record.From),
		"to":     string(record.To),
		"reason": record.Reason,
		"actor":  record.Actor,
	}
	if run.Mode != "" {
		data["mode"] = string(run.Mode)
	}
	m.publish(&types.Event{
		Type:     events.EventRunStateChanged,
		TenantID: run.TenantID,
		RunID:    run.ID,
		Data:     data,
	})

	switch record.To {
	case types.RunStateCompleted:
		metrics.RunsFinished.WithLabelValues("completed").Inc()
		m.publish(&types.Event{Type: events.EventRunCompleted, TenantID: run.TenantID, RunID: run.ID})
	case types.RunStateFailed:
		metrics.RunsFinished.WithLabelValues("failed").Inc()
		m.publish(&types.Event{
			Type:     events.EventRunFailed,
			TenantID: run.TenantID,
			RunID:    run.ID,
			Message:  run.Error,
		})
	}
}

// Update applies a mutation to a run under its lock. State changes
// must go through Transition; Update rejects them.
func (m *Manager) Update(runID string, apply func(*types.Run) error) (*types.Run, error) {
	lock := m.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := m.store.GetRun(runID)
	if err != nil {
		return nil, err
	}

	before := run.State
	if err := apply(run); err != nil {
		return nil, err
	}
	if run.State != before {
		return nil, fault.New(fault.CodeTransitionIllegal, "state changes must go through Transition")
	}

	if err := m.store.UpdateRun(run); err != nil {
		return nil, err
	}
	return run, nil
}

func (m *Manager) publish(event *types.Event) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(event)
}
