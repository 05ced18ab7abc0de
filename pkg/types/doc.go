/*
Package types defines the core data structures used throughout Drover.

This package contains the fundamental types of the platform's domain
model: tenants, runs, delivery specs, step reports, governance
decisions, queued tasks and workers. Every other package builds on
these types for state management, queueing, governance and the API.

# Core Types

Tenancy:
  - Tenant: isolated customer with budget and learning profiles
  - BudgetProfile: daily/monthly spend limits and run concurrency cap
  - LearningProfile: versioned adaptation preferences

Run Lifecycle:
  - Run: one delivery request with state, mode and progress cursor
  - DeliverySpec: the immutable request description
  - RunState: idle, spec_ready, running, paused, completed, failed
  - ExecutionMode: normal, degraded, minimal, paused

Execution:
  - StepReport: the structured result every role step returns
  - RunContext: the immutable view a step executes against
  - Task: one queued plan node with lease metadata
  - Worker: a registered executor with capabilities and heartbeat

Governance:
  - GovernanceDecision: checkpoint outcome with consulted inputs
  - ConflictPair / ConflictClaim: declared and derived conflicts
  - BudgetStatus / BudgetForecast: spend views and projections

# State Machine

Runs follow a strict state machine enforced by the state manager:

	IDLE → SPEC_READY → RUNNING → COMPLETED
	                      ↕  ↘
	                   PAUSED → FAILED

Valid transitions:
  - idle → spec_ready (admission granted)
  - spec_ready → running (execution started)
  - running → running (mode change at a checkpoint)
  - running → paused (governance or operator pause)
  - running → completed | failed (terminal)
  - paused → running (operator resume)
  - paused → failed (operator stop or timeout)

completed and failed are terminal; CanTransition and IsTerminal encode
the table.

# Design Patterns

All enums are typed string constants so stored JSON stays readable:

	type RunState string
	const (
	    RunStateRunning RunState = "running"
	    RunStatePaused  RunState = "paused"
	)

Optional configuration uses pointers (nil means absent). Run IDs are
ULIDs so IDs sort by creation time; tokens, leases and tasks use UUIDs.

Types here carry no behavior beyond validation helpers. Mutation is
synchronized by the owning component: the state manager for runs, the
budget controller for ledgers, the queue for tasks.
*/
package types
