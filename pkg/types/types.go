package types

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Tenant represents an isolated customer of the platform. Tenants own
// budgets, learning preferences and every run submitted under their ID.
type Tenant struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Status    TenantStatus     `json:"status"`
	Priority  int              `json:"priority"` // 1 (lowest) to 10 (highest)
	Budget    *BudgetProfile   `json:"budget"`
	Learning  *LearningProfile `json:"learning"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// TenantStatus represents the lifecycle state of a tenant
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// BudgetProfile defines the spending and concurrency limits for a tenant
type BudgetProfile struct {
	DailyLimit        float64 `json:"daily_limit"`   // Currency units per calendar day (UTC)
	MonthlyLimit      float64 `json:"monthly_limit"` // Currency units per calendar month (UTC)
	MaxConcurrentRuns int     `json:"max_concurrent_runs"`

	// MaxAgents caps intra-run parallelism: it sizes the execution
	// pool a run of this tenant gets. Zero means the platform default.
	MaxAgents int `json:"max_agents,omitempty"`
}

// LearningProfile tunes how aggressively the platform adapts plans for
// a tenant. Profiles are versioned; every revision is archived as an
// immutable artifact.
type LearningProfile struct {
	Revision         int     `json:"revision"`
	Intensity        string  `json:"intensity"`         // "conservative", "standard", "aggressive"
	ExplorationShare float64 `json:"exploration_share"` // 0..1 share of runs allowed to explore
	PatternOptIn     bool    `json:"pattern_opt_in"`    // Share anonymized patterns across tenants
}

// Run represents one delivery request moving through the platform
type Run struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenant_id"`
	State          RunState      `json:"state"`
	Mode           ExecutionMode `json:"mode"`
	Spec           *DeliverySpec `json:"spec"`
	PlanID         string        `json:"plan_id,omitempty"`
	PlanVersion    int           `json:"plan_version,omitempty"`
	Priority       Priority      `json:"priority"`
	AdmissionToken string        `json:"admission_token,omitempty"`
	EstimatedCost  float64       `json:"estimated_cost"`
	ActualCost     float64       `json:"actual_cost"`

	// Progress cursor. ExecutedNodes and Checkpoint let the engine
	// resume from the frontier after a pause or a crash.
	ExecutedNodes []string `json:"executed_nodes,omitempty"`
	SkippedNodes  []string `json:"skipped_nodes,omitempty"`
	Checkpoint    int      `json:"checkpoint"`

	FailureCode string    `json:"failure_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	AdmittedAt  time.Time `json:"admitted_at,omitzero"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

// RunState represents the lifecycle state of a run
type RunState string

const (
	RunStateIdle      RunState = "idle"
	RunStateSpecReady RunState = "spec_ready"
	RunStateRunning   RunState = "running"
	RunStatePaused    RunState = "paused"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// ValidRunTransitions enumerates every transition the state manager
// accepts. Anything not listed is rejected.
var ValidRunTransitions = map[RunState][]RunState{
	RunStateIdle:      {RunStateSpecReady},
	RunStateSpecReady: {RunStateRunning},
	RunStateRunning:   {RunStateRunning, RunStatePaused, RunStateCompleted, RunStateFailed},
	RunStatePaused:    {RunStateRunning, RunStateFailed},
	RunStateCompleted: {},
	RunStateFailed:    {},
}

// CanTransition reports whether from → to is an accepted run transition.
// RUNNING → RUNNING is legal: it carries a mode change.
func CanTransition(from, to RunState) bool {
	for _, next := range ValidRunTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a run state accepts no further transitions
func (s RunState) IsTerminal() bool {
	return len(ValidRunTransitions[s]) == 0
}

// ExecutionMode is the operating mode a governance checkpoint assigns
// to the remainder of a run
type ExecutionMode string

const (
	ModeNormal   ExecutionMode = "normal"
	ModeDegraded ExecutionMode = "degraded"
	ModeMinimal  ExecutionMode = "minimal"
	ModePaused   ExecutionMode = "paused"
)

// PathClass identifies which family of plans a selector decision picks.
// It mirrors ExecutionMode minus "paused": a paused run selects nothing.
type PathClass string

const (
	PathNormal   PathClass = "normal"
	PathDegraded PathClass = "degraded"
	PathMinimal  PathClass = "minimal"
)

// DeliverySpec is the immutable description of what a run should
// deliver. It is snapshotted into the artifact bundle at creation and
// never mutated; operator input after a pause produces a patched copy.
type DeliverySpec struct {
	Objective     string         `json:"objective"`
	EstimatedCost float64        `json:"estimated_cost"`
	Deadline      *time.Time     `json:"deadline,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Capabilities  []string       `json:"capabilities,omitempty"` // Extra capability tags required of workers
}

// Priority classes for queued work, strongest first
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PriorityBatch    Priority = "batch"
)

// Rank returns the numeric rank of a priority, 0 being strongest.
// Unknown values rank alongside batch.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p names a known priority class
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBatch:
		return true
	}
	return false
}

// Role identifies the specialization a plan node requires
type Role string

const (
	RoleProduct    Role = "product"
	RoleData       Role = "data"
	RoleExecution  Role = "execution"
	RoleEvaluation Role = "evaluation"
	RoleCost       Role = "cost"
)

// StepReport is the structured result every role step returns. Reports
// are appended to the bundle in completion order and aggregated at the
// next governance checkpoint.
type StepReport struct {
	RunID      string          `json:"run_id"`
	NodeID     string          `json:"node_id"`
	Role       Role            `json:"role"`
	Attempt    int             `json:"attempt"`
	Decision   string          `json:"decision"`
	Status     ReportStatus    `json:"status"`
	Confidence float64         `json:"confidence"` // 0..1
	Risk       RiskLevel       `json:"risk"`
	Cost       float64         `json:"cost"`
	Category   CostCategory    `json:"category,omitempty"`
	Signals    map[string]any  `json:"signals,omitempty"`
	Conflicts  []ConflictClaim `json:"conflicts,omitempty"`

	// IdempotencyTag marks the step safe to re-execute. Reports from a
	// retried attempt without a tag raise a duplicate-execution risk.
	IdempotencyTag string `json:"idempotency_tag,omitempty"`

	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ReportStatus is the outcome class of a step
type ReportStatus string

const (
	ReportSuccess ReportStatus = "success"
	ReportWarning ReportStatus = "warning"
	ReportError   ReportStatus = "error"
	ReportSkipped ReportStatus = "skipped"
)

// RiskLevel is the self-assessed risk a step attaches to its decision
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Elevated reports whether the risk level counts toward the governance
// high-risk tally
func (r RiskLevel) Elevated() bool {
	return r == RiskHigh || r == RiskCritical
}

// Step decisions form a small closed vocabulary shared across roles.
// The governance conflict matrix is keyed on pairs of these.
const (
	DecisionProceed = "proceed"
	DecisionAbort   = "abort"
	DecisionHold    = "hold"
	DecisionRevise  = "revise"
)

// ConflictClaim is a conflict a step declares against another step's
// decision, by node ID
type ConflictClaim struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason,omitempty"`
}

// Well-known signal keys carried in StepReport.Signals
const (
	// SignalLLMFallback marks a step that fell back from its primary
	// model to a cheaper one. Counted at governance checkpoints.
	SignalLLMFallback = "llm_fallback"

	// SignalFailureCategory classifies an evaluation failure; the plan
	// selector keys path decisions off the most recent value.
	SignalFailureCategory = "failure_category"

	// SignalDuplicateRisk flags a retried execution without an
	// idempotency tag.
	SignalDuplicateRisk = "duplicate_risk"

	// SignalSoftDepWarning lists the failed soft dependencies of a node
	// that ran anyway, comma separated.
	SignalSoftDepWarning = "soft_dep_warning"
)

// Failure categories carried in SignalFailureCategory
const (
	FailureCategoryData      = "data_issue"
	FailureCategoryExecution = "execution_issue"
)

// CostCategory attributes a cost increment in the ledger
type CostCategory string

const (
	CostLLM       CostCategory = "llm"
	CostRetrieval CostCategory = "retrieval"
	CostStorage   CostCategory = "storage"
	CostTool      CostCategory = "tool"
	CostOther     CostCategory = "other"
)

// RunContext is the immutable view a role step executes against: the
// spec, the operating mode, budget headroom and the reports accumulated
// so far. Steps never mutate shared state through it.
type RunContext struct {
	RunID           string           `json:"run_id"`
	TenantID        string           `json:"tenant_id"`
	NodeID          string           `json:"node_id"`
	Role            Role             `json:"role"`
	Attempt         int              `json:"attempt"`
	Mode            ExecutionMode    `json:"mode"`
	Spec            *DeliverySpec    `json:"spec"`
	Learning        *LearningProfile `json:"learning,omitempty"`
	BudgetRemaining float64          `json:"budget_remaining"`
	PriorReports    []StepReport     `json:"prior_reports,omitempty"`
}

// GovernanceDecision is the outcome of one checkpoint, persisted with
// the inputs that were consulted so the decision is auditable.
type GovernanceDecision struct {
	RunID        string           `json:"run_id"`
	Checkpoint   int              `json:"checkpoint"`
	Stage        int              `json:"stage"`
	Mode         ExecutionMode    `json:"mode"`
	RuleID       string           `json:"rule_id"`
	Restrictions []string         `json:"restrictions,omitempty"`
	Inputs       GovernanceInputs `json:"inputs"`
	Rationale    string           `json:"rationale"`
	DecidedAt    time.Time        `json:"decided_at"`
}

// GovernanceInputs is the aggregate snapshot a checkpoint decided on
type GovernanceInputs struct {
	ReportCount    int            `json:"report_count"`
	AvgConfidence  float64        `json:"avg_confidence"`
	HighRiskCount  int            `json:"high_risk_count"`
	LLMFallbacks   int            `json:"llm_fallbacks"`
	HardConflicts  []ConflictPair `json:"hard_conflicts,omitempty"`
	SoftConflicts  []ConflictPair `json:"soft_conflicts,omitempty"`
	BudgetSeverity BudgetSeverity `json:"budget_severity"`
	ActualOverrun  bool           `json:"actual_overrun"`
	ProjectedOver  bool           `json:"projected_overrun"`
}

// ConflictPair records two nodes whose decisions conflict and how the
// conflict was established
type ConflictPair struct {
	NodeA  string       `json:"node_a"`
	NodeB  string       `json:"node_b"`
	Kind   ConflictKind `json:"kind"`
	Source string       `json:"source"` // "declared" or "derived"
	Reason string       `json:"reason,omitempty"`
}

// ConflictKind separates pausable conflicts from restrictable ones
type ConflictKind string

const (
	ConflictHard ConflictKind = "hard"
	ConflictSoft ConflictKind = "soft"
)

// OperatorDecision resolves a paused run
type OperatorDecision string

const (
	DecisionContinueNormal   OperatorDecision = "continue_normal"
	DecisionContinueDegraded OperatorDecision = "continue_degraded"
	DecisionContinueMinimal  OperatorDecision = "continue_minimal"
	DecisionStop             OperatorDecision = "stop"
)

// Valid reports whether d names a known operator decision
func (d OperatorDecision) Valid() bool {
	switch d {
	case DecisionContinueNormal, DecisionContinueDegraded, DecisionContinueMinimal, DecisionStop:
		return true
	}
	return false
}

// BudgetStatus is the tenant spending view the budget controller serves
type BudgetStatus struct {
	TenantID     string         `json:"tenant_id"`
	DailySpent   float64        `json:"daily_spent"`
	DailyLimit   float64        `json:"daily_limit"`
	MonthlySpent float64        `json:"monthly_spent"`
	MonthlyLimit float64        `json:"monthly_limit"`
	ActiveRuns   int            `json:"active_runs"`
	MaxRuns      int            `json:"max_runs"`
	Severity     BudgetSeverity `json:"severity"`
	AsOf         time.Time      `json:"as_of"`
}

// BudgetSeverity buckets consumption against the daily limit
type BudgetSeverity string

const (
	BudgetHealthy  BudgetSeverity = "healthy"  // below 80%
	BudgetWarning  BudgetSeverity = "warning"  // 80% to 90%
	BudgetCritical BudgetSeverity = "critical" // 90% to 100%
	BudgetExceeded BudgetSeverity = "exceeded" // above 100%
)

// BudgetForecast is the concurrency-aware projection for a tenant
type BudgetForecast struct {
	TenantID       string    `json:"tenant_id"`
	ProjectedSpend float64   `json:"projected_spend"`
	Confidence     float64   `json:"confidence"`
	ActiveRuns     int       `json:"active_runs"`
	WithinBudget   bool      `json:"within_budget"`
	AsOf           time.Time `json:"as_of"`
}

// LedgerEntry is one cost increment in a tenant's append-only ledger
type LedgerEntry struct {
	ID       string       `json:"id"`
	TenantID string       `json:"tenant_id"`
	RunID    string       `json:"run_id,omitempty"`
	Token    string       `json:"token"`
	Amount   float64      `json:"amount"`
	Category CostCategory `json:"category"`
	At       time.Time    `json:"at"`
}

// TransitionRecord is the durable audit entry for one run transition
type TransitionRecord struct {
	RunID  string    `json:"run_id"`
	From   RunState  `json:"from"`
	To     RunState  `json:"to"`
	Reason string    `json:"reason"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// RejectionRecord is the lightweight trace left when admission refuses
// a submission. Rejected submissions create no run artifacts.
type RejectionRecord struct {
	TenantID string    `json:"tenant_id"`
	Code     string    `json:"code"`
	Detail   string    `json:"detail,omitempty"`
	Estimate float64   `json:"estimate"`
	At       time.Time `json:"at"`
}

// Task is one unit of queued work: a single plan node to execute on
// behalf of a run
type Task struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	RunID    string   `json:"run_id"`
	NodeID   string   `json:"node_id"`
	Role     Role     `json:"role"`
	Caps     []string `json:"caps,omitempty"` // Capability tags a worker must cover
	Priority Priority `json:"priority"`
	Payload  []byte   `json:"payload,omitempty"` // RunContext snapshot, JSON

	State       TaskState     `json:"state"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Timeout     time.Duration `json:"timeout"`

	LeaseID        string    `json:"lease_id,omitempty"`
	WorkerID       string    `json:"worker_id,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitzero"`

	Result  []byte `json:"result,omitempty"` // StepReport JSON on ack
	Failure string `json:"failure,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
}

// TaskState represents the queue state of a task
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskLeased    TaskState = "leased"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskDead      TaskState = "dead"
)

// Terminal reports whether a task state accepts no further queue
// operations
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskDead
}

// Worker represents a registered executor process
type Worker struct {
	ID            string       `json:"id"`
	Capabilities  []string     `json:"capabilities"`
	MaxConcurrent int          `json:"max_concurrent"`
	Status        WorkerStatus `json:"status"`
	ActiveTasks   int          `json:"active_tasks"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// WorkerStatus represents the liveness of a worker
type WorkerStatus string

const (
	WorkerReady WorkerStatus = "ready"
	WorkerDown  WorkerStatus = "down"
)

// Credential is a stored API credential. Only the SHA-256 digest of
// the secret is persisted; the secret itself is shown once at mint
// time and never again.
type Credential struct {
	ID         string          `json:"id"`
	SecretHash string          `json:"secret_hash"`
	Scope      CredentialScope `json:"scope"`
	// TenantID binds a tenant-scoped credential to one tenant. Empty
	// for admin and worker scopes.
	TenantID  string    `json:"tenant_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt zero means the credential never expires
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the credential's TTL has passed
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// CredentialScope bounds what a credential may call
type CredentialScope string

const (
	// ScopeAdmin covers every endpoint, including credential management
	ScopeAdmin CredentialScope = "admin"

	// ScopeTenant covers run submission and read access for the bound
	// tenant only
	ScopeTenant CredentialScope = "tenant"

	// ScopeWorker covers worker registration, heartbeats and the queue
	// surface
	ScopeWorker CredentialScope = "worker"
)

// Valid reports whether s names a known credential scope
func (s CredentialScope) Valid() bool {
	return s == ScopeAdmin || s == ScopeTenant || s == ScopeWorker
}

// Event is one entry in a run's event log and the unit the in-process
// broker fans out
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"ts"`
	TenantID  string            `json:"tenant_id,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	NodeID    string            `json:"node_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	WorkerID  string            `json:"worker_id,omitempty"`
	Message   string            `json:"message,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// NewRunID returns a ULID run identifier. ULIDs sort by creation time,
// which keeps run listings and artifact directories in submission order.
func NewRunID() string {
	return ulid.Make().String()
}
