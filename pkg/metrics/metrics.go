package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Run metrics
	RunsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_runs_total",
			Help: "Total number of runs by state",
		},
		[]string{"state"},
	)

	RunsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_runs_submitted_total",
			Help: "Total number of run submissions accepted",
		},
	)

	RunsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_runs_finished_total",
			Help: "Total number of runs reaching a terminal state, by outcome",
		},
		[]string{"outcome"},
	)

	AdmissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_admission_rejections_total",
			Help: "Total number of submissions rejected at admission, by code",
		},
		[]string{"code"},
	)

	TenantsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_tenants_total",
			Help: "Total number of registered tenants",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_queue_depth",
			Help: "Number of queued tasks by state",
		},
		[]string{"state"},
	)

	TasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tasks_enqueued_total",
			Help: "Total number of tasks enqueued, by priority",
		},
		[]string{"priority"},
	)

	TasksAcked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tasks_acked_total",
			Help: "Total number of task acknowledgements, by result",
		},
		[]string{"result"},
	)

	LeaseExpirations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_lease_expirations_total",
			Help: "Total number of leases reclaimed after expiry",
		},
	)

	TasksDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_dead_total",
			Help: "Total number of tasks moved to the dead letter set",
		},
	)

	// Execution pool metrics
	PoolLaunches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_pool_launches_total",
			Help: "Total number of node executions launched by pools",
		},
	)

	PoolBackpressure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_pool_backpressure_total",
			Help: "Total number of launch decisions deferred by backpressure",
		},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_step_duration_seconds",
			Help:    "Role step execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"},
	)

	// Governance metrics
	GovernanceDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_governance_decisions_total",
			Help: "Total number of checkpoint decisions, by mode and rule",
		},
		[]string{"mode", "rule"},
	)

	PlanSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_plan_selections_total",
			Help: "Total number of plan selections, by path class and rule",
		},
		[]string{"path", "rule"},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_workers_total",
			Help: "Total number of registered workers by status",
		},
		[]string{"status"},
	)

	HeartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_heartbeats_received_total",
			Help: "Total number of worker heartbeats received",
		},
	)

	// Control loop metrics
	RunsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_runs_dispatched_total",
			Help: "Total number of runs handed to the engine by the dispatcher",
		},
	)

	ReconcileCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_reconcile_cycles_total",
			Help: "Total number of completed reconciliation cycles",
		},
	)

	ReconcileRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_reconcile_repairs_total",
			Help: "Total number of reconciler repairs, by action",
		},
		[]string{"action"},
	)

	// Budget metrics
	LedgerAppendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_ledger_append_failures_total",
			Help: "Total number of failed cost ledger appends (after retries)",
		},
	)

	BudgetSpend = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_budget_spend_total",
			Help: "Total recorded spend in currency units, by category",
		},
		[]string{"category"},
	)

	// API metrics. Route is the matched pattern ("GET /v1/runs/{runID}"),
	// not the raw path, so cardinality stays bounded.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	APIRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_api_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunsSubmitted)
	prometheus.MustRegister(RunsFinished)
	prometheus.MustRegister(AdmissionRejections)
	prometheus.MustRegister(TenantsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TasksEnqueued)
	prometheus.MustRegister(TasksAcked)
	prometheus.MustRegister(LeaseExpirations)
	prometheus.MustRegister(TasksDeadLettered)
	prometheus.MustRegister(PoolLaunches)
	prometheus.MustRegister(PoolBackpressure)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(GovernanceDecisions)
	prometheus.MustRegister(PlanSelections)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(HeartbeatsReceived)
	prometheus.MustRegister(RunsDispatched)
	prometheus.MustRegister(ReconcileCycles)
	prometheus.MustRegister(ReconcileRepairs)
	prometheus.MustRegister(LedgerAppendFailures)
	prometheus.MustRegister(BudgetSpend)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(APIRateLimited)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
