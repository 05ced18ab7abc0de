package budget

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/droverhq/drover/pkg/artifact"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/tenant"
	"github.com/droverhq/drover/pkg/types"
)

// breakerTrip is how many consecutive failed ledger appends open a
// tenant's circuit breaker.
const breakerTrip = 3

// Controller is the authority for tenant spend and concurrency. The
// tenant registry owns identity and profiles; the controller owns the
// ledger, the cached totals, and the admission gate. Profile data is
// read from the registry at decision time, never replicated here.
type Controller struct {
	store     storage.Store
	tenants   *tenant.Registry
	artifacts *artifact.Store
	broker    *events.Broker
	cfg       config.BudgetConfig
	logger    zerolog.Logger

	mu       sync.Mutex
	accounts map[string]*account
	tokens   map[string]*admission
}

// account carries the cached spend windows and active admissions for
// one tenant
type account struct {
	mu sync.Mutex

	tenantID   string
	daily      float64
	monthly    float64
	dayStart   time.Time
	monthStart time.Time
	hydrated   bool
	severity   types.BudgetSeverity

	active  map[string]*admission
	breaker *gobreaker.CircuitBreaker
}

// admission is one issued token. Tokens are one-time: released tokens
// stay indexed so Release is idempotent.
type admission struct {
	Token    string
	TenantID string
	RunID    string
	Estimate float64
	IssuedAt time.Time
	Released bool
}

// NewController creates the budget controller
func NewController(store storage.Store, tenants *tenant.Registry, artifacts *artifact.Store, broker *events.Broker, cfg config.BudgetConfig) *Controller {
	return &Controller{
		store:     store,
		tenants:   tenants,
		artifacts: artifacts,
		broker:    broker,
		cfg:       cfg,
		logger:    log.WithComponent("budget"),
		accounts:  make(map[string]*account),
		tokens:    make(map[string]*admission),
	}
}

func (c *Controller) account(tenantID string) *account {
	c.mu.Lock()
	defer c.mu.Unlock()

	acct, ok := c.accounts[tenantID]
	if !ok {
		acct = &account{
			tenantID: tenantID,
			active:   make(map[string]*admission),
			severity: types.BudgetHealthy,
		}
		acct.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ledger-" + tenantID,
			Timeout: c.cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerTrip
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.onBreakerChange(tenantID, from, to)
			},
		})
		c.accounts[tenantID] = acct
	}
	return acct
}

func (c *Controller) onBreakerChange(tenantID string, from, to gobreaker.State) {
	c.logger.Warn().
		Str("tenant_id", tenantID).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Ledger breaker state changed")

	if to == gobreaker.StateOpen && c.broker != nil {
		c.broker.Publish(&types.Event{
			Type:     events.EventLedgerDegraded,
			TenantID: tenantID,
			Message:  "cost ledger unavailable, admissions paused",
		})
	}
}

// Admit gates a new run against the tenant's budget and concurrency
// profile. The comparison is exact: an estimate equal to the remaining
// budget is admitted, one unit over is rejected. On success an opaque
// one-time token reserves a concurrency slot until Release.
func (c *Controller) Admit(tenantID string, estimate float64) (string, error) {
	if estimate < 0 {
		return "", fault.Newf(fault.CodeSpecInvalid, "estimated cost must be non-negative, got %v", estimate)
	}

	ten, err := c.tenants.EnsureActive(tenantID)
	if err != nil {
		metrics.AdmissionRejections.WithLabelValues(string(fault.CodeOf(err))).Inc()
		return "", err
	}

	acct := c.account(tenantID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.breaker.State() == gobreaker.StateOpen {
		metrics.AdmissionRejections.WithLabelValues(string(fault.CodeLedgerUnavailable)).Inc()
		return "", fault.Newf(fault.CodeLedgerUnavailable, "tenant %s admissions paused: cost ledger unavailable", tenantID)
	}
	if err := c.hydrate(acct); err != nil {
		return "", err
	}

	if len(acct.active) >= ten.Budget.MaxConcurrentRuns {
		return "", c.reject(tenantID, estimate, fault.Newf(fault.CodeConcurrencyExceeded,
			"tenant %s at max concurrent runs (%d)", tenantID, ten.Budget.MaxConcurrentRuns))
	}
	if acct.daily+estimate > ten.Budget.DailyLimit {
		return "", c.reject(tenantID, estimate, fault.Newf(fault.CodeBudgetExceeded,
			"tenant %s daily budget: spent %.4f + estimate %.4f exceeds limit %.4f",
			tenantID, acct.daily, estimate, ten.Budget.DailyLimit))
	}
	if acct.monthly+estimate > ten.Budget.MonthlyLimit {
		return "", c.reject(tenantID, estimate, fault.Newf(fault.CodeBudgetExceeded,
			"tenant %s monthly budget: spent %.4f + estimate %.4f exceeds limit %.4f",
			tenantID, acct.monthly, estimate, ten.Budget.MonthlyLimit))
	}

	adm := &admission{
		Token:    uuid.New().String(),
		TenantID: tenantID,
		Estimate: estimate,
		IssuedAt: time.Now().UTC(),
	}
	acct.active[adm.Token] = adm

	c.mu.Lock()
	c.tokens[adm.Token] = adm
	c.mu.Unlock()

	c.logger.Debug().
		Str("tenant_id", tenantID).
		Str("token", adm.Token).
		Float64("estimate", estimate).
		Int("active", len(acct.active)).
		Msg("Admission granted")
	return adm.Token, nil
}

// reject leaves the audit trail for a refused admission: metric,
// rejection record, broker event. The record write is best effort; the
// rejection itself does not depend on it.
func (c *Controller) reject(tenantID string, estimate float64, cause error) error {
	code := string(fault.CodeOf(cause))
	metrics.AdmissionRejections.WithLabelValues(code).Inc()

	rec := &types.RejectionRecord{
		TenantID: tenantID,
		Code:     code,
		Detail:   cause.Error(),
		Estimate: estimate,
		At:       time.Now().UTC(),
	}
	if err := c.store.AppendRejection(rec); err != nil {
		c.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to persist rejection record")
	}
	if c.broker != nil {
		c.broker.Publish(&types.Event{
			Type:     events.EventRunRejected,
			TenantID: tenantID,
			Message:  cause.Error(),
			Data:     map[string]string{"code": code},
		})
	}
	return cause
}

// BindRun attributes an admission to the run it produced. Ledger
// entries recorded through the token carry the run id from then on.
func (c *Controller) BindRun(token, runID string) error {
	c.mu.Lock()
	adm, ok := c.tokens[token]
	c.mu.Unlock()
	if !ok {
		return fault.Newf(fault.CodeSpecInvalid, "unknown admission token %s", token)
	}

	acct := c.account(adm.TenantID)
	acct.mu.Lock()
	adm.RunID = runID
	acct.mu.Unlock()
	return nil
}

// Record appends actual spend to the tenant's ledger and updates the
// cached totals. Appends are retried with backoff; persistent failure
// trips the tenant's breaker, which pauses admissions until the
// cooldown passes and a probe write succeeds.
func (c *Controller) Record(token string, amount float64, category types.CostCategory) error {
	if amount < 0 {
		return fault.Newf(fault.CodeSpecInvalid, "cost amount must be non-negative, got %v", amount)
	}

	c.mu.Lock()
	adm, ok := c.tokens[token]
	c.mu.Unlock()
	if !ok {
		return fault.Newf(fault.CodeSpecInvalid, "unknown admission token %s", token)
	}

	acct := c.account(adm.TenantID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	// Hydrate before the append so the cached totals do not count the
	// new entry twice when a window rollover forces a re-read.
	if err := c.hydrate(acct); err != nil {
		return err
	}

	entry := &types.LedgerEntry{
		ID:       uuid.New().String(),
		TenantID: adm.TenantID,
		RunID:    adm.RunID,
		Token:    token,
		Amount:   amount,
		Category: category,
		At:       time.Now().UTC(),
	}

	_, err := acct.breaker.Execute(func() (interface{}, error) {
		return nil, c.appendWithRetry(entry)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fault.Newf(fault.CodeLedgerUnavailable, "tenant %s cost ledger unavailable", adm.TenantID)
		}
		return fault.Wrap(fault.CodeLedgerUnavailable, "ledger append failed", err)
	}

	acct.daily += amount
	acct.monthly += amount
	metrics.BudgetSpend.WithLabelValues(string(category)).Add(amount)

	c.maybeEscalate(acct)
	c.snapshotUsage(acct)
	return nil
}

// appendWithRetry makes the configured number of append attempts with
// doubling backoff before reporting failure to the breaker
func (c *Controller) appendWithRetry(entry *types.LedgerEntry) error {
	attempts := c.cfg.LedgerRetries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	backoff := c.cfg.LedgerBackoff
	for i := 0; i < attempts; i++ {
		if err = c.store.AppendLedger(entry); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	metrics.LedgerAppendFailures.Inc()
	c.logger.Error().Err(err).Str("tenant_id", entry.TenantID).Msg("Ledger append failed after retries")
	return err
}

// Release frees the admission's concurrency slot and reports whether
// it freed anything. Idempotent: a second release of the same token,
// or a token this process never issued, returns false and changes
// nothing.
func (c *Controller) Release(token string) bool {
	c.mu.Lock()
	adm, ok := c.tokens[token]
	c.mu.Unlock()
	if !ok {
		return false
	}

	acct := c.account(adm.TenantID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if adm.Released {
		return false
	}
	adm.Released = true
	delete(acct.active, token)

	c.logger.Debug().
		Str("tenant_id", adm.TenantID).
		Str("token", token).
		Int("active", len(acct.active)).
		Msg("Admission released")
	if c.hydrate(acct) == nil {
		c.snapshotUsage(acct)
	}
	return true
}

// Status reports the tenant's spend windows, active admissions, and
// severity bucket
func (c *Controller) Status(tenantID string) (*types.BudgetStatus, error) {
	ten, err := c.tenants.Get(tenantID)
	if err != nil {
		return nil, err
	}

	acct := c.account(tenantID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if err := c.hydrate(acct); err != nil {
		return nil, err
	}
	return c.statusLocked(acct, ten), nil
}

func (c *Controller) statusLocked(acct *account, ten *types.Tenant) *types.BudgetStatus {
	return &types.BudgetStatus{
		TenantID:     acct.tenantID,
		DailySpent:   acct.daily,
		DailyLimit:   ten.Budget.DailyLimit,
		MonthlySpent: acct.monthly,
		MonthlyLimit: ten.Budget.MonthlyLimit,
		ActiveRuns:   len(acct.active),
		MaxRuns:      ten.Budget.MaxConcurrentRuns,
		Severity:     severity(acct.daily, ten.Budget.DailyLimit, acct.monthly, ten.Budget.MonthlyLimit),
		AsOf:         time.Now().UTC(),
	}
}

// severity buckets consumption against the limit, taking the worse of
// the daily and monthly ratios
func severity(daily, dailyLimit, monthly, monthlyLimit float64) types.BudgetSeverity {
	ratio := 0.0
	if dailyLimit > 0 {
		ratio = daily / dailyLimit
	}
	if monthlyLimit > 0 {
		if r := monthly / monthlyLimit; r > ratio {
			ratio = r
		}
	}

	switch {
	case ratio > 1.0:
		return types.BudgetExceeded
	case ratio >= 0.9:
		return types.BudgetCritical
	case ratio >= 0.8:
		return types.BudgetWarning
	default:
		return types.BudgetHealthy
	}
}

// Forecast projects total spend if a run with the given estimate were
// admitted now. Concurrent activity inflates the projection: each
// other active run is assumed to consume twice its estimate, and
// confidence decays with the number of active runs. WithinBudget
// holds the projection to the limit minus the configured slack,
// a safety margin the hard admission gate does not apply.
func (c *Controller) Forecast(tenantID string, estimate float64) (*types.BudgetForecast, error) {
	ten, err := c.tenants.Get(tenantID)
	if err != nil {
		return nil, err
	}

	acct := c.account(tenantID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if err := c.hydrate(acct); err != nil {
		return nil, err
	}

	var others float64
	for _, adm := range acct.active {
		others += adm.Estimate
	}
	projected := acct.daily + estimate + 2*others

	active := len(acct.active) + 1
	confidence := 1.0 / (1.0 + 0.15*float64(active-1))
	if confidence < 0.4 {
		confidence = 0.4
	}

	margin := 1.0 - c.cfg.Slack
	within := projected <= ten.Budget.DailyLimit*margin &&
		acct.monthly+estimate+2*others <= ten.Budget.MonthlyLimit*margin

	return &types.BudgetForecast{
		TenantID:       tenantID,
		ProjectedSpend: projected,
		Confidence:     confidence,
		ActiveRuns:     active,
		WithinBudget:   within,
		AsOf:           time.Now().UTC(),
	}, nil
}

// maybeEscalate publishes a budget warning when the severity bucket
// worsens. Requires acct.mu.
func (c *Controller) maybeEscalate(acct *account) {
	ten, err := c.tenants.Get(acct.tenantID)
	if err != nil {
		return
	}
	next := severity(acct.daily, ten.Budget.DailyLimit, acct.monthly, ten.Budget.MonthlyLimit)
	if next == acct.severity {
		return
	}

	prev := acct.severity
	acct.severity = next
	if next == types.BudgetHealthy {
		return
	}
	c.logger.Warn().
		Str("tenant_id", acct.tenantID).
		Str("from", string(prev)).
		Str("to", string(next)).
		Float64("daily_spent", acct.daily).
		Msg("Budget severity escalated")
	if c.broker != nil {
		c.broker.Publish(&types.Event{
			Type:     events.EventBudgetWarning,
			TenantID: acct.tenantID,
			Message:  string(next),
		})
	}
}

// snapshotUsage refreshes the tenant's budget_usage.json artifact.
// Best effort; requires acct.mu.
func (c *Controller) snapshotUsage(acct *account) {
	ten, err := c.tenants.Get(acct.tenantID)
	if err != nil {
		return
	}
	if err := c.artifacts.WriteBudgetUsage(acct.tenantID, c.statusLocked(acct, ten)); err != nil {
		c.logger.Warn().Err(err).Str("tenant_id", acct.tenantID).Msg("Failed to write budget usage snapshot")
	}
}

// hydrate loads the spend windows from the ledger when the account is
// first touched or a window has rolled over. Requires acct.mu.
func (c *Controller) hydrate(acct *account) error {
	now := time.Now().UTC()
	day := dayStart(now)
	month := monthStart(now)

	if acct.hydrated && acct.dayStart.Equal(day) && acct.monthStart.Equal(month) {
		return nil
	}

	daily, err := c.store.SumLedgerSince(acct.tenantID, day)
	if err != nil {
		return fault.Wrap(fault.CodeLedgerUnavailable, "hydrating daily spend", err)
	}
	monthly, err := c.store.SumLedgerSince(acct.tenantID, month)
	if err != nil {
		return fault.Wrap(fault.CodeLedgerUnavailable, "hydrating monthly spend", err)
	}

	acct.daily = daily
	acct.monthly = monthly
	acct.dayStart = day
	acct.monthStart = month
	acct.hydrated = true
	return nil
}

// DailyReport aggregates today's ledger into a cost report snapshot
func (c *Controller) DailyReport(tenantID string) (*artifact.CostReport, error) {
	now := time.Now().UTC()
	entries, err := c.store.ListLedger(tenantID, dayStart(now))
	if err != nil {
		return nil, fault.Wrap(fault.CodeLedgerUnavailable, "reading ledger for cost report", err)
	}

	report := &artifact.CostReport{
		TenantID:   tenantID,
		Date:       now.Format("2006-01-02"),
		ByCategory: make(map[string]float64),
		ByRun:      make(map[string]float64),
		Entries:    len(entries),
		WrittenAt:  now,
	}
	for _, e := range entries {
		report.Total += e.Amount
		report.ByCategory[string(e.Category)] += e.Amount
		if e.RunID != "" {
			report.ByRun[e.RunID] += e.Amount
		}
	}
	return report, nil
}

// WriteDailyReport persists today's cost report into the tenant
// artifact namespace
func (c *Controller) WriteDailyReport(tenantID string) error {
	report, err := c.DailyReport(tenantID)
	if err != nil {
		return err
	}
	return c.artifacts.WriteCostReport(tenantID, time.Now().UTC(), report)
}

// Recover rebuilds the active admission set from runs that were in
// flight when the process last stopped, so restart does not leak
// concurrency slots or forget attribution.
func (c *Controller) Recover() error {
	runs, err := c.store.ListRuns()
	if err != nil {
		return err
	}

	recovered := 0
	for _, run := range runs {
		if run.State.IsTerminal() || run.AdmissionToken == "" {
			continue
		}
		adm := &admission{
			Token:    run.AdmissionToken,
			TenantID: run.TenantID,
			RunID:    run.ID,
			Estimate: run.EstimatedCost,
			IssuedAt: run.CreatedAt,
		}

		acct := c.account(run.TenantID)
		acct.mu.Lock()
		acct.active[adm.Token] = adm
		acct.mu.Unlock()

		c.mu.Lock()
		c.tokens[adm.Token] = adm
		c.mu.Unlock()
		recovered++
	}

	if recovered > 0 {
		c.logger.Info().Int("admissions", recovered).Msg("Recovered active admissions")
	}
	return nil
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
