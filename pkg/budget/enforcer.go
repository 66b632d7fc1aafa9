// Package budget meters tool-call usage against per-agent budget caps
// over four horizons and fires graduated warnings and forced stops.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/resilience"
)

// MaxRecentAlerts bounds the in-memory alert ring. Every alert is also
// persisted; the ring only serves reads.
const MaxRecentAlerts = 500

// Store persists budget alerts. Satisfied by database.Store.
type Store interface {
	Execute(ctx context.Context, statement string, args ...any) error
}

// ForceStopFunc is invoked when a hard cap is exceeded. Implementations
// must not call back into the enforcer synchronously.
type ForceStopFunc func(agentID, reason string)

// NotifyFunc receives every fired alert so the caller can emit lifecycle
// events. warning is false for exceeded alerts.
type NotifyFunc func(alert models.BudgetAlert, warning bool)

// capRule is one evaluated budget cap.
type capRule struct {
	horizon models.Horizon
	kind    models.BudgetKind
	cap     float64
	value   float64
	reason  string
}

// Enforcer evaluates budget caps on every recorded tool call. Callers
// hold the owning agent's lock while calling RecordToolCall; the
// enforcer's own mutex only guards the alert ring and the fired-rule set.
type Enforcer struct {
	mu        sync.Mutex
	store     Store
	alerts    []models.BudgetAlert
	fired     map[string]string // rule key -> calendar day it last fired
	forceStop ForceStopFunc
	notify    NotifyFunc
	retry     resilience.RetryConfig
	clock     func() time.Time
	logger    *slog.Logger
}

// NewEnforcer creates an enforcer. The store may be nil until persistence
// is wired; alerts fired before then live only in the ring.
func NewEnforcer(store Store) *Enforcer {
	return &Enforcer{
		store:  store,
		fired:  make(map[string]string),
		retry:  resilience.DefaultRetryConfig(),
		clock:  time.Now,
		logger: slog.Default().With("component", "budget.enforcer"),
	}
}

// SetStore installs the persistence backend.
func (e *Enforcer) SetStore(store Store) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = store
}

// SetForceStop installs the forced-stop callback.
func (e *Enforcer) SetForceStop(fn ForceStopFunc) {
	e.forceStop = fn
}

// SetNotifier installs the alert notification callback.
func (e *Enforcer) SetNotifier(fn NotifyFunc) {
	e.notify = fn
}

// RecordToolCall applies the call to the agent's usage counters and
// evaluates budget rules: hard caps in horizon order daily → weekly →
// monthly → annual with cost before tokens, then warning thresholds on
// every capped horizon. The first exceeded cap fires its alert, triggers
// the forced stop, and ends evaluation. Without a BudgetConfig the legacy
// monthly caps on the usage record apply.
func (e *Enforcer) RecordToolCall(ctx context.Context, agent *models.ManagedAgent, call models.ToolCall) {
	now := e.clock().UTC()
	agent.Usage.Record(call, now)

	if agent.Budget == nil {
		e.evaluateLegacy(ctx, agent, now)
		return
	}

	rules := capRules(agent)
	for _, r := range rules {
		if r.cap <= 0 || r.value <= r.cap {
			continue
		}
		e.fireExceeded(ctx, agent, r, now)
		return
	}

	thresholds := agent.Budget.Thresholds()
	for _, r := range rules {
		if r.cap <= 0 {
			continue
		}
		for _, pct := range thresholds {
			if r.value < float64(pct)/100*r.cap {
				continue
			}
			e.fireWarning(ctx, agent, r, pct, now)
		}
	}
}

// capRules flattens the agent's budget into evaluation order.
func capRules(agent *models.ManagedAgent) []capRule {
	b := agent.Budget
	u := agent.Usage
	return []capRule{
		{models.HorizonDaily, models.BudgetKindCost, b.DailyCostCapUSD, u.CostTodayUSD, "Daily cost budget exceeded"},
		{models.HorizonDaily, models.BudgetKindTokens, float64(b.DailyTokenCap), float64(u.TokensToday), "Daily token budget exceeded"},
		{models.HorizonWeekly, models.BudgetKindCost, b.WeeklyCostCapUSD, u.CostWeekUSD, "Weekly cost budget exceeded"},
		{models.HorizonWeekly, models.BudgetKindTokens, float64(b.WeeklyTokenCap), float64(u.TokensWeek), "Weekly token budget exceeded"},
		{models.HorizonMonthly, models.BudgetKindCost, b.MonthlyCostCapUSD, u.CostMonthUSD, "Monthly cost budget exceeded"},
		{models.HorizonMonthly, models.BudgetKindTokens, float64(b.MonthlyTokenCap), float64(u.TokensMonth), "Monthly token budget exceeded"},
		{models.HorizonAnnual, models.BudgetKindCost, b.AnnualCostCapUSD, u.CostYearUSD, "Annual cost budget exceeded"},
		{models.HorizonAnnual, models.BudgetKindTokens, float64(b.AnnualTokenCap), float64(u.TokensYear), "Annual token budget exceeded"},
	}
}

// evaluateLegacy enforces the pre-BudgetConfig monthly caps carried on
// the usage record itself.
func (e *Enforcer) evaluateLegacy(ctx context.Context, agent *models.ManagedAgent, now time.Time) {
	u := agent.Usage
	if u.MonthlyBudgetUSD > 0 && u.CostMonthUSD > u.MonthlyBudgetUSD {
		e.fireExceeded(ctx, agent, capRule{
			horizon: models.HorizonMonthly,
			kind:    models.BudgetKindCost,
			cap:     u.MonthlyBudgetUSD,
			value:   u.CostMonthUSD,
			reason:  "Monthly cost budget exceeded",
		}, now)
		return
	}
	if u.MonthlyTokenBudget > 0 && u.TokensMonth > u.MonthlyTokenBudget {
		e.fireExceeded(ctx, agent, capRule{
			horizon: models.HorizonMonthly,
			kind:    models.BudgetKindTokens,
			cap:     float64(u.MonthlyTokenBudget),
			value:   float64(u.TokensMonth),
			reason:  "Monthly token budget exceeded",
		}, now)
	}
}

func firedKey(agentID string, kind models.AlertKind, budgetKind models.BudgetKind) string {
	return agentID + "|" + string(kind) + "|" + string(budgetKind)
}

// firedToday marks a rule as fired for the current day and reports
// whether it had already fired. Must be called with e.mu held.
func (e *Enforcer) firedToday(key, day string) bool {
	if e.fired[key] == day {
		return true
	}
	e.fired[key] = day
	return false
}

func (e *Enforcer) fireExceeded(ctx context.Context, agent *models.ManagedAgent, r capRule, now time.Time) {
	kind := models.ExceededKind(r.horizon)
	day := now.Format("2006-01-02")

	e.mu.Lock()
	already := e.firedToday(firedKey(agent.ID, kind, r.kind), day)
	e.mu.Unlock()
	if already {
		return
	}

	alert := e.emit(ctx, agent, kind, r, now)
	e.logger.Warn("Budget cap exceeded",
		"agent_id", agent.ID, "alert_kind", kind, "budget_kind", r.kind,
		"current", r.value, "limit", r.cap)
	if e.notify != nil {
		e.notify(alert, false)
	}
	if e.forceStop != nil {
		e.forceStop(agent.ID, r.reason)
	}
}

func (e *Enforcer) fireWarning(ctx context.Context, agent *models.ManagedAgent, r capRule, pct int, now time.Time) {
	kind := models.WarningKind(r.horizon, pct)
	day := now.Format("2006-01-02")

	e.mu.Lock()
	already := e.firedToday(firedKey(agent.ID, kind, r.kind), day)
	e.mu.Unlock()
	if already {
		return
	}

	alert := e.emit(ctx, agent, kind, r, now)
	e.logger.Info("Budget warning threshold crossed",
		"agent_id", agent.ID, "alert_kind", kind, "budget_kind", r.kind,
		"current", r.value, "limit", r.cap)
	if e.notify != nil {
		e.notify(alert, true)
	}
}

// emit appends the alert to the ring and persists it best-effort.
func (e *Enforcer) emit(ctx context.Context, agent *models.ManagedAgent, kind models.AlertKind, r capRule, now time.Time) models.BudgetAlert {
	alert := models.BudgetAlert{
		ID:           uuid.NewString(),
		OrgID:        agent.OrgID,
		AgentID:      agent.ID,
		AlertKind:    kind,
		BudgetKind:   r.kind,
		CurrentValue: r.value,
		LimitValue:   r.cap,
		CreatedAt:    now,
	}

	e.mu.Lock()
	e.alerts = append(e.alerts, alert)
	if len(e.alerts) > MaxRecentAlerts {
		e.alerts = e.alerts[len(e.alerts)-MaxRecentAlerts:]
	}
	store := e.store
	e.mu.Unlock()

	if store == nil {
		return alert
	}
	err := resilience.Retry(ctx, e.retry, func() error {
		return store.Execute(ctx, `
			INSERT INTO budget_alerts
				(id, org_id, agent_id, alert_kind, budget_kind, current_value, limit_value, acknowledged, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			alert.ID, alert.OrgID, alert.AgentID, string(alert.AlertKind), string(alert.BudgetKind),
			alert.CurrentValue, alert.LimitValue, alert.Acknowledged, alert.CreatedAt)
	})
	if err != nil {
		// Memory stays authoritative; the alert survives in the ring.
		e.logger.Error("Failed to persist budget alert",
			"agent_id", agent.ID, "alert_id", alert.ID, "error", err)
	}
	return alert
}

// RecentAlerts returns up to limit alerts from the ring, newest first.
// An empty agentID matches all agents.
func (e *Enforcer) RecentAlerts(agentID string, limit int) []models.BudgetAlert {
	if limit <= 0 || limit > MaxRecentAlerts {
		limit = MaxRecentAlerts
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.BudgetAlert, 0, limit)
	for i := len(e.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if agentID != "" && e.alerts[i].AgentID != agentID {
			continue
		}
		out = append(out, e.alerts[i])
	}
	return out
}

// ResetDailyFired clears the fired-rule set on daily rollover so each
// rule may fire again for the new day.
func (e *Enforcer) ResetDailyFired() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fired = make(map[string]string)
}
