package models

import "time"

// UsageCounters tracks token, cost, and activity counters for a managed
// agent across four rolling horizons. Counters are ticked by RecordToolCall
// and reset by the horizon rollover entry points on the lifecycle manager.
type UsageCounters struct {
	TokensToday int64 `json:"tokens_today"`
	TokensWeek  int64 `json:"tokens_week"`
	TokensMonth int64 `json:"tokens_month"`
	TokensYear  int64 `json:"tokens_year"`

	CostTodayUSD float64 `json:"cost_today_usd"`
	CostWeekUSD  float64 `json:"cost_week_usd"`
	CostMonthUSD float64 `json:"cost_month_usd"`
	CostYearUSD  float64 `json:"cost_year_usd"`

	ToolCallsToday int64 `json:"tool_calls_today"`
	ToolCallsMonth int64 `json:"tool_calls_month"`

	ExternalActions int64 `json:"external_actions"`
	ActiveSessions  int   `json:"active_sessions"`

	ErrorCount  int64   `json:"error_count"`
	ErrorRate1h float64 `json:"error_rate_1h"`

	// Legacy monthly caps, consulted only when the agent carries no
	// BudgetConfig.
	MonthlyBudgetUSD   float64 `json:"monthly_budget_usd,omitempty"`
	MonthlyTokenBudget int64   `json:"monthly_token_budget,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
}

// ToolCall is one metered invocation reported by the runtime.
type ToolCall struct {
	ToolID           string  `json:"tool_id"`
	TokensUsed       int64   `json:"tokens_used,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
	IsExternalAction bool    `json:"is_external_action,omitempty"`
	Error            bool    `json:"error,omitempty"`
}

// Record applies a tool call to every relevant counter.
func (u *UsageCounters) Record(call ToolCall, now time.Time) {
	u.TokensToday += call.TokensUsed
	u.TokensWeek += call.TokensUsed
	u.TokensMonth += call.TokensUsed
	u.TokensYear += call.TokensUsed

	u.CostTodayUSD += call.CostUSD
	u.CostWeekUSD += call.CostUSD
	u.CostMonthUSD += call.CostUSD
	u.CostYearUSD += call.CostUSD

	u.ToolCallsToday++
	u.ToolCallsMonth++
	if call.IsExternalAction {
		u.ExternalActions++
	}
	if call.Error {
		u.ErrorCount++
	}
	u.LastUpdated = now
}

// ResetDaily clears the daily buckets.
func (u *UsageCounters) ResetDaily(now time.Time) {
	u.TokensToday = 0
	u.CostTodayUSD = 0
	u.ToolCallsToday = 0
	u.LastUpdated = now
}

// ResetWeekly clears the weekly buckets.
func (u *UsageCounters) ResetWeekly(now time.Time) {
	u.TokensWeek = 0
	u.CostWeekUSD = 0
	u.LastUpdated = now
}

// ResetMonthly clears the monthly buckets.
func (u *UsageCounters) ResetMonthly(now time.Time) {
	u.TokensMonth = 0
	u.CostMonthUSD = 0
	u.ToolCallsMonth = 0
	u.LastUpdated = now
}

// ResetAnnual clears the annual buckets.
func (u *UsageCounters) ResetAnnual(now time.Time) {
	u.TokensYear = 0
	u.CostYearUSD = 0
	u.LastUpdated = now
}
