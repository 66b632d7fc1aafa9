package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUsageCounters_Record(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var u UsageCounters

	u.Record(ToolCall{ToolID: "search", TokensUsed: 500, CostUSD: 0.05}, now)
	u.Record(ToolCall{ToolID: "send_email", TokensUsed: 200, CostUSD: 0.02, IsExternalAction: true}, now)
	u.Record(ToolCall{ToolID: "search", Error: true}, now)

	assert.Equal(t, int64(700), u.TokensToday)
	assert.Equal(t, int64(700), u.TokensYear)
	assert.InDelta(t, 0.07, u.CostMonthUSD, 1e-9)
	assert.Equal(t, int64(3), u.ToolCallsToday)
	assert.Equal(t, int64(1), u.ExternalActions)
	assert.Equal(t, int64(1), u.ErrorCount)
	assert.Equal(t, now, u.LastUpdated)
}

func TestUsageCounters_HorizonResetsAreIndependent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var u UsageCounters
	u.Record(ToolCall{TokensUsed: 100, CostUSD: 1}, now)

	u.ResetDaily(now)
	assert.Zero(t, u.TokensToday)
	assert.Zero(t, u.CostTodayUSD)
	assert.Zero(t, u.ToolCallsToday)
	assert.Equal(t, int64(100), u.TokensWeek)
	assert.Equal(t, int64(100), u.TokensMonth)

	u.ResetWeekly(now)
	assert.Zero(t, u.TokensWeek)
	assert.Equal(t, int64(100), u.TokensMonth)

	u.ResetMonthly(now)
	assert.Zero(t, u.TokensMonth)
	assert.Zero(t, u.ToolCallsMonth)
	assert.Equal(t, int64(100), u.TokensYear)

	u.ResetAnnual(now)
	assert.Zero(t, u.TokensYear)
	assert.Zero(t, u.CostYearUSD)
}

func TestHealthStatus_RecordCheckRing(t *testing.T) {
	var h HealthStatus
	now := time.Now().UTC()

	for i := 0; i < MaxRecentChecks+3; i++ {
		h.RecordCheck(HealthCheck{Healthy: false, CheckedAt: now})
	}
	assert.Len(t, h.RecentChecks, MaxRecentChecks)
	assert.Equal(t, MaxRecentChecks+3, h.ConsecutiveFailures)

	h.RecordCheck(HealthCheck{Healthy: true, CheckedAt: now})
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Len(t, h.RecentChecks, MaxRecentChecks)
}

func TestManagedAgent_AppendTransitionBounded(t *testing.T) {
	agent := &ManagedAgent{}
	for i := 0; i < MaxStateHistory+10; i++ {
		agent.AppendTransition(StateTransition{From: StateRunning, To: StateDegraded})
	}
	assert.Len(t, agent.StateHistory, MaxStateHistory)
}

func TestBudgetConfig_Thresholds(t *testing.T) {
	b := BudgetConfig{}
	assert.Equal(t, []int{50, 80, 95}, b.Thresholds())

	b.WarningThresholds = []int{90}
	assert.Equal(t, []int{90}, b.Thresholds())
}

func TestWarningAndExceededKinds(t *testing.T) {
	assert.Equal(t, AlertKind("daily_warning_80"), WarningKind(HorizonDaily, 80))
	assert.Equal(t, AlertKind("warning_95"), WarningKind(HorizonMonthly, 95))
	assert.Equal(t, AlertDailyExceeded, ExceededKind(HorizonDaily))
	assert.Equal(t, AlertMonthlyExceeded, ExceededKind(HorizonMonthly))
	assert.Equal(t, AlertAnnualExceeded, ExceededKind(HorizonAnnual))
}
