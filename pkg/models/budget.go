package models

import "time"

// DefaultWarningThresholds are the warning percentages applied when a
// BudgetConfig does not specify its own.
var DefaultWarningThresholds = []int{50, 80, 95}

// BudgetKind distinguishes what a budget rule or alert measures.
type BudgetKind string

const (
	BudgetKindCost   BudgetKind = "cost"
	BudgetKindTokens BudgetKind = "tokens"
)

// AlertKind identifies the rule that fired a budget alert. Warning kinds
// are produced by WarningKind; exceeded kinds are per horizon.
type AlertKind string

const (
	AlertDailyExceeded   AlertKind = "daily_exceeded"
	AlertWeeklyExceeded  AlertKind = "weekly_exceeded"
	AlertMonthlyExceeded AlertKind = "exceeded"
	AlertAnnualExceeded  AlertKind = "annual_exceeded"
)

// Horizon is a budget evaluation window.
type Horizon string

const (
	HorizonDaily   Horizon = "daily"
	HorizonWeekly  Horizon = "weekly"
	HorizonMonthly Horizon = "monthly"
	HorizonAnnual  Horizon = "annual"
)

// WarningKind returns the alert kind for crossing a warning threshold on a
// horizon, e.g. "daily_warning_80". The monthly horizon keeps the legacy
// unprefixed form "warning_80".
func WarningKind(h Horizon, percent int) AlertKind {
	switch h {
	case HorizonMonthly:
		return AlertKind("warning_" + itoa(percent))
	default:
		return AlertKind(string(h) + "_warning_" + itoa(percent))
	}
}

// ExceededKind returns the exceeded alert kind for a horizon.
func ExceededKind(h Horizon) AlertKind {
	switch h {
	case HorizonDaily:
		return AlertDailyExceeded
	case HorizonWeekly:
		return AlertWeeklyExceeded
	case HorizonAnnual:
		return AlertAnnualExceeded
	default:
		return AlertMonthlyExceeded
	}
}

// itoa avoids importing strconv for two-digit thresholds on a hot path.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// BudgetConfig bounds an agent's spend over the four horizons. A zero cap
// means the horizon is unenforced. Warning thresholds are percentages of
// the cap; when empty, DefaultWarningThresholds apply.
type BudgetConfig struct {
	DailyCostCapUSD   float64 `json:"daily_cost_cap_usd,omitempty"`
	WeeklyCostCapUSD  float64 `json:"weekly_cost_cap_usd,omitempty"`
	MonthlyCostCapUSD float64 `json:"monthly_cost_cap_usd,omitempty"`
	AnnualCostCapUSD  float64 `json:"annual_cost_cap_usd,omitempty"`

	DailyTokenCap   int64 `json:"daily_token_cap,omitempty"`
	WeeklyTokenCap  int64 `json:"weekly_token_cap,omitempty"`
	MonthlyTokenCap int64 `json:"monthly_token_cap,omitempty"`
	AnnualTokenCap  int64 `json:"annual_token_cap,omitempty"`

	WarningThresholds []int `json:"warning_thresholds,omitempty"`

	// OrgPoolDelegation lets the agent draw from the organization's plan
	// caps instead of its own when set.
	OrgPoolDelegation bool `json:"org_pool_delegation,omitempty"`
}

// Thresholds returns the configured warning thresholds, falling back to
// the defaults.
func (b *BudgetConfig) Thresholds() []int {
	if len(b.WarningThresholds) > 0 {
		return b.WarningThresholds
	}
	return DefaultWarningThresholds
}

// Clone returns a deep copy of the budget configuration.
func (b *BudgetConfig) Clone() BudgetConfig {
	out := *b
	out.WarningThresholds = append([]int(nil), b.WarningThresholds...)
	return out
}

// BudgetAlert is an emitted and persisted record that a warning threshold
// or hard cap was crossed.
type BudgetAlert struct {
	ID           string     `json:"id"`
	OrgID        string     `json:"org_id"`
	AgentID      string     `json:"agent_id"`
	AlertKind    AlertKind  `json:"alert_kind"`
	BudgetKind   BudgetKind `json:"budget_kind"`
	CurrentValue float64    `json:"current_value"`
	LimitValue   float64    `json:"limit_value"`
	Acknowledged bool       `json:"acknowledged"`
	CreatedAt    time.Time  `json:"created_at"`
}
