package models

import "time"

// PlanLimits bounds an organization's fleet per its plan tier.
type PlanLimits struct {
	MaxAgents          int     `json:"max_agents"`
	MonthlyCostCapUSD  float64 `json:"monthly_cost_cap_usd,omitempty"`
	MonthlyTokenCap    int64   `json:"monthly_token_cap,omitempty"`
	MaxSessionsPerHour int     `json:"max_sessions_per_hour,omitempty"`
}

// Organization owns a fleet of managed agents. Organizations live in their
// own manager; agents reference them by id.
type Organization struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Subdomain   string     `json:"subdomain"`
	PlanTier    string     `json:"plan_tier"`
	Limits      PlanLimits `json:"limits"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}
