package models

import "time"

const (
	// MaxStateHistory bounds the per-agent transition history; the oldest
	// entry is evicted first once the cap is reached.
	MaxStateHistory = 50

	// MaxRecentChecks bounds the health status ring of recent checks.
	MaxRecentChecks = 10
)

// SystemActor is the triggeredBy value recorded for transitions not
// initiated by a user.
const SystemActor = "system"

// StateTransition is one entry of an agent's append-only transition log.
type StateTransition struct {
	From        AgentState `json:"from"`
	To          AgentState `json:"to"`
	Reason      string     `json:"reason"`
	TriggeredBy string     `json:"triggered_by"`
	Timestamp   time.Time  `json:"timestamp"`
	Error       string     `json:"error,omitempty"`
}

// Liveness is the rolling health label of a deployed agent.
type Liveness string

const (
	LivenessHealthy   Liveness = "healthy"
	LivenessDegraded  Liveness = "degraded"
	LivenessUnhealthy Liveness = "unhealthy"
	LivenessUnknown   Liveness = "unknown"
)

// HealthCheck records a single health probe observation.
type HealthCheck struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	Message   string    `json:"message,omitempty"`
}

// HealthStatus is the rolling health record of a managed agent. It is
// mutated only by the health-check loop.
type HealthStatus struct {
	Liveness            Liveness      `json:"liveness"`
	LastCheck           time.Time     `json:"last_check,omitempty"`
	UptimeSeconds       int64         `json:"uptime_seconds"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	RecentChecks        []HealthCheck `json:"recent_checks,omitempty"`
}

// RecordCheck appends a probe observation to the bounded ring and updates
// the failure counter. A healthy observation resets ConsecutiveFailures.
func (h *HealthStatus) RecordCheck(check HealthCheck) {
	h.LastCheck = check.CheckedAt
	h.RecentChecks = append(h.RecentChecks, check)
	if len(h.RecentChecks) > MaxRecentChecks {
		h.RecentChecks = h.RecentChecks[len(h.RecentChecks)-MaxRecentChecks:]
	}
	if check.Healthy {
		h.ConsecutiveFailures = 0
	} else {
		h.ConsecutiveFailures++
	}
}

// ManagedAgent is the authoritative in-memory and persisted record of an
// agent: configuration snapshot, state, history, health, usage, and budget.
// Records are owned exclusively by the lifecycle manager; other components
// refer to agents by ID.
type ManagedAgent struct {
	ID             string            `json:"id"`
	OrgID          string            `json:"org_id"`
	Config         AgentConfig       `json:"config"`
	State          AgentState        `json:"state"`
	StateHistory   []StateTransition `json:"state_history,omitempty"`
	Health         HealthStatus      `json:"health"`
	Usage          UsageCounters     `json:"usage"`
	Budget         *BudgetConfig     `json:"budget,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	LastDeployedAt *time.Time        `json:"last_deployed_at,omitempty"`
	Version        int64             `json:"version"`
}

// AppendTransition records a transition in the bounded history. Callers
// must have already changed State; the append is expected to happen under
// the same critical section as the state change.
func (a *ManagedAgent) AppendTransition(t StateTransition) {
	a.StateHistory = append(a.StateHistory, t)
	if len(a.StateHistory) > MaxStateHistory {
		a.StateHistory = a.StateHistory[len(a.StateHistory)-MaxStateHistory:]
	}
}

// Clone returns a deep copy of the agent record, safe to serialize or hand
// to callers outside the lifecycle manager.
func (a *ManagedAgent) Clone() *ManagedAgent {
	out := *a
	out.Config = a.Config.Clone()
	out.StateHistory = append([]StateTransition(nil), a.StateHistory...)
	out.Health.RecentChecks = append([]HealthCheck(nil), a.Health.RecentChecks...)
	if a.Budget != nil {
		b := a.Budget.Clone()
		out.Budget = &b
	}
	if a.LastDeployedAt != nil {
		t := *a.LastDeployedAt
		out.LastDeployedAt = &t
	}
	return &out
}
