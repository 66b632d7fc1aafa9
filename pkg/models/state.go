// Package models defines the core domain types for the fleetd agent
// lifecycle platform: managed agents, their configuration, state machine,
// usage counters, budgets, sessions, and lifecycle events.
package models

// AgentState represents the lifecycle state of a managed agent. States form
// a finite state machine; transitions are validated against the
// validTransitions matrix.
type AgentState string

const (
	StateDraft        AgentState = "draft"
	StateConfiguring  AgentState = "configuring"
	StateReady        AgentState = "ready"
	StateProvisioning AgentState = "provisioning"
	StateDeploying    AgentState = "deploying"
	StateStarting     AgentState = "starting"
	StateRunning      AgentState = "running"
	StateDegraded     AgentState = "degraded"
	StateStopped      AgentState = "stopped"
	StateError        AgentState = "error"
	StateUpdating     AgentState = "updating"
	StateDestroying   AgentState = "destroying"
)

// String returns the string representation of the state.
func (s AgentState) String() string {
	return string(s)
}

// Valid reports whether the state is one of the recognized lifecycle states.
func (s AgentState) Valid() bool {
	switch s {
	case StateDraft, StateConfiguring, StateReady, StateProvisioning,
		StateDeploying, StateStarting, StateRunning, StateDegraded,
		StateStopped, StateError, StateUpdating, StateDestroying:
		return true
	default:
		return false
	}
}

// IsActive reports whether an agent in this state has a live workload and
// therefore an active health-check loop.
func (s AgentState) IsActive() bool {
	return s == StateRunning || s == StateDegraded
}

// IsTerminal reports whether no further transitions are possible.
func (s AgentState) IsTerminal() bool {
	return s == StateDestroying
}

// validTransitions defines the allowed state transitions. Each key is a
// source state, and the value is the set of states it may transition to.
// destroying is reachable from every non-destroyed state and is therefore
// handled separately by ValidTransition.
var validTransitions = map[AgentState][]AgentState{
	StateDraft:        {StateConfiguring, StateReady},
	StateConfiguring:  {StateDraft, StateReady},
	StateReady:        {StateProvisioning, StateConfiguring},
	StateProvisioning: {StateDeploying, StateError},
	StateDeploying:    {StateStarting, StateError},
	StateStarting:     {StateRunning, StateDegraded, StateStopped, StateError},
	StateRunning:      {StateDegraded, StateStopped, StateUpdating, StateStarting, StateError},
	StateDegraded:     {StateRunning, StateStopped, StateUpdating, StateStarting, StateError},
	StateStopped:      {StateProvisioning, StateConfiguring, StateError},
	StateError:        {StateProvisioning, StateStopped, StateStarting},
	StateUpdating:     {StateRunning, StateDegraded, StateError},
	StateDestroying:   {},
}

// ValidTransition reports whether transitioning from state from to state to
// is allowed by the lifecycle state machine. Any non-destroying state may
// transition to destroying. Same-state transitions are rejected.
func ValidTransition(from, to AgentState) bool {
	if from == to {
		return false
	}
	if to == StateDestroying {
		return from != StateDestroying
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}
