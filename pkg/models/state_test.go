package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from AgentState
		to   AgentState
		want bool
	}{
		{"draft to ready", StateDraft, StateReady, true},
		{"draft to configuring", StateDraft, StateConfiguring, true},
		{"ready to provisioning", StateReady, StateProvisioning, true},
		{"provisioning to deploying", StateProvisioning, StateDeploying, true},
		{"deploying to starting", StateDeploying, StateStarting, true},
		{"starting to running", StateStarting, StateRunning, true},
		{"starting to degraded", StateStarting, StateDegraded, true},
		{"running to updating", StateRunning, StateUpdating, true},
		{"running to starting is restart", StateRunning, StateStarting, true},
		{"degraded to running recovers", StateDegraded, StateRunning, true},
		{"updating to degraded", StateUpdating, StateDegraded, true},
		{"stopped to provisioning redeploys", StateStopped, StateProvisioning, true},
		{"error to provisioning retries", StateError, StateProvisioning, true},
		{"error to starting restarts", StateError, StateStarting, true},

		{"draft cannot deploy", StateDraft, StateProvisioning, false},
		{"ready cannot skip to running", StateReady, StateRunning, false},
		{"running cannot re-provision", StateRunning, StateProvisioning, false},
		{"stopped cannot resume directly", StateStopped, StateRunning, false},
		{"same state rejected", StateRunning, StateRunning, false},
		{"destroying is terminal", StateDestroying, StateDraft, false},
		{"unknown source rejected", AgentState("bogus"), StateReady, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidTransition(tt.from, tt.to))
		})
	}
}

func TestValidTransition_DestroyingReachableFromAnywhere(t *testing.T) {
	for from := range validTransitions {
		if from == StateDestroying {
			assert.False(t, ValidTransition(from, StateDestroying))
			continue
		}
		assert.True(t, ValidTransition(from, StateDestroying), "from %s", from)
	}
}

func TestAgentState_Valid(t *testing.T) {
	assert.True(t, StateRunning.Valid())
	assert.True(t, StateDestroying.Valid())
	assert.False(t, AgentState("paused").Valid())
	assert.False(t, AgentState("").Valid())
}

func TestAgentState_IsActive(t *testing.T) {
	assert.True(t, StateRunning.IsActive())
	assert.True(t, StateDegraded.IsActive())
	assert.False(t, StateStarting.IsActive())
	assert.False(t, StateStopped.IsActive())
}

func TestAgentState_IsTerminal(t *testing.T) {
	assert.True(t, StateDestroying.IsTerminal())
	assert.False(t, StateError.IsTerminal())
	assert.False(t, StateStopped.IsTerminal())
}
