package lifecycle

import (
	"context"
	"time"

	"github.com/agentfleet/fleetd/pkg/models"
)

const (
	// demoteAfterFailures is the consecutive-failure count that demotes
	// running to degraded.
	demoteAfterFailures = 2
	// restartAfterFailures is the consecutive-failure count that triggers
	// an automatic restart attempt.
	restartAfterFailures = 5
)

// startHealthLoop starts the agent's periodic health probe, cancelling
// any previous loop first so exactly one runs per agent.
func (m *Manager) startHealthLoop(entry *agentEntry) {
	entry.mu.Lock()
	if entry.healthCancel != nil {
		entry.healthCancel()
	}
	ctx, cancel := context.WithCancel(m.rootCtx)
	entry.healthCancel = cancel
	id := entry.agent.ID
	entry.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.healthCheck(ctx, entry, id)
			}
		}
	}()
}

func (m *Manager) stopHealthLoop(entry *agentEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.healthCancel != nil {
		entry.healthCancel()
		entry.healthCancel = nil
	}
}

// healthLoopRunning reports whether the entry has an active loop.
func (m *Manager) healthLoopRunning(id string) bool {
	entry, ok := m.entry(id)
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.healthCancel != nil
}

// healthCheck runs one probe tick: record the observation, then apply
// the demote / restart / recover rules.
func (m *Manager) healthCheck(ctx context.Context, entry *agentEntry, id string) {
	entry.mu.Lock()
	state := entry.agent.State
	cfg := entry.agent.Config.Clone()
	entry.mu.Unlock()

	if !state.IsActive() && state != models.StateStarting {
		return
	}

	status, err := m.deployer.GetStatus(ctx, id, cfg)
	healthy := err == nil && status.Running && status.Healthy
	message := status.Detail
	if err != nil {
		message = err.Error()
	}

	entry.mu.Lock()
	entry.agent.Health.RecordCheck(models.HealthCheck{
		Healthy:   healthy,
		CheckedAt: m.clock().UTC(),
		Message:   message,
	})
	if healthy {
		entry.agent.Health.Liveness = models.LivenessHealthy
	} else if entry.agent.Health.ConsecutiveFailures >= demoteAfterFailures {
		entry.agent.Health.Liveness = models.LivenessUnhealthy
	} else {
		entry.agent.Health.Liveness = models.LivenessDegraded
	}
	failures := entry.agent.Health.ConsecutiveFailures
	state = entry.agent.State
	entry.mu.Unlock()

	m.markDirty(id)

	if healthy {
		switch state {
		case models.StateDegraded:
			if err := m.setState(ctx, entry, models.StateRunning, "health restored", m.identity, ""); err == nil {
				m.emit(m.snapshot(entry), models.EventAutoRecovered, nil)
			}
		case models.StateStarting:
			_ = m.setState(ctx, entry, models.StateRunning, "workload healthy", m.identity, "")
		}
		return
	}

	switch {
	case failures >= restartAfterFailures:
		m.autoRestart(ctx, entry, id, cfg)
	case failures >= demoteAfterFailures && state == models.StateRunning:
		if err := m.setState(ctx, entry, models.StateDegraded, "repeated health check failures", m.identity, ""); err == nil {
			m.emit(m.snapshot(entry), models.EventHealthChanged, map[string]any{
				"consecutive_failures": failures,
			})
		}
	}
}

// autoRestart is the escalation path after repeated failures: reset the
// failure counter, restart the workload, and settle in starting (the
// next healthy probe promotes to running) or error.
func (m *Manager) autoRestart(ctx context.Context, entry *agentEntry, id string, cfg models.AgentConfig) {
	entry.mu.Lock()
	entry.agent.Health.ConsecutiveFailures = 0
	state := entry.agent.State
	entry.mu.Unlock()

	m.emit(m.snapshot(entry), models.EventAutoRecovered, map[string]any{"restart": true})
	m.logger.Warn("Restarting agent after repeated health check failures", "agent_id", id)

	// A restart that never comes healthy leaves the agent in starting;
	// later escalations retry the restart from there without a transition.
	if state != models.StateStarting {
		if err := m.setState(ctx, entry, models.StateStarting, "automatic restart after repeated failures", m.identity, ""); err != nil {
			return
		}
	}
	if err := m.deployer.Restart(ctx, id, cfg); err != nil {
		_ = m.setState(ctx, entry, models.StateError, "automatic restart failed", m.identity, err.Error())
		m.stopHealthLoop(entry)
		m.emit(m.snapshot(entry), models.EventError, map[string]any{"error": err.Error()})
	}
}
