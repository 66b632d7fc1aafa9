package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentfleet/fleetd/pkg/database"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/resilience"
)

// Deploy drives the agent through provisioning → deploying → starting
// and settles in running or degraded. Running requires a healthy status
// report within the configured wait; otherwise the agent enters degraded
// and the health loop is started anyway. Deploy blocks for the duration;
// callers wanting fire-and-forget run it on their own goroutine.
func (m *Manager) Deploy(ctx context.Context, id, actor string) error {
	if err := m.requireStore(); err != nil {
		return err
	}
	entry, ok := m.entry(id)
	if !ok {
		return ErrNotFound
	}
	if actor == "" {
		actor = m.identity
	}

	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	entry.mu.Lock()
	state := entry.agent.State
	cfg := entry.agent.Config.Clone()
	entry.mu.Unlock()

	switch state {
	case models.StateReady, models.StateStopped, models.StateError:
	default:
		return fmt.Errorf("%w: cannot deploy from %s", ErrConflict, state)
	}

	if err := m.setState(ctx, entry, models.StateProvisioning, "deploy requested", actor, ""); err != nil {
		return err
	}

	progress := func(stage, message string) {
		switch stage {
		case "deploying":
			_ = m.setState(ctx, entry, models.StateDeploying, message, m.identity, "")
		case "starting":
			_ = m.setState(ctx, entry, models.StateStarting, message, m.identity, "")
		}
	}

	if err := m.deployer.Deploy(ctx, id, cfg, progress); err != nil {
		_ = m.setState(ctx, entry, models.StateError, "deploy failed", m.identity, err.Error())
		m.emit(m.snapshot(entry), models.EventError, map[string]any{"error": err.Error()})
		return fmt.Errorf("deploy failed: %w", err)
	}

	// Adapters report progress stages best-effort; make sure the state
	// machine reached starting either way.
	m.advanceToStarting(ctx, entry)

	now := m.clock().UTC()
	entry.mu.Lock()
	entry.agent.LastDeployedAt = &now
	clone := entry.agent.Clone()
	entry.mu.Unlock()
	m.persistAgent(ctx, clone)
	m.emit(clone, models.EventDeployed, map[string]any{"target": cfg.Deployment.Target})

	if m.waitForHealthy(ctx, id, cfg) {
		_ = m.setState(ctx, entry, models.StateRunning, "deployment healthy", m.identity, "")
		m.emit(m.snapshot(entry), models.EventStarted, nil)
	} else {
		_ = m.setState(ctx, entry, models.StateDegraded, "no healthy status within deploy window", m.identity, "")
	}

	m.startHealthLoop(entry)
	return nil
}

func (m *Manager) advanceToStarting(ctx context.Context, entry *agentEntry) {
	for {
		entry.mu.Lock()
		state := entry.agent.State
		entry.mu.Unlock()
		switch state {
		case models.StateProvisioning:
			_ = m.setState(ctx, entry, models.StateDeploying, "workload accepted", m.identity, "")
		case models.StateDeploying:
			_ = m.setState(ctx, entry, models.StateStarting, "workload starting", m.identity, "")
		default:
			return
		}
	}
}

// waitForHealthy polls the deployer until a healthy running status or
// the wait deadline.
func (m *Manager) waitForHealthy(ctx context.Context, id string, cfg models.AgentConfig) bool {
	deadline := time.Now().Add(m.opts.WaitHealthyTimeout)
	for {
		status, err := m.deployer.GetStatus(ctx, id, cfg)
		if err == nil && status.Running && status.Healthy {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.opts.WaitHealthyPoll):
		}
	}
}

// Stop halts the agent's workload. The stop is best-effort: the agent
// settles in stopped even when the deployer reports a failure, which is
// recorded on the transition.
func (m *Manager) Stop(ctx context.Context, id, actor, reason string) error {
	if err := m.requireStore(); err != nil {
		return err
	}
	entry, ok := m.entry(id)
	if !ok {
		return ErrNotFound
	}
	if actor == "" {
		actor = m.identity
	}
	if reason == "" {
		reason = "stop requested"
	}

	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	entry.mu.Lock()
	state := entry.agent.State
	cfg := entry.agent.Config.Clone()
	entry.mu.Unlock()

	switch state {
	case models.StateRunning, models.StateDegraded, models.StateStarting, models.StateError:
	default:
		return fmt.Errorf("%w: cannot stop from %s", ErrConflict, state)
	}

	m.stopHealthLoop(entry)

	errMsg := ""
	stopErr := m.deployer.Stop(ctx, id, cfg)
	if stopErr != nil {
		errMsg = stopErr.Error()
		m.logger.Warn("Deployer stop failed, recording stop anyway",
			"agent_id", id, "error", stopErr)
	}

	if err := m.setState(ctx, entry, models.StateStopped, reason, actor, errMsg); err != nil {
		return err
	}
	m.emit(m.snapshot(entry), models.EventStopped, map[string]any{"reason": reason})
	return stopErr
}

// Restart restarts the workload in place and waits for it to come back
// healthy.
func (m *Manager) Restart(ctx context.Context, id, actor string) error {
	if err := m.requireStore(); err != nil {
		return err
	}
	entry, ok := m.entry(id)
	if !ok {
		return ErrNotFound
	}
	if actor == "" {
		actor = m.identity
	}

	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	entry.mu.Lock()
	state := entry.agent.State
	cfg := entry.agent.Config.Clone()
	entry.mu.Unlock()

	switch state {
	case models.StateRunning, models.StateDegraded, models.StateError:
	default:
		return fmt.Errorf("%w: cannot restart from %s", ErrConflict, state)
	}

	if err := m.setState(ctx, entry, models.StateStarting, "restart requested", actor, ""); err != nil {
		return err
	}

	if err := m.deployer.Restart(ctx, id, cfg); err != nil {
		_ = m.setState(ctx, entry, models.StateError, "restart failed", m.identity, err.Error())
		return fmt.Errorf("restart failed: %w", err)
	}

	if m.waitForHealthy(ctx, id, cfg) {
		_ = m.setState(ctx, entry, models.StateRunning, "restart healthy", m.identity, "")
	} else {
		_ = m.setState(ctx, entry, models.StateDegraded, "no healthy status after restart", m.identity, "")
	}
	m.emit(m.snapshot(entry), models.EventRestarted, nil)
	m.startHealthLoop(entry)
	return nil
}

// HotUpdate applies a configuration patch to a live agent without a full
// redeploy. Only valid from running or degraded; the prior state is
// restored on success, and a failed in-place update leaves the agent
// degraded.
func (m *Manager) HotUpdate(ctx context.Context, id string, patch *models.ConfigPatch, actor string) (*models.ManagedAgent, error) {
	if err := m.requireStore(); err != nil {
		return nil, err
	}
	entry, ok := m.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	if actor == "" {
		actor = m.identity
	}

	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	entry.mu.Lock()
	prior := entry.agent.State
	entry.mu.Unlock()

	if !prior.IsActive() {
		return nil, fmt.Errorf("%w: hot update requires running or degraded, agent is %s", ErrConflict, prior)
	}

	if err := m.setState(ctx, entry, models.StateUpdating, "hot update", actor, ""); err != nil {
		return nil, err
	}

	entry.mu.Lock()
	patch.Apply(&entry.agent.Config)
	entry.agent.Version++
	entry.agent.UpdatedAt = m.clock().UTC()
	cfg := entry.agent.Config.Clone()
	clone := entry.agent.Clone()
	entry.mu.Unlock()
	m.persistAgent(ctx, clone)

	if err := m.deployer.UpdateConfig(ctx, id, cfg); err != nil {
		_ = m.setState(ctx, entry, models.StateDegraded, "hot update failed", m.identity, err.Error())
		return nil, fmt.Errorf("hot update failed: %w", err)
	}

	if err := m.setState(ctx, entry, prior, "hot update complete", actor, ""); err != nil {
		return nil, err
	}
	result := m.snapshot(entry)
	m.emit(result, models.EventUpdated, map[string]any{"version": result.Version})
	return result, nil
}

// Destroy tears the agent down: best-effort workload stop, record
// removal from memory and persistence. Destroying an unknown (or already
// destroyed) agent returns ErrNotFound.
func (m *Manager) Destroy(ctx context.Context, id, actor string) error {
	if err := m.requireStore(); err != nil {
		return err
	}
	entry, ok := m.entry(id)
	if !ok {
		return ErrNotFound
	}
	if actor == "" {
		actor = m.identity
	}

	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	entry.mu.Lock()
	state := entry.agent.State
	cfg := entry.agent.Config.Clone()
	entry.mu.Unlock()
	if state == models.StateDestroying {
		return ErrNotFound
	}

	if err := m.setState(ctx, entry, models.StateDestroying, "destroy requested", actor, ""); err != nil {
		return err
	}
	m.stopHealthLoop(entry)

	if state.IsActive() || state == models.StateStarting {
		if err := m.deployer.Stop(ctx, id, cfg); err != nil {
			m.logger.Warn("Workload stop during destroy failed", "agent_id", id, "error", err)
		}
	}

	destroyed := m.snapshot(entry)

	m.mu.Lock()
	delete(m.agents, id)
	store := m.store
	m.mu.Unlock()

	m.dirtyMu.Lock()
	delete(m.dirty, id)
	m.dirtyMu.Unlock()

	if store != nil {
		err := resilience.Retry(ctx, m.retry, func() error {
			if err := store.DeleteManagedAgent(ctx, id); err != nil {
				if errors.Is(err, database.ErrNotFound) {
					return resilience.Permanent(err)
				}
				return err
			}
			return nil
		})
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			m.logger.Error("Failed to delete persisted agent", "agent_id", id, "error", err)
		}
	}

	m.emit(destroyed, models.EventDestroyed, nil)
	return nil
}

// RecordToolCall meters one tool invocation: counters update, budget
// rules evaluate (possibly forcing a stop), and the agent is marked for
// the next debounced flush.
func (m *Manager) RecordToolCall(ctx context.Context, id string, call models.ToolCall) error {
	if err := m.requireStore(); err != nil {
		return err
	}
	entry, ok := m.entry(id)
	if !ok {
		return ErrNotFound
	}

	entry.mu.Lock()
	if m.enforcer != nil {
		m.enforcer.RecordToolCall(ctx, entry.agent, call)
	} else {
		entry.agent.Usage.Record(call, m.clock().UTC())
	}
	entry.agent.Version++
	clone := entry.agent.Clone()
	entry.mu.Unlock()

	m.emit(clone, models.EventToolCall, map[string]any{
		"tool_id": call.ToolID,
		"tokens":  call.TokensUsed,
		"cost":    call.CostUSD,
	})
	m.markDirty(id)
	return nil
}
