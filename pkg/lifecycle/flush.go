package lifecycle

import (
	"context"
	"time"
)

// markDirty queues the agent for the next debounced flush. The first
// mark after a flush arms a single timer; further marks within the
// window coalesce.
func (m *Manager) markDirty(id string) {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	m.dirty[id] = struct{}{}
	if m.flushTimer == nil {
		m.flushTimer = time.AfterFunc(m.opts.FlushInterval, m.flushTimerFired)
	}
}

func (m *Manager) flushTimerFired() {
	m.dirtyMu.Lock()
	m.flushTimer = nil
	m.dirtyMu.Unlock()
	m.flush(context.Background())
}

// flush drains the dirty set atomically and persists each agent once.
func (m *Manager) flush(ctx context.Context) {
	m.dirtyMu.Lock()
	ids := m.dirty
	m.dirty = make(map[string]struct{})
	m.dirtyMu.Unlock()

	for id := range ids {
		entry, ok := m.entry(id)
		if !ok {
			continue
		}
		m.persistAgent(ctx, m.snapshot(entry))
	}
}

// dirtyCount reports the pending flush backlog.
func (m *Manager) dirtyCount() int {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	return len(m.dirty)
}

// RolloverDaily resets every agent's daily usage buckets and clears the
// enforcer's fired-alert set so each budget rule may fire again for the
// new day.
func (m *Manager) RolloverDaily(ctx context.Context) {
	now := m.clock().UTC()
	m.eachEntry(func(entry *agentEntry) {
		entry.mu.Lock()
		entry.agent.Usage.ResetDaily(now)
		entry.agent.Version++
		id := entry.agent.ID
		entry.mu.Unlock()
		m.markDirty(id)
	})
	if m.enforcer != nil {
		m.enforcer.ResetDailyFired()
	}
	m.logger.Info("Daily usage rollover complete")
}

// RolloverWeekly resets every agent's weekly usage buckets.
func (m *Manager) RolloverWeekly(ctx context.Context) {
	now := m.clock().UTC()
	m.eachEntry(func(entry *agentEntry) {
		entry.mu.Lock()
		entry.agent.Usage.ResetWeekly(now)
		entry.agent.Version++
		id := entry.agent.ID
		entry.mu.Unlock()
		m.markDirty(id)
	})
	m.logger.Info("Weekly usage rollover complete")
}

// RolloverMonthly resets every agent's monthly usage buckets.
func (m *Manager) RolloverMonthly(ctx context.Context) {
	now := m.clock().UTC()
	m.eachEntry(func(entry *agentEntry) {
		entry.mu.Lock()
		entry.agent.Usage.ResetMonthly(now)
		entry.agent.Version++
		id := entry.agent.ID
		entry.mu.Unlock()
		m.markDirty(id)
	})
	m.logger.Info("Monthly usage rollover complete")
}

// RolloverAnnual resets every agent's annual usage buckets.
func (m *Manager) RolloverAnnual(ctx context.Context) {
	now := m.clock().UTC()
	m.eachEntry(func(entry *agentEntry) {
		entry.mu.Lock()
		entry.agent.Usage.ResetAnnual(now)
		entry.agent.Version++
		id := entry.agent.ID
		entry.mu.Unlock()
		m.markDirty(id)
	})
	m.logger.Info("Annual usage rollover complete")
}

func (m *Manager) eachEntry(fn func(*agentEntry)) {
	m.mu.RLock()
	entries := make([]*agentEntry, 0, len(m.agents))
	for _, e := range m.agents {
		entries = append(entries, e)
	}
	m.mu.RUnlock()
	for _, e := range entries {
		fn(e)
	}
}
