package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc performs one health probe. A nil return marks the target
// healthy.
type ProbeFunc func(ctx context.Context) error

// ProbeResult is the outcome of the most recent probe for a target.
type ProbeResult struct {
	Target    string    `json:"target"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
}

// Monitor periodically runs registered probes on a shared interval and
// keeps the latest result per target. It is the scaffold used by
// components that need a background liveness view of an external
// dependency (database, deploy targets).
type Monitor struct {
	interval     time.Duration
	probeTimeout time.Duration

	mu      sync.RWMutex
	probes  map[string]ProbeFunc
	results map[string]*ProbeResult

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewMonitor creates a monitor with the given probe interval. Each probe
// invocation is bounded by probeTimeout.
func NewMonitor(interval, probeTimeout time.Duration) *Monitor {
	return &Monitor{
		interval:     interval,
		probeTimeout: probeTimeout,
		probes:       make(map[string]ProbeFunc),
		results:      make(map[string]*ProbeResult),
		logger:       slog.Default(),
	}
}

// Register adds or replaces a probe for target. Safe to call while the
// monitor is running; the probe joins the next tick.
func (m *Monitor) Register(target string, probe ProbeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[target] = probe
}

// Result returns the latest probe result for target, or nil if the target
// has not been probed yet.
func (m *Monitor) Result(target string) *ProbeResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.results[target]; ok {
		cp := *r
		return &cp
	}
	return nil
}

// Start launches the background probe loop. Calling Start on a running
// monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop cancels the loop and waits for it to exit. After Stop returns,
// Start may be called again.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.RunProbes(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunProbes(ctx)
		}
	}
}

// RunProbes executes every registered probe once and records the results.
// Exported so callers (and tests) can force a probe pass without waiting
// for the ticker.
func (m *Monitor) RunProbes(ctx context.Context) {
	m.mu.RLock()
	probes := make(map[string]ProbeFunc, len(m.probes))
	for k, v := range m.probes {
		probes[k] = v
	}
	m.mu.RUnlock()

	for target, probe := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		err := probe(probeCtx)
		cancel()

		result := &ProbeResult{
			Target:    target,
			Healthy:   err == nil,
			LastCheck: time.Now().UTC(),
		}
		if err != nil {
			result.Error = err.Error()
			m.logger.Warn("Health probe failed", "target", target, "error", err)
		}

		m.mu.Lock()
		m.results[target] = result
		m.mu.Unlock()
	}
}
