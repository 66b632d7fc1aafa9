// Package lifecycle implements the agent lifecycle manager: the single
// owner of ManagedAgent records, their state machine, health loops,
// usage flushing, and lifecycle event fan-out. All other components
// reference agents by ID through the manager.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/budget"
	"github.com/agentfleet/fleetd/pkg/deploy"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/resilience"
)

// Store is the persistence contract the manager writes through.
// Satisfied by database.Store. Memory stays authoritative: failed writes
// are retried, then logged and dropped.
type Store interface {
	UpsertManagedAgent(ctx context.Context, agent *models.ManagedAgent) error
	DeleteManagedAgent(ctx context.Context, id string) error
	GetAllManagedAgents(ctx context.Context) ([]*models.ManagedAgent, error)
	AddStateTransition(ctx context.Context, agentID string, t models.StateTransition) error
	GetStateTransitions(ctx context.Context, agentID string, limit int) ([]models.StateTransition, error)
}

// Deployer is the deployment surface the manager drives. Satisfied by
// deploy.Orchestrator.
type Deployer interface {
	Deploy(ctx context.Context, agentID string, cfg models.AgentConfig, progress deploy.ProgressFunc) error
	Stop(ctx context.Context, agentID string, cfg models.AgentConfig) error
	Restart(ctx context.Context, agentID string, cfg models.AgentConfig) error
	UpdateConfig(ctx context.Context, agentID string, cfg models.AgentConfig) error
	GetStatus(ctx context.Context, agentID string, cfg models.AgentConfig) (deploy.Status, error)
}

// BirthdayHook is invoked once per agent per birthday.
type BirthdayHook func(agent *models.ManagedAgent, age int)

// Options tunes the manager's periodic machinery. Zero values take the
// documented defaults.
type Options struct {
	// HealthInterval is the health-check loop period. Default 30s.
	HealthInterval time.Duration
	// FlushInterval is the debounce window for usage persistence.
	// Default 5s.
	FlushInterval time.Duration
	// WaitHealthyTimeout bounds how long a deploy waits for a healthy
	// status before settling in degraded. Default 60s.
	WaitHealthyTimeout time.Duration
	// WaitHealthyPoll is the status poll period inside that wait.
	// Default 2s.
	WaitHealthyPoll time.Duration
}

func (o *Options) withDefaults() {
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.WaitHealthyTimeout <= 0 {
		o.WaitHealthyTimeout = 60 * time.Second
	}
	if o.WaitHealthyPoll <= 0 {
		o.WaitHealthyPoll = 2 * time.Second
	}
}

// agentEntry pairs an agent record with its locks and health loop handle.
// opMu serializes lifecycle operations; mu guards the record itself.
type agentEntry struct {
	opMu sync.Mutex
	mu   sync.Mutex

	agent        *models.ManagedAgent
	healthCancel context.CancelFunc
}

// Manager is the lifecycle manager. Construct with NewManager, wire
// persistence with SetStore, start schedulers with Start, and stop
// everything with Shutdown.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry
	store  Store

	deployer Deployer
	enforcer *budget.Enforcer
	bus      *eventBus
	opts     Options

	dirtyMu    sync.Mutex
	dirty      map[string]struct{}
	flushTimer *time.Timer

	birthdayHook BirthdayHook
	birthdayMu   sync.Mutex
	birthdayDay  string

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	retry    resilience.RetryConfig
	clock    func() time.Time
	identity string
	logger   *slog.Logger
}

// NewManager creates a manager without persistence. Writes return
// ErrInitializing until SetStore is called.
func NewManager(deployer Deployer, enforcer *budget.Enforcer, opts Options) *Manager {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		agents:   make(map[string]*agentEntry),
		deployer: deployer,
		enforcer: enforcer,
		bus:      newEventBus(),
		opts:     opts,
		dirty:    make(map[string]struct{}),
		rootCtx:  ctx,
		cancel:   cancel,
		retry:    resilience.DefaultRetryConfig(),
		clock:    time.Now,
		identity: systemIdentity(),
		logger:   slog.Default().With("component", "lifecycle.manager"),
	}
	if enforcer != nil {
		enforcer.SetForceStop(m.onForceStop)
		enforcer.SetNotifier(m.onBudgetAlert)
	}
	return m
}

// systemIdentity labels system-triggered transitions with the pod that
// performed them.
func systemIdentity() string {
	if pod := os.Getenv("POD_ID"); pod != "" {
		return models.SystemActor + "@" + pod
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return models.SystemActor + "@" + host
	}
	return models.SystemActor + "@local"
}

// Subscribe registers a lifecycle event listener and returns its
// unsubscribe function. Listeners run synchronously on the emitting
// goroutine; they must not block and must not call back into the manager.
func (m *Manager) Subscribe(fn EventListener) func() {
	return m.bus.subscribe(fn)
}

// Ready reports whether persistence has been wired in.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store != nil
}

// SetStore installs persistence, loads existing agents, and re-attaches
// health loops for agents persisted as running or degraded. Until this
// completes, write operations return ErrInitializing.
func (m *Manager) SetStore(ctx context.Context, store Store) error {
	agents, err := store.GetAllManagedAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted agents: %w", err)
	}

	m.mu.Lock()
	m.store = store
	for _, a := range agents {
		if _, exists := m.agents[a.ID]; exists {
			continue
		}
		m.agents[a.ID] = &agentEntry{agent: a}
	}
	m.mu.Unlock()

	if m.enforcer != nil {
		if s, ok := store.(budget.Store); ok {
			m.enforcer.SetStore(s)
		}
	}

	// Orphaned workloads keep running across restarts; re-attach their
	// health loops instead of redeploying.
	reattached := 0
	for _, a := range agents {
		if !a.State.IsActive() {
			continue
		}
		if entry, ok := m.entry(a.ID); ok {
			m.startHealthLoop(entry)
			reattached++
		}
	}

	m.logger.Info("Persistence wired",
		"agents_loaded", len(agents), "health_loops_reattached", reattached)
	return nil
}

// Start launches the hourly birthday scheduler.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-m.rootCtx.Done():
				return
			case <-ticker.C:
				m.checkBirthdays(m.clock().UTC())
			}
		}
	}()
}

// SetBirthdayHook installs the external birthday notification hook.
func (m *Manager) SetBirthdayHook(hook BirthdayHook) {
	m.birthdayHook = hook
}

func (m *Manager) entry(id string) (*agentEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.agents[id]
	return e, ok
}

func (m *Manager) requireStore() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return ErrInitializing
	}
	return nil
}

// CreateAgent registers a new agent in draft state, promoting it to
// ready immediately when the configuration is already complete.
func (m *Manager) CreateAgent(ctx context.Context, orgID string, cfg models.AgentConfig, actor string) (*models.ManagedAgent, error) {
	if err := m.requireStore(); err != nil {
		return nil, err
	}
	if orgID == "" {
		return nil, NewValidationError("orgId", "organization id is required")
	}
	if cfg.Name == "" {
		return nil, NewValidationError("name", "agent name is required")
	}
	if actor == "" {
		actor = m.identity
	}

	now := m.clock().UTC()
	agent := &models.ManagedAgent{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Config:    cfg.Clone(),
		State:     models.StateDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	entry := &agentEntry{agent: agent}

	m.mu.Lock()
	m.agents[agent.ID] = entry
	m.mu.Unlock()

	m.emit(agent, models.EventCreated, map[string]any{"name": cfg.Name})

	if cfg.Complete() {
		if err := m.setState(ctx, entry, models.StateReady, "configuration complete", actor, ""); err != nil {
			return nil, err
		}
	} else {
		m.persistAgent(ctx, agent.Clone())
	}

	return m.snapshot(entry), nil
}

// GetAgent returns a deep copy of the agent record.
func (m *Manager) GetAgent(id string) (*models.ManagedAgent, error) {
	entry, ok := m.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	return m.snapshot(entry), nil
}

// AgentState returns the agent's current lifecycle state.
func (m *Manager) AgentState(id string) (models.AgentState, error) {
	entry, ok := m.entry(id)
	if !ok {
		return "", ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.agent.State, nil
}

// ProfileID returns the agent's assigned permission profile ID.
func (m *Manager) ProfileID(id string) (string, error) {
	entry, ok := m.entry(id)
	if !ok {
		return "", ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.agent.Config.PermissionProfileID, nil
}

// ListAgents returns deep copies of all agents, filtered by organization
// when orgID is non-empty.
func (m *Manager) ListAgents(orgID string) []*models.ManagedAgent {
	m.mu.RLock()
	entries := make([]*agentEntry, 0, len(m.agents))
	for _, e := range m.agents {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*models.ManagedAgent, 0, len(entries))
	for _, e := range entries {
		a := m.snapshot(e)
		if orgID != "" && a.OrgID != orgID {
			continue
		}
		out = append(out, a)
	}
	return out
}

// UpdateConfig applies a partial configuration update: the identity,
// model, and deployment groups deep-merge, the rest overlays. The version
// bumps on every accepted update and the record is persisted before the
// caller is acknowledged.
func (m *Manager) UpdateConfig(ctx context.Context, id string, patch *models.ConfigPatch, actor string) (*models.ManagedAgent, error) {
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

	entry.mu.Lock()
	if entry.agent.State == models.StateDestroying {
		entry.mu.Unlock()
		return nil, fmt.Errorf("%w: agent is being destroyed", ErrConflict)
	}
	patch.Apply(&entry.agent.Config)
	entry.agent.Version++
	entry.agent.UpdatedAt = m.clock().UTC()
	becameComplete := entry.agent.State == models.StateDraft && entry.agent.Config.Complete()
	clone := entry.agent.Clone()
	entry.mu.Unlock()

	m.persistAgent(ctx, clone)
	m.emit(clone, models.EventConfigured, map[string]any{"version": clone.Version})

	if becameComplete {
		if err := m.setState(ctx, entry, models.StateReady, "configuration complete", actor, ""); err != nil {
			return nil, err
		}
	}
	return m.snapshot(entry), nil
}

// TransitionLog returns the agent's transition history, preferring the
// persisted log over the bounded in-memory ring.
func (m *Manager) TransitionLog(ctx context.Context, id string, limit int) ([]models.StateTransition, error) {
	entry, ok := m.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()

	if store != nil {
		transitions, err := store.GetStateTransitions(ctx, id, limit)
		if err == nil {
			return transitions, nil
		}
		m.logger.Warn("Falling back to in-memory transition history",
			"agent_id", id, "error", err)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]models.StateTransition, len(entry.agent.StateHistory))
	copy(out, entry.agent.StateHistory)
	return out, nil
}

// snapshot returns a deep copy of the entry's agent under its lock.
func (m *Manager) snapshot(entry *agentEntry) *models.ManagedAgent {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.agent.Clone()
}

// setState performs a validated state transition, records it in history
// and the persisted log, and leaves the record persisted.
func (m *Manager) setState(ctx context.Context, entry *agentEntry, to models.AgentState, reason, actor, errMsg string) error {
	entry.mu.Lock()
	from := entry.agent.State
	if !models.ValidTransition(from, to) {
		entry.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrConflict, from, to)
	}
	t := models.StateTransition{
		From:        from,
		To:          to,
		Reason:      reason,
		TriggeredBy: actor,
		Timestamp:   m.clock().UTC(),
		Error:       errMsg,
	}
	entry.agent.State = to
	entry.agent.AppendTransition(t)
	entry.agent.UpdatedAt = t.Timestamp
	clone := entry.agent.Clone()
	entry.mu.Unlock()

	m.logger.Info("Agent state transition",
		"agent_id", clone.ID, "from", from, "to", to, "reason", reason, "triggered_by", actor)

	m.persistAgent(ctx, clone)
	m.persistTransition(ctx, clone.ID, t)
	return nil
}

// persistAgent writes the record through with bounded retry. Exhausted
// retries log and continue; memory stays authoritative.
func (m *Manager) persistAgent(ctx context.Context, agent *models.ManagedAgent) {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return
	}
	err := resilience.Retry(ctx, m.retry, func() error {
		return store.UpsertManagedAgent(ctx, agent)
	})
	if err != nil {
		m.logger.Error("Failed to persist agent", "agent_id", agent.ID, "error", err)
	}
}

func (m *Manager) persistTransition(ctx context.Context, agentID string, t models.StateTransition) {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return
	}
	err := resilience.Retry(ctx, m.retry, func() error {
		return store.AddStateTransition(ctx, agentID, t)
	})
	if err != nil {
		m.logger.Error("Failed to persist state transition", "agent_id", agentID, "error", err)
	}
}

func (m *Manager) emit(agent *models.ManagedAgent, kind models.EventKind, data map[string]any) {
	m.bus.emit(newEvent(agent, kind, data))
}

// onBudgetAlert forwards enforcer alerts to the event bus.
func (m *Manager) onBudgetAlert(alert models.BudgetAlert, warning bool) {
	kind := models.EventBudgetExceeded
	if warning {
		kind = models.EventBudgetWarning
	}
	m.bus.emit(models.LifecycleEvent{
		ID:      uuid.NewString(),
		AgentID: alert.AgentID,
		OrgID:   alert.OrgID,
		Kind:    kind,
		Data: map[string]any{
			"alert_kind":    string(alert.AlertKind),
			"budget_kind":   string(alert.BudgetKind),
			"current_value": alert.CurrentValue,
			"limit_value":   alert.LimitValue,
		},
		Timestamp: alert.CreatedAt,
	})
}

// onForceStop is the enforcer's hard-cap callback. The stop runs on its
// own goroutine because the enforcer fires while the agent's lock is
// held.
func (m *Manager) onForceStop(agentID, reason string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Stop(context.Background(), agentID, m.identity, reason); err != nil {
			m.logger.Error("Forced stop failed", "agent_id", agentID, "reason", reason, "error", err)
		}
	}()
}

// Shutdown stops schedulers and health loops and flushes pending usage.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	m.dirtyMu.Lock()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	m.dirtyMu.Unlock()

	m.flush(ctx)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
