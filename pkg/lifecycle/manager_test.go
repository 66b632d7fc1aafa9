package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/pkg/budget"
	"github.com/agentfleet/fleetd/pkg/deploy"
	"github.com/agentfleet/fleetd/pkg/models"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu          sync.Mutex
	agents      map[string]*models.ManagedAgent
	transitions map[string][]models.StateTransition
	executed    int
	upsertErr   error
}

func newMemStore() *memStore {
	return &memStore{
		agents:      make(map[string]*models.ManagedAgent),
		transitions: make(map[string][]models.StateTransition),
	}
}

func (s *memStore) UpsertManagedAgent(_ context.Context, agent *models.ManagedAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.agents[agent.ID] = agent.Clone()
	return nil
}

func (s *memStore) DeleteManagedAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	return nil
}

func (s *memStore) GetAllManagedAgents(_ context.Context) ([]*models.ManagedAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ManagedAgent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (s *memStore) AddStateTransition(_ context.Context, agentID string, t models.StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[agentID] = append(s.transitions[agentID], t)
	return nil
}

func (s *memStore) GetStateTransitions(_ context.Context, agentID string, _ int) ([]models.StateTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StateTransition, len(s.transitions[agentID]))
	copy(out, s.transitions[agentID])
	return out, nil
}

func (s *memStore) Execute(_ context.Context, _ string, _ ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed++
	return nil
}

func (s *memStore) persistedTransitions(agentID string) []models.StateTransition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StateTransition, len(s.transitions[agentID]))
	copy(out, s.transitions[agentID])
	return out
}

func (s *memStore) persistedAgent(agentID string) *models.ManagedAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil
	}
	return a.Clone()
}

// scriptDeployer is a controllable Deployer for tests.
type scriptDeployer struct {
	mu         sync.Mutex
	status     deploy.Status
	statusErr  error
	deployErr  error
	restartErr error
	updateErr  error
	calls      []string
}

func (d *scriptDeployer) setStatus(status deploy.Status, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
	d.statusErr = err
}

func (d *scriptDeployer) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *scriptDeployer) callCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (d *scriptDeployer) Deploy(_ context.Context, _ string, _ models.AgentConfig, progress deploy.ProgressFunc) error {
	d.record("deploy")
	if d.deployErr != nil {
		return d.deployErr
	}
	progress("deploying", "workload accepted")
	progress("starting", "workload starting")
	return nil
}

func (d *scriptDeployer) Stop(_ context.Context, _ string, _ models.AgentConfig) error {
	d.record("stop")
	return nil
}

func (d *scriptDeployer) Restart(_ context.Context, _ string, _ models.AgentConfig) error {
	d.record("restart")
	return d.restartErr
}

func (d *scriptDeployer) UpdateConfig(_ context.Context, _ string, _ models.AgentConfig) error {
	d.record("update")
	return d.updateErr
}

func (d *scriptDeployer) GetStatus(_ context.Context, _ string, _ models.AgentConfig) (deploy.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, d.statusErr
}

func completeConfig() models.AgentConfig {
	return models.AgentConfig{
		Name:                "support-bot",
		DisplayName:         "Support Bot",
		Identity:            models.AgentIdentity{Role: "support engineer"},
		Model:               models.ModelRef{Provider: "anthropic", ModelID: "claude-sonnet-4"},
		Deployment:          models.DeploymentSpec{Target: "container", Image: "agents/support:1"},
		PermissionProfileID: "prof-1",
	}
}

type testRig struct {
	m        *Manager
	store    *memStore
	deployer *scriptDeployer
	enforcer *budget.Enforcer
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store := newMemStore()
	deployer := &scriptDeployer{}
	enforcer := budget.NewEnforcer(nil)
	m := NewManager(deployer, enforcer, Options{
		HealthInterval:     time.Hour, // ticks driven manually in tests
		FlushInterval:      time.Hour,
		WaitHealthyTimeout: 100 * time.Millisecond,
		WaitHealthyPoll:    10 * time.Millisecond,
	})
	require.NoError(t, m.SetStore(context.Background(), store))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &testRig{m: m, store: store, deployer: deployer, enforcer: enforcer}
}

func (r *testRig) createReady(t *testing.T) *models.ManagedAgent {
	t.Helper()
	agent, err := r.m.CreateAgent(context.Background(), "org-1", completeConfig(), "admin")
	require.NoError(t, err)
	require.Equal(t, models.StateReady, agent.State)
	return agent
}

func (r *testRig) createRunning(t *testing.T) *models.ManagedAgent {
	t.Helper()
	agent := r.createReady(t)
	r.deployer.setStatus(deploy.Status{Running: true, Healthy: true, Detail: "running"}, nil)
	require.NoError(t, r.m.Deploy(context.Background(), agent.ID, "admin"))
	got, err := r.m.GetAgent(agent.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateRunning, got.State)
	return got
}

func (r *testRig) collectEvents() (*[]models.LifecycleEvent, func()) {
	events := &[]models.LifecycleEvent{}
	var mu sync.Mutex
	unsub := r.m.Subscribe(func(e models.LifecycleEvent) {
		mu.Lock()
		defer mu.Unlock()
		*events = append(*events, e)
	})
	return events, unsub
}

func eventKinds(events *[]models.LifecycleEvent) []models.EventKind {
	kinds := make([]models.EventKind, 0, len(*events))
	for _, e := range *events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestManager_CreateAgent(t *testing.T) {
	r := newTestRig(t)

	t.Run("complete config lands ready", func(t *testing.T) {
		agent, err := r.m.CreateAgent(context.Background(), "org-1", completeConfig(), "admin")
		require.NoError(t, err)
		assert.Equal(t, models.StateReady, agent.State)
		require.Len(t, agent.StateHistory, 1)
		assert.Equal(t, models.StateDraft, agent.StateHistory[0].From)
		assert.Equal(t, models.StateReady, agent.StateHistory[0].To)
		assert.NotNil(t, r.store.persistedAgent(agent.ID))
	})

	t.Run("incomplete config stays draft", func(t *testing.T) {
		cfg := completeConfig()
		cfg.PermissionProfileID = ""
		agent, err := r.m.CreateAgent(context.Background(), "org-1", cfg, "admin")
		require.NoError(t, err)
		assert.Equal(t, models.StateDraft, agent.State)
		assert.Empty(t, agent.StateHistory)
	})

	t.Run("missing org rejected", func(t *testing.T) {
		_, err := r.m.CreateAgent(context.Background(), "", completeConfig(), "admin")
		assert.True(t, IsValidationError(err))
	})

	t.Run("missing name rejected", func(t *testing.T) {
		cfg := completeConfig()
		cfg.Name = ""
		_, err := r.m.CreateAgent(context.Background(), "org-1", cfg, "admin")
		assert.True(t, IsValidationError(err))
	})
}

func TestManager_WritesRejectedBeforeStoreWired(t *testing.T) {
	m := NewManager(&scriptDeployer{}, nil, Options{})
	_, err := m.CreateAgent(context.Background(), "org-1", completeConfig(), "admin")
	assert.ErrorIs(t, err, ErrInitializing)
	assert.False(t, m.Ready())
}

func TestManager_UpdateConfig(t *testing.T) {
	r := newTestRig(t)
	agent := r.createReady(t)

	t.Run("empty patch only bumps version", func(t *testing.T) {
		updated, err := r.m.UpdateConfig(context.Background(), agent.ID, &models.ConfigPatch{}, "admin")
		require.NoError(t, err)
		assert.Equal(t, agent.Version+1, updated.Version)
		assert.Equal(t, agent.Config.Name, updated.Config.Name)
	})

	t.Run("nested groups deep-merge", func(t *testing.T) {
		tone := "warm"
		updated, err := r.m.UpdateConfig(context.Background(), agent.ID, &models.ConfigPatch{
			Identity: &models.IdentityPatch{Tone: &tone},
		}, "admin")
		require.NoError(t, err)
		assert.Equal(t, "warm", updated.Config.Identity.Tone)
		// Sibling fields in the identity group survive.
		assert.Equal(t, "support engineer", updated.Config.Identity.Role)
	})

	t.Run("draft promotes to ready when patch completes it", func(t *testing.T) {
		cfg := completeConfig()
		cfg.PermissionProfileID = ""
		draft, err := r.m.CreateAgent(context.Background(), "org-1", cfg, "admin")
		require.NoError(t, err)
		require.Equal(t, models.StateDraft, draft.State)

		profile := "prof-1"
		updated, err := r.m.UpdateConfig(context.Background(), draft.ID, &models.ConfigPatch{
			PermissionProfileID: &profile,
		}, "admin")
		require.NoError(t, err)
		assert.Equal(t, models.StateReady, updated.State)
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := r.m.UpdateConfig(context.Background(), "ghost", &models.ConfigPatch{}, "admin")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestManager_DeployHappyPath(t *testing.T) {
	r := newTestRig(t)
	agent := r.createReady(t)
	r.deployer.setStatus(deploy.Status{Running: true, Healthy: true, Detail: "running"}, nil)

	require.NoError(t, r.m.Deploy(context.Background(), agent.ID, "admin"))

	got, err := r.m.GetAgent(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, got.State)
	require.NotNil(t, got.LastDeployedAt)
	assert.True(t, r.m.healthLoopRunning(agent.ID))

	var path []models.AgentState
	for _, tr := range r.store.persistedTransitions(agent.ID) {
		path = append(path, tr.To)
	}
	assert.Equal(t, []models.AgentState{
		models.StateReady, models.StateProvisioning, models.StateDeploying,
		models.StateStarting, models.StateRunning,
	}, path)
}

func TestManager_DeployFailure(t *testing.T) {
	r := newTestRig(t)
	agent := r.createReady(t)
	r.deployer.deployErr = errors.New("image pull failed")

	err := r.m.Deploy(context.Background(), agent.ID, "admin")
	require.Error(t, err)

	got, _ := r.m.GetAgent(agent.ID)
	assert.Equal(t, models.StateError, got.State)
	assert.False(t, r.m.healthLoopRunning(agent.ID))

	transitions := r.store.persistedTransitions(agent.ID)
	last := transitions[len(transitions)-1]
	assert.Equal(t, models.StateError, last.To)
	assert.Contains(t, last.Error, "image pull failed")
}

func TestManager_DeployUnhealthySettlesDegraded(t *testing.T) {
	r := newTestRig(t)
	agent := r.createReady(t)
	r.deployer.setStatus(deploy.Status{Running: true, Healthy: false, Detail: "starting"}, nil)

	require.NoError(t, r.m.Deploy(context.Background(), agent.ID, "admin"))

	got, _ := r.m.GetAgent(agent.ID)
	assert.Equal(t, models.StateDegraded, got.State)
	assert.True(t, r.m.healthLoopRunning(agent.ID))
}

func TestManager_DeployConflicts(t *testing.T) {
	r := newTestRig(t)
	agent := r.createRunning(t)

	err := r.m.Deploy(context.Background(), agent.ID, "admin")
	assert.ErrorIs(t, err, ErrConflict)

	err = r.m.Deploy(context.Background(), "ghost", "admin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_StopFromRunning(t *testing.T) {
	r := newTestRig(t)
	agent := r.createRunning(t)

	require.NoError(t, r.m.Stop(context.Background(), agent.ID, "admin", "maintenance"))

	got, _ := r.m.GetAgent(agent.ID)
	assert.Equal(t, models.StateStopped, got.State)
	assert.False(t, r.m.healthLoopRunning(agent.ID))

	var found bool
	for _, tr := range r.store.persistedTransitions(agent.ID) {
		if tr.From == models.StateRunning && tr.To == models.StateStopped {
			found = true
			assert.Equal(t, "maintenance", tr.Reason)
		}
	}
	assert.True(t, found, "expected persisted running -> stopped transition")
}

func TestManager_HealthDegradeAndRecover(t *testing.T) {
	r := newTestRig(t)
	agent := r.createRunning(t)
	entry, ok := r.m.entry(agent.ID)
	require.True(t, ok)
	events, unsub := r.collectEvents()
	defer unsub()

	ctx := context.Background()
	r.deployer.setStatus(deploy.Status{Running: false, Detail: "no response"}, nil)

	r.m.healthCheck(ctx, entry, agent.ID)
	got, _ := r.m.GetAgent(agent.ID)
	assert.Equal(t, models.StateRunning, got.State, "one failure does not demote")

	r.m.healthCheck(ctx, entry, agent.ID)
	got, _ = r.m.GetAgent(agent.ID)
	assert.Equal(t, models.StateDegraded, got.State)
	assert.Equal(t, 2, got.Health.ConsecutiveFailures)

	r.deployer.setStatus(deploy.Status{Running: true, Healthy: true, Detail: "running"}, nil)
	r.m.healthCheck(ctx, entry, agent.ID)
	got, _ = r.m.GetAgent(agent.ID)
	assert.Equal(t, models.StateRunning, got.State)
	assert.Equal(t, 0, got.Health.ConsecutiveFailures)
	assert.Contains(t, eventKinds(events), models.EventAutoRecovered)
}

func TestManager_HealthAutoRestartAtFiveFailures(t *testing.T) {
	r := newTestRig(t)
	agent := r.createRunning(t)
	entry, ok := r.m.entry(agent.ID)
	require.True(t, ok)

	ctx := context.Background()
	r.deployer.setStatus(deploy.Status{Running: false, Detail: "dead"}, nil)

	for i := 0; i < 4; i++ {
		r.m.healthCheck(ctx, entry, agent.ID)
	}
	assert.Equal(t, 0, r.deployer.callCount("restart"), "no restart before the fifth failure")

	r.m.healthCheck(ctx, entry, agent.ID)
	assert.Equal(t, 1, r.deployer.callCount("restart"))

	got, _ := r.m.GetAgent(agent.ID)
	assert.Equal(t, models.StateStarting, got.State)
	assert.Equal(t, 0, got.Health.ConsecutiveFailures)

	// Recovery: the next healthy probe promotes starting to running.
	r.deployer.setStatus(deploy.Status{Running: true, Healthy: true, Detail: "running"}, nil)
	r.m.healthCheck(ctx, entry, agent.ID)
	got, _ = r.m.GetAgent(agent.ID)
	assert.Equal(t, models.StateRunning, got.State)
}

func TestManager_HealthAutoRestartFailureLandsError(t *testing.T) {
	r := newTestRig(t)
	agent := r.createRunning(t)
	entry, ok := r.m.entry(agent.ID)
	require.True(t, ok)

	ctx := context.Background()
	r.deployer.setStatus(deploy.Status{Running: false, Detail: "dead"}, nil)
	r.deployer.restartErr = errors.New("host unreachable")

	for i := 0; i < 5; i++ {
		r.m.healthCheck(ctx, entry, agent.ID)
	}

	got, _ := r.m.GetAgent(agent.ID)
	assert.Equal(t, models.StateError, got.State)
	assert.False(t, r.m.healthLoopRunning(agent.ID))
}

func TestManager_HealthAutoRestartRetriesFromStarting(t *testing.T) {
	r := newTestRig(t)
	agent := r.createRunning(t)
	entry, ok := r.m.entry(agent.ID)
	require.True(t, ok)

	ctx := context.Background()
	r.deployer.setStatus(deploy.Status{Running: false, Detail: "dead"}, nil)

	for i := 0; i < 5; i++ {
		r.m.healthCheck(ctx, entry, agent.ID)
	}
	require.Equal(t, 1, r.deployer.callCount("restart"))

	// The workload stays unhealthy after the first restart: the next
	// escalation restarts again instead of wedging in starting.
	for i := 0; i < 5; i++ {
		r.m.healthCheck(ctx, entry, agent.ID)
	}
	assert.Equal(t, 2, r.deployer.callCount("restart"))

	got, _ := r.m.GetAgent(agent.ID)
	assert.Equal(t, models.StateStarting, got.State)
	assert.Equal(t, 0, got.Health.ConsecutiveFailures)

	r.deployer.setStatus(deploy.Status{Running: true, Healthy: true, Detail: "running"}, nil)
	r.m.healthCheck(ctx, entry, agent.ID)
	got, _ = r.m.GetAgent(agent.ID)
	assert.Equal(t, models.StateRunning, got.State)
}

func TestManager_BudgetForceStop(t *testing.T) {
	r := newTestRig(t)
	agent := r.createRunning(t)

	entry, ok := r.m.entry(agent.ID)
	require.True(t, ok)
	entry.mu.Lock()
	entry.agent.Budget = &models.BudgetConfig{DailyCostCapUSD: 1.00}
	entry.mu.Unlock()

	// Stay under the 50% warning threshold until the crossing call so the
	// cap breach is the only alert fired.
	ctx := context.Background()
	require.NoError(t, r.m.RecordToolCall(ctx, agent.ID, models.ToolCall{ToolID: "search", CostUSD: 0.30}))
	require.NoError(t, r.m.RecordToolCall(ctx, agent.ID, models.ToolCall{ToolID: "search", CostUSD: 0.19}))
	require.NoError(t, r.m.RecordToolCall(ctx, agent.ID, models.ToolCall{ToolID: "search", CostUSD: 0.60}))

	require.Eventually(t, func() bool {
		got, err := r.m.GetAgent(agent.ID)
		return err == nil && got.State == models.StateStopped
	}, 2*time.Second, 10*time.Millisecond)

	var stopReason string
	for _, tr := range r.store.persistedTransitions(agent.ID) {
		if tr.To == models.StateStopped {
			stopReason = tr.Reason
		}
	}
	assert.Equal(t, "Daily cost budget exceeded", stopReason)
	assert.Len(t, r.enforcer.RecentAlerts(agent.ID, 10), 1)
}

func TestManager_HotUpdatePreservesState(t *testing.T) {
	r := newTestRig(t)
	agent := r.createRunning(t)
	tone := "warm"

	updated, err := r.m.HotUpdate(context.Background(), agent.ID, &models.ConfigPatch{
		Identity: &models.IdentityPatch{Tone: &tone},
	}, "admin")
	require.NoError(t, err)

	assert.Equal(t, models.StateRunning, updated.State)
	assert.Equal(t, agent.Version+1, updated.Version)
	assert.Equal(t, "warm", updated.Config.Identity.Tone)
	assert.Equal(t, 1, r.deployer.callCount("update"))

	persisted := r.store.persistedAgent(agent.ID)
	require.NotNil(t, persisted)
	assert.Equal(t, "warm", persisted.Config.Identity.Tone)
}

func TestManager_HotUpdateConflictWhenNotActive(t *testing.T) {
	r := newTestRig(t)
	agent := r.createReady(t)
	_, err := r.m.HotUpdate(context.Background(), agent.ID, &models.ConfigPatch{}, "admin")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestManager_HotUpdateFailureLandsDegraded(t *testing.T) {
	r := newTestRig(t)
	agent := r.createRunning(t)
	r.deployer.updateErr = errors.New("config rejected")

	_, err := r.m.HotUpdate(context.Background(), agent.ID, &models.ConfigPatch{}, "admin")
	require.Error(t, err)

	got, _ := r.m.GetAgent(agent.ID)
	assert.Equal(t, models.StateDegraded, got.State)
}

func TestManager_Destroy(t *testing.T) {
	r := newTestRig(t)
	agent := r.createRunning(t)

	require.NoError(t, r.m.Destroy(context.Background(), agent.ID, "admin"))

	_, err := r.m.GetAgent(agent.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, r.store.persistedAgent(agent.ID))
	assert.Equal(t, 1, r.deployer.callCount("stop"))

	// Destroying again is not-found, not fatal.
	assert.ErrorIs(t, r.m.Destroy(context.Background(), agent.ID, "admin"), ErrNotFound)
}

func TestManager_RecordToolCallMarksDirtyUntilFlush(t *testing.T) {
	r := newTestRig(t)
	agent := r.createRunning(t)

	require.NoError(t, r.m.RecordToolCall(context.Background(), agent.ID, models.ToolCall{
		ToolID: "search", TokensUsed: 50, CostUSD: 0.01,
	}))
	assert.Equal(t, 1, r.m.dirtyCount())

	r.m.flush(context.Background())
	assert.Equal(t, 0, r.m.dirtyCount())

	persisted := r.store.persistedAgent(agent.ID)
	require.NotNil(t, persisted)
	assert.Equal(t, int64(50), persisted.Usage.TokensToday)
}

func TestManager_UsageWritesBumpVersion(t *testing.T) {
	r := newTestRig(t)
	agent := r.createRunning(t)
	base := agent.Version

	require.NoError(t, r.m.RecordToolCall(context.Background(), agent.ID, models.ToolCall{
		ToolID: "search", TokensUsed: 10, CostUSD: 0.01,
	}))
	got, _ := r.m.GetAgent(agent.ID)
	assert.Equal(t, base+1, got.Version)

	r.m.RolloverDaily(context.Background())
	got, _ = r.m.GetAgent(agent.ID)
	assert.Equal(t, base+2, got.Version)

	r.m.flush(context.Background())
	persisted := r.store.persistedAgent(agent.ID)
	require.NotNil(t, persisted)
	assert.Equal(t, base+2, persisted.Version)
}

func TestManager_RolloverDaily(t *testing.T) {
	r := newTestRig(t)
	agent := r.createRunning(t)
	require.NoError(t, r.m.RecordToolCall(context.Background(), agent.ID, models.ToolCall{TokensUsed: 100, CostUSD: 1}))
	r.m.flush(context.Background())

	r.m.RolloverDaily(context.Background())

	got, _ := r.m.GetAgent(agent.ID)
	assert.Zero(t, got.Usage.TokensToday)
	assert.Zero(t, got.Usage.CostTodayUSD)
	assert.Equal(t, int64(100), got.Usage.TokensMonth, "monthly bucket survives daily rollover")
	assert.Equal(t, 1, r.m.dirtyCount())
}

func TestManager_Birthday(t *testing.T) {
	r := newTestRig(t)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	dob := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	cfg := completeConfig()
	cfg.Identity.DateOfBirth = &dob
	agent, err := r.m.CreateAgent(context.Background(), "org-1", cfg, "admin")
	require.NoError(t, err)

	events, unsub := r.collectEvents()
	defer unsub()

	var hookAges []int
	r.m.SetBirthdayHook(func(a *models.ManagedAgent, age int) {
		assert.Equal(t, agent.ID, a.ID)
		hookAges = append(hookAges, age)
	})

	r.m.checkBirthdays(now)
	r.m.checkBirthdays(now.Add(time.Hour)) // same day, idempotent

	assert.Equal(t, []int{2}, hookAges)
	birthdays := 0
	for _, e := range *events {
		if e.Kind == models.EventBirthday {
			birthdays++
		}
	}
	assert.Equal(t, 1, birthdays)

	// Next year fires again, one year older.
	r.m.checkBirthdays(now.AddDate(1, 0, 0))
	assert.Equal(t, []int{2, 3}, hookAges)
}

func TestManager_EventSubscription(t *testing.T) {
	r := newTestRig(t)

	var first, second []models.EventKind
	var mu sync.Mutex
	unsub1 := r.m.Subscribe(func(e models.LifecycleEvent) {
		mu.Lock()
		defer mu.Unlock()
		first = append(first, e.Kind)
		panic("listener bug") // must not break dispatch to siblings
	})
	defer unsub1()
	unsub2 := r.m.Subscribe(func(e models.LifecycleEvent) {
		mu.Lock()
		defer mu.Unlock()
		second = append(second, e.Kind)
	})

	r.createReady(t)
	mu.Lock()
	assert.Contains(t, first, models.EventCreated)
	assert.Contains(t, second, models.EventCreated)
	firstLen := len(second)
	mu.Unlock()

	unsub2()
	r.createReady(t)
	mu.Lock()
	assert.Len(t, second, firstLen, "unsubscribed listener receives nothing")
	mu.Unlock()
}

func TestManager_SetStoreReattachesHealthLoops(t *testing.T) {
	store := newMemStore()
	running := &models.ManagedAgent{
		ID: "orphan-1", OrgID: "org-1", State: models.StateRunning,
		Config: completeConfig(),
	}
	stopped := &models.ManagedAgent{
		ID: "orphan-2", OrgID: "org-1", State: models.StateStopped,
		Config: completeConfig(),
	}
	require.NoError(t, store.UpsertManagedAgent(context.Background(), running))
	require.NoError(t, store.UpsertManagedAgent(context.Background(), stopped))

	m := NewManager(&scriptDeployer{}, nil, Options{HealthInterval: time.Hour})
	require.NoError(t, m.SetStore(context.Background(), store))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	assert.True(t, m.healthLoopRunning("orphan-1"))
	assert.False(t, m.healthLoopRunning("orphan-2"))
	assert.Len(t, m.ListAgents(""), 2)
}

func TestManager_ListAgentsFiltersByOrg(t *testing.T) {
	r := newTestRig(t)
	r.createReady(t)

	cfg := completeConfig()
	agent2, err := r.m.CreateAgent(context.Background(), "org-2", cfg, "admin")
	require.NoError(t, err)

	all := r.m.ListAgents("")
	assert.Len(t, all, 2)

	org2 := r.m.ListAgents("org-2")
	require.Len(t, org2, 1)
	assert.Equal(t, agent2.ID, org2[0].ID)
}

func TestManager_TransitionLog(t *testing.T) {
	r := newTestRig(t)
	agent := r.createRunning(t)

	log, err := r.m.TransitionLog(context.Background(), agent.ID, 50)
	require.NoError(t, err)
	require.NotEmpty(t, log)
	assert.Equal(t, models.StateDraft, log[0].From)

	_, err = r.m.TransitionLog(context.Background(), "ghost", 50)
	assert.ErrorIs(t, err, ErrNotFound)
}
